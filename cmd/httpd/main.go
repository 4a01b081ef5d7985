package main

import (
	"flag"
	"log"

	"github.com/kfcemployee/httpd/server"
	"github.com/kfcemployee/httpd/server/protocol"
)

func main() {
	service := flag.String("port", "8080", "service port to listen on")
	host := flag.String("host", "127.0.0.1", "address to bind")
	flag.Parse()

	srv := server.New()
	srv.RegisterHandler(protocol.Get, "/", func(request *protocol.Request) protocol.Response {
		return protocol.BuildBody(protocol.StatusOK, []byte("hello\n"))
	})
	srv.RegisterHandler(protocol.Post, "/echo", func(request *protocol.Request) protocol.Response {
		return protocol.BuildBody(protocol.StatusOK, request.Body())
	})

	if err := srv.Serve(*service, *host); err != nil {
		log.Fatal(err)
	}
}
