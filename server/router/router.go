package router

import (
	"log"

	"github.com/kfcemployee/httpd/server/protocol"
)

// Callback handles one parsed request and returns the response to
// serialize. Callbacks run inline on the event loop and must return
// promptly.
type Callback func(*protocol.Request) protocol.Response

type handler struct {
	method   protocol.Method
	callback Callback
}

// Router maps exact request URLs to method handlers. It is populated
// before the server starts and read only afterwards, so lookups need
// no synchronization.
type Router struct {
	handlers map[string][]handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string][]handler)}
}

// Register adds a callback for the pair. A pair that is already
// registered is left untouched.
func (r *Router) Register(method protocol.Method, url string, callback Callback) {
	for _, h := range r.handlers[url] {
		if h.method == method {
			return
		}
	}
	r.handlers[url] = append(r.handlers[url], handler{method: method, callback: callback})
}

func (r *Router) CountHandlers() int {
	count := 0
	for _, hs := range r.handlers {
		count += len(hs)
	}
	return count
}

// Dispatch finds the handler matching the request url byte for byte
// and its method, and invokes it. Misses produce an empty 404. A
// panicking callback produces an empty 500 instead of killing the
// event loop.
func (r *Router) Dispatch(request *protocol.Request) protocol.Response {
	for _, h := range r.handlers[request.URL()] {
		if h.method == request.Method() {
			return invoke(h.callback, request)
		}
	}
	return protocol.Build(protocol.StatusNotFound)
}

func invoke(callback Callback, request *protocol.Request) (response protocol.Response) {
	defer func() {
		if cause := recover(); cause != nil {
			log.Printf("handler panic on %s %s: %v", request.Method(), request.URL(), cause)
			response = protocol.Build(protocol.StatusInternalServerError)
		}
	}()
	return callback(request)
}
