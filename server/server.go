package server

import (
	"fmt"
	"log"
	"strings"
	"syscall"

	"github.com/kfcemployee/httpd/server/engine"
	"github.com/kfcemployee/httpd/server/protocol"
	"github.com/kfcemployee/httpd/server/router"
)

// Server runs the single threaded event loop: one epoll instance
// multiplexing the listener, a signal descriptor, a sweep timer and
// every accepted connection. All state is owned by the loop goroutine.
type Server struct {
	running     bool
	listener    *engine.Socket
	router      *router.Router
	epoll       *engine.Epoll
	connections map[int]*Connection
	signals     *engine.SignalFd
	timer       *engine.Timer
}

func New() *Server {
	return &Server{
		listener:    engine.NewSocket(),
		router:      router.NewRouter(),
		epoll:       engine.NewEpoll(),
		connections: make(map[int]*Connection),
	}
}

// RegisterHandler adds a callback for the method and url pair. The
// registry is frozen once Serve starts; late registrations are
// ignored.
func (s *Server) RegisterHandler(method protocol.Method, url string, callback router.Callback) {
	if s.running {
		return
	}
	s.router.Register(method, url, callback)
}

func (s *Server) CountConnections() int {
	return len(s.connections)
}

// Serve binds the listener and runs the event loop until SIGINT or
// SIGTERM arrives or a fatal error occurs.
func (s *Server) Serve(service, host string) error {
	if err := s.listener.Listen(service, host); err != nil {
		return fmt.Errorf("listen on %s:%s: %w", host, service, err)
	}
	if err := s.listener.Unblock(); err != nil {
		s.listener.Close()
		return fmt.Errorf("unblock listener: %w", err)
	}
	if err := s.epoll.Create(); err != nil {
		s.listener.Close()
		return fmt.Errorf("create epoll: %w", err)
	}
	signals, err := engine.OpenSignals(syscall.SIGINT, syscall.SIGTERM)
	if err != nil {
		s.listener.Close()
		s.epoll.Release()
		return fmt.Errorf("open signal descriptor: %w", err)
	}
	s.signals = signals
	timer, err := engine.OpenTimer()
	if err != nil {
		s.cleanup()
		return fmt.Errorf("open timer: %w", err)
	}
	s.timer = timer
	if err := s.timer.Unblock(); err != nil {
		s.cleanup()
		return fmt.Errorf("unblock timer: %w", err)
	}
	if err := s.timer.Schedule(connectionTimeout); err != nil {
		s.cleanup()
		return fmt.Errorf("arm timer: %w", err)
	}
	for _, fd := range []int{s.listener.Descriptor(), s.signals.Descriptor(), s.timer.Descriptor()} {
		if err := s.epoll.AddReadable(fd); err != nil {
			s.cleanup()
			return fmt.Errorf("register descriptor %d: %w", fd, err)
		}
	}

	log.Printf("serving on %s:%s with %d handlers", s.listener.Host(), s.listener.Service(), s.router.CountHandlers())
	s.running = true
	var fatal error
	for s.running {
		count, err := s.epoll.Wait(-1)
		if err != nil {
			fatal = fmt.Errorf("wait: %w", err)
			break
		}
		for i := 0; i < count; i++ {
			switch fd := s.epoll.Descriptor(i); fd {
			case s.timer.Descriptor():
				s.onTimer()
			case s.signals.Descriptor():
				s.onSignal()
			case s.listener.Descriptor():
				if err := s.onListener(i); err != nil {
					fatal = err
					s.running = false
				}
			default:
				s.onConnection(i, fd)
			}
		}
	}
	s.cleanup()
	log.Printf("server stopped")
	return fatal
}

// onTimer drains the expiration counter and sweeps idle connections.
func (s *Server) onTimer() {
	s.timer.Drain()
	now := nowMillis()
	for fd, connection := range s.connections {
		if connection.IsExpired(now) {
			s.deleteConnection(fd)
		}
	}
}

func (s *Server) onSignal() {
	for _, sig := range s.signals.Drain() {
		if sig == syscall.SIGINT || sig == syscall.SIGTERM {
			log.Printf("received %v, shutting down", sig)
			s.running = false
		}
	}
}

// onListener accepts one connection, or recreates the listener once
// after an error condition on it.
func (s *Server) onListener(i int) error {
	if s.epoll.HasErrors(i) || !s.listener.IsGood() {
		return s.recreateListener()
	}
	s.accept()
	return nil
}

// accept takes one pending connection, marks it nonblocking before it
// ever enters the interest set and tracks it by descriptor.
func (s *Server) accept() {
	client, err := s.listener.Accept()
	if err != nil {
		return
	}
	if err := client.Unblock(); err != nil {
		client.Close()
		return
	}
	if err := s.epoll.AddReadable(client.Descriptor()); err != nil {
		client.Close()
		return
	}
	s.connections[client.Descriptor()] = NewConnection(client)
}

func (s *Server) recreateListener() error {
	service, host := s.listener.Service(), s.listener.Host()
	s.epoll.DeleteDescriptor(s.listener.Descriptor())
	s.listener.Close()
	if err := s.listener.Listen(service, host); err != nil {
		return fmt.Errorf("recreate listener: %w", err)
	}
	if err := s.listener.Unblock(); err != nil {
		return fmt.Errorf("recreate listener: %w", err)
	}
	if err := s.epoll.AddReadable(s.listener.Descriptor()); err != nil {
		return fmt.Errorf("recreate listener: %w", err)
	}
	log.Printf("listener recreated on %s:%s", host, service)
	return nil
}

func (s *Server) onConnection(i, fd int) {
	connection, ok := s.connections[fd]
	if !ok {
		s.epoll.DeleteDescriptor(fd)
		return
	}
	if s.epoll.HasErrors(i) || !connection.IsGood() {
		s.deleteConnection(fd)
		return
	}
	if s.epoll.IsReadable(i) {
		s.onReadable(i, fd, connection)
	} else if s.epoll.IsWritable(i) {
		s.onWritable(i, fd, connection)
	}
}

// onReadable pulls bytes, advances the parse and, once a request is
// complete, dispatches it and flips interest to write readiness.
func (s *Server) onReadable(i, fd int, connection *Connection) {
	if connection.Stage() == protocol.StageEnd {
		s.deleteConnection(fd)
		return
	}
	connection.Reader().ReadSome(0)
	if connection.Reader().HasErrors() {
		s.deleteConnection(fd)
		return
	}
	connection.Parse()
	switch connection.Stage() {
	case protocol.StageFailed:
		s.deleteConnection(fd)
	case protocol.StageEnd:
		if len(connection.Reader().Buffer()) > 0 {
			// bytes past the request end mean pipelining, which is
			// not supported; drop them with the connection
			connection.Reader().Clear()
			s.deleteConnection(fd)
			return
		}
		response := s.router.Dispatch(connection.Request())
		connection.Writer().Write([]byte(response.String()))
		if s.epoll.SetWritable(i) != nil {
			s.deleteConnection(fd)
		}
	}
}

// onWritable drains the pending response. Once empty the connection
// either restarts for keep-alive or goes away.
func (s *Server) onWritable(i, fd int, connection *Connection) {
	connection.Writer().SendSome()
	if connection.Writer().HasErrors() {
		s.deleteConnection(fd)
		return
	}
	if !connection.Writer().IsEmpty() {
		return
	}
	if strings.ToLower(connection.Request().Header("connection")) == "keep-alive" {
		connection.Restart()
		if s.epoll.SetReadable(i) != nil {
			s.deleteConnection(fd)
		}
		return
	}
	s.deleteConnection(fd)
}

// deleteConnection deregisters first so no further event can arrive
// for a closed descriptor.
func (s *Server) deleteConnection(fd int) {
	connection, ok := s.connections[fd]
	if !ok {
		return
	}
	s.epoll.DeleteDescriptor(fd)
	connection.Close()
	delete(s.connections, fd)
}

func (s *Server) cleanup() {
	if s.timer != nil {
		s.timer.Clear()
		s.timer.Close()
		s.timer = nil
	}
	if s.signals != nil {
		s.signals.Close()
		s.signals = nil
	}
	s.listener.Close()
	for fd := range s.connections {
		s.deleteConnection(fd)
	}
	s.epoll.Release()
	s.running = false
}
