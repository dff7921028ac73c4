// Package httpserver keeps a process alive while its HTTP server is in use.
//
// Attaching resets the watchdog on every new connection and request, holds
// shutdown while any connection is busy, and shuts the server down gracefully
// as a cleanup. Idle keep-alive connections do not hold shutdown.
package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/core-tools/hsu-autoshutdown/pkg/watchdog"
)

// AttachmentType is the name under which the adapter is registered
const AttachmentType = "http"

func init() {
	watchdog.RegisterAttachmentType(AttachmentType, func(w *watchdog.Watchdog, resource any) error {
		s, ok := resource.(*Server)
		if !ok {
			return fmt.Errorf("expected *httpserver.Server, got %T", resource)
		}
		Attach(w, s)
		return nil
	})
}

type EventType int

const (
	EventConnection EventType = iota
	EventRequest
)

// Server tracks the connections and requests of an http.Server
type Server struct {
	*http.Server

	mutex       sync.Mutex
	connections map[net.Conn]http.ConnState
	subscribers map[int]func(EventType)
	nextID      int
}

// New instruments server. It must be called before the server starts serving.
// Existing ConnState and Handler values are preserved.
func New(server *http.Server) *Server {
	s := &Server{
		Server:      server,
		connections: make(map[net.Conn]http.ConnState),
		subscribers: make(map[int]func(EventType)),
	}

	previousConnState := server.ConnState
	server.ConnState = func(conn net.Conn, state http.ConnState) {
		s.trackConnection(conn, state)
		if previousConnState != nil {
			previousConnState(conn, state)
		}
	}

	handler := server.Handler
	if handler == nil {
		handler = http.DefaultServeMux
	}
	server.Handler = http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		s.emit(EventRequest)
		handler.ServeHTTP(rw, r)
	})

	return s
}

func (s *Server) trackConnection(conn net.Conn, state http.ConnState) {
	s.mutex.Lock()
	switch state {
	case http.StateClosed, http.StateHijacked:
		delete(s.connections, conn)
	default:
		s.connections[conn] = state
	}
	s.mutex.Unlock()

	if state == http.StateNew {
		s.emit(EventConnection)
	}
}

// BusyConnections counts connections that are new or serving a request
func (s *Server) BusyConnections() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	busy := 0
	for _, state := range s.connections {
		if state == http.StateNew || state == http.StateActive {
			busy++
		}
	}
	return busy
}

func (s *Server) OpenConnections() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.connections)
}

// Subscribe registers fn for server events and returns its removal
func (s *Server) Subscribe(fn func(EventType)) func() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	id := s.nextID
	s.nextID++
	s.subscribers[id] = fn

	return func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Server) emit(event EventType) {
	s.mutex.Lock()
	subscribers := make([]func(EventType), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subscribers = append(subscribers, fn)
	}
	s.mutex.Unlock()

	for _, fn := range subscribers {
		fn(event)
	}
}

// Attach binds s to w
func Attach(w *watchdog.Watchdog, s *Server) *watchdog.Watchdog {
	unsubscribe := s.Subscribe(func(EventType) { w.ResetTimer() })

	check := watchdog.NewSyncCheck("http connections", func() bool {
		return s.BusyConnections() == 0
	})
	cleanup := watchdog.NewCleanup("http shutdown", func(ctx context.Context) error {
		return s.Shutdown(ctx)
	})

	return w.Attach(s, []*watchdog.Check{check}, []*watchdog.Cleanup{cleanup}, []func(){unsubscribe})
}
