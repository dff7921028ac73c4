// Package grpcserver keeps a process alive while its gRPC server has calls in flight.
package grpcserver

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"

	"github.com/core-tools/hsu-autoshutdown/pkg/watchdog"
)

const AttachmentType = "grpc"

func init() {
	watchdog.RegisterAttachmentType(AttachmentType, func(w *watchdog.Watchdog, resource any) error {
		s, ok := resource.(*Server)
		if !ok {
			return fmt.Errorf("expected *grpcserver.Server, got %T", resource)
		}
		Attach(w, s)
		return nil
	})
}

// Tracker counts in-flight calls through server interceptors
type Tracker struct {
	mutex       sync.Mutex
	inFlight    int
	subscribers map[int]func()
	nextID      int
}

func NewTracker() *Tracker {
	return &Tracker{subscribers: make(map[int]func())}
}

func (t *Tracker) InFlight() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.inFlight
}

// Subscribe registers fn to run when a call starts or ends
func (t *Tracker) Subscribe(fn func()) func() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	id := t.nextID
	t.nextID++
	t.subscribers[id] = fn

	return func() {
		t.mutex.Lock()
		defer t.mutex.Unlock()
		delete(t.subscribers, id)
	}
}

func (t *Tracker) begin() {
	t.mutex.Lock()
	t.inFlight++
	t.mutex.Unlock()
	t.notify()
}

func (t *Tracker) end() {
	t.mutex.Lock()
	t.inFlight--
	t.mutex.Unlock()
	t.notify()
}

func (t *Tracker) notify() {
	t.mutex.Lock()
	subscribers := make([]func(), 0, len(t.subscribers))
	for _, fn := range t.subscribers {
		subscribers = append(subscribers, fn)
	}
	t.mutex.Unlock()

	for _, fn := range subscribers {
		fn()
	}
}

func (t *Tracker) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		t.begin()
		defer t.end()
		return handler(ctx, req)
	}
}

func (t *Tracker) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		t.begin()
		defer t.end()
		return handler(srv, ss)
	}
}

// ServerOptions installs the tracker interceptors ahead of any others
func (t *Tracker) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(t.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(t.StreamServerInterceptor()),
	}
}

// Server is a gRPC server whose calls are tracked
type Server struct {
	*grpc.Server
	tracker *Tracker
}

func NewServer(options ...grpc.ServerOption) *Server {
	tracker := NewTracker()
	all := append(tracker.ServerOptions(), options...)
	return &Server{
		Server:  grpc.NewServer(all...),
		tracker: tracker,
	}
}

func (s *Server) Tracker() *Tracker {
	return s.tracker
}

// StopContext drains in-flight calls until ctx is done, then stops forcefully
func (s *Server) StopContext(ctx context.Context) error {
	stopped := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.Stop()
		<-stopped
		return ctx.Err()
	}
}

func Attach(w *watchdog.Watchdog, s *Server) *watchdog.Watchdog {
	unsubscribe := s.tracker.Subscribe(w.ResetTimer)

	check := watchdog.NewSyncCheck("grpc calls", func() bool {
		return s.tracker.InFlight() == 0
	})
	cleanup := watchdog.NewCleanup("grpc stop", s.StopContext)

	return w.Attach(s, []*watchdog.Check{check}, []*watchdog.Cleanup{cleanup}, []func(){unsubscribe})
}
