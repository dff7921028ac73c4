// Package websocket keeps a process alive while websocket connections are open.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
	"github.com/core-tools/hsu-autoshutdown/pkg/watchdog"
)

const AttachmentType = "websocket"

func init() {
	watchdog.RegisterAttachmentType(AttachmentType, func(w *watchdog.Watchdog, resource any) error {
		u, ok := resource.(*Upgrader)
		if !ok {
			return fmt.Errorf("expected *websocket.Upgrader, got %T", resource)
		}
		Attach(w, u)
		return nil
	})
}

// Upgrader upgrades HTTP requests and tracks the resulting connections
type Upgrader struct {
	websocket.Upgrader

	mutex       sync.Mutex
	open        map[*Conn]struct{}
	closing     bool
	subscribers map[int]func()
	nextID      int
}

func NewUpgrader(upgrader websocket.Upgrader) *Upgrader {
	return &Upgrader{
		Upgrader:    upgrader,
		open:        make(map[*Conn]struct{}),
		subscribers: make(map[int]func()),
	}
}

// Conn releases its tracking on Close. Handlers must close every connection.
type Conn struct {
	*websocket.Conn
	upgrader  *Upgrader
	closeOnce sync.Once
}

func (c *Conn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		c.upgrader.release(c)
	})
	return err
}

// Upgrade behaves like websocket.Upgrader.Upgrade. Once the upgrader is
// closing it answers 503 instead.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*Conn, error) {
	u.mutex.Lock()
	closing := u.closing
	u.mutex.Unlock()
	if closing {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return nil, errors.NewValidationError("upgrader is closing", nil)
	}

	ws, err := u.Upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return nil, err
	}

	c := &Conn{Conn: ws, upgrader: u}
	u.mutex.Lock()
	u.open[c] = struct{}{}
	u.mutex.Unlock()

	u.notify()
	return c, nil
}

func (u *Upgrader) OpenConnections() int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return len(u.open)
}

// Subscribe registers fn to run when a connection opens or closes
func (u *Upgrader) Subscribe(fn func()) func() {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	id := u.nextID
	u.nextID++
	u.subscribers[id] = fn

	return func() {
		u.mutex.Lock()
		defer u.mutex.Unlock()
		delete(u.subscribers, id)
	}
}

// Shutdown refuses new upgrades and closes open connections with a going-away frame
func (u *Upgrader) Shutdown(ctx context.Context) error {
	u.mutex.Lock()
	u.closing = true
	conns := make([]*Conn, 0, len(u.open))
	for c := range u.open {
		conns = append(conns, c)
	}
	u.mutex.Unlock()

	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	// peers may already be gone, so write and close errors are expected
	message := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage, message, deadline)
		_ = c.Close()
	}
	return ctx.Err()
}

func (u *Upgrader) release(c *Conn) {
	u.mutex.Lock()
	delete(u.open, c)
	u.mutex.Unlock()
	u.notify()
}

func (u *Upgrader) notify() {
	u.mutex.Lock()
	subscribers := make([]func(), 0, len(u.subscribers))
	for _, fn := range u.subscribers {
		subscribers = append(subscribers, fn)
	}
	u.mutex.Unlock()

	for _, fn := range subscribers {
		fn()
	}
}

func Attach(w *watchdog.Watchdog, u *Upgrader) *watchdog.Watchdog {
	unsubscribe := u.Subscribe(w.ResetTimer)

	check := watchdog.NewSyncCheck("websocket connections", func() bool {
		return u.OpenConnections() == 0
	})
	cleanup := watchdog.NewCleanup("websocket shutdown", u.Shutdown)

	return w.Attach(u, []*watchdog.Check{check}, []*watchdog.Cleanup{cleanup}, []func(){unsubscribe})
}
