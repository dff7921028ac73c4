package transport

import (
	"context"
	"net"
	"os"

	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
)

// EnvController names the variable holding the controller address of a spawned child
const EnvController = "HSU_AUTOSHUTDOWN_CONTROLLER"

// FromEnvironment connects to the controller that spawned this process.
// It reports false, and no error, when the process was not spawned by one.
func FromEnvironment(ctx context.Context) (*StreamChannel, bool, error) {
	address, ok := os.LookupEnv(EnvController)
	if !ok || address == "" {
		return nil, false, nil
	}

	c, err := Dial(ctx, address)
	if err != nil {
		return nil, true, err
	}
	return c, true, nil
}

func Dial(ctx context.Context, address string) (*StreamChannel, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.NewTransportError("failed to connect to controller", err).
			WithContext("address", address)
	}
	return NewStreamChannel(conn, conn, conn), nil
}

// Listener accepts the connection of a spawned child on the loopback interface
type Listener struct {
	listener net.Listener
}

func Listen() (*Listener, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.NewTransportError("failed to listen on loopback", err)
	}
	return &Listener{listener: l}, nil
}

func (l *Listener) Addr() string {
	return l.listener.Addr().String()
}

// Environment returns the variable to add to the child environment
func (l *Listener) Environment() string {
	return EnvController + "=" + l.Addr()
}

// Accept waits for the child to connect
func (l *Listener) Accept(ctx context.Context) (*StreamChannel, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := l.listener.Accept()
		accepted <- result{conn, err}
	}()

	select {
	case r := <-accepted:
		if r.err != nil {
			return nil, errors.NewTransportError("failed to accept child connection", r.err)
		}
		return NewStreamChannel(r.conn, r.conn, r.conn), nil
	case <-ctx.Done():
		l.listener.Close()
		if r := <-accepted; r.conn != nil {
			r.conn.Close()
		}
		return nil, errors.NewCancelledError("waiting for child connection", ctx.Err())
	}
}

func (l *Listener) Close() error {
	return l.listener.Close()
}
