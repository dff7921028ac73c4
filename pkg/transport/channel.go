package transport

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
)

// Channel is a reliable, ordered, bidirectional message channel
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

type received struct {
	msg Message
	err error
}

// StreamChannel implements Channel over a byte stream
type StreamChannel struct {
	writer  io.Writer
	closers []io.Closer

	sendMutex sync.Mutex

	incoming  chan received
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewStreamChannel reads messages from r and writes them to w.
// Close closes every closer, which must unblock pending reads.
func NewStreamChannel(r io.Reader, w io.Writer, closers ...io.Closer) *StreamChannel {
	c := &StreamChannel{
		writer:   w,
		closers:  closers,
		incoming: make(chan received),
		closed:   make(chan struct{}),
	}
	go c.readLoop(bufio.NewReader(r))
	return c
}

func (c *StreamChannel) readLoop(r *bufio.Reader) {
	defer close(c.incoming)

	for {
		msg, err := readMessage(r)
		if err != nil && !errors.IsProtocolError(err) {
			c.deliver(received{err: err})
			return
		}
		if !c.deliver(received{msg: msg, err: err}) {
			return
		}
	}
}

func (c *StreamChannel) deliver(r received) bool {
	select {
	case c.incoming <- r:
		return true
	case <-c.closed:
		return false
	}
}

func (c *StreamChannel) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("send cancelled", err)
	}

	select {
	case <-c.closed:
		return errors.NewTransportError("channel closed", io.ErrClosedPipe)
	default:
	}

	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()
	return writeMessage(c.writer, msg)
}

// Receive returns the next message. A malformed message is reported as a
// protocol error and the channel stays usable; any other error is final.
func (c *StreamChannel) Receive(ctx context.Context) (Message, error) {
	select {
	case r, ok := <-c.incoming:
		if !ok {
			return Message{}, errors.NewTransportError("channel closed", io.EOF)
		}
		return r.msg, r.err
	case <-c.closed:
		return Message{}, errors.NewTransportError("channel closed", io.ErrClosedPipe)
	case <-ctx.Done():
		return Message{}, errors.NewCancelledError("receive cancelled", ctx.Err())
	}
}

func (c *StreamChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		collection := errors.NewErrorCollection()
		for _, closer := range c.closers {
			collection.Add(closer.Close())
		}
		c.closeErr = collection.ToError()
	})
	return c.closeErr
}

// Pipe returns two connected in-memory channels
func Pipe() (*StreamChannel, *StreamChannel) {
	leftReader, rightWriter := io.Pipe()
	rightReader, leftWriter := io.Pipe()

	left := NewStreamChannel(leftReader, leftWriter, leftWriter, leftReader)
	right := NewStreamChannel(rightReader, rightWriter, rightWriter, rightReader)
	return left, right
}
