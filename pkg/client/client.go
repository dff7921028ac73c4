// Package client provides a watchdog for processes spawned by a controller.
//
// The timer stays disarmed until the controller has sent init and the
// process has called FinishInitialization, in either order.
package client

import (
	"context"
	"sync"

	"github.com/core-tools/hsu-autoshutdown/pkg/deferred"
	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
	"github.com/core-tools/hsu-autoshutdown/pkg/logging"
	"github.com/core-tools/hsu-autoshutdown/pkg/transport"
	"github.com/core-tools/hsu-autoshutdown/pkg/watchdog"
)

type Options struct {
	Watchdog watchdog.Options

	// Transport connects to the controller. When nil the controller is looked
	// up in the environment; without one the client runs standalone.
	Transport transport.Channel

	// DeferInit leaves the FinishInitialization call to the caller
	DeferInit bool
}

type Client struct {
	*watchdog.Watchdog

	transport transport.Channel
	logger    logging.Logger

	initSignal *deferred.Deferred[struct{}]
	channel    *deferred.Deferred[string]
	data       *deferred.Deferred[map[string]any]

	armOnce sync.Once
	ready   chan struct{}

	cancel      context.CancelFunc
	receiveDone chan struct{}
}

func New(ctx context.Context, options Options) (*Client, error) {
	logger := options.Watchdog.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	w, err := watchdog.New(options.Watchdog)
	if err != nil {
		return nil, err
	}
	w.Stop()

	channel := options.Transport
	if channel == nil {
		discovered, spawned, err := transport.FromEnvironment(ctx)
		if err != nil {
			return nil, errors.NewTransportError("failed to connect to controller", err)
		}
		if spawned {
			channel = discovered
		}
	}

	c := &Client{
		Watchdog:    w,
		transport:   channel,
		logger:      logger,
		initSignal:  deferred.New[struct{}](),
		channel:     deferred.New[string](),
		data:        deferred.New[map[string]any](),
		ready:       make(chan struct{}),
		receiveDone: make(chan struct{}),
	}

	if c.transport != nil {
		receiveCtx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		w.AddCleanup(watchdog.NewCleanup("controller connection", func(ctx context.Context) error {
			return c.Close()
		}))
		go c.receiveLoop(receiveCtx)
		logger.Infof("Client waiting for controller init")
	} else {
		close(c.receiveDone)
		logger.Debugf("No controller, client runs standalone")
	}

	if !options.DeferInit {
		if err := c.FinishInitialization(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}

	return c, nil
}

// Spawned reports whether the client talks to a controller
func (c *Client) Spawned() bool {
	return c.transport != nil
}

// FinishInitialization tells the controller the process is ready and allows
// the timer to be armed. Calls after the first one do nothing.
func (c *Client) FinishInitialization(ctx context.Context) error {
	if _, settled, _ := c.initSignal.Result(); settled {
		return nil
	}

	if c.transport != nil {
		if err := c.transport.Send(ctx, transport.Message{Type: transport.MessageReady}); err != nil {
			return errors.NewTransportError("failed to report readiness", err)
		}
	}

	c.initSignal.Resolve(struct{}{})
	c.logger.Debugf("Client initialization finished")
	c.armIfInitialized()
	return nil
}

// Channel waits for the channel name sent by the controller
func (c *Client) Channel(ctx context.Context) (string, error) {
	return c.channel.Wait(ctx)
}

// Data waits for the data sent by the controller
func (c *Client) Data(ctx context.Context) (map[string]any, error) {
	return c.data.Wait(ctx)
}

// Ready is closed once the handshake completed and the timer was armed
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Close stops listening to the controller
func (c *Client) Close() error {
	if c.transport == nil {
		return nil
	}
	c.cancel()
	err := c.transport.Close()
	<-c.receiveDone
	return err
}

func (c *Client) armIfInitialized() {
	if _, settled, _ := c.initSignal.Result(); !settled {
		return
	}
	if _, settled, _ := c.channel.Result(); !settled {
		return
	}
	if _, settled, _ := c.data.Result(); !settled {
		return
	}

	c.armOnce.Do(func() {
		c.Start()
		close(c.ready)
		c.logger.Infof("Handshake complete, idle timeout %v armed", c.Timeout())
	})
}

func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.receiveDone)

	for {
		msg, err := c.transport.Receive(ctx)
		if err != nil {
			if errors.IsProtocolError(err) {
				c.logger.Warnf("Ignoring malformed controller message: %v", err)
				continue
			}
			if ctx.Err() == nil {
				c.logger.Warnf("Controller connection lost: %v", err)
			}
			return
		}

		switch msg.Type {
		case transport.MessageInit:
			c.handleInit(msg)
		case transport.MessageTerminate:
			c.logger.Infof("Controller requested termination")
			go c.Shutdown(context.Background())
			return
		default:
			c.logger.Warnf("Ignoring unexpected controller message, type: %s", msg.Type)
		}
	}
}

func (c *Client) handleInit(msg transport.Message) {
	data := msg.Data
	if data == nil {
		data = map[string]any{}
	}

	if !c.channel.Resolve(msg.Channel) {
		c.logger.Debugf("Ignoring duplicate init, channel: %s", msg.Channel)
		return
	}
	c.data.Resolve(data)
	c.logger.Infof("Received init, channel: %s", msg.Channel)

	c.armIfInitialized()
}
