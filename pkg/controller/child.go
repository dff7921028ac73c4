// Package controller spawns child processes that run an auto-shutdown client
// and drives their handshake.
package controller

import (
	"context"
	stderrors "errors"
	"os/exec"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-autoshutdown/pkg/deferred"
	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
	"github.com/core-tools/hsu-autoshutdown/pkg/logcollection"
	"github.com/core-tools/hsu-autoshutdown/pkg/logging"
	"github.com/core-tools/hsu-autoshutdown/pkg/transport"
)

// Child is a spawned process connected back to its controller
type Child struct {
	id      string
	cmd     *exec.Cmd
	channel transport.Channel
	output  logcollection.Sink
	stdout  *logcollection.LineWriter
	stderr  *logcollection.LineWriter
	logger  logging.Logger

	ready  *deferred.Deferred[struct{}]
	exited chan struct{}
	group  errgroup.Group

	mutex    sync.Mutex
	exitCode int
}

// Spawn starts the executable and waits until it connects back.
// The child is ready for Init once Spawn returns.
func Spawn(ctx context.Context, config ExecutionConfig, id string, logger logging.Logger) (*Child, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	if err := ValidateExecutionConfig(config); err != nil {
		logger.Errorf("Execution configuration validation failed, id: %s, error: %v", id, err)
		return nil, errors.NewValidationError("invalid execution configuration", err).WithContext("id", id)
	}

	listener, err := transport.Listen()
	if err != nil {
		return nil, err
	}
	defer listener.Close()

	cmd, err := newCommand(config, listener.Environment())
	if err != nil {
		return nil, err
	}

	sinks := []logcollection.Sink{logcollection.NewLoggerSink(logger)}
	if config.OutputDirectory != "" {
		fileSink, err := logcollection.NewFileSink(config.OutputDirectory)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fileSink)
	}
	output := logcollection.NewCollector(sinks...)
	stdout := logcollection.NewLineWriter(output, id, logcollection.StdoutStream)
	stderr := logcollection.NewLineWriter(output, id, logcollection.StderrStream)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Debugf("Spawning child, id: %s, executable path: '%s', args: %v, working directory: '%s'",
		id, config.ExecutablePath, config.Args, cmd.Dir)

	if err := cmd.Start(); err != nil {
		output.Close()
		return nil, errors.NewProcessError("failed to start the process", err).
			WithContext("id", id).
			WithContext("executable_path", config.ExecutablePath)
	}

	logger.Infof("Child started, id: %s, PID: %d", id, cmd.Process.Pid)

	c := &Child{
		id:       id,
		cmd:      cmd,
		output:   output,
		stdout:   stdout,
		stderr:   stderr,
		logger:   logger,
		ready:    deferred.New[struct{}](),
		exited:   make(chan struct{}),
		exitCode: -1,
	}
	c.group.Go(c.waitProcess)

	connectTimeout := config.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = defaultConnectTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	go func() {
		select {
		case <-c.exited:
			cancel()
		case <-connectCtx.Done():
		}
	}()

	channel, err := listener.Accept(connectCtx)
	if err != nil {
		select {
		case <-c.exited:
			err = errors.NewProcessError("child exited before connecting", err).
				WithContext("id", id).
				WithContext("exit_code", c.ExitCode())
		default:
			logger.Warnf("Child did not connect, killing it, id: %s", id)
			_ = c.Kill()
		}
		_ = c.group.Wait()
		return nil, err
	}

	c.channel = channel
	c.group.Go(c.receiveLoop)

	return c, nil
}

func (c *Child) ID() string {
	return c.id
}

func (c *Child) PID() int {
	return c.cmd.Process.Pid
}

// Init sends the channel name and data the child waits for before arming
func (c *Child) Init(ctx context.Context, channel string, data map[string]any) error {
	c.logger.Debugf("Sending init, id: %s, channel: %s", c.id, channel)
	return c.channel.Send(ctx, transport.Message{
		Type:    transport.MessageInit,
		Channel: channel,
		Data:    data,
	})
}

// WaitReady waits until the child reported that it finished initializing
func (c *Child) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready.Done():
		return nil
	case <-c.exited:
		return errors.NewProcessError("child exited before it was ready", nil).
			WithContext("id", c.id).
			WithContext("exit_code", c.ExitCode())
	case <-ctx.Done():
		return errors.NewCancelledError("waiting for child readiness", ctx.Err()).WithContext("id", c.id)
	}
}

// Terminate asks the child to shut down regardless of its checks
func (c *Child) Terminate(ctx context.Context) error {
	c.logger.Infof("Requesting termination, id: %s", c.id)
	return c.channel.Send(ctx, transport.Message{Type: transport.MessageTerminate})
}

// Interrupt signals the child process group
func (c *Child) Interrupt() error {
	if err := interruptProcessGroup(c.cmd); err != nil {
		return errors.NewProcessError("failed to interrupt child", err).WithContext("id", c.id)
	}
	return nil
}

func (c *Child) Kill() error {
	if err := c.cmd.Process.Kill(); err != nil {
		return errors.NewProcessError("failed to kill child", err).WithContext("id", c.id)
	}
	return nil
}

// Exited is closed once the process has exited
func (c *Child) Exited() <-chan struct{} {
	return c.exited
}

// ExitCode is -1 while the process runs
func (c *Child) ExitCode() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.exitCode
}

// Wait blocks until the process exited and the connection is drained
func (c *Child) Wait() (int, error) {
	err := c.group.Wait()
	if c.channel != nil {
		c.channel.Close()
	}
	return c.ExitCode(), err
}

func (c *Child) waitProcess() error {
	err := c.cmd.Wait()
	c.stdout.Flush()
	c.stderr.Flush()
	if closeErr := c.output.Close(); closeErr != nil {
		c.logger.Warnf("Failed to close child output, id: %s, error: %v", c.id, closeErr)
	}

	code := -1
	if c.cmd.ProcessState != nil {
		code = c.cmd.ProcessState.ExitCode()
	}
	c.mutex.Lock()
	c.exitCode = code
	c.mutex.Unlock()
	close(c.exited)

	var exitErr *exec.ExitError
	if err != nil && !stderrors.As(err, &exitErr) {
		return errors.NewProcessError("failed to wait for child", err).WithContext("id", c.id)
	}

	c.logger.Infof("Child exited, id: %s, exit code: %d", c.id, code)
	return nil
}

func (c *Child) receiveLoop() error {
	for {
		msg, err := c.channel.Receive(context.Background())
		if err != nil {
			if errors.IsProtocolError(err) {
				c.logger.Warnf("Ignoring malformed message from child, id: %s, error: %v", c.id, err)
				continue
			}
			// the connection ends with the child process
			return nil
		}

		switch msg.Type {
		case transport.MessageReady:
			if c.ready.Resolve(struct{}{}) {
				c.logger.Infof("Child is ready, id: %s", c.id)
			}
		default:
			c.logger.Warnf("Ignoring unexpected message from child, id: %s, type: %s", c.id, msg.Type)
		}
	}
}
