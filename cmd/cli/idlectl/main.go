package main

import (
	"context"
	"fmt"
	"os"
	"time"

	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"

	coreControl "github.com/core-tools/hsu-core/pkg/control"
	coreDomain "github.com/core-tools/hsu-core/pkg/domain"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-autoshutdown/pkg/config"
	"github.com/core-tools/hsu-autoshutdown/pkg/control"
	"github.com/core-tools/hsu-autoshutdown/pkg/controller"
	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
	"github.com/core-tools/hsu-autoshutdown/pkg/runner"
	"github.com/core-tools/hsu-autoshutdown/pkg/transport"
)

type flagOptions struct {
	Config     string   `long:"config" description:"path to the YAML configuration file"`
	ServerPath string   `long:"server" description:"path to the client executable"`
	Args       []string `long:"arg" description:"argument passed to the client, may be repeated"`
	Channel    string   `long:"channel" default:"control" description:"channel name sent with init"`
	Port       int      `long:"port" description:"port the client serves its control service on"`
	Terminate  bool     `long:"terminate" description:"ask the client to terminate once it is ready"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v", err)
		os.Exit(1)
	}

	logger := sprintfLogging.NewStdSprintfLogger()

	logger.Infof("opts: %+v", opts)

	cfg, err := runner.LoadConfig(opts.Config)
	if err != nil {
		logger.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	applyFlags(cfg, opts)
	if err := config.ValidateConfig(cfg); err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	loggers, err := runner.NewLoggers("idlectl", cfg.Logging)
	if err != nil {
		logger.Errorf("Failed to create loggers: %v", err)
		os.Exit(1)
	}

	code, err := run(cfg, opts.Terminate, loggers)
	if err != nil {
		loggers.Module.Errorf("Controller failed: %v", err)
		_ = loggers.Sync()
		os.Exit(1)
	}
	_ = loggers.Sync()
	os.Exit(code)
}

func applyFlags(cfg *config.Config, opts flagOptions) {
	if cfg.Controller == nil {
		cfg.Controller = &config.ControllerConfig{Channel: opts.Channel}
	}
	c := cfg.Controller
	if opts.ServerPath != "" {
		c.Execution.ExecutablePath = opts.ServerPath
		c.Execution.Args = opts.Args
	}
	if c.Data == nil {
		c.Data = make(map[string]any)
	}
	if opts.Port != 0 {
		c.Data["port"] = opts.Port
	}
	config.ApplyDefaults(cfg)
}

func run(cfg *config.Config, terminate bool, loggers *runner.Loggers) (int, error) {
	logger := loggers.Module
	c := cfg.Controller

	ctx, stop := runner.NotifyContext(context.Background())
	defer stop()

	child, err := controller.Spawn(ctx, c.Execution, "idleclient", logger)
	if err != nil {
		return -1, err
	}

	if err := child.Init(ctx, c.Channel, c.Data); err != nil {
		_ = child.Kill()
		child.Wait()
		return -1, err
	}

	readyCtx, cancel := context.WithTimeout(ctx, c.ReadyTimeout)
	err = child.WaitReady(readyCtx)
	cancel()
	if err != nil {
		_ = child.Kill()
		child.Wait()
		return -1, err
	}
	logger.Infof("Client ready, PID: %d", child.PID())

	if port, ok := transport.DataInt(c.Data, "port"); ok {
		if err := ping(ctx, port, loggers); err != nil {
			logger.Warnf("Client control service unreachable: %v", err)
		}
	}

	if terminate {
		if err := child.Terminate(ctx); err != nil {
			logger.Warnf("Failed to send terminate: %v", err)
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			logger.Infof("Signal received, interrupting client")
			if err := child.Interrupt(); err != nil {
				logger.Warnf("Interrupt failed: %v", err)
			}
		case <-child.Exited():
		}
	}()

	code, err := child.Wait()
	logger.Infof("Client exited, code: %d", code)
	return code, err
}

func ping(ctx context.Context, port int, loggers *runner.Loggers) error {
	coreConnectionOptions := coreControl.ConnectionOptions{
		AttachPort: port,
	}
	coreConnection, err := coreControl.NewConnection(coreConnectionOptions, loggers.Core)
	if err != nil {
		return errors.NewTransportError("failed to create core connection", err).WithContext("port", port)
	}

	coreClientGateway := coreControl.NewGRPCClientGateway(coreConnection.GRPC(), loggers.Core)

	retryPingOptions := coreDomain.RetryPingOptions{
		RetryAttempts: 10,
		RetryInterval: 1 * time.Second,
	}
	if err := coreDomain.RetryPing(ctx, coreClientGateway, retryPingOptions, loggers.Core); err != nil {
		return errors.NewTransportError("failed to ping client", err).WithContext("port", port)
	}

	watchdogGateway := control.NewGRPCClientGateway(coreConnection.GRPC(), loggers.Module)
	status, err := watchdogGateway.Status(ctx)
	if err != nil {
		return err
	}
	loggers.Module.Infof("Client watchdog status: %+v", status)

	return watchdogGateway.Touch(ctx)
}
