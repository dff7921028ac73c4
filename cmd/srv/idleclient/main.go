package main

import (
	"context"
	"fmt"
	"os"

	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"

	coreControl "github.com/core-tools/hsu-core/pkg/control"
	coreDomain "github.com/core-tools/hsu-core/pkg/domain"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-autoshutdown/pkg/client"
	"github.com/core-tools/hsu-autoshutdown/pkg/config"
	"github.com/core-tools/hsu-autoshutdown/pkg/control"
	"github.com/core-tools/hsu-autoshutdown/pkg/domain"
	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
	"github.com/core-tools/hsu-autoshutdown/pkg/processfile"
	"github.com/core-tools/hsu-autoshutdown/pkg/runner"
	"github.com/core-tools/hsu-autoshutdown/pkg/transport"
	"github.com/core-tools/hsu-autoshutdown/pkg/watchdog"
)

type flagOptions struct {
	Config string `long:"config" description:"path to the YAML configuration file"`
	Port   int    `long:"port" description:"port to serve on when no controller provides one"`
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
	if opts.Port != 0 {
		cfg.Server.Port = opts.Port
	}

	loggers, err := runner.NewLoggers("idleclient", cfg.Logging)
	if err != nil {
		logger.Errorf("Failed to create loggers: %v", err)
		os.Exit(1)
	}

	if err := run(cfg, loggers); err != nil {
		loggers.Module.Errorf("Client failed: %v", err)
		_ = loggers.Sync()
		os.Exit(1)
	}
	_ = loggers.Sync()
}

func run(cfg *config.Config, loggers *runner.Loggers) error {
	logger := loggers.Module

	ctx, stop := runner.NotifyContext(context.Background())
	defer stop()

	options := cfg.WatchdogOptions(logger)
	options.Exit = func() {
		logger.Infof("Exiting")
		_ = loggers.Sync()
		os.Exit(0)
	}

	// readiness is reported only once the control server is up
	c, err := client.New(ctx, client.Options{Watchdog: options, DeferInit: true})
	if err != nil {
		return err
	}

	if err := runner.AddProbes(c.Watchdog, cfg.Probes, logger); err != nil {
		c.Close()
		return err
	}

	port := cfg.Server.Port
	if c.Spawned() {
		channel, err := c.Channel(ctx)
		if err != nil {
			return errors.NewCancelledError("waiting for controller init", err)
		}
		data, err := c.Data(ctx)
		if err != nil {
			return errors.NewCancelledError("waiting for controller init", err)
		}
		if p, ok := transport.DataInt(data, "port"); ok {
			port = p
		}
		logger.Infof("Controller init received, channel: %s, data: %v", channel, data)
	}

	server, err := coreControl.NewServer(coreControl.ServerOptions{Port: port}, loggers.Core)
	if err != nil {
		return errors.NewInternalError("failed to create server", err).WithContext("port", port)
	}

	coreHandler := coreDomain.NewDefaultHandler(loggers.Core)
	coreControl.RegisterGRPCServerHandler(server.GRPC(), coreHandler, loggers.Core)

	watchdogHandler := domain.NewWatchdogHandler(c.Watchdog, logger)
	control.RegisterGRPCServerHandler(server.GRPC(), watchdogHandler, logger)

	c.Attach(server, nil, []*watchdog.Cleanup{
		watchdog.NewCleanup("control server", func(ctx context.Context) error {
			server.Shutdown(ctx)
			return nil
		}),
	}, nil)

	if cfg.ProcessFiles != nil {
		files, err := processfile.NewManager(*cfg.ProcessFiles, logger).Claim("idleclient", os.Getpid(), port)
		if err != nil {
			return err
		}
		processfile.Attach(c.Watchdog, files)
	}

	server.Start(ctx)
	logger.Infof("Control server started, port: %d, idle timeout: %v", port, cfg.Watchdog.Timeout)

	if err := c.FinishInitialization(ctx); err != nil {
		return err
	}

	select {
	case <-c.Done():
	case <-ctx.Done():
		logger.Infof("Signal received, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return c.Shutdown(shutdownCtx)
	}

	return c.Err()
}
