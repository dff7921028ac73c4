package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"

	gorillaws "github.com/gorilla/websocket"
	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-autoshutdown/pkg/config"
	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
	"github.com/core-tools/hsu-autoshutdown/pkg/logging"
	"github.com/core-tools/hsu-autoshutdown/pkg/processfile"
	"github.com/core-tools/hsu-autoshutdown/pkg/resources/httpserver"
	"github.com/core-tools/hsu-autoshutdown/pkg/resources/websocket"
	"github.com/core-tools/hsu-autoshutdown/pkg/runner"
	"github.com/core-tools/hsu-autoshutdown/pkg/watchdog"
)

type flagOptions struct {
	Config  string        `long:"config" description:"path to the YAML configuration file"`
	Port    int           `long:"port" description:"port to listen on"`
	Timeout time.Duration `long:"timeout" description:"idle timeout, e.g. 30s"`
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
	if opts.Timeout != 0 {
		cfg.Watchdog.Timeout = opts.Timeout
	}
	if err := config.ValidateConfig(cfg); err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	loggers, err := runner.NewLoggers("idlesrv", cfg.Logging)
	if err != nil {
		logger.Errorf("Failed to create loggers: %v", err)
		os.Exit(1)
	}

	if err := run(cfg, loggers); err != nil {
		loggers.Module.Errorf("Server failed: %v", err)
		_ = loggers.Sync()
		os.Exit(1)
	}
	_ = loggers.Sync()
}

func run(cfg *config.Config, loggers *runner.Loggers) error {
	logger := loggers.Module

	upgrader := websocket.NewUpgrader(gorillaws.Upgrader{})

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(rw http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(rw, "hello from idlesrv, timeout: %v\n", cfg.Watchdog.Timeout)
	})
	mux.HandleFunc("/ws", echoHandler(upgrader, logger))

	server := httpserver.New(&http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	})

	options := cfg.WatchdogOptions(logger)
	options.Exit = func() {
		logger.Infof("Idle, exiting")
		_ = loggers.Sync()
		os.Exit(0)
	}
	w, err := watchdog.New(options)
	if err != nil {
		return err
	}

	if err := runner.AddProbes(w, cfg.Probes, logger); err != nil {
		return err
	}

	if err := w.AttachAs(httpserver.AttachmentType, server); err != nil {
		return err
	}
	if err := w.AttachAs(websocket.AttachmentType, upgrader); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return errors.NewIOError("failed to listen", err).WithContext("address", server.Addr)
	}
	logger.Infof("Listening on %s, idle timeout: %v", listener.Addr(), cfg.Watchdog.Timeout)

	if cfg.ProcessFiles != nil {
		port := listener.Addr().(*net.TCPAddr).Port
		files, err := processfile.NewManager(*cfg.ProcessFiles, logger).Claim("idlesrv", os.Getpid(), port)
		if err != nil {
			listener.Close()
			return err
		}
		processfile.Attach(w, files)
	}

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Serve failed: %v", err)
		}
	}()

	ctx, stop := runner.NotifyContext(context.Background())
	defer stop()

	select {
	case <-w.Done():
	case <-ctx.Done():
		logger.Infof("Signal received, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return w.Shutdown(shutdownCtx)
	}

	return w.Err()
}

func echoHandler(upgrader *websocket.Upgrader, logger logging.Logger) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			logger.Warnf("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	}
}
