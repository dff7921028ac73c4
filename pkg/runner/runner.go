// Package runner holds the start-up plumbing shared by the binaries.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	coreLogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-autoshutdown/pkg/config"
	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
	"github.com/core-tools/hsu-autoshutdown/pkg/logging"
	"github.com/core-tools/hsu-autoshutdown/pkg/monitoring"
	"github.com/core-tools/hsu-autoshutdown/pkg/watchdog"
)

// Loggers bridges one zap backend into both hsu-core and module loggers
type Loggers struct {
	Core   coreLogging.Logger
	Module logging.Logger
	Sync   func() error
}

func logPrefix(module, binary string) string {
	return fmt.Sprintf("module: %s-%s , ", module, binary)
}

func NewLoggers(binary string, zapConfig logging.ZapConfig) (*Loggers, error) {
	funcs, sync, err := logging.NewZapLogFuncs(zapConfig)
	if err != nil {
		return nil, errors.NewValidationError("failed to create logger", err)
	}

	// method values so that the hsu-core field types accept them
	root := logging.NewLogger("", funcs)
	core := coreLogging.NewLogger(
		logPrefix("hsu-core", binary), coreLogging.LogFuncs{
			Debugf: root.Debugf,
			Infof:  root.Infof,
			Warnf:  root.Warnf,
			Errorf: root.Errorf,
		})

	return &Loggers{
		Core:   core,
		Module: logging.WithPrefix(root, logPrefix("hsu-autoshutdown", binary)),
		Sync:   sync,
	}, nil
}

// LoadConfig returns the defaults when configFile is empty, otherwise the
// validated file contents
func LoadConfig(configFile string) (*config.Config, error) {
	if configFile == "" {
		return config.DefaultConfig(), nil
	}

	cfg, err := config.LoadConfigFromFile(configFile)
	if err != nil {
		return nil, errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	return cfg, nil
}

// AddProbes adds a check to w for every configured probe
func AddProbes(w *watchdog.Watchdog, probes []monitoring.ProbeConfig, logger logging.Logger) error {
	for _, probe := range probes {
		check, err := monitoring.NewCheck(probe, logger)
		if err != nil {
			return err
		}
		w.AddCheck(check)
		logger.Infof("Probe added, name: %s, type: %s", check.Name(), probe.Type)
	}
	return nil
}

// NotifyContext is cancelled on interrupt or termination signals
func NotifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if runtime.GOOS == "windows" {
		// SIGTERM is never delivered on windows
		return signal.NotifyContext(ctx, os.Interrupt)
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
