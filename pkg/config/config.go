// Package config loads the YAML configuration shared by the binaries.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-autoshutdown/pkg/controller"
	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
	"github.com/core-tools/hsu-autoshutdown/pkg/logging"
	"github.com/core-tools/hsu-autoshutdown/pkg/monitoring"
	"github.com/core-tools/hsu-autoshutdown/pkg/processfile"
	"github.com/core-tools/hsu-autoshutdown/pkg/sequence"
	"github.com/core-tools/hsu-autoshutdown/pkg/watchdog"
)

// Config is the top-level configuration file structure
type Config struct {
	Watchdog   WatchdogConfig    `yaml:"watchdog"`
	Client     ClientConfig      `yaml:"client"`
	Server     ServerConfig      `yaml:"server"`
	Controller *ControllerConfig `yaml:"controller,omitempty"`
	Logging    logging.ZapConfig `yaml:"logging"`

	// Probes are extra checks consulted before an idle shutdown
	Probes []monitoring.ProbeConfig `yaml:"probes,omitempty"`

	// ProcessFiles enables PID and port files for single-instance servers
	ProcessFiles *processfile.Config `yaml:"process_files,omitempty"`
}

type WatchdogConfig struct {
	Timeout        time.Duration          `yaml:"timeout"`
	CleanupFailure sequence.FailurePolicy `yaml:"cleanup_failure,omitempty"`
	ForceExitAfter time.Duration          `yaml:"force_exit_after,omitempty"`
}

type ClientConfig struct {
	DeferInit bool `yaml:"defer_init,omitempty"`
}

// ServerConfig is used by the demo servers
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// ControllerConfig describes the child spawned by idlectl
type ControllerConfig struct {
	Execution    controller.ExecutionConfig `yaml:"execution"`
	Channel      string                     `yaml:"channel"`
	Data         map[string]any             `yaml:"data,omitempty"`
	ReadyTimeout time.Duration              `yaml:"ready_timeout,omitempty"`
}

const (
	defaultTimeout         = time.Hour
	defaultPort            = 8080
	defaultShutdownTimeout = 5 * time.Second
	defaultReadyTimeout    = 30 * time.Second
	defaultConnectTimeout  = 10 * time.Second
)

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	config := &Config{}
	setConfigDefaults(config)
	return config
}

func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := ParseConfig(data)
	if err != nil {
		return nil, errors.NewValidationError("invalid configuration file", err).WithContext("filename", filename)
	}
	return config, nil
}

// ParseConfig parses YAML and applies defaults
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}

	setConfigDefaults(&config)
	return &config, nil
}

// ApplyDefaults fills unset fields, including those of a controller section
// added after loading
func ApplyDefaults(config *Config) {
	setConfigDefaults(config)
}

func setConfigDefaults(config *Config) {
	if config.Watchdog.Timeout == 0 {
		config.Watchdog.Timeout = defaultTimeout
	}
	if config.Watchdog.CleanupFailure == "" {
		config.Watchdog.CleanupFailure = sequence.HaltOnError
	}

	if config.Server.Port == 0 {
		config.Server.Port = defaultPort
	}
	if config.Server.ShutdownTimeout == 0 {
		config.Server.ShutdownTimeout = defaultShutdownTimeout
	}

	defaults := logging.DefaultZapConfig()
	if config.Logging.Level == "" {
		config.Logging.Level = defaults.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = defaults.Format
	}
	if config.Logging.Output == "" {
		config.Logging.Output = defaults.Output
	}

	if c := config.Controller; c != nil {
		if c.ReadyTimeout == 0 {
			c.ReadyTimeout = defaultReadyTimeout
		}
		if c.Execution.ConnectTimeout == 0 {
			c.Execution.ConnectTimeout = defaultConnectTimeout
		}
	}
}

func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if config.Watchdog.Timeout <= 0 {
		return errors.NewValidationError("watchdog timeout must be positive", nil).
			WithContext("timeout", config.Watchdog.Timeout.String())
	}
	switch config.Watchdog.CleanupFailure {
	case sequence.HaltOnError, sequence.ContinueOnError:
	default:
		return errors.NewValidationError("cleanup_failure must be 'halt' or 'continue'", nil).
			WithContext("cleanup_failure", string(config.Watchdog.CleanupFailure))
	}
	if config.Watchdog.ForceExitAfter < 0 {
		return errors.NewValidationError("force_exit_after cannot be negative", nil)
	}

	if config.Server.Port < 0 || config.Server.Port > 65535 {
		return errors.NewValidationError("port must be between 0 and 65535", nil).
			WithContext("port", config.Server.Port)
	}
	if config.Server.ShutdownTimeout < 0 {
		return errors.NewValidationError("shutdown_timeout cannot be negative", nil)
	}

	switch config.Logging.Format {
	case "json", "console":
	default:
		return errors.NewValidationError("logging format must be 'json' or 'console'", nil).
			WithContext("format", config.Logging.Format)
	}

	for i, probe := range config.Probes {
		if err := monitoring.ValidateProbeConfig(probe); err != nil {
			return errors.NewValidationError("invalid probe", err).WithContext("index", i)
		}
	}

	if p := config.ProcessFiles; p != nil {
		switch p.ServiceContext {
		case "", processfile.SystemService, processfile.UserService, processfile.SessionService:
		default:
			return errors.NewValidationError("process_files service_context must be 'system', 'user' or 'session'", nil).
				WithContext("service_context", string(p.ServiceContext))
		}
	}

	if c := config.Controller; c != nil {
		if c.Channel == "" {
			return errors.NewValidationError("controller channel is required", nil)
		}
		if c.ReadyTimeout < 0 {
			return errors.NewValidationError("ready_timeout cannot be negative", nil)
		}
		if err := controller.ValidateExecutionConfig(c.Execution); err != nil {
			return errors.NewValidationError("invalid controller execution", err)
		}
	}

	return nil
}

// ValidateConfigFile loads and validates a configuration file
func ValidateConfigFile(filename string) error {
	config, err := LoadConfigFromFile(filename)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", filename)
	}

	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", filename)
	}

	return nil
}

// WatchdogOptions converts the watchdog section into watchdog options
func (c *Config) WatchdogOptions(logger logging.Logger) watchdog.Options {
	return watchdog.Options{
		Timeout:        c.Watchdog.Timeout,
		CleanupFailure: c.Watchdog.CleanupFailure,
		ForceExitAfter: c.Watchdog.ForceExitAfter,
		Logger:         logger,
	}
}
