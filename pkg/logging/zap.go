package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig defines the zap backend configuration
type ZapConfig struct {
	Level      string `yaml:"level"`      // "debug", "info", "warn", "error"
	Format     string `yaml:"format"`     // "json", "console"
	Output     string `yaml:"output"`     // "stdout", "stderr"
	Caller     bool   `yaml:"caller"`     // Include caller information
	Stacktrace bool   `yaml:"stacktrace"` // Include stacktrace on errors
}

// DefaultZapConfig returns the configuration used when none is given
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		Caller:     false,
		Stacktrace: true,
	}
}

// NewZapLogFuncs builds a zap logger from config and exposes it as LogFuncs.
// The returned sync func flushes buffered entries and should be deferred by the caller.
func NewZapLogFuncs(config ZapConfig) (LogFuncs, func() error, error) {
	zapLogger, err := newZapLogger(config, nil)
	if err != nil {
		return LogFuncs{}, nil, err
	}
	return zapLogFuncs(zapLogger), zapLogger.Sync, nil
}

// NewZapLogger is a shortcut for NewLogger(prefix, NewZapLogFuncs(config))
func NewZapLogger(prefix string, config ZapConfig) (Logger, func() error, error) {
	funcs, sync, err := NewZapLogFuncs(config)
	if err != nil {
		return nil, nil, err
	}
	return NewLogger(prefix, funcs), sync, nil
}

func zapLogFuncs(zapLogger *zap.Logger) LogFuncs {
	sugar := zapLogger.Sugar()
	return LogFuncs{
		Debugf: sugar.Debugf,
		Infof:  sugar.Infof,
		Warnf:  sugar.Warnf,
		Errorf: sugar.Errorf,
	}
}

// newZapLogger creates a zap logger. A non-nil sink overrides config.Output.
func newZapLogger(config ZapConfig, sink io.Writer) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if config.Level != "" {
		parsed, err := zapcore.ParseLevel(config.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
		}
		level = parsed
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.LevelKey = "level"
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case "json", "":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("invalid log format %q", config.Format)
	}

	var writeSyncer zapcore.WriteSyncer
	switch {
	case sink != nil:
		writeSyncer = zapcore.AddSync(sink)
	case config.Output == "stderr":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stderr))
	case config.Output == "stdout" || config.Output == "":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stdout))
	default:
		return nil, fmt.Errorf("invalid log output %q", config.Output)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)

	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2))
	}
	if config.Stacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return zap.New(core, opts...), nil
}
