package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-autoshutdown/pkg/config"
	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
	"github.com/core-tools/hsu-autoshutdown/pkg/logging"
	"github.com/core-tools/hsu-autoshutdown/pkg/monitoring"
	"github.com/core-tools/hsu-autoshutdown/pkg/watchdog"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults without file", func(t *testing.T) {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, config.DefaultConfig(), cfg)
	})

	t.Run("valid file", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(filename, []byte("watchdog:\n  timeout: \"30s\"\n"), 0644))

		cfg, err := LoadConfig(filename)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, cfg.Watchdog.Timeout)
	})

	t.Run("invalid file", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(filename, []byte("server:\n  port: -1\n"), 0644))

		_, err := LoadConfig(filename)
		require.Error(t, err)
		assert.True(t, errors.IsValidationError(err))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
		assert.True(t, errors.IsIOError(err))
	})
}

func TestNewLoggers(t *testing.T) {
	zapConfig := logging.DefaultZapConfig()
	zapConfig.Output = "stderr"
	zapConfig.Level = "error"

	loggers, err := NewLoggers("test", zapConfig)
	require.NoError(t, err)
	require.NotNil(t, loggers.Core)
	require.NotNil(t, loggers.Module)

	loggers.Module.Debugf("discarded by level")
	loggers.Core.Debugf("discarded by level")
	_ = loggers.Sync()

	zapConfig.Level = "chatty"
	_, err = NewLoggers("test", zapConfig)
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestNotifyContext_ParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := NotifyContext(parent)
	defer stop()

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled with parent")
	}
}

func TestAddProbes(t *testing.T) {
	exited := make(chan struct{})
	w, err := watchdog.New(watchdog.Options{
		Timeout: 50 * time.Millisecond,
		Exit:    func() { close(exited) },
	})
	require.NoError(t, err)
	defer w.Stop()

	// this process keeps running, so the probe holds shutdown
	probes := []monitoring.ProbeConfig{{
		Type:    monitoring.ProbeTypeProcess,
		Process: monitoring.ProcessProbeConfig{PID: os.Getpid()},
	}}
	require.NoError(t, AddProbes(w, probes, logging.NewNopLogger()))

	select {
	case <-exited:
		t.Fatal("exited while the probed process runs")
	case <-time.After(300 * time.Millisecond):
	}

	err = AddProbes(w, []monitoring.ProbeConfig{{Type: "smtp"}}, logging.NewNopLogger())
	assert.True(t, errors.IsValidationError(err))
}
