package monitoring

import (
	"testing"
	"time"

	"github.com/core-tools/hsu-autoshutdown/pkg/errors"

	"github.com/stretchr/testify/assert"
)

func TestValidateProbeConfig(t *testing.T) {
	tests := []struct {
		name      string
		config    ProbeConfig
		shouldErr bool
	}{
		{
			name:   "valid_http",
			config: ProbeConfig{Type: ProbeTypeHTTP, HTTP: HTTPProbeConfig{URL: "http://localhost:8080/idle"}},
		},
		{
			name:      "http_without_url",
			config:    ProbeConfig{Type: ProbeTypeHTTP},
			shouldErr: true,
		},
		{
			name:   "valid_grpc",
			config: ProbeConfig{Type: ProbeTypeGRPC, GRPC: GRPCProbeConfig{Address: "localhost:50055"}},
		},
		{
			name:      "grpc_without_address",
			config:    ProbeConfig{Type: ProbeTypeGRPC},
			shouldErr: true,
		},
		{
			name:   "valid_tcp",
			config: ProbeConfig{Type: ProbeTypeTCP, TCP: TCPProbeConfig{Address: "127.0.0.1:6379"}},
		},
		{
			name:      "tcp_without_port",
			config:    ProbeConfig{Type: ProbeTypeTCP, TCP: TCPProbeConfig{Address: "127.0.0.1"}},
			shouldErr: true,
		},
		{
			name:   "valid_exec",
			config: ProbeConfig{Type: ProbeTypeExec, Exec: ExecProbeConfig{Command: "true"}},
		},
		{
			name:      "exec_without_command",
			config:    ProbeConfig{Type: ProbeTypeExec},
			shouldErr: true,
		},
		{
			name:   "valid_process",
			config: ProbeConfig{Type: ProbeTypeProcess, Process: ProcessProbeConfig{PID: 1}},
		},
		{
			name:      "process_without_pid",
			config:    ProbeConfig{Type: ProbeTypeProcess},
			shouldErr: true,
		},
		{
			name: "negative_timeout",
			config: ProbeConfig{
				Type:    ProbeTypeExec,
				Exec:    ExecProbeConfig{Command: "true"},
				Timeout: -time.Second,
			},
			shouldErr: true,
		},
		{
			name:      "unknown_type",
			config:    ProbeConfig{Type: "smtp"},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProbeConfig(tt.config)
			if tt.shouldErr {
				assert.Error(t, err)
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
