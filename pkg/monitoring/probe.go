// Package monitoring builds watchdog checks from configured probes.
//
// A probe asks something outside the process whether shutting down is fine:
// an HTTP endpoint answering 2xx, a gRPC health service reporting SERVING,
// a command exiting with status 0, a TCP address that stopped accepting
// connections, or a process that is no longer running.
package monitoring

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
	"github.com/core-tools/hsu-autoshutdown/pkg/logging"
	"github.com/core-tools/hsu-autoshutdown/pkg/processstate"
	"github.com/core-tools/hsu-autoshutdown/pkg/watchdog"
)

type ProbeType string

const (
	ProbeTypeHTTP    ProbeType = "http"
	ProbeTypeGRPC    ProbeType = "grpc"
	ProbeTypeTCP     ProbeType = "tcp"
	ProbeTypeExec    ProbeType = "exec"
	ProbeTypeProcess ProbeType = "process"
)

type HTTPProbeConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

type GRPCProbeConfig struct {
	Address string `yaml:"address"`
	Service string `yaml:"service,omitempty"`
}

type TCPProbeConfig struct {
	Address string `yaml:"address"`
}

type ExecProbeConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

type ProcessProbeConfig struct {
	PID int `yaml:"pid"`
}

type ProbeConfig struct {
	Name string    `yaml:"name"`
	Type ProbeType `yaml:"type"`

	HTTP    HTTPProbeConfig    `yaml:"http,omitempty"`
	GRPC    GRPCProbeConfig    `yaml:"grpc,omitempty"`
	TCP     TCPProbeConfig     `yaml:"tcp,omitempty"`
	Exec    ExecProbeConfig    `yaml:"exec,omitempty"`
	Process ProcessProbeConfig `yaml:"process,omitempty"`

	// Timeout bounds a single probe; the watchdog timeout applies otherwise
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

type probeFunc func(ctx context.Context) (bool, error)

// NewCheck validates config and returns a check running the probe
func NewCheck(config ProbeConfig, logger logging.Logger) (*watchdog.Check, error) {
	if err := ValidateProbeConfig(config); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	var probe probeFunc
	switch config.Type {
	case ProbeTypeHTTP:
		probe = httpProbe(config.HTTP)
	case ProbeTypeGRPC:
		probe = grpcProbe(config.GRPC)
	case ProbeTypeTCP:
		probe = tcpProbe(config.TCP)
	case ProbeTypeExec:
		probe = execProbe(config.Exec)
	case ProbeTypeProcess:
		probe = processProbe(config.Process)
	}

	name := config.Name
	if name == "" {
		name = string(config.Type) + " probe"
	}

	return watchdog.NewCheck(name, func(ctx context.Context) (bool, error) {
		if config.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, config.Timeout)
			defer cancel()
		}

		ready, err := probe(ctx)
		logger.Debugf("Probe evaluated, name: %s, ready: %v, error: %v", name, ready, err)
		return ready, err
	}), nil
}

func httpProbe(config HTTPProbeConfig) probeFunc {
	method := config.Method
	if method == "" {
		method = http.MethodGet
	}

	return func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, method, config.URL, nil)
		if err != nil {
			return false, errors.NewValidationError("failed to create HTTP request", err)
		}
		for key, value := range config.Headers {
			req.Header.Set(key, value)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false, errors.NewTransportError("HTTP probe failed", err).WithContext("url", config.URL)
		}
		defer resp.Body.Close()

		return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
	}
}

func grpcProbe(config GRPCProbeConfig) probeFunc {
	return func(ctx context.Context) (bool, error) {
		conn, err := grpc.NewClient(config.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return false, errors.NewTransportError("failed to create gRPC client", err).WithContext("address", config.Address)
		}
		defer conn.Close()

		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: config.Service})
		if err != nil {
			return false, errors.NewTransportError("gRPC probe failed", err).
				WithContext("address", config.Address).
				WithContext("service", config.Service)
		}
		return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
	}
}

func tcpProbe(config TCPProbeConfig) probeFunc {
	return func(ctx context.Context) (bool, error) {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", config.Address)
		if err != nil {
			if ctx.Err() != nil {
				return false, errors.NewTimeoutError("TCP probe timed out", ctx.Err())
			}
			return true, nil
		}
		conn.Close()
		return false, nil
	}
}

func execProbe(config ExecProbeConfig) probeFunc {
	return func(ctx context.Context) (bool, error) {
		err := exec.CommandContext(ctx, config.Command, config.Args...).Run()
		if err == nil {
			return true, nil
		}
		if _, ok := err.(*exec.ExitError); ok && ctx.Err() == nil {
			return false, nil
		}
		return false, errors.NewProcessError(fmt.Sprintf("exec probe failed: %s", config.Command), err)
	}
}

func processProbe(config ProcessProbeConfig) probeFunc {
	return func(context.Context) (bool, error) {
		running, err := processstate.IsProcessRunning(config.PID)
		if err != nil {
			return false, err
		}
		return !running, nil
	}
}
