package monitoring

import (
	"net"

	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
)

// ValidateProbeConfig validates probe configuration
func ValidateProbeConfig(config ProbeConfig) error {
	if config.Timeout < 0 {
		return errors.NewValidationError("probe timeout cannot be negative", nil).WithContext("name", config.Name)
	}

	switch config.Type {
	case ProbeTypeHTTP:
		if config.HTTP.URL == "" {
			return errors.NewValidationError("HTTP URL is required for HTTP probe", nil)
		}

	case ProbeTypeGRPC:
		if config.GRPC.Address == "" {
			return errors.NewValidationError("gRPC address is required for gRPC probe", nil)
		}

	case ProbeTypeTCP:
		if _, _, err := net.SplitHostPort(config.TCP.Address); err != nil {
			return errors.NewValidationError("TCP address must be host:port", err).
				WithContext("address", config.TCP.Address)
		}

	case ProbeTypeExec:
		if config.Exec.Command == "" {
			return errors.NewValidationError("command is required for exec probe", nil)
		}

	case ProbeTypeProcess:
		if config.Process.PID <= 0 {
			return errors.NewValidationError("PID must be positive for process probe", nil).
				WithContext("pid", config.Process.PID)
		}

	default:
		return errors.NewValidationError("invalid probe type: "+string(config.Type), nil)
	}

	return nil
}
