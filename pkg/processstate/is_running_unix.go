//go:build !windows

package processstate

import (
	"errors"
	"os"
	"strconv"
	"syscall"

	domainerrors "github.com/core-tools/hsu-autoshutdown/pkg/errors"
)

// IsProcessRunning probes pid with signal 0
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, domainerrors.NewValidationError("invalid PID: "+strconv.Itoa(pid), nil)
	}

	// FindProcess always succeeds on unix
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}

	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false, nil
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false, err
	}
	switch errno {
	case syscall.ESRCH:
		return false, nil
	case syscall.EPERM:
		// exists, owned by someone else
		return true, nil
	}
	return false, err
}
