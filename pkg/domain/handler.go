package domain

import (
	"context"

	"github.com/core-tools/hsu-autoshutdown/pkg/logging"
	"github.com/core-tools/hsu-autoshutdown/pkg/watchdog"
)

func NewWatchdogHandler(w *watchdog.Watchdog, logger logging.Logger) Contract {
	return &watchdogHandler{
		watchdog: w,
		logger:   logger,
	}
}

type watchdogHandler struct {
	watchdog *watchdog.Watchdog
	logger   logging.Logger
}

func (h *watchdogHandler) Status(ctx context.Context) (Status, error) {
	status := Status{
		State:    h.watchdog.State().String(),
		Activity: h.watchdog.Activity(),
		Timeout:  h.watchdog.Timeout().String(),
	}
	h.logger.Debugf("Status: %+v", status)
	return status, nil
}

func (h *watchdogHandler) Touch(ctx context.Context) error {
	h.watchdog.ResetTimer()
	h.logger.Debugf("Touched")
	return nil
}
