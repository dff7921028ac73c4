package domain

import (
	"context"
)

// Status is a snapshot of a remote watchdog
type Status struct {
	State    string
	Activity int
	Timeout  string
}

type Contract interface {
	Status(ctx context.Context) (Status, error)

	// Touch records activity, postponing the next idle evaluation
	Touch(ctx context.Context) error
}
