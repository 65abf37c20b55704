// Package service abstracts start/stop/status of the managed service behind
// one Controller interface. Callers never branch on the backend type; only
// this package may transition service state.
package service

import (
	"context"
	"time"
)

// State of the managed service as observed at call time.
type State string

const (
	StateUnknown  State = "unknown"
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Controller owns all reads and writes of the managed service state.
type Controller interface {
	// Name identifies the service in logs.
	Name() string
	// Status reads the current state fresh on every call, never cached.
	Status(ctx context.Context) State
	// Stop brings the service to StateStopped within timeout.
	Stop(ctx context.Context, timeout time.Duration) error
	// Start brings the service to StateRunning within timeout, including a
	// post-start confirmation poll before declaring success.
	Start(ctx context.Context, timeout time.Duration) error
}

// PIDReader is implemented by backends that can name the main service
// process, which the CPU busy-detector samples.
type PIDReader interface {
	PID() (int, error)
}
