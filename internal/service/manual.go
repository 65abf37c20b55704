package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ManualController is for services an operator starts and stops by hand. It
// only observes: Stop and Start announce what the operator must do and poll
// the probe until the expected state is reached.
type ManualController struct {
	ServiceName  string
	ProbeTarget  string
	PollInterval time.Duration
}

func (c *ManualController) Name() string { return c.ServiceName }

func (c *ManualController) Status(ctx context.Context) State {
	if c.ProbeTarget == "" {
		return StateUnknown
	}
	if probe(ctx, c.ProbeTarget, "", 3*time.Second) {
		return StateRunning
	}
	return StateStopped
}

func (c *ManualController) Stop(ctx context.Context, timeout time.Duration) error {
	log.Warn().Str("service", c.ServiceName).Msg("manual backend: stop the service now")
	return c.await(ctx, StateStopped, timeout)
}

func (c *ManualController) Start(ctx context.Context, timeout time.Duration) error {
	log.Warn().Str("service", c.ServiceName).Msg("manual backend: start the service now")
	return c.await(ctx, StateRunning, timeout)
}

func (c *ManualController) await(ctx context.Context, want State, timeout time.Duration) error {
	if c.ProbeTarget == "" {
		return fmt.Errorf("manual backend needs a probe to observe %s", want)
	}
	interval := c.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		if c.Status(ctx) == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("service %s not %s within %s", c.ServiceName, want, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
