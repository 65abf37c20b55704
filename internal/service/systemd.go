package service

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// SystemdController drives the service through systemctl.
type SystemdController struct {
	Unit        string
	ProbeTarget string // optional, checked after systemd reports active
}

func (c *SystemdController) Name() string { return c.Unit }

func (c *SystemdController) systemctl(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "systemctl", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Status maps `systemctl is-active` output onto service states.
func (c *SystemdController) Status(ctx context.Context) State {
	// is-active exits non-zero for anything but "active"; the output still
	// carries the state.
	out, _ := c.systemctl(ctx, "is-active", c.Unit)
	switch out {
	case "active":
		return StateRunning
	case "activating":
		return StateStarting
	case "deactivating":
		return StateStopping
	case "inactive", "failed":
		return StateStopped
	}
	return StateUnknown
}

// PID reads the unit's MainPID.
func (c *SystemdController) PID() (int, error) {
	out, err := c.systemctl(context.Background(), "show", "-p", "MainPID", "--value", c.Unit)
	if err != nil {
		return 0, fmt.Errorf("systemctl show %s: %w", c.Unit, err)
	}
	pid, err := strconv.Atoi(out)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("unit %s has no main pid", c.Unit)
	}
	return pid, nil
}

// Stop runs systemctl and polls for the stopped state against one shared
// deadline, so a hung unit costs at most the configured timeout.
func (c *SystemdController) Stop(ctx context.Context, timeout time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if out, err := c.systemctl(cctx, "stop", c.Unit); err != nil {
		return fmt.Errorf("systemctl stop %s: %v: %s", c.Unit, err, out)
	}
	return c.await(cctx, StateStopped)
}

func (c *SystemdController) Start(ctx context.Context, timeout time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if out, err := c.systemctl(cctx, "start", c.Unit); err != nil {
		return fmt.Errorf("systemctl start %s: %v: %s", c.Unit, err, out)
	}
	if err := c.await(cctx, StateRunning); err != nil {
		return err
	}
	if c.ProbeTarget == "" {
		return nil
	}
	// Unit active is not the same as service answering; confirm via probe,
	// still within the same timeout budget.
	for {
		if probe(cctx, c.ProbeTarget, "", 3*time.Second) {
			return nil
		}
		select {
		case <-cctx.Done():
			return fmt.Errorf("unit %s active but probe never passed within %s", c.Unit, timeout)
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// await polls until the unit reaches the wanted state or ctx expires. The
// deadline lives on ctx; await never adds its own.
func (c *SystemdController) await(ctx context.Context, want State) error {
	for {
		got := c.Status(ctx)
		if got == want {
			return nil
		}
		log.Debug().Str("unit", c.Unit).Str("state", string(got)).Msg("waiting for unit state")
		select {
		case <-ctx.Done():
			return fmt.Errorf("unit %s is %s, wanted %s: %v", c.Unit, got, want, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}
