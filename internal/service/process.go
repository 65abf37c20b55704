package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// ProcessController supervises the service as a plain child process tracked
// through a pid file under the install root.
type ProcessController struct {
	ServiceName string
	InstallRoot string
	Command     string // relative to InstallRoot or absolute
	Args        []string
	PIDFile     string // relative to InstallRoot
	ProbeTarget string // optional readiness probe
	Env         []string
}

func (c *ProcessController) Name() string { return c.ServiceName }

func (c *ProcessController) pidPath() string {
	return filepath.Join(c.InstallRoot, c.PIDFile)
}

// PID reads the pid file. A missing file means the service is not running.
func (c *ProcessController) PID() (int, error) {
	b, err := os.ReadFile(c.pidPath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("bad pid file %s: %q", c.pidPath(), strings.TrimSpace(string(b)))
	}
	return pid, nil
}

// Status reads the pid file and probes the process freshly on every call.
func (c *ProcessController) Status(ctx context.Context) State {
	pid, err := c.PID()
	if err != nil {
		if os.IsNotExist(err) {
			return StateStopped
		}
		return StateUnknown
	}
	if processAlive(pid) {
		return StateRunning
	}
	return StateStopped
}

// Stop signals the process group with SIGTERM and escalates to SIGKILL when
// the group has not exited by the timeout.
func (c *ProcessController) Stop(ctx context.Context, timeout time.Duration) error {
	pid, err := c.PID()
	if err != nil {
		if os.IsNotExist(err) {
			return nil // already stopped
		}
		return fmt.Errorf("read pid: %w", err)
	}
	if !processAlive(pid) {
		_ = os.Remove(c.pidPath())
		return nil
	}
	log.Info().Str("service", c.ServiceName).Int("pid", pid).Msg("sending SIGTERM")
	_ = unix.Kill(-pid, unix.SIGTERM)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			_ = os.Remove(c.pidPath())
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	log.Warn().Str("service", c.ServiceName).Int("pid", pid).Msg("stop timeout, sending SIGKILL")
	_ = unix.Kill(-pid, unix.SIGKILL)
	time.Sleep(500 * time.Millisecond)
	if processAlive(pid) {
		return fmt.Errorf("service %s (pid %d) did not stop within %s", c.ServiceName, pid, timeout)
	}
	_ = os.Remove(c.pidPath())
	return nil
}

// Start launches the service detached in its own process group, records the
// pid, and polls until the service confirms it is up.
func (c *ProcessController) Start(ctx context.Context, timeout time.Duration) error {
	if c.Status(ctx) == StateRunning {
		return nil
	}
	bin := c.Command
	if !filepath.IsAbs(bin) {
		bin = filepath.Join(c.InstallRoot, bin)
	}
	if st, err := os.Stat(bin); err != nil || st.IsDir() {
		return fmt.Errorf("service command not found: %s", bin)
	}

	logDir := filepath.Join(c.InstallRoot, "logs")
	_ = os.MkdirAll(logDir, 0o755)
	out, err := os.OpenFile(filepath.Join(logDir, c.ServiceName+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open service log: %w", err)
	}
	defer out.Close()

	cmd := exec.Command(bin, c.Args...)
	cmd.Dir = c.InstallRoot
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	// Own process group so the service survives this process and stop can
	// signal the whole group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.ServiceName, err)
	}
	pid := cmd.Process.Pid
	if err := os.MkdirAll(filepath.Dir(c.pidPath()), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(c.pidPath(), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	_ = cmd.Process.Release()
	log.Info().Str("service", c.ServiceName).Int("pid", pid).Msg("process started")

	return c.confirmUp(ctx, pid, timeout)
}

// confirmUp polls until the probe passes (or, with no probe, the process has
// stayed alive briefly) before declaring StateRunning.
func (c *ProcessController) confirmUp(ctx context.Context, pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if !processAlive(pid) {
			return fmt.Errorf("service %s exited during startup", c.ServiceName)
		}
		if c.ProbeTarget == "" {
			// No probe: settle for the process surviving one second.
			time.Sleep(time.Second)
			if processAlive(pid) {
				return nil
			}
			continue
		}
		if probe(ctx, c.ProbeTarget, c.InstallRoot, 3*time.Second) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("service %s not confirmed up within %s", c.ServiceName, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// processAlive reports whether pid exists using a null signal.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == unix.EPERM
}
