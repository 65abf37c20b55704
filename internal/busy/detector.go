// Package busy decides whether the managed service is mid-task before the
// orchestrator is allowed to stop it.
package busy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

// Result of an idle wait.
type Result int

const (
	Idle Result = iota
	TimedOut
)

func (r Result) String() string {
	if r == Idle {
		return "idle"
	}
	return "timed-out"
}

// Detector reports whether the service is currently mid-task. Implementations
// never return an error: any internal failure degrades to "assume busy".
type Detector interface {
	IsBusy() bool
}

// CPUDetector samples the service process CPU utilization and treats a load
// above the threshold as "mid-task". An inherited approximation, kept because
// many workers expose no task counter.
type CPUDetector struct {
	// PID returns the current service process id.
	PID func() (int, error)
	// ThresholdPercent above which the process counts as busy.
	ThresholdPercent float64
	// SampleWindow for the CPU measurement. Defaults to 1s.
	SampleWindow time.Duration
}

func (d *CPUDetector) IsBusy() bool {
	pid, err := d.PID()
	if err != nil {
		log.Warn().Err(err).Msg("busy check failed, assuming busy")
		return true
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		// No such process: a stopped service cannot be mid-task.
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false
		}
		log.Warn().Err(err).Int("pid", pid).Msg("busy check failed, assuming busy")
		return true
	}
	window := d.SampleWindow
	if window <= 0 {
		window = time.Second
	}
	pct, err := p.Percent(window)
	if err != nil {
		log.Warn().Err(err).Int("pid", pid).Msg("cpu sample failed, assuming busy")
		return true
	}
	return pct > d.ThresholdPercent
}

// TaskCountDetector asks the service itself for its in-flight task count.
// Expected response: {"in_flight": N}.
type TaskCountDetector struct {
	URL    string
	Client *http.Client
}

func (d *TaskCountDetector) IsBusy() bool {
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Get(d.URL)
	if err != nil {
		log.Warn().Err(err).Str("url", d.URL).Msg("task count unavailable, assuming busy")
		return true
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Str("status", resp.Status).Str("url", d.URL).Msg("task count unavailable, assuming busy")
		return true
	}
	var body struct {
		InFlight int `json:"in_flight"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Warn().Err(err).Str("url", d.URL).Msg("bad task count response, assuming busy")
		return true
	}
	return body.InFlight > 0
}

// Waiter polls a Detector until the service is idle or maxWait elapses.
type Waiter struct {
	Detector Detector
	Interval time.Duration
}

// WaitUntilIdle blocks for at most maxWait plus one poll interval. A TimedOut
// result is not itself fatal; the caller decides whether force applies.
func (w *Waiter) WaitUntilIdle(ctx context.Context, maxWait time.Duration) Result {
	interval := w.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	start := time.Now()
	deadline := start.Add(maxWait)
	for {
		if !w.Detector.IsBusy() {
			return Idle
		}
		if time.Now().After(deadline) {
			return TimedOut
		}
		log.Info().
			Str("elapsed", time.Since(start).Truncate(time.Second).String()).
			Str("remaining", fmt.Sprint(time.Until(deadline).Truncate(time.Second))).
			Msg("service busy, waiting")
		select {
		case <-ctx.Done():
			return TimedOut
		case <-time.After(interval):
		}
	}
}
