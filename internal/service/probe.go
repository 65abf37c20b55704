package service

import (
	"context"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// probe checks one readiness target. Supported schemes: http://, https://,
// tcp://host:port, and cmd:<shell command run in workDir>.
func probe(ctx context.Context, target, workDir string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	switch {
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		client := &http.Client{Timeout: timeout}
		req, err := http.NewRequestWithContext(ctx, "GET", target, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	case strings.HasPrefix(target, "tcp://"):
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(target, "tcp://"))
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	case strings.HasPrefix(target, "cmd:"):
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		cmd := exec.CommandContext(cctx, "/bin/sh", "-c", strings.TrimPrefix(target, "cmd:"))
		if workDir != "" {
			cmd.Dir = workDir
		}
		return cmd.Run() == nil
	}
	return false
}
