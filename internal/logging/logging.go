package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global logger to write human-readable output to stderr
// and, when installRoot is non-empty, JSON lines to an append-only session log
// under <installRoot>/logs/. It returns the session log path (empty if none)
// and a close function for the file.
func Setup(installRoot, level string) (string, func(), error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if installRoot == "" {
		log.Logger = zerolog.New(console).With().Timestamp().Logger()
		return "", func() {}, nil
	}

	dir := filepath.Join(installRoot, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("session-%s.log", time.Now().Format("20060102-150405")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("open session log: %w", err)
	}
	log.Logger = zerolog.New(io.MultiWriter(console, f)).With().Timestamp().Logger()
	return path, func() { _ = f.Close() }, nil
}
