// Package notify publishes the final session summary to NATS so operators
// can watch update outcomes without scraping logs. One-way and best-effort:
// an unreachable broker never fails a session.
package notify

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/rollkeeper/rollkeeper/internal/orchestrator"
)

// Summary is the wire form of a session outcome.
type Summary struct {
	Service          string    `json:"service"`
	PreviousVersion  string    `json:"previous_version"`
	AttemptedVersion string    `json:"attempted_version"`
	Outcome          string    `json:"outcome"`
	BackupDir        string    `json:"backup_dir,omitempty"`
	Errors           []string  `json:"errors,omitempty"`
	FinishedAt       time.Time `json:"finished_at"`
}

// BuildSummary flattens a report for publication.
func BuildSummary(service string, r *orchestrator.Report) Summary {
	return Summary{
		Service:          service,
		PreviousVersion:  r.PreviousVersion,
		AttemptedVersion: r.AttemptedVersion,
		Outcome:          r.Outcome,
		BackupDir:        r.BackupDir,
		Errors:           r.Errors,
		FinishedAt:       time.Now().UTC(),
	}
}

// Publish sends the summary to subject on the given NATS server.
func Publish(natsURL, subject string, s Summary) error {
	nc, err := nats.Connect(natsURL, nats.Timeout(5*time.Second))
	if err != nil {
		return err
	}
	defer nc.Close()
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := nc.Publish(subject, b); err != nil {
		return err
	}
	if err := nc.Flush(); err != nil {
		return err
	}
	log.Info().Str("subject", subject).Msg("session summary published")
	return nil
}
