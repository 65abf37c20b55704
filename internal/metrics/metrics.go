// Package metrics records per-phase outcomes for one session and writes them
// as a textfile-collector snapshot so a node exporter can pick up the result
// of the last update run.
package metrics

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/rollkeeper/rollkeeper/internal/orchestrator"
)

var (
	phaseDuration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "rollkeeper", Subsystem: "session", Name: "phase_duration_seconds", Help: "Duration of each update phase."},
		[]string{"phase"},
	)
	phaseOutcome = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "rollkeeper", Subsystem: "session", Name: "phase_outcome", Help: "Phase outcome (1 for the outcome reached)."},
		[]string{"phase", "outcome"},
	)
	sessionOutcome = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "rollkeeper", Subsystem: "session", Name: "outcome", Help: "Session outcome (1 for the outcome reached)."},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(phaseDuration, phaseOutcome, sessionOutcome)
}

// RecordReport mirrors a finished session into the registry.
func RecordReport(r *orchestrator.Report) {
	for _, rec := range r.Records {
		phaseDuration.WithLabelValues(string(rec.Phase)).Set(rec.Duration.Seconds())
		phaseOutcome.WithLabelValues(string(rec.Phase), rec.Outcome).Set(1)
	}
	sessionOutcome.WithLabelValues(r.Outcome).Set(1)
}

// WriteTextfile renders the registry in exposition format to path, atomically.
func WriteTextfile(path string) error {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
