package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollkeeper/rollkeeper/internal/orchestrator"
)

func TestRecordReportAndWriteTextfile(t *testing.T) {
	RecordReport(&orchestrator.Report{
		Outcome: "success",
		Records: []orchestrator.PhaseRecord{
			{Phase: orchestrator.PhaseStop, Outcome: orchestrator.OutcomeOK, Duration: 1200 * time.Millisecond},
			{Phase: orchestrator.PhaseInstall, Outcome: orchestrator.OutcomeOK, Duration: 3 * time.Second},
		},
	})

	path := filepath.Join(t.TempDir(), "logs", "last-run.prom")
	require.NoError(t, WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.Contains(t, out, `rollkeeper_session_outcome{outcome="success"} 1`)
	assert.Contains(t, out, `rollkeeper_session_phase_duration_seconds{phase="stop"} 1.2`)
	assert.Contains(t, out, `rollkeeper_session_phase_outcome{outcome="ok",phase="install"} 1`)
	assert.NoFileExists(t, path+".tmp", "write must be atomic")
}
