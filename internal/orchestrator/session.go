package orchestrator

import (
	"fmt"
	"time"

	"github.com/rollkeeper/rollkeeper/internal/snapshot"
)

// Phase of an update session.
type Phase string

const (
	PhaseInit              Phase = "init"
	PhaseCheckUpdateNeeded Phase = "check-update-needed"
	PhaseWaitIdle          Phase = "wait-idle"
	PhaseStop              Phase = "stop"
	PhaseBackup            Phase = "backup"
	PhaseInstall           Phase = "install"
	PhaseVerify            Phase = "verify"
	PhaseRestore           Phase = "restore"
	PhaseStart             Phase = "start"
	PhaseDone              Phase = "done"
	PhaseFailed            Phase = "failed"
)

// validTransitions is the whole session state machine. The failure edges are
// as much a part of the design as the happy path: a stop failure still visits
// Start so the service is left running whenever possible, and install/verify
// failures route through Restore only when a backup exists.
var validTransitions = map[Phase]map[Phase]bool{
	PhaseInit: {PhaseCheckUpdateNeeded: true},
	PhaseCheckUpdateNeeded: {
		PhaseDone:     true, // target == current, no force
		PhaseWaitIdle: true,
		PhaseFailed:   true, // resolution error
	},
	PhaseWaitIdle: {
		PhaseStop:   true,
		PhaseFailed: true, // idle timeout without force, or lock held
	},
	PhaseStop: {
		PhaseBackup: true,
		PhaseStart:  true, // stop failed; still try to leave the service up
	},
	PhaseBackup: {
		PhaseInstall: true,
		PhaseStart:   true, // capture failed; nothing staged, just restart
	},
	PhaseInstall: {
		PhaseVerify:  true,
		PhaseRestore: true, // staging failed, backup exists
		PhaseStart:   true, // download failed, or no backup to restore
	},
	PhaseVerify: {
		PhaseStart:   true,
		PhaseRestore: true,
	},
	PhaseRestore: {PhaseStart: true},
	PhaseStart: {
		PhaseDone:   true,
		PhaseFailed: true,
	},
	PhaseDone:   {},
	PhaseFailed: {},
}

// Outcome of one phase.
const (
	OutcomeOK       = "ok"
	OutcomeFail     = "fail"
	OutcomeSkipped  = "skipped"
	OutcomeDryRun   = "dry-run"
	OutcomeTimedOut = "timed-out"
)

// PhaseRecord is one line of the session history, mirrored into the log.
type PhaseRecord struct {
	Phase    Phase
	Outcome  string
	Err      string
	Duration time.Duration
}

// Session is the in-memory state of one orchestrator run. Created at entry,
// mutated only by the orchestrator, never persisted beyond the log output.
type Session struct {
	TargetVersion  string
	CurrentVersion string
	Phase          Phase
	DryRun         bool
	Force          bool
	StartedAt      time.Time
	BackupRef      *snapshot.Snapshot
	Errors         []error
	History        []PhaseRecord
}

func newSession(dryRun, force bool) *Session {
	return &Session{Phase: PhaseInit, DryRun: dryRun, Force: force, StartedAt: time.Now()}
}

// transition moves the session to the next phase. An illegal transition is a
// programming error, not an operational condition.
func (s *Session) transition(to Phase) {
	if !validTransitions[s.Phase][to] {
		panic(fmt.Sprintf("illegal session transition %s -> %s", s.Phase, to))
	}
	s.Phase = to
}

func (s *Session) record(r PhaseRecord) {
	s.History = append(s.History, r)
}

// Report is the operator-facing summary, emitted on success and failure.
type Report struct {
	PreviousVersion  string
	AttemptedVersion string
	Outcome          string // success | no-op | failed
	BackupDir        string
	Records          []PhaseRecord
	Errors           []string
	// RollbackImpossible: install or verify failed with no backup to
	// restore. CRITICAL, manual intervention required.
	RollbackImpossible bool
	// ManualStartRequired: the new install verified fine but the service
	// would not start. Not an install defect.
	ManualStartRequired bool
}
