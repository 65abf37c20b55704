// Package orchestrator sequences one safe-update session: resolve, drain,
// stop, back up, install, verify, restart, with rollback on failure. It is
// the only component that decides whether to recover, roll back, or abort;
// the leaf components just report typed results.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rollkeeper/rollkeeper/internal/busy"
	"github.com/rollkeeper/rollkeeper/internal/install"
	"github.com/rollkeeper/rollkeeper/internal/release"
	"github.com/rollkeeper/rollkeeper/internal/service"
	"github.com/rollkeeper/rollkeeper/internal/snapshot"
	"github.com/rollkeeper/rollkeeper/internal/verify"
)

// VersionResolver determines installed and target versions.
type VersionResolver interface {
	CurrentVersion() string
	ResolveTarget(ctx context.Context, request string) (release.Release, error)
}

// IdleWaiter blocks until the service is idle or the wait budget is spent.
type IdleWaiter interface {
	WaitUntilIdle(ctx context.Context, maxWait time.Duration) busy.Result
}

// Snapshotter captures and restores install-root snapshots.
type Snapshotter interface {
	Capture(paths []string) (*snapshot.Snapshot, error)
	Restore(s *snapshot.Snapshot) snapshot.RestoreResult
}

// ArtifactInstaller fetches and stages release artifacts.
type ArtifactInstaller interface {
	Fetch(ctx context.Context, rel release.Release) (install.ArtifactRef, error)
	StageInstall(ref install.ArtifactRef) error
}

// InstallVerifier validates an install root against an expected version.
type InstallVerifier interface {
	Verify(installRoot, expectedVersion string) error
}

// Options configure one session.
type Options struct {
	InstallRoot   string
	Request       string // explicit version, or empty/"latest"
	Force         bool
	SkipBackup    bool
	DryRun        bool
	MaxWait       time.Duration
	StopTimeout   time.Duration
	StartTimeout  time.Duration
	SnapshotPaths []string
}

// Orchestrator runs update sessions against one install root.
type Orchestrator struct {
	opts      Options
	resolver  VersionResolver
	waiter    IdleWaiter
	svc       service.Controller
	snaps     Snapshotter
	installer ArtifactInstaller
	verifier  InstallVerifier
}

// New wires an orchestrator from its collaborators.
func New(opts Options, resolver VersionResolver, waiter IdleWaiter, svc service.Controller,
	snaps Snapshotter, installer ArtifactInstaller, verifier InstallVerifier) *Orchestrator {
	return &Orchestrator{
		opts: opts, resolver: resolver, waiter: waiter,
		svc: svc, snaps: snaps, installer: installer, verifier: verifier,
	}
}

// Run executes one session to completion. The returned report is always
// populated; a non-nil error means the session failed (exit code 1).
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	sess := newSession(o.opts.DryRun, o.opts.Force)
	report := &Report{}

	// CheckUpdateNeeded: read-only, runs for real even under dry-run.
	sess.transition(PhaseCheckUpdateNeeded)
	start := time.Now()
	sess.CurrentVersion = o.resolver.CurrentVersion()
	report.PreviousVersion = sess.CurrentVersion
	rel, err := o.resolver.ResolveTarget(ctx, o.opts.Request)
	if err != nil {
		e := E(ErrResolution, err)
		o.finish(sess, PhaseCheckUpdateNeeded, start, e)
		sess.transition(PhaseFailed)
		return o.finalize(sess, report, e)
	}
	sess.TargetVersion = rel.Version
	report.AttemptedVersion = rel.Version
	if release.SameVersion(sess.CurrentVersion, rel.Version) && !sess.Force {
		o.finish(sess, PhaseCheckUpdateNeeded, start, nil)
		log.Info().Str("version", rel.Version).Msg("already up to date")
		sess.transition(PhaseDone)
		report.Outcome = "no-op"
		return o.finalize(sess, report, nil)
	}
	o.finish(sess, PhaseCheckUpdateNeeded, start, nil)

	// WaitIdle: read-only, also real under dry-run.
	sess.transition(PhaseWaitIdle)
	start = time.Now()
	if res := o.waiter.WaitUntilIdle(ctx, o.opts.MaxWait); res == busy.TimedOut {
		if !sess.Force {
			e := E(ErrBusyTimeout, fmt.Errorf("after %s", o.opts.MaxWait))
			o.finish(sess, PhaseWaitIdle, start, e)
			sess.transition(PhaseFailed)
			return o.finalize(sess, report, e)
		}
		// Proceeding anyway is an operator decision; the history must still
		// show the wait did not succeed.
		log.Warn().Msg("idle wait timed out, proceeding under force")
		sess.record(PhaseRecord{Phase: PhaseWaitIdle, Outcome: OutcomeTimedOut, Duration: time.Since(start)})
	} else {
		o.finish(sess, PhaseWaitIdle, start, nil)
	}

	// Exclusive session lock, taken before the first mutating phase. Not
	// taken under dry-run: a dry-run never touches the install root.
	if !sess.DryRun {
		fl, err := acquireSessionLock(o.opts.InstallRoot)
		if err != nil {
			sess.Errors = append(sess.Errors, err)
			sess.transition(PhaseFailed)
			return o.finalize(sess, report, err)
		}
		defer func() { _ = fl.Unlock() }()
	}

	// Stop. A stop failure is always fatal and skips the install entirely,
	// but Start is still attempted so the service is left running.
	if err := o.phase(ctx, sess, PhaseStop, "stop service "+o.svc.Name(), func(ctx context.Context) error {
		if err := o.svc.Stop(ctx, o.opts.StopTimeout); err != nil {
			return E(ErrServiceControl, err)
		}
		return nil
	}); err != nil {
		o.startBestEffort(ctx, sess)
		sess.transition(PhaseFailed)
		return o.finalize(sess, report, err)
	}

	// Backup.
	if o.opts.SkipBackup {
		sess.transition(PhaseBackup)
		log.Warn().Msg("backup skipped on operator request: rollback will not be possible")
		sess.record(PhaseRecord{Phase: PhaseBackup, Outcome: OutcomeSkipped})
	} else if err := o.phase(ctx, sess, PhaseBackup, "capture pre-update snapshot", func(ctx context.Context) error {
		snap, err := o.snaps.Capture(o.opts.SnapshotPaths)
		if err != nil {
			return E(ErrBackup, err)
		}
		sess.BackupRef = snap
		return nil
	}); err != nil {
		// Nothing staged yet; restart the old install and give up.
		o.startBestEffort(ctx, sess)
		sess.transition(PhaseFailed)
		return o.finalize(sess, report, err)
	}

	// Install: fetch, then stage. A download failure mutates nothing beyond
	// the already-stopped service, so there is nothing to roll back.
	var fetchFailed bool
	if err := o.phase(ctx, sess, PhaseInstall, fmt.Sprintf("install version %s", rel.Version), func(ctx context.Context) error {
		ref, err := o.installer.Fetch(ctx, rel)
		if err != nil {
			fetchFailed = true
			return E(ErrDownload, err)
		}
		if err := o.installer.StageInstall(ref); err != nil {
			return E(ErrIntegrity, err)
		}
		return nil
	}); err != nil {
		if !fetchFailed {
			o.rollback(ctx, sess, report)
		}
		o.startBestEffort(ctx, sess)
		sess.transition(PhaseFailed)
		return o.finalize(sess, report, err)
	}

	// Verify the staged install before trusting it.
	if err := o.phase(ctx, sess, PhaseVerify, "verify staged install", func(ctx context.Context) error {
		if err := o.verifier.Verify(o.opts.InstallRoot, rel.Version); err != nil {
			if errors.Is(err, verify.ErrIntegrity) {
				return E(ErrIntegrity, err)
			}
			return E(ErrVerification, err)
		}
		return nil
	}); err != nil {
		o.rollback(ctx, sess, report)
		o.startBestEffort(ctx, sess)
		sess.transition(PhaseFailed)
		return o.finalize(sess, report, err)
	}

	// Start. A failure here, after a clean verify, is not an install defect:
	// the new version stays in place and the operator starts it by hand.
	if err := o.phase(ctx, sess, PhaseStart, "start service "+o.svc.Name(), func(ctx context.Context) error {
		if err := o.svc.Start(ctx, o.opts.StartTimeout); err != nil {
			return E(ErrServiceControl, err)
		}
		return nil
	}); err != nil {
		report.ManualStartRequired = true
		log.Error().Msg("install verified but service did not start: manual start required")
		sess.transition(PhaseFailed)
		return o.finalize(sess, report, err)
	}

	sess.transition(PhaseDone)
	return o.finalize(sess, report, nil)
}

// phase runs one mutating phase: transition, dry-run short-circuit, timing,
// structured log entry, error collection.
func (o *Orchestrator) phase(ctx context.Context, sess *Session, p Phase, intent string, fn func(context.Context) error) error {
	sess.transition(p)
	if sess.DryRun {
		log.Info().Str("phase", string(p)).Str("outcome", OutcomeDryRun).Msg("would " + intent)
		sess.record(PhaseRecord{Phase: p, Outcome: OutcomeDryRun})
		return nil
	}
	start := time.Now()
	err := fn(ctx)
	o.finish(sess, p, start, err)
	return err
}

// finish records and logs one phase outcome.
func (o *Orchestrator) finish(sess *Session, p Phase, start time.Time, err error) {
	dur := time.Since(start)
	rec := PhaseRecord{Phase: p, Outcome: OutcomeOK, Duration: dur}
	ev := log.Info()
	if err != nil {
		rec.Outcome = OutcomeFail
		rec.Err = err.Error()
		sess.Errors = append(sess.Errors, err)
		ev = log.Error().Err(err)
	}
	sess.record(rec)
	ev.Str("phase", string(p)).Str("outcome", rec.Outcome).Dur("duration", dur).Msg("phase complete")
}

// rollback restores the pre-update snapshot, exactly once, when one exists.
// Without a backup the condition is CRITICAL and only reported.
func (o *Orchestrator) rollback(ctx context.Context, sess *Session, report *Report) {
	if sess.BackupRef == nil {
		report.RollbackImpossible = true
		if o.opts.SkipBackup {
			log.Error().Msg("CRITICAL: backup was skipped, rollback not possible; manual intervention required")
		} else {
			log.Error().Msg("CRITICAL: no backup captured, rollback not possible; manual intervention required")
		}
		return
	}
	_ = o.phase(ctx, sess, PhaseRestore, "restore snapshot "+sess.BackupRef.ID, func(ctx context.Context) error {
		// The snapshot must be fully readable before we touch anything.
		if _, err := snapshot.Load(sess.BackupRef.RootDir); err != nil {
			return E(ErrRestore, err)
		}
		res := o.snaps.Restore(sess.BackupRef)
		if res.Outcome == snapshot.PartiallyFailed {
			return E(ErrRestore, fmt.Errorf("failed paths: %v", res.FailedPaths))
		}
		return nil
	})
}

// startBestEffort tries to bring the service back up on a failure path. The
// session is already failing; a start error is recorded, not returned.
func (o *Orchestrator) startBestEffort(ctx context.Context, sess *Session) {
	_ = o.phase(ctx, sess, PhaseStart, "start service "+o.svc.Name(), func(ctx context.Context) error {
		if err := o.svc.Start(ctx, o.opts.StartTimeout); err != nil {
			return E(ErrServiceControl, err)
		}
		return nil
	})
}

// finalize fills the report and emits the final summary on every path.
func (o *Orchestrator) finalize(sess *Session, report *Report, err error) (*Report, error) {
	report.Records = sess.History
	for _, e := range sess.Errors {
		report.Errors = append(report.Errors, e.Error())
	}
	if sess.BackupRef != nil {
		report.BackupDir = sess.BackupRef.RootDir
	}
	if report.Outcome == "" {
		if err == nil {
			report.Outcome = "success"
		} else {
			report.Outcome = "failed"
		}
	}
	ev := log.Info()
	if err != nil {
		ev = log.Error()
	}
	ev.Str("previous_version", report.PreviousVersion).
		Str("attempted_version", report.AttemptedVersion).
		Str("outcome", report.Outcome).
		Str("backup", report.BackupDir).
		Int("errors", len(report.Errors)).
		Dur("total", time.Since(sess.StartedAt)).
		Msg("session finished")
	if report.RollbackImpossible {
		log.Error().Msg("final report: rollback not possible")
	}
	if report.ManualStartRequired {
		log.Error().Msg("final report: manual start required")
	}
	return report, err
}
