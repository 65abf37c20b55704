package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollkeeper/rollkeeper/internal/busy"
	"github.com/rollkeeper/rollkeeper/internal/install"
	"github.com/rollkeeper/rollkeeper/internal/release"
	"github.com/rollkeeper/rollkeeper/internal/service"
	"github.com/rollkeeper/rollkeeper/internal/snapshot"
	"github.com/rollkeeper/rollkeeper/internal/verify"
)

type fakeResolver struct {
	current string
	rel     release.Release
	err     error
}

func (f *fakeResolver) CurrentVersion() string { return f.current }
func (f *fakeResolver) ResolveTarget(context.Context, string) (release.Release, error) {
	return f.rel, f.err
}

type fakeWaiter struct {
	res   busy.Result
	calls int
}

func (f *fakeWaiter) WaitUntilIdle(context.Context, time.Duration) busy.Result {
	f.calls++
	return f.res
}

type fakeController struct {
	stopErr  error
	startErr error
	stops    int
	starts   int
}

func (f *fakeController) Name() string                          { return "worker" }
func (f *fakeController) Status(context.Context) service.State { return service.StateUnknown }
func (f *fakeController) Stop(context.Context, time.Duration) error {
	f.stops++
	return f.stopErr
}
func (f *fakeController) Start(context.Context, time.Duration) error {
	f.starts++
	return f.startErr
}

type fakeSnaps struct {
	dir        string
	captureErr error
	restoreRes snapshot.RestoreResult
	captures   int
	restores   int
}

func (f *fakeSnaps) Capture(paths []string) (*snapshot.Snapshot, error) {
	f.captures++
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	s := &snapshot.Snapshot{ID: "test-snap", CreatedAt: time.Now(), RootDir: f.dir, Manifest: paths}
	b, _ := json.Marshal(s)
	if err := os.WriteFile(filepath.Join(f.dir, "snapshot.json"), b, 0o644); err != nil {
		return nil, err
	}
	return s, nil
}

func (f *fakeSnaps) Restore(*snapshot.Snapshot) snapshot.RestoreResult {
	f.restores++
	return f.restoreRes
}

type fakeInstaller struct {
	fetchErr error
	stageErr error
	fetches  int
	stages   int
}

func (f *fakeInstaller) Fetch(_ context.Context, rel release.Release) (install.ArtifactRef, error) {
	f.fetches++
	if f.fetchErr != nil {
		return install.ArtifactRef{}, f.fetchErr
	}
	return install.ArtifactRef{Version: rel.Version, DownloadURI: rel.URI}, nil
}

func (f *fakeInstaller) StageInstall(install.ArtifactRef) error {
	f.stages++
	return f.stageErr
}

type fakeVerifier struct {
	err   error
	calls int
}

func (f *fakeVerifier) Verify(string, string) error {
	f.calls++
	return f.err
}

type fixture struct {
	resolver  *fakeResolver
	waiter    *fakeWaiter
	ctrl      *fakeController
	snaps     *fakeSnaps
	installer *fakeInstaller
	verifier  *fakeVerifier
	opts      Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	return &fixture{
		resolver:  &fakeResolver{current: "2.310.0", rel: release.Release{Version: "2.311.0", URI: "http://feed/a.tar.gz"}},
		waiter:    &fakeWaiter{res: busy.Idle},
		ctrl:      &fakeController{},
		snaps:     &fakeSnaps{dir: t.TempDir()},
		installer: &fakeInstaller{},
		verifier:  &fakeVerifier{},
		opts: Options{
			InstallRoot:   root,
			MaxWait:       time.Minute,
			StopTimeout:   time.Second,
			StartTimeout:  time.Second,
			SnapshotPaths: []string{"bin", "manifest.toml"},
		},
	}
}

func (f *fixture) run(t *testing.T) (*Report, error) {
	t.Helper()
	o := New(f.opts, f.resolver, f.waiter, f.ctrl, f.snaps, f.installer, f.verifier)
	return o.Run(context.Background())
}

func phasesOf(r *Report) []string {
	var out []string
	for _, rec := range r.Records {
		out = append(out, string(rec.Phase)+"("+rec.Outcome+")")
	}
	return out
}

func TestNoOpWhenAlreadyUpToDate(t *testing.T) {
	f := newFixture(t)
	f.resolver.current = "2.311.0"

	report, err := f.run(t)
	require.NoError(t, err)
	assert.Equal(t, "no-op", report.Outcome)
	assert.Zero(t, f.ctrl.stops)
	assert.Zero(t, f.ctrl.starts)
	assert.Zero(t, f.snaps.captures)
	assert.Zero(t, f.installer.fetches)
}

func TestForcePermitsSameVersionReinstall(t *testing.T) {
	f := newFixture(t)
	f.resolver.current = "2.311.0"
	f.opts.Force = true

	report, err := f.run(t)
	require.NoError(t, err)
	assert.Equal(t, "success", report.Outcome)
	assert.Equal(t, 1, f.installer.stages)
}

func TestHappyPath(t *testing.T) {
	// Scenario A: idle immediately, all phases succeed.
	f := newFixture(t)

	report, err := f.run(t)
	require.NoError(t, err)
	assert.Equal(t, "success", report.Outcome)
	assert.Equal(t, "2.310.0", report.PreviousVersion)
	assert.Equal(t, "2.311.0", report.AttemptedVersion)
	assert.Equal(t, []string{
		"check-update-needed(ok)", "wait-idle(ok)", "stop(ok)",
		"backup(ok)", "install(ok)", "verify(ok)", "start(ok)",
	}, phasesOf(report))
	assert.NotEmpty(t, report.BackupDir)
	assert.Equal(t, 1, f.verifier.calls)
}

func TestVerifyFailureRollsBackThenStarts(t *testing.T) {
	// Scenario B: verify fails on version mismatch, restore succeeds,
	// start succeeds, session still fails.
	f := newFixture(t)
	f.verifier.err = verify.ErrVersionMismatch

	report, err := f.run(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVerification))
	assert.Equal(t, 1, f.snaps.restores, "restore invoked exactly once")
	assert.Equal(t, 1, f.ctrl.starts, "start invoked exactly once after restore")
	assert.Equal(t, []string{
		"check-update-needed(ok)", "wait-idle(ok)", "stop(ok)", "backup(ok)",
		"install(ok)", "verify(fail)", "restore(ok)", "start(ok)",
	}, phasesOf(report))
	assert.Equal(t, "failed", report.Outcome)
}

func TestVerifyIntegrityFailureMapsToIntegrityError(t *testing.T) {
	f := newFixture(t)
	f.verifier.err = verify.ErrIntegrity

	_, err := f.run(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIntegrity))
}

func TestRestoreStillStartsWhenPartiallyFailed(t *testing.T) {
	f := newFixture(t)
	f.verifier.err = verify.ErrVersionMismatch
	f.snaps.restoreRes = snapshot.RestoreResult{
		Outcome:     snapshot.PartiallyFailed,
		FailedPaths: []string{"bin"},
	}

	report, err := f.run(t)
	require.Error(t, err)
	assert.Equal(t, 1, f.snaps.restores)
	assert.Equal(t, 1, f.ctrl.starts, "start attempted regardless of restore outcome")
	assert.True(t, errors.Is(err, ErrVerification))
	assert.GreaterOrEqual(t, len(report.Errors), 2, "verify and restore failures both recorded")
}

func TestStopFailureAbortsBeforeAnyMutation(t *testing.T) {
	// Scenario C: stop never reaches stopped; no backup, no install,
	// start still attempted.
	f := newFixture(t)
	f.ctrl.stopErr = errors.New("still running after 1s")

	report, err := f.run(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrServiceControl))
	assert.Zero(t, f.snaps.captures)
	assert.Zero(t, f.installer.fetches)
	assert.Equal(t, 1, f.ctrl.starts, "start still attempted to leave the service running")
	assert.Equal(t, []string{
		"check-update-needed(ok)", "wait-idle(ok)", "stop(fail)", "start(ok)",
	}, phasesOf(report))
}

func TestSkipBackupFailureReportsRollbackImpossible(t *testing.T) {
	f := newFixture(t)
	f.opts.SkipBackup = true
	f.installer.stageErr = errors.New("archive truncated")

	report, err := f.run(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIntegrity))
	assert.Zero(t, f.snaps.restores, "restore never invoked without a backup")
	assert.True(t, report.RollbackImpossible)
}

func TestDownloadFailureDoesNotRollback(t *testing.T) {
	f := newFixture(t)
	f.installer.fetchErr = errors.New("connection refused")

	_, err := f.run(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDownload))
	assert.Zero(t, f.snaps.restores, "nothing staged, nothing to roll back")
	assert.Equal(t, 1, f.ctrl.starts)
}

func TestIdleTimeoutAbortsWithoutForce(t *testing.T) {
	f := newFixture(t)
	f.waiter.res = busy.TimedOut

	_, err := f.run(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBusyTimeout))
	assert.Zero(t, f.ctrl.stops, "aborted before any mutation")
	assert.Zero(t, f.ctrl.starts)
}

func TestIdleTimeoutProceedsUnderForce(t *testing.T) {
	f := newFixture(t)
	f.waiter.res = busy.TimedOut
	f.opts.Force = true

	report, err := f.run(t)
	require.NoError(t, err)
	assert.Equal(t, "success", report.Outcome)
	// The forced-through timeout must not read as a clean wait.
	require.Len(t, report.Records, 7)
	assert.Equal(t, PhaseWaitIdle, report.Records[1].Phase)
	assert.Equal(t, OutcomeTimedOut, report.Records[1].Outcome)
}

func TestStartFailureAfterVerifyRequiresManualStart(t *testing.T) {
	f := newFixture(t)
	f.ctrl.startErr = errors.New("exited during startup")

	report, err := f.run(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrServiceControl))
	assert.Zero(t, f.snaps.restores, "verified install is presumed intact")
	assert.True(t, report.ManualStartRequired)
}

func TestResolutionFailureIsFatalWithoutMutation(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = errors.New("feed unreachable")

	_, err := f.run(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResolution))
	assert.Zero(t, f.ctrl.stops)
	assert.Zero(t, f.installer.fetches)
}

func TestDryRunTouchesNothing(t *testing.T) {
	f := newFixture(t)
	f.opts.DryRun = true
	// Any real mutating call would fail loudly.
	f.ctrl.stopErr = errors.New("must not be called")
	f.ctrl.startErr = errors.New("must not be called")
	f.installer.fetchErr = errors.New("must not be called")

	report, err := f.run(t)
	require.NoError(t, err)
	assert.Equal(t, "success", report.Outcome)
	assert.Zero(t, f.ctrl.stops)
	assert.Zero(t, f.ctrl.starts)
	assert.Zero(t, f.snaps.captures)
	assert.Zero(t, f.installer.fetches)
	assert.Equal(t, 1, f.waiter.calls, "wait-idle still runs for real")
	for _, rec := range report.Records[2:] {
		assert.Equal(t, OutcomeDryRun, rec.Outcome)
	}

	entries, err := os.ReadDir(f.opts.InstallRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "dry-run created files under the install root")
}

func TestSecondSessionFailsFast(t *testing.T) {
	f := newFixture(t)
	held := flock.New(filepath.Join(f.opts.InstallRoot, LockFileName))
	ok, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = held.Unlock() }()

	_, err = f.run(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConcurrency))
	assert.Zero(t, f.ctrl.stops)
	assert.Zero(t, f.snaps.captures)
	assert.Zero(t, f.installer.fetches)
}

func TestIllegalTransitionPanics(t *testing.T) {
	s := newSession(false, false)
	assert.Panics(t, func() { s.transition(PhaseStart) })
}
