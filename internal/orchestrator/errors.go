package orchestrator

import (
	"errors"
	"fmt"
)

// Error kinds, one per failure class the final report distinguishes.
var (
	// ErrResolution: version feed unreachable or version not found. Fatal,
	// nothing has been mutated.
	ErrResolution = errors.New("version resolution failed")
	// ErrConcurrency: the session lock is already held. Fatal, no mutation.
	ErrConcurrency = errors.New("another update session is active")
	// ErrBusyTimeout: the service never went idle and force was not set.
	ErrBusyTimeout = errors.New("service did not become idle in time")
	// ErrServiceControl: stop/start did not reach the expected state.
	ErrServiceControl = errors.New("service control failed")
	// ErrBackup: the pre-update snapshot could not be captured.
	ErrBackup = errors.New("snapshot capture failed")
	// ErrDownload: retries exhausted. Fatal, no mutation beyond an
	// already-stopped service.
	ErrDownload = errors.New("artifact download failed")
	// ErrIntegrity: staged install incomplete. Triggers rollback.
	ErrIntegrity = errors.New("install integrity check failed")
	// ErrVerification: installed version mismatch. Triggers rollback.
	ErrVerification = errors.New("install verification failed")
	// ErrRestore: rollback itself failed. CRITICAL: the system may be in a
	// broken, unversioned state.
	ErrRestore = errors.New("rollback restore failed")
)

// Error pairs a kind with its cause so callers can match the class with
// errors.Is while keeping the underlying detail.
type Error struct {
	Kind  error
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Cause.Error())
}

func (e *Error) Is(target error) bool { return errors.Is(e.Kind, target) }

func (e *Error) Unwrap() error { return e.Cause }

// E wraps cause under kind.
func E(kind, cause error) *Error { return &Error{Kind: kind, Cause: cause} }
