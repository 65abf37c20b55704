package orchestrator

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName under the install root guards against concurrent sessions.
const LockFileName = ".update.lock"

// acquireSessionLock takes the exclusive per-install-root lock without
// blocking. A held lock is a fatal ConcurrencyError: the second invocation
// must fail fast with zero mutating calls performed.
func acquireSessionLock(installRoot string) (*flock.Flock, error) {
	path := filepath.Join(installRoot, LockFileName)
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, E(ErrConcurrency, fmt.Errorf("lock %s: %w", path, err))
	}
	if !ok {
		return nil, E(ErrConcurrency, fmt.Errorf("lock %s is held by another session", path))
	}
	return fl, nil
}
