// Package verify validates a staged install before it is trusted.
package verify

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/rollkeeper/rollkeeper/internal/release"
)

var (
	// ErrIntegrity: a required entrypoint file is missing. Always hard.
	ErrIntegrity = errors.New("install integrity check failed")
	// ErrVersionMismatch: the installed artifact reports the wrong version.
	ErrVersionMismatch = errors.New("installed version mismatch")
)

// Verifier checks that an install root holds a usable install.
type Verifier struct {
	// Required entrypoint files, relative to the install root.
	Required []string
}

// Verify confirms every required file exists and that the install reports the
// expected version. A missing version string is tolerated with a warning —
// some layouts omit machine-readable version metadata — but a missing
// required file is always fatal.
func (v *Verifier) Verify(installRoot, expectedVersion string) error {
	for _, rel := range v.Required {
		p := filepath.Join(installRoot, rel)
		st, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("%w: required file %s: %v", ErrIntegrity, rel, err)
		}
		if st.IsDir() {
			return fmt.Errorf("%w: required file %s is a directory", ErrIntegrity, rel)
		}
	}

	m, err := release.ReadManifest(installRoot)
	if err != nil {
		log.Warn().Err(err).Msg("install reports no version, skipping version check")
		return nil
	}
	if !release.SameVersion(m.Package.Version, expectedVersion) {
		return fmt.Errorf("%w: installed %s, expected %s", ErrVersionMismatch, m.Package.Version, expectedVersion)
	}
	return nil
}
