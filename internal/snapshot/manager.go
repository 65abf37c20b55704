// Package snapshot captures and restores a minimal file-level snapshot of an
// install root. Snapshots are retained on disk after the run for forensic
// recovery; nothing here auto-deletes.
package snapshot

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Snapshot describes one captured backup directory.
type Snapshot struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	RootDir   string    `json:"root_dir"`
	Manifest  []string  `json:"manifest"` // ordered, relative to the install root
}

// Outcome of a restore.
type Outcome int

const (
	FullySucceeded Outcome = iota
	PartiallyFailed
)

// RestoreResult records which manifest entries could not be put back.
type RestoreResult struct {
	Outcome     Outcome
	FailedPaths []string
}

// Manager captures snapshots under <install-root>/backups/<id>/.
type Manager struct {
	InstallRoot string
	BackupRoot  string // defaults to <InstallRoot>/backups
}

func (m *Manager) backupRoot() string {
	if m.BackupRoot != "" {
		return m.BackupRoot
	}
	return filepath.Join(m.InstallRoot, "backups")
}

// Capture copies each existing manifest path into a fresh timestamped
// directory. A missing source is skipped with a warning: first-time installs
// have nothing to back up.
func (m *Manager) Capture(paths []string) (*Snapshot, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(m.backupRoot(), id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	snap := &Snapshot{ID: id, CreatedAt: time.Now().UTC(), RootDir: dir}
	for _, rel := range paths {
		src := filepath.Join(m.InstallRoot, rel)
		if _, err := os.Stat(src); err != nil {
			log.Warn().Str("path", rel).Msg("snapshot source missing, skipping")
			continue
		}
		if err := copyPath(src, filepath.Join(dir, rel)); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", rel, err)
		}
		snap.Manifest = append(snap.Manifest, rel)
	}
	if err := writeMeta(dir, snap); err != nil {
		return nil, err
	}
	log.Info().Str("snapshot", id).Int("paths", len(snap.Manifest)).Msg("snapshot captured")
	return snap, nil
}

// Load reads a snapshot's metadata back. Used to confirm a snapshot is fully
// readable before any rollback references it.
func Load(dir string) (*Snapshot, error) {
	b, err := os.ReadFile(filepath.Join(dir, "snapshot.json"))
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("corrupt snapshot metadata: %w", err)
	}
	return &s, nil
}

// Restore copies every manifest entry back to its original location.
// Best-effort: one failed entry does not abort the rest, and every failed
// path is recorded for the operator.
func (m *Manager) Restore(s *Snapshot) RestoreResult {
	res := RestoreResult{Outcome: FullySucceeded}
	for _, rel := range s.Manifest {
		src := filepath.Join(s.RootDir, rel)
		dst := filepath.Join(m.InstallRoot, rel)
		if err := os.RemoveAll(dst); err != nil {
			log.Error().Err(err).Str("path", rel).Msg("restore: cannot clear destination")
			res.FailedPaths = append(res.FailedPaths, rel)
			continue
		}
		if err := copyPath(src, dst); err != nil {
			log.Error().Err(err).Str("path", rel).Msg("restore: copy failed")
			res.FailedPaths = append(res.FailedPaths, rel)
			continue
		}
		log.Info().Str("path", rel).Msg("restored")
	}
	if len(res.FailedPaths) > 0 {
		res.Outcome = PartiallyFailed
	}
	return res
}

// newID is a monotonic timestamp plus a random suffix so no two snapshots
// collide even within one second.
func newID() (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	return time.Now().UTC().Format("20060102T150405") + "-" + hex.EncodeToString(suffix), nil
}

func writeMeta(dir string, s *Snapshot) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "snapshot.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// copyPath copies a file or directory tree, preserving modes.
func copyPath(src, dst string) error {
	st, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return copyFile(src, dst, st.Mode())
	}
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(p, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
