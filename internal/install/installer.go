// Package install fetches versioned artifacts and stages them into an
// install root. Extraction always happens in a staging directory first; the
// install root is only touched once the staged tree is confirmed sound.
package install

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/rollkeeper/rollkeeper/internal/release"
)

// ArtifactRef describes a fetched artifact. Immutable once staged.
type ArtifactRef struct {
	Version     string
	DownloadURI string
	LocalPath   string
	SizeBytes   int64
}

// Installer downloads archives and swaps staged trees into the install root.
type Installer struct {
	InstallRoot string
	StagingRoot string // defaults to <InstallRoot>/staging
	Client      *retryablehttp.Client
	Attach      func(*retryablehttp.Request)
}

func (i *Installer) stagingRoot() string {
	if i.StagingRoot != "" {
		return i.StagingRoot
	}
	return filepath.Join(i.InstallRoot, "staging")
}

// Fetch downloads the release archive, reusing a cached download whose digest
// still verifies. Transient failures retry with backoff inside the shared
// HTTP client before surfacing an error.
func (i *Installer) Fetch(ctx context.Context, rel release.Release) (ArtifactRef, error) {
	archiveDir := filepath.Join(i.stagingRoot(), "archives")
	idx := loadIndex(archiveDir)
	if e, ok := idx.get(rel.URI); ok {
		if _, err := os.Stat(e.Path); err == nil {
			if rel.SHA256 == "" || verifySHA256(e.Path, rel.SHA256) == nil {
				log.Info().Str("archive", e.Path).Msg("reusing cached archive")
				return ArtifactRef{Version: rel.Version, DownloadURI: rel.URI, LocalPath: e.Path, SizeBytes: e.Size}, nil
			}
		}
	}

	path, err := i.download(ctx, archiveDir, rel.URI)
	if err != nil {
		return ArtifactRef{}, err
	}
	if rel.SHA256 != "" {
		if err := verifySHA256(path, rel.SHA256); err != nil {
			_ = os.Remove(path)
			return ArtifactRef{}, fmt.Errorf("downloaded archive: %w", err)
		}
	}
	st, err := os.Stat(path)
	if err != nil {
		return ArtifactRef{}, err
	}
	idx.put(indexEntry{URI: rel.URI, SHA256: rel.SHA256, Path: path, Size: st.Size()})
	_ = idx.save()
	return ArtifactRef{Version: rel.Version, DownloadURI: rel.URI, LocalPath: path, SizeBytes: st.Size()}, nil
}

func (i *Installer) download(ctx context.Context, destDir, uri string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	base := filepath.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		base = "artifact.bin"
	}
	destPath := filepath.Join(destDir, base)

	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", uri, nil)
	if err != nil {
		return "", err
	}
	if i.Attach != nil {
		i.Attach(req)
	}
	resp, err := i.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", uri, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("download %s: http %s", uri, resp.Status)
	}
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		_ = os.Remove(destPath)
		return "", fmt.Errorf("download %s: %w", uri, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return destPath, nil
}

func verifySHA256(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != strings.ToLower(strings.TrimSpace(expected)) {
		return fmt.Errorf("sha256 mismatch: got %s want %s", got, expected)
	}
	return nil
}

// StageInstall extracts the archive into a temporary staging subdirectory,
// confirms the staged tree is non-empty and carries a manifest, and only then
// swaps its entries into the install root. A failed extraction never leaves
// the install root half-written.
func (i *Installer) StageInstall(ref ArtifactRef) error {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return err
	}
	work := filepath.Join(i.stagingRoot(), "work-"+hex.EncodeToString(suffix))
	if err := unpack(ref.LocalPath, work); err != nil {
		_ = os.RemoveAll(work)
		return fmt.Errorf("extract %s: %w", filepath.Base(ref.LocalPath), err)
	}
	if err := checkStaged(work); err != nil {
		_ = os.RemoveAll(work)
		return err
	}

	entries, err := os.ReadDir(work)
	if err != nil {
		return err
	}
	// Old entries are parked next to the staged tree until the swap is done,
	// then discarded together with it.
	parked := filepath.Join(work, ".replaced")
	if err := os.MkdirAll(parked, 0o755); err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == ".replaced" {
			continue
		}
		oldPath := filepath.Join(i.InstallRoot, e.Name())
		if _, err := os.Stat(oldPath); err == nil {
			if err := os.Rename(oldPath, filepath.Join(parked, e.Name())); err != nil {
				return fmt.Errorf("park old %s: %w", e.Name(), err)
			}
		}
		if err := os.Rename(filepath.Join(work, e.Name()), oldPath); err != nil {
			return fmt.Errorf("swap in %s: %w", e.Name(), err)
		}
		log.Info().Str("entry", e.Name()).Msg("staged entry installed")
	}
	return os.RemoveAll(work)
}

// checkStaged is the structural gate before any swap: the tree must be
// non-empty and ship an installed-version manifest.
func checkStaged(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("staged install is empty")
	}
	if _, err := os.Stat(filepath.Join(dir, "manifest.toml")); err != nil {
		return fmt.Errorf("staged install has no manifest.toml")
	}
	return nil
}
