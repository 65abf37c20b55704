// Package release resolves installed and target versions for an install root.
package release

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

// VersionUnknown is reported when the local manifest is missing or corrupt.
// Non-fatal: a first-time or damaged install can still be updated.
const VersionUnknown = "unknown"

// Latest asks the feed for the highest published version.
const Latest = "latest"

// Release is one entry in the feed index.
type Release struct {
	Version   string `json:"version"`
	URI       string `json:"uri"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

// Manifest is the installed-version manifest shipped inside each artifact
// and read from <install-root>/manifest.toml.
type Manifest struct {
	Package struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
	} `toml:"package"`
}

// ReadManifest parses the manifest at the given install root.
func ReadManifest(installRoot string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(filepath.Join(installRoot, "manifest.toml"))
	if err != nil {
		return m, err
	}
	if err := toml.Unmarshal(b, &m); err != nil {
		return m, err
	}
	if m.Package.Version == "" {
		return m, fmt.Errorf("manifest has no package.version")
	}
	return m, nil
}

// InstalledVersion returns the currently installed version, or VersionUnknown
// with a logged warning when the manifest cannot be read.
func InstalledVersion(installRoot string) string {
	m, err := ReadManifest(installRoot)
	if err != nil {
		log.Warn().Err(err).Str("install_root", installRoot).Msg("installed version unknown")
		return VersionUnknown
	}
	return m.Package.Version
}

// Feed queries a release feed endpoint for published versions.
type Feed struct {
	baseURL string
	client  *retryablehttp.Client
	attach  func(*retryablehttp.Request)
}

// NewFeed builds a Feed on top of a shared retrying client.
func NewFeed(baseURL string, client *retryablehttp.Client, attach func(*retryablehttp.Request)) *Feed {
	return &Feed{baseURL: strings.TrimRight(baseURL, "/"), client: client, attach: attach}
}

// Releases fetches and decodes the feed index.
func (f *Feed) Releases(ctx context.Context) ([]Release, error) {
	if f.baseURL == "" {
		return nil, fmt.Errorf("no feed url configured")
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", f.baseURL+"/index.json", nil)
	if err != nil {
		return nil, err
	}
	if f.attach != nil {
		f.attach(req)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("release feed unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("release feed: http %s", resp.Status)
	}
	var idx struct {
		Releases []Release `json:"releases"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&idx); err != nil {
		return nil, fmt.Errorf("release feed: bad index: %w", err)
	}
	return idx.Releases, nil
}

// Resolve maps a request ("latest" or an explicit version) to a feed entry.
func (f *Feed) Resolve(ctx context.Context, request string) (Release, error) {
	releases, err := f.Releases(ctx)
	if err != nil {
		return Release{}, err
	}
	if request == "" || request == Latest {
		return latestOf(releases)
	}
	want, err := semver.NewVersion(request)
	if err != nil {
		return Release{}, fmt.Errorf("bad version request %q: %w", request, err)
	}
	for _, r := range releases {
		v, err := semver.NewVersion(r.Version)
		if err != nil {
			continue
		}
		if v.Equal(want) {
			return r, nil
		}
	}
	return Release{}, fmt.Errorf("version %s not found in release feed", request)
}

func latestOf(releases []Release) (Release, error) {
	var best Release
	var bestV *semver.Version
	for _, r := range releases {
		v, err := semver.NewVersion(r.Version)
		if err != nil {
			log.Warn().Str("version", r.Version).Msg("skipping unparsable feed entry")
			continue
		}
		if bestV == nil || v.GreaterThan(bestV) {
			best, bestV = r, v
		}
	}
	if bestV == nil {
		return Release{}, fmt.Errorf("release feed has no usable versions")
	}
	return best, nil
}

// Resolver binds an install root to a feed.
type Resolver struct {
	InstallRoot string
	Feed        *Feed
}

// CurrentVersion reports the installed version, VersionUnknown if unreadable.
func (r *Resolver) CurrentVersion() string {
	return InstalledVersion(r.InstallRoot)
}

// ResolveTarget resolves "latest" or an explicit version against the feed.
func (r *Resolver) ResolveTarget(ctx context.Context, request string) (Release, error) {
	return r.Feed.Resolve(ctx, request)
}

// SameVersion reports whether two version strings denote the same release.
// Falls back to string equality when either side is not semver.
func SameVersion(a, b string) bool {
	av, aerr := semver.NewVersion(a)
	bv, berr := semver.NewVersion(b)
	if aerr != nil || berr != nil {
		return a == b
	}
	return av.Equal(bv)
}
