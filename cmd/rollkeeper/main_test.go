package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecuteReportsMissingInstallRootFlag(t *testing.T) {
	var stderr bytes.Buffer
	code := execute(nil, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "install-root")
}

func TestExecuteReportsNonexistentInstallRoot(t *testing.T) {
	var stderr bytes.Buffer
	code := execute([]string{"--install-root", filepath.Join(t.TempDir(), "gone")}, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "not a directory")
}

func TestExecuteReportsBadConfig(t *testing.T) {
	var stderr bytes.Buffer
	code := execute([]string{
		"--install-root", t.TempDir(),
		"--config", filepath.Join(t.TempDir(), "missing.toml"),
	}, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "rollkeeper:")
}
