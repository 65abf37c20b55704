package install

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// unpack extracts a tar.gz or zip archive into targetDir. Detection is by
// extension first, then by magic header, since some feeds serve archives
// without a meaningful filename.
func unpack(archivePath, targetDir string) error {
	if strings.HasSuffix(archivePath, ".tar.gz") || strings.HasSuffix(archivePath, ".tgz") {
		return untarGz(archivePath, targetDir)
	}
	if strings.HasSuffix(archivePath, ".zip") {
		return unzip(archivePath, targetDir)
	}
	if hasMagic(archivePath, []byte{0x50, 0x4B, 0x03, 0x04}) {
		return unzip(archivePath, targetDir)
	}
	if hasMagic(archivePath, []byte{0x1F, 0x8B}) {
		return untarGz(archivePath, targetDir)
	}
	return errors.New("unsupported archive format")
}

func hasMagic(path string, magic []byte) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	hdr := make([]byte, len(magic))
	if _, err := io.ReadFull(f, hdr); err != nil {
		return false
	}
	for i := range magic {
		if hdr[i] != magic[i] {
			return false
		}
	}
	return true
}

// safeJoin rejects entries that would escape targetDir.
func safeJoin(targetDir, name string) (string, error) {
	p := filepath.Join(targetDir, name)
	if !strings.HasPrefix(p, filepath.Clean(targetDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes staging dir: %s", name)
	}
	return p, nil
}

func untarGz(archivePath, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return err
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		dst, err := safeJoin(targetDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(dst, tr, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		default:
			// symlinks and the rest are not part of our artifacts
		}
	}
	return nil
}

func unzip(archivePath, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return err
	}
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()
	for _, f := range r.File {
		dst, err := safeJoin(targetDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, f.Mode()); err != nil {
				return err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeEntry(dst, rc, f.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(dst string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
