package syncworker

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// extractTarGz unpacks a .tar.gz archive into destDir, which must already
// exist. Entries that would escape destDir are rejected.
func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive entry: %w", err)
		}
		target, err := securePath(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent for %s: %w", hdr.Name, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return fmt.Errorf("create file %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("write file %s: %w", hdr.Name, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close file %s: %w", hdr.Name, err)
			}
		default:
			// Symlinks and specials are not expected in model packages.
		}
	}
}

func securePath(destDir, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return filepath.Join(destDir, cleaned), nil
}

// installDir atomically replaces finalDir with the contents of stagedDir.
// The previous directory, if any, is preserved and restored by the returned
// rollback function; commit discards it.
func installDir(stagedDir, finalDir string) (commit func(), rollback func(), err error) {
	backup := ""
	if _, statErr := os.Stat(finalDir); statErr == nil {
		backup = finalDir + ".old-" + time.Now().UTC().Format("20060102150405")
		if err := os.Rename(finalDir, backup); err != nil {
			return nil, nil, fmt.Errorf("set aside previous install: %w", err)
		}
	}
	if err := os.Rename(stagedDir, finalDir); err != nil {
		if backup != "" {
			_ = os.Rename(backup, finalDir)
		}
		return nil, nil, fmt.Errorf("activate staged install: %w", err)
	}
	commit = func() {
		if backup != "" {
			_ = os.RemoveAll(backup)
		}
	}
	rollback = func() {
		_ = os.RemoveAll(finalDir)
		if backup != "" {
			_ = os.Rename(backup, finalDir)
		}
	}
	return commit, rollback, nil
}
