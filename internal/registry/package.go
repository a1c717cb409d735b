// ABOUTME: Plugin package source resolution and archive extraction.
// ABOUTME: Accepts local paths, file:// URLs, and http(s) URLs pointing at zip packages.

package registry

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	errs "github.com/opsforge/plugind/internal/errors"
)

// maxPackageBytes bounds how much package data is read from a source.
const maxPackageBytes = 256 << 20 // 256 MB

// fetchPackage resolves a package source descriptor to the raw zip bytes.
func (s *Service) fetchPackage(source string) ([]byte, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, errs.New(errs.KindInvalidPackage, "package source is empty")
	}

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		resp, err := s.client.Get(source)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidPackage, err, "failed to download package %s", source)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, errs.New(errs.KindInvalidPackage, "package download %s returned status %d", source, resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxPackageBytes))
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidPackage, err, "failed to read package %s", source)
		}
		return data, nil
	}

	path := source
	if after, ok := strings.CutPrefix(source, "file://"); ok {
		path = strings.TrimPrefix(after, "localhost")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidPackage, err, "failed to read local package %s", path)
	}
	return data, nil
}

// extractZip unpacks a zip archive into targetDir, refusing entries that
// would land outside it.
func extractZip(data []byte, targetDir string) error {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return errs.Wrap(errs.KindInvalidPackage, err, "package is not a valid zip archive")
	}

	for _, f := range archive.File {
		outPath, err := safeJoin(targetDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(outPath, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return err
		}
		if err := writeZipEntry(f, outPath); err != nil {
			return err
		}
	}
	return nil
}

func writeZipEntry(f *zip.File, outPath string) error {
	rc, err := f.Open()
	if err != nil {
		return errs.Wrap(errs.KindInvalidPackage, err, "failed to read archive entry %s", f.Name)
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, io.LimitReader(rc, maxPackageBytes)); err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return nil
}

// safeJoin joins an archive entry name onto targetDir, rejecting absolute
// paths and traversal outside the target (zip-slip).
func safeJoin(targetDir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", errs.New(errs.KindInvalidPackage, "archive entry %q has an absolute path", name)
	}
	out := filepath.Join(targetDir, filepath.Clean(name))
	if out != targetDir && !strings.HasPrefix(out, targetDir+string(filepath.Separator)) {
		return "", errs.New(errs.KindInvalidPackage, "archive entry %q escapes the package directory", name)
	}
	return out, nil
}
