package collection

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// unrollArchives replaces zip and tar archives in files by GDAL virtual
// file system paths of their members.
func unrollArchives(files []string) ([]string, error) {
	out := make([]string, 0, len(files))
	for _, f := range files {
		lower := strings.ToLower(f)
		switch {
		case strings.HasSuffix(lower, ".zip"):
			members, err := zipMembers(f)
			if err != nil {
				return nil, err
			}
			out = append(out, members...)
		case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"), strings.HasSuffix(lower, ".tar"):
			members, err := tarMembers(f)
			if err != nil {
				return nil, err
			}
			out = append(out, members...)
		default:
			out = append(out, f)
		}
	}
	return out, nil
}

func vsiPath(prefix, archive, member string) string {
	abs, err := filepath.Abs(archive)
	if err != nil {
		abs = archive
	}
	return prefix + filepath.ToSlash(abs) + "/" + member
}

func zipMembers(path string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("listing zip archive %s: %w", path, err)
	}
	defer r.Close()
	var out []string
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		out = append(out, vsiPath("/vsizip/", path, f.Name))
	}
	return out, nil
}

func tarMembers(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("listing tar archive %s: %w", path, err)
	}
	defer f.Close()

	var src io.Reader = f
	if !strings.HasSuffix(strings.ToLower(path), ".tar") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("listing tar archive %s: %w", path, err)
		}
		defer gz.Close()
		src = gz
	}
	tr := tar.NewReader(src)
	var out []string
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing tar archive %s: %w", path, err)
		}
		if h.Typeflag == tar.TypeReg {
			out = append(out, vsiPath("/vsitar/", path, h.Name))
		}
	}
	return out, nil
}
