// Package fsutil provides file system helpers for locating format
// definitions and source images.
package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FindFiles recursively searches root for files ending with any of the
// given extensions and returns their paths sorted.
func FindFiles(root string, extensions ...string) ([]string, error) {
	if len(extensions) == 0 {
		panic("at least one extension is required")
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		for _, ext := range extensions {
			if strings.HasSuffix(strings.ToLower(d.Name()), strings.ToLower(ext)) {
				files = append(files, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// ExpandInputs turns a list of inputs into file paths. Relative inputs are
// resolved against base. A directory contributes the files below it that
// match one of the extensions (all files when none are given), a glob
// pattern contributes its matches, and anything else is kept verbatim so
// that GDAL descriptors such as /vsizip/ paths pass through untouched.
func ExpandInputs(base string, inputs []string, extensions ...string) ([]string, error) {
	var out []string
	for _, in := range inputs {
		p := in
		if base != "" && !filepath.IsAbs(p) && !strings.HasPrefix(p, "/vsi") {
			p = filepath.Join(base, p)
		}
		if st, err := os.Stat(p); err == nil && st.IsDir() {
			found, err := findAll(p, extensions)
			if err != nil {
				return nil, err
			}
			out = append(out, found...)
			continue
		}
		if strings.ContainsAny(in, "*?[") {
			matches, err := filepath.Glob(p)
			if err != nil {
				return nil, err
			}
			sort.Strings(matches)
			out = append(out, matches...)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func findAll(dir string, extensions []string) ([]string, error) {
	if len(extensions) > 0 {
		return FindFiles(dir, extensions...)
	}
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}
