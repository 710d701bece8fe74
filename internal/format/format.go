// Package format implements collection formats: declarative rules mapping
// source file names to images, bands and acquisition datetimes.
package format

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/vk/cubegrid/internal/ctxlog"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/datetime"
)

// Format is a named, versioned rule set. It is immutable once compiled.
type Format struct {
	Name        string       `json:"name"`
	Version     string       `json:"version,omitempty"`
	Description string       `json:"description,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Pattern     string       `json:"pattern"`
	SRS         string       `json:"srs,omitempty"`
	Images      ImageRule    `json:"images"`
	Datetime    DatetimeRule `json:"datetime"`
	Bands       []BandRule   `json:"bands"`

	// Path is the file the format was loaded from, empty for built-ins.
	Path string `json:"-"`

	pattern  *regexp.Regexp
	images   *regexp.Regexp
	datetime *regexp.Regexp
	bands    []*regexp.Regexp
}

// ImageRule groups files into images: the first capture group of Pattern
// is the image name.
type ImageRule struct {
	Pattern string `json:"pattern,omitempty"`
}

// DatetimeRule extracts the acquisition datetime from the first capture
// group of Pattern. Layout is a Go reference layout; empty means any
// common layout.
type DatetimeRule struct {
	Pattern string `json:"pattern"`
	Layout  string `json:"layout,omitempty"`
}

// BandRule assigns files to a band. A rule without a pattern matches every
// file of an image, which is how multi-band files are described.
type BandRule struct {
	Name    string   `json:"name"`
	Pattern string   `json:"pattern,omitempty"`
	Band    int      `json:"band,omitempty"`
	NoData  *float64 `json:"nodata,omitempty"`
	Scale   float64  `json:"scale,omitempty"`
	Offset  float64  `json:"offset,omitempty"`
	Unit    string   `json:"unit,omitempty"`
	Type    string   `json:"type,omitempty"`
}

// BandNum returns the 1-based band index inside the file.
func (b BandRule) BandNum() int {
	if b.Band <= 0 {
		return 1
	}
	return b.Band
}

// ScaleOrOne returns the band scale, treating zero as unset.
func (b BandRule) ScaleOrOne() float64 {
	if b.Scale == 0 {
		return 1
	}
	return b.Scale
}

func compile(what, expr string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s pattern %q: %w", what, expr, err)
	}
	return re, nil
}

// Compile validates the rules and prepares the regular expressions.
func (f *Format) Compile() error {
	if f.Name == "" {
		return cubeerr.Wrapf(cubeerr.ErrCatalog, "format has no name")
	}
	if len(f.Bands) == 0 {
		return cubeerr.Wrapf(cubeerr.ErrCatalog, "format %s declares no bands", f.Name)
	}
	if f.Datetime.Pattern == "" {
		return cubeerr.Wrapf(cubeerr.ErrCatalog, "format %s has no datetime pattern", f.Name)
	}
	var err error
	pattern := f.Pattern
	if pattern == "" {
		pattern = ".*"
	}
	if f.pattern, err = compile("file", pattern); err != nil {
		return cubeerr.Wrapf(cubeerr.ErrCatalog, "format %s: %v", f.Name, err)
	}
	if f.Images.Pattern != "" {
		if f.images, err = compile("image", f.Images.Pattern); err != nil {
			return cubeerr.Wrapf(cubeerr.ErrCatalog, "format %s: %v", f.Name, err)
		}
	}
	if f.datetime, err = compile("datetime", f.Datetime.Pattern); err != nil {
		return cubeerr.Wrapf(cubeerr.ErrCatalog, "format %s: %v", f.Name, err)
	}
	seen := make(map[string]bool)
	f.bands = make([]*regexp.Regexp, len(f.Bands))
	for i, b := range f.Bands {
		if b.Name == "" {
			return cubeerr.Wrapf(cubeerr.ErrCatalog, "format %s: band %d has no name", f.Name, i)
		}
		if seen[b.Name] {
			return cubeerr.Wrapf(cubeerr.ErrCatalog, "format %s: duplicate band %s", f.Name, b.Name)
		}
		seen[b.Name] = true
		if b.Pattern == "" {
			continue
		}
		if f.bands[i], err = compile("band "+b.Name, b.Pattern); err != nil {
			return cubeerr.Wrapf(cubeerr.ErrCatalog, "format %s: %v", f.Name, err)
		}
	}
	return nil
}

// BandNames returns the declared band vocabulary in declaration order.
func (f *Format) BandNames() []string {
	out := make([]string, len(f.Bands))
	for i, b := range f.Bands {
		out[i] = b.Name
	}
	return out
}

// BandFile is one (band, file) reference of an image.
type BandFile struct {
	Band       string
	Descriptor string
	BandNum    int
}

// Image is a group of files making up one catalog entry.
type Image struct {
	Name     string
	Datetime time.Time
	Unit     datetime.Unit
	Files    []BandFile
}

// Match groups files into images following the format rules. Files that
// match nothing are skipped. It fails with ErrFormatMismatch when no file
// produces an image.
func (f *Format) Match(ctx context.Context, files []string) ([]Image, error) {
	logger := ctxlog.FromContext(ctx).With("format", f.Name)
	if f.pattern == nil {
		if err := f.Compile(); err != nil {
			return nil, err
		}
	}

	byName := make(map[string]*Image)
	skipped := 0
	for _, file := range files {
		if !f.pattern.MatchString(file) {
			logger.Debug("File does not match format pattern, skipping.", "file", file)
			skipped++
			continue
		}
		name := f.imageName(file)
		if name == "" {
			logger.Debug("File has no image name capture, skipping.", "file", file)
			skipped++
			continue
		}
		img, ok := byName[name]
		if !ok {
			dt, unit, err := f.datetimeOf(file)
			if err != nil {
				logger.Warn("Cannot extract datetime from file, skipping.", "file", file, "error", err)
				skipped++
				continue
			}
			img = &Image{Name: name, Datetime: dt, Unit: unit}
			byName[name] = img
		}
		matched := false
		for i, b := range f.Bands {
			if re := f.bands[i]; re != nil && !re.MatchString(file) {
				continue
			}
			img.Files = append(img.Files, BandFile{Band: b.Name, Descriptor: file, BandNum: b.BandNum()})
			matched = true
		}
		if !matched {
			logger.Debug("File matches no band rule, skipping.", "file", file)
			skipped++
		}
	}

	out := make([]Image, 0, len(byName))
	for _, img := range byName {
		if len(img.Files) == 0 {
			continue
		}
		out = append(out, *img)
	}
	if len(out) == 0 {
		return nil, cubeerr.Wrapf(cubeerr.ErrFormatMismatch, "format %s matched none of %d files", f.Name, len(files))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Datetime.Equal(out[j].Datetime) {
			return out[i].Datetime.Before(out[j].Datetime)
		}
		return out[i].Name < out[j].Name
	})
	logger.Debug("Matched files to images.", "images", len(out), "skipped_files", skipped)
	return out, nil
}

func (f *Format) imageName(file string) string {
	if f.images == nil {
		base := filepath.Base(file)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	m := f.images.FindStringSubmatch(file)
	switch {
	case m == nil:
		return ""
	case len(m) > 1:
		return m[1]
	}
	return m[0]
}

func (f *Format) datetimeOf(file string) (time.Time, datetime.Unit, error) {
	m := f.datetime.FindStringSubmatch(file)
	if m == nil {
		return time.Time{}, datetime.Second, fmt.Errorf("datetime pattern does not match")
	}
	s := m[0]
	if len(m) > 1 {
		s = m[1]
	}
	if f.Datetime.Layout != "" {
		t, err := datetime.ParseLayout(s, f.Datetime.Layout)
		return t, layoutUnit(f.Datetime.Layout), err
	}
	return datetime.Parse(s)
}

// layoutUnit guesses the precision of a Go reference layout from the
// finest component it contains.
func layoutUnit(layout string) datetime.Unit {
	switch {
	case strings.Contains(layout, "05"):
		return datetime.Second
	case strings.Contains(layout, "04"):
		return datetime.Minute
	case strings.Contains(layout, "15"):
		return datetime.Hour
	case strings.Contains(layout, "02") || strings.Contains(layout, "002"):
		return datetime.Day
	case strings.Contains(layout, "01") || strings.Contains(layout, "Jan"):
		return datetime.Month
	}
	return datetime.Year
}
