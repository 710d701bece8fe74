package format

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/vk/cubegrid/internal/ctxlog"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/fsutil"
)

//go:embed builtin/*.hcl
var builtinFS embed.FS

// Info is the summary of a format listed by the registry.
type Info struct {
	Name        string
	Version     string
	Description string
	Path        string
}

// Registry resolves formats from an ordered search path of directories,
// after the built-in formats. The first definition of a name wins.
type Registry struct {
	mu      sync.Mutex
	dirs    []string
	formats map[string]*Format
	loaded  bool
}

// NewRegistry returns a registry searching the given directories.
func NewRegistry(dirs ...string) *Registry {
	return &Registry{dirs: append([]string(nil), dirs...)}
}

// AddDir appends a directory to the search path.
func (r *Registry) AddDir(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs = append(r.dirs, dir)
	r.loaded = false
}

// Dirs returns the search path.
func (r *Registry) Dirs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dirs...)
}

func (r *Registry) load(ctx context.Context) error {
	if r.loaded {
		return nil
	}
	logger := ctxlog.FromContext(ctx)
	formats := make(map[string]*Format)
	add := func(defs []*Format) {
		for _, f := range defs {
			if prev, ok := formats[f.Name]; ok {
				logger.Debug("Format shadowed by an earlier definition.", "format", f.Name, "kept", prev.Path, "ignored", f.Path)
				continue
			}
			formats[f.Name] = f
		}
	}

	entries, err := fs.Glob(builtinFS, "builtin/*.hcl")
	if err != nil {
		return err
	}
	for _, name := range entries {
		src, err := builtinFS.ReadFile(name)
		if err != nil {
			return err
		}
		defs, err := Parse(path.Base(name), src)
		if err != nil {
			return fmt.Errorf("built-in format: %w", err)
		}
		for _, f := range defs {
			f.Path = ""
		}
		add(defs)
	}

	for _, dir := range r.dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			logger.Debug("Format directory does not exist, skipping.", "dir", dir)
			continue
		}
		files, err := fsutil.FindFiles(dir, ".hcl", ".json")
		if err != nil {
			return fmt.Errorf("scanning format directory %s: %w", dir, err)
		}
		for _, file := range files {
			defs, err := loadFile(file)
			if err != nil {
				return err
			}
			add(defs)
		}
	}
	r.formats = formats
	r.loaded = true
	logger.Debug("Format registry loaded.", "formats", len(formats), "dirs", len(r.dirs))
	return nil
}

func loadFile(file string) ([]*Format, error) {
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading format file: %w", err)
	}
	return Parse(file, src)
}

// List enumerates the available formats sorted by name.
func (r *Registry) List(ctx context.Context) ([]Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(r.formats))
	for _, f := range r.formats {
		out = append(out, Info{Name: f.Name, Version: f.Version, Description: f.Description, Path: f.Path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Lookup resolves a format by name, or by path to a format file declaring
// exactly one format.
func (r *Registry) Lookup(ctx context.Context, nameOrPath string) (*Format, error) {
	if ext := filepath.Ext(nameOrPath); ext == ".hcl" || ext == ".json" {
		if _, err := os.Stat(nameOrPath); err == nil {
			defs, err := loadFile(nameOrPath)
			if err != nil {
				return nil, err
			}
			if len(defs) != 1 {
				return nil, cubeerr.Wrapf(cubeerr.ErrCatalog, "%s declares %d formats, want exactly one", nameOrPath, len(defs))
			}
			return defs[0], nil
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	f, ok := r.formats[nameOrPath]
	if !ok {
		return nil, cubeerr.Wrapf(cubeerr.ErrUnknownFormat, "%q", nameOrPath)
	}
	return f, nil
}

// FromJSON restores a format stored alongside a collection.
func FromJSON(data []byte) (*Format, error) {
	var f Format
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, cubeerr.Wrapf(cubeerr.ErrCatalog, "corrupt stored format: %v", err)
	}
	if err := f.Compile(); err != nil {
		return nil, err
	}
	return &f, nil
}
