package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vk/cubegrid/internal/collection"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/datetime"
	"github.com/vk/cubegrid/internal/executor"
	"github.com/vk/cubegrid/internal/format"
	"github.com/vk/cubegrid/internal/fsutil"
	"github.com/vk/cubegrid/internal/pipeline"
	"github.com/vk/cubegrid/internal/raster"
	"github.com/vk/cubegrid/internal/swarm"
	"github.com/vk/cubegrid/internal/view"
)

// Formats lists the formats of the registry.
func (a *App) Formats(ctx context.Context) ([]format.Info, error) {
	return a.registry.List(a.context(ctx))
}

// IndexRequest describes a new collection.
type IndexRequest struct {
	Format string
	Out    string
	// Inputs are files, directories or glob patterns.
	Inputs         []string
	UnrollArchives bool
}

// Index builds a new collection file and returns its summary.
func (a *App) Index(ctx context.Context, req IndexRequest) (collection.Info, error) {
	ctx = a.context(ctx)
	f, err := a.registry.Lookup(ctx, req.Format)
	if err != nil {
		return collection.Info{}, err
	}
	files, err := fsutil.ExpandInputs("", req.Inputs)
	if err != nil {
		return collection.Info{}, cubeerr.Configf("expanding inputs: %v", err)
	}
	start := time.Now()
	c, err := collection.Build(ctx, req.Out, f, files, a.collectionOptions(req.UnrollArchives))
	if err != nil {
		return collection.Info{}, err
	}
	defer c.Close()
	info, err := c.Info(ctx)
	if err != nil {
		return collection.Info{}, err
	}
	a.logger.Info("🗂️ Collection created", "path", req.Out, "format", f.Name, "images", info.Images, "duration", time.Since(start))
	return info, nil
}

// Add appends files to an existing collection and returns the number of
// images added.
func (a *App) Add(ctx context.Context, path string, inputs []string, unroll bool) (int, error) {
	ctx = a.context(ctx)
	c, err := a.open(ctx, path)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	files, err := fsutil.ExpandInputs("", inputs)
	if err != nil {
		return 0, cubeerr.Configf("expanding inputs: %v", err)
	}
	n, err := c.Append(ctx, files, a.collectionOptions(unroll))
	if err != nil {
		return 0, err
	}
	a.logger.Info("🗂️ Images added", "path", path, "images", n)
	return n, nil
}

// Info summarizes an existing collection.
func (a *App) Info(ctx context.Context, path string) (collection.Info, error) {
	ctx = a.context(ctx)
	c, err := a.open(ctx, path)
	if err != nil {
		return collection.Info{}, err
	}
	defer c.Close()
	return c.Info(ctx)
}

func (a *App) open(ctx context.Context, path string) (*collection.Collection, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, cubeerr.Wrapf(cubeerr.ErrCatalog, "collection %s: %v", path, err)
	}
	return collection.Open(ctx, path, a.backend)
}

func (a *App) collectionOptions(unroll bool) collection.Options {
	return collection.Options{Reader: a.backend, Transformer: a.backend, UnrollArchives: unroll}
}

// ViewRequest is a textual cube view. Empty fields are not given.
type ViewRequest struct {
	// Collection optionally supplies the default extent.
	Collection  string
	SRS         string
	Bounds      *view.Bounds
	DX, DY      float64
	NX, NY      int
	T0, T1      string
	DT          string
	NT          int
	Aggregation string
	Resampling  string
}

func (r ViewRequest) view() (view.View, error) {
	v := view.View{
		Space:       view.Space{SRS: raster.NormalizeSRS(r.SRS), Bounds: r.Bounds, DX: r.DX, DY: r.DY, NX: r.NX, NY: r.NY},
		Time:        view.Time{NT: r.NT},
		Aggregation: view.Aggregation(r.Aggregation),
		Resampling:  view.Resampling(r.Resampling),
	}
	var err error
	if r.T0 != "" {
		if v.Time.T0, _, err = datetime.Parse(r.T0); err != nil {
			return view.View{}, cubeerr.Configf("t0: %v", err)
		}
	}
	if r.T1 != "" {
		if v.Time.T1, _, err = datetime.Parse(r.T1); err != nil {
			return view.View{}, cubeerr.Configf("t1: %v", err)
		}
	}
	if r.DT != "" {
		if v.Time.DT, err = datetime.ParseDuration(r.DT); err != nil {
			return view.View{}, cubeerr.Configf("dt: %v", err)
		}
	}
	return v, nil
}

// ResolveView resolves a view into its grid, against the collection extent
// when one is given.
func (a *App) ResolveView(ctx context.Context, req ViewRequest) (view.Grid, error) {
	ctx = a.context(ctx)
	v, err := req.view()
	if err != nil {
		return view.Grid{}, err
	}
	var src view.ExtentSource
	if req.Collection != "" {
		c, err := a.open(ctx, req.Collection)
		if err != nil {
			return view.Grid{}, err
		}
		defer c.Close()
		src = c
	}
	return view.Resolve(ctx, src, v)
}

// Run compiles a pipeline file and evaluates its exports.
func (a *App) Run(ctx context.Context, path string) error {
	ctx = a.context(ctx)
	a.logger.Debug("App.Run method started.", "pipeline", path)
	ex, release, err := a.executor(ctx)
	if err != nil {
		return err
	}
	defer release()

	p, err := pipeline.LoadFile(ctx, path, pipeline.Env{
		Backend:   a.backend,
		Registry:  a.registry,
		ChunkSize: a.settings.DefaultChunkSize(),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			a.logger.Warn("Closing pipeline failed.", "error", err)
		}
	}()
	a.logger.Info("📄 Pipeline compiled", "file", path, "cubes", len(p.Cubes), "exports", len(p.Exports), "threads", ex.Workers())
	if err := p.Run(ctx, ex); err != nil {
		return fmt.Errorf("pipeline %s failed: %w", path, err)
	}
	a.logger.Debug("App.Run method finished.")
	return nil
}

// Serve runs a swarm worker on addr until ctx is canceled.
func (a *App) Serve(ctx context.Context, addr string) error {
	ctx = a.context(ctx)
	ex := executor.New(executor.Options{Workers: a.settings.Threads, MemoSize: a.settings.MemoSize})
	s, err := swarm.NewServer(ctx, a.cubeEnv(), ex)
	if err != nil {
		return err
	}
	return s.ListenAndServe(ctx, addr)
}

// VersionInfo reports the engine and backend versions and the raster
// drivers available.
type VersionInfo struct {
	Engine  string
	Backend string
	Drivers []string
}

// Version describes the running engine.
func (a *App) Version() VersionInfo {
	return VersionInfo{Engine: Version, Backend: a.backend.Version(), Drivers: a.backend.Drivers()}
}
