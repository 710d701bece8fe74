// Package pipeline compiles declarative HCL pipeline files into cube graphs.
// A pipeline declares collections, views, cubes built from earlier cubes
// and exports:
//
//	collection "s2" {
//	  path = "s2.db"
//	}
//
//	view "monthly" {
//	  collection = collection.s2
//	  srs        = "EPSG:3857"
//	  dx         = 100
//	  dt         = "P1M"
//	}
//
//	cube "raw" "image_collection" {
//	  collection = collection.s2
//	  view       = view.monthly
//	}
//
//	cube "ndvi" "apply_pixel" {
//	  input = cube.raw
//	  expr  = ["(nir - red) / (nir + red)"]
//	  names = ["ndvi"]
//	}
//
//	export "out" {
//	  cube = cube.ndvi
//	  path = "ndvi.cube"
//	}
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/collection"
	"github.com/vk/cubegrid/internal/ctxlog"
	"github.com/vk/cubegrid/internal/cube"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/datetime"
	"github.com/vk/cubegrid/internal/executor"
	"github.com/vk/cubegrid/internal/format"
	"github.com/vk/cubegrid/internal/fsutil"
	"github.com/vk/cubegrid/internal/raster"
	"github.com/vk/cubegrid/internal/sink"
	"github.com/vk/cubegrid/internal/view"
)

// Env is what compiling and running a pipeline needs.
type Env struct {
	Backend  raster.Backend
	Registry *format.Registry
	// ChunkSize applies to leaf cubes that declare no chunk_size; zero
	// uses chunk.DefaultSize.
	ChunkSize chunk.Size
}

// Export is a compiled export block.
type Export struct {
	Name  string
	Cube  cube.NodeID
	Path  string
	Dir   string
	Pack  sink.PackOptions
	Slice raster.SliceOptions
	// Prefix names slice files <Prefix><datetime>.tif.
	Prefix string
}

// Pipeline is a compiled pipeline file.
type Pipeline struct {
	Graph   *cube.Graph
	Cubes   map[string]cube.NodeID
	Exports []Export

	env         Env
	collections []*collection.Collection
}

type namedView struct {
	v          view.View
	collection string
	cube       string
}

type compiler struct {
	ctx   context.Context
	env   Env
	dir   string
	ectx  *hcl.EvalContext
	p     *Pipeline
	colls map[string]*collection.Collection
	views map[string]namedView
}

// LoadFile reads and compiles a pipeline file. Relative paths inside it are
// resolved against its directory.
func LoadFile(ctx context.Context, path string, env Env) (*Pipeline, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, cubeerr.Configf("reading pipeline: %v", err)
	}
	return Compile(ctx, path, src, env)
}

// Compile parses src and builds its graph. Nothing is read from source
// images; collections are opened, or built when missing and a format is
// given.
func Compile(ctx context.Context, filename string, src []byte, env Env) (*Pipeline, error) {
	logger := ctxlog.FromContext(ctx).With("pipeline", filename)
	root, ectx, err := parse(filename, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cubeerr.ErrConfiguration, err)
	}
	c := &compiler{
		ctx:  ctx,
		env:  env,
		dir:  filepath.Dir(filename),
		ectx: ectx,
		p: &Pipeline{
			Graph: cube.NewGraph(cube.Env{Reader: env.Backend, Warper: env.Backend, Transformer: env.Backend}),
			Cubes: make(map[string]cube.NodeID),
			env:   env,
		},
		colls: make(map[string]*collection.Collection),
		views: make(map[string]namedView),
	}
	if err := c.compile(root); err != nil {
		_ = c.p.Close()
		return nil, err
	}
	logger.Debug("Pipeline compiled.", "collections", len(c.colls), "cubes", len(c.p.Cubes), "exports", len(c.p.Exports))
	return c.p, nil
}

func (c *compiler) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.dir, p)
}

func (c *compiler) compile(root *fileRoot) error {
	for _, b := range root.Collections {
		if err := c.collection(b); err != nil {
			return fmt.Errorf("collection %q: %w", b.Name, err)
		}
	}
	for _, b := range root.Views {
		if _, dup := c.views[b.Name]; dup {
			return cubeerr.Configf("view %q declared twice", b.Name)
		}
		v, err := translateView(b)
		if err != nil {
			return fmt.Errorf("view %q: %w", b.Name, err)
		}
		c.views[b.Name] = v
	}
	for _, b := range root.Cubes {
		if _, dup := c.p.Cubes[b.Name]; dup {
			return cubeerr.Configf("cube %q declared twice", b.Name)
		}
		id, err := c.cube(b)
		if err != nil {
			return fmt.Errorf("cube %q (%s): %w", b.Name, b.Kind, err)
		}
		c.p.Cubes[b.Name] = id
	}
	for _, b := range root.Exports {
		e, err := c.export(b)
		if err != nil {
			return fmt.Errorf("export %q: %w", b.Name, err)
		}
		c.p.Exports = append(c.p.Exports, e)
	}
	return nil
}

func (c *compiler) collection(b *collectionBlock) error {
	if _, dup := c.colls[b.Name]; dup {
		return cubeerr.Configf("declared twice")
	}
	path := c.path(b.Path)
	var (
		coll *collection.Collection
		err  error
	)
	if _, statErr := os.Stat(path); statErr == nil {
		coll, err = collection.Open(c.ctx, path, c.env.Backend)
	} else {
		if b.Format == "" {
			return cubeerr.Wrapf(cubeerr.ErrCatalog, "%s does not exist and no format is given to build it", path)
		}
		if c.env.Registry == nil {
			return cubeerr.Configf("building a collection needs a format registry")
		}
		var f *format.Format
		f, err = c.env.Registry.Lookup(c.ctx, b.Format)
		if err != nil {
			return err
		}
		var files []string
		files, err = c.files(b.Files)
		if err != nil {
			return err
		}
		coll, err = collection.Build(c.ctx, path, f, files, collection.Options{
			Reader:         c.env.Backend,
			Transformer:    c.env.Backend,
			UnrollArchives: b.UnrollArchives,
		})
	}
	if err != nil {
		return err
	}
	c.colls[b.Name] = coll
	c.p.collections = append(c.p.collections, coll)
	return nil
}

// files expands directories and glob patterns relative to the pipeline
// directory.
func (c *compiler) files(patterns []string) ([]string, error) {
	out, err := fsutil.ExpandInputs(c.dir, patterns)
	if err != nil {
		return nil, cubeerr.Configf("invalid file pattern: %v", err)
	}
	return out, nil
}

func translateView(b *viewBlock) (namedView, error) {
	if b.Collection != "" && b.Cube != "" {
		return namedView{}, cubeerr.Configf("a view takes its extent from a collection or a cube, not both")
	}
	v := view.View{
		Space: view.Space{SRS: raster.NormalizeSRS(b.SRS), DX: b.DX, DY: b.DY, NX: b.NX, NY: b.NY},
		Time:  view.Time{NT: b.NT},
		// validated when the view is resolved
		Aggregation: view.Aggregation(b.Aggregation),
		Resampling:  view.Resampling(b.Resampling),
	}
	switch given := countSet(b.Left, b.Right, b.Bottom, b.Top); given {
	case 0:
	case 4:
		v.Space.Bounds = &view.Bounds{Left: *b.Left, Right: *b.Right, Bottom: *b.Bottom, Top: *b.Top}
	default:
		return namedView{}, cubeerr.Configf("spatial extent needs left, right, bottom and top, got %d of them", given)
	}
	var err error
	if b.T0 != "" {
		if v.Time.T0, _, err = datetime.Parse(b.T0); err != nil {
			return namedView{}, cubeerr.Configf("t0: %v", err)
		}
	}
	if b.T1 != "" {
		if v.Time.T1, _, err = datetime.Parse(b.T1); err != nil {
			return namedView{}, cubeerr.Configf("t1: %v", err)
		}
	}
	if b.DT != "" {
		if v.Time.DT, err = datetime.ParseDuration(b.DT); err != nil {
			return namedView{}, cubeerr.Configf("dt: %v", err)
		}
	}
	return namedView{v: v, collection: b.Collection, cube: b.Cube}, nil
}

func countSet(vals ...*float64) int {
	n := 0
	for _, v := range vals {
		if v != nil {
			n++
		}
	}
	return n
}

func chunkSize(vals []int, def chunk.Size) (chunk.Size, error) {
	switch len(vals) {
	case 0:
		return def, nil
	case 3:
		return chunk.Size{T: vals[0], Y: vals[1], X: vals[2]}, nil
	}
	return chunk.Size{}, cubeerr.Configf("chunk_size needs [t, y, x], got %d values", len(vals))
}

func (c *compiler) decode(body hcl.Body, args any) error {
	if diags := gohcl.DecodeBody(body, c.ectx, args); diags.HasErrors() {
		return fmt.Errorf("%w: %v", cubeerr.ErrConfiguration, diags)
	}
	return nil
}

// ref resolves a reference to an earlier cube.
func (c *compiler) ref(name string) (cube.NodeID, error) {
	id, ok := c.p.Cubes[name]
	if !ok {
		return 0, cubeerr.Configf("unknown cube %q (cubes can only use cubes declared before them)", name)
	}
	return id, nil
}

// resolveView resolves a named view against its extent source, falling
// back to def when the view names none.
func (c *compiler) resolveView(name string, def view.ExtentSource) (view.Grid, error) {
	nv, ok := c.views[name]
	if !ok {
		return view.Grid{}, cubeerr.Configf("unknown view %q", name)
	}
	src := def
	switch {
	case nv.collection != "":
		coll, ok := c.colls[nv.collection]
		if !ok {
			return view.Grid{}, cubeerr.Configf("view %q: unknown collection %q", name, nv.collection)
		}
		src = coll
	case nv.cube != "":
		id, err := c.ref(nv.cube)
		if err != nil {
			return view.Grid{}, fmt.Errorf("view %q: %w", name, err)
		}
		d, err := c.p.Graph.Describe(id)
		if err != nil {
			return view.Grid{}, err
		}
		src = d.Grid
	}
	return view.Resolve(c.ctx, src, nv.v)
}

func reducerBands(blocks []*reducerBlock) []cube.ReducerBand {
	out := make([]cube.ReducerBand, len(blocks))
	for i, b := range blocks {
		out[i] = cube.ReducerBand{Reducer: b.Fn, Band: b.Band}
	}
	return out
}

func (c *compiler) cube(b *cubeBlock) (cube.NodeID, error) {
	g := c.p.Graph
	switch cube.Kind(b.Kind) {
	case cube.KindImageCollection:
		var a imageCollectionArgs
		if err := c.decode(b.Remain, &a); err != nil {
			return 0, err
		}
		coll, ok := c.colls[a.Collection]
		if !ok {
			return 0, cubeerr.Configf("unknown collection %q", a.Collection)
		}
		size, err := chunkSize(a.ChunkSize, c.env.ChunkSize)
		if err != nil {
			return 0, err
		}
		grid, err := c.resolveView(a.View, coll)
		if err != nil {
			return 0, err
		}
		opts := cube.ImageCollectionOptions{Bands: a.Bands, ChunkSize: size}
		if a.Mask != nil {
			opts.Mask = &cube.Mask{Band: a.Mask.Band, Values: a.Mask.Values, Invert: a.Mask.Invert, Bits: a.Mask.Bits}
		}
		return g.ImageCollectionGrid(coll, grid, opts)

	case cube.KindDummy:
		var a dummyArgs
		if err := c.decode(b.Remain, &a); err != nil {
			return 0, err
		}
		size, err := chunkSize(a.ChunkSize, c.env.ChunkSize)
		if err != nil {
			return 0, err
		}
		grid, err := c.resolveView(a.View, nil)
		if err != nil {
			return 0, err
		}
		return g.Dummy(grid, a.Bands, a.Value, size)

	case cube.KindPackaged:
		var a packagedArgs
		if err := c.decode(b.Remain, &a); err != nil {
			return 0, err
		}
		return sink.OpenPackaged(g, c.path(a.Path))

	case cube.KindSelectBands:
		var a selectBandsArgs
		if err := c.decode(b.Remain, &a); err != nil {
			return 0, err
		}
		in, err := c.ref(a.Input)
		if err != nil {
			return 0, err
		}
		return g.SelectBands(in, a.Bands)

	case cube.KindApplyPixel:
		var a applyPixelArgs
		if err := c.decode(b.Remain, &a); err != nil {
			return 0, err
		}
		in, err := c.ref(a.Input)
		if err != nil {
			return 0, err
		}
		return g.ApplyPixel(in, a.Expr, a.Names, a.KeepBands)

	case cube.KindReduceTime, cube.KindReduceSpace:
		var a reduceArgs
		if err := c.decode(b.Remain, &a); err != nil {
			return 0, err
		}
		in, err := c.ref(a.Input)
		if err != nil {
			return 0, err
		}
		if (a.All == "") == (len(a.Reducers) == 0) {
			return 0, cubeerr.Configf("give either reduce_all or reducer blocks")
		}
		time := cube.Kind(b.Kind) == cube.KindReduceTime
		switch {
		case a.All != "" && time:
			return g.ReduceTimeAll(in, a.All)
		case a.All != "":
			return g.ReduceSpaceAll(in, a.All)
		case time:
			return g.ReduceTime(in, reducerBands(a.Reducers))
		}
		return g.ReduceSpace(in, reducerBands(a.Reducers))

	case cube.KindWindowTime:
		var a windowArgs
		if err := c.decode(b.Remain, &a); err != nil {
			return 0, err
		}
		in, err := c.ref(a.Input)
		if err != nil {
			return 0, err
		}
		boundary, err := cube.ParseBoundary(a.Boundary)
		if err != nil {
			return 0, err
		}
		return g.WindowTime(in, cube.WindowSpec{
			Before:   a.Before,
			After:    a.After,
			Reducers: reducerBands(a.Reducers),
			Kernel:   a.Kernel,
			Boundary: boundary,
		})

	case cube.KindJoinBands:
		var a joinArgs
		if err := c.decode(b.Remain, &a); err != nil {
			return 0, err
		}
		ia, err := c.ref(a.A)
		if err != nil {
			return 0, err
		}
		ib, err := c.ref(a.B)
		if err != nil {
			return 0, err
		}
		return g.JoinBands(ia, ib, a.PrefixA, a.PrefixB)

	case cube.KindFilterPredicate:
		var a filterArgs
		if err := c.decode(b.Remain, &a); err != nil {
			return 0, err
		}
		in, err := c.ref(a.Input)
		if err != nil {
			return 0, err
		}
		return g.FilterPredicate(in, a.Predicate)

	case cube.KindFillTime:
		var a fillArgs
		if err := c.decode(b.Remain, &a); err != nil {
			return 0, err
		}
		in, err := c.ref(a.Input)
		if err != nil {
			return 0, err
		}
		return g.FillTime(in, cube.FillMethod(a.Method))

	case cube.KindStream:
		var a streamArgs
		if err := c.decode(b.Remain, &a); err != nil {
			return 0, err
		}
		in, err := c.ref(a.Input)
		if err != nil {
			return 0, err
		}
		mode := cube.StreamMode(a.Mode)
		if mode == "" {
			mode = cube.StreamCube
		}
		return g.Stream(in, cube.StreamSpec{Mode: mode, Command: a.Command, Names: a.Names, KeepBands: a.KeepBands})
	}
	return 0, cubeerr.Configf("unknown cube kind %q", b.Kind)
}

func (c *compiler) export(b *exportBlock) (Export, error) {
	id, err := c.ref(b.Cube)
	if err != nil {
		return Export{}, err
	}
	if (b.Path == "") == (b.Dir == "") {
		return Export{}, cubeerr.Configf("give either path (packaged cube) or dir (one file per time slice)")
	}
	e := Export{Name: b.Name, Cube: id, Path: c.path(b.Path), Dir: c.path(b.Dir), Prefix: b.Prefix}
	var packing *raster.Packing
	if b.Packing != nil {
		packing = &raster.Packing{Type: b.Packing.Type, Scale: b.Packing.Scale, Offset: b.Packing.Offset, NoData: b.Packing.NoData}
		d, err := c.p.Graph.Describe(id)
		if err != nil {
			return Export{}, err
		}
		if err := packing.Validate(len(d.Bands)); err != nil {
			return Export{}, err
		}
	}
	if e.Path != "" {
		e.Pack = sink.PackOptions{Packing: packing, Compression: b.Compression, Level: b.Level}
		return e, nil
	}
	res, err := view.ParseResampling(b.OverviewResampling)
	if err != nil {
		return Export{}, cubeerr.Configf("%v", err)
	}
	e.Slice = raster.SliceOptions{
		Driver:             b.Driver,
		CreationOptions:    b.CreationOptions,
		Overviews:          b.Overviews,
		OverviewLevels:     b.OverviewLevels,
		OverviewResampling: res,
		COG:                b.COG,
		Packing:            packing,
	}
	return e, nil
}

// Run evaluates every export in declaration order.
func (p *Pipeline) Run(ctx context.Context, ex *executor.Executor) error {
	logger := ctxlog.FromContext(ctx)
	if len(p.Exports) == 0 {
		logger.Warn("Pipeline declares no export, nothing to run.")
		return nil
	}
	for _, e := range p.Exports {
		ectx := ctxlog.With(ctx, "export", e.Name)
		s, err := p.sink(e)
		if err != nil {
			return fmt.Errorf("export %q: %w", e.Name, err)
		}
		ctxlog.FromContext(ectx).Info("🚀 Starting export...")
		if err := sink.Write(ectx, ex, p.Graph, e.Cube, s); err != nil {
			return fmt.Errorf("export %q: %w", e.Name, err)
		}
		ctxlog.FromContext(ectx).Info("🏁 Export finished.")
	}
	return nil
}

func (p *Pipeline) sink(e Export) (sink.Sink, error) {
	d, err := p.Graph.Describe(e.Cube)
	if err != nil {
		return nil, err
	}
	if e.Path != "" {
		return sink.NewPackaged(e.Path, d, e.Pack)
	}
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return nil, cubeerr.Wrapf(cubeerr.ErrIO, "creating %s: %v", e.Dir, err)
	}
	if p.env.Backend == nil {
		return nil, cubeerr.Configf("slice export needs a raster writer")
	}
	return sink.NewSlices(p.env.Backend, e.Dir, e.Prefix, d, e.Slice, 0)
}

// Close releases the graph and every collection the pipeline opened.
func (p *Pipeline) Close() error {
	errs := []error{p.Graph.Close()}
	for _, c := range p.collections {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
