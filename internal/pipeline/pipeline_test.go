package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/executor"
	"github.com/vk/cubegrid/internal/format"
	"github.com/vk/cubegrid/internal/raster"
	"github.com/vk/cubegrid/internal/testutil"
)

func quoted(files []string) string {
	q := make([]string, len(files))
	for i, f := range files {
		q[i] = fmt.Sprintf("%q", f)
	}
	return "[" + strings.Join(q, ", ") + "]"
}

func writePipeline(t *testing.T, dir, src string) string {
	t.Helper()
	path := filepath.Join(dir, "pipeline.hcl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestPipeline_CompileRunAndReopen(t *testing.T) {
	// Arrange
	ctx := context.Background()
	m := raster.NewMem()
	files := testutil.Scene(m, "a", 0, 4, 4, testutil.Const(1, 3))
	files = append(files, testutil.Scene(m, "a", 1, 4, 4, testutil.Const(1, 1))...)
	dir := t.TempDir()
	env := Env{Backend: m, Registry: format.NewRegistry()}
	src := fmt.Sprintf(`
collection "scenes" {
  path   = "scenes.db"
  format = "synthetic"
  files  = %s
}

view "daily" {
  collection = collection.scenes
  srs        = "epsg:3857"
  left       = 0
  right      = 4
  bottom     = 0
  top        = 4
  dx         = 1
  dy         = 1
  t0         = "2020-01-01"
  t1         = "2020-01-02"
  dt         = "P1D"
}

cube "raw" "image_collection" {
  collection = collection.scenes
  view       = view.daily
  bands      = ["red", "nir"]
  chunk_size = [1, 2, 2]
}

cube "ndvi" "apply_pixel" {
  input = cube.raw
  expr  = ["(nir - red) / (nir + red)"]
  names = ["ndvi"]
}

cube "mean" "reduce_time" {
  input = cube.ndvi
  reducer "mean" {
    band = "ndvi"
  }
}

export "packaged" {
  cube = cube.mean
  path = "mean.cube"
}

export "slices" {
  cube   = cube.ndvi
  dir    = "slices"
  prefix = lower("NDVI_")
}
`, quoted(files))
	path := writePipeline(t, dir, src)

	// Act
	p, err := LoadFile(ctx, path, env)
	require.NoError(t, err)
	defer p.Close()
	err = p.Run(ctx, executor.New(executor.Options{Workers: 2}))

	// Assert
	require.NoError(t, err)
	assert.Len(t, p.Cubes, 3)
	require.Len(t, p.Exports, 2)
	d, err := p.Graph.Describe(p.Cubes["mean"])
	require.NoError(t, err)
	assert.Equal(t, []string{"ndvi_mean"}, d.BandNames())

	slice, ok := m.Get(filepath.Join(dir, "slices", "ndvi_2020-01-02.tif"))
	require.True(t, ok, "one file per time slice")
	assert.InDelta(t, 0.0, slice.Bands[0][0], 1e-12)

	// a second pipeline reopens the packaged export and the existing collection
	reopen := writePipeline(t, dir, `
collection "scenes" {
  path = "scenes.db"
}

cube "mean" "packaged" {
  path = "mean.cube"
}
`)
	p2, err := LoadFile(ctx, reopen, env)
	require.NoError(t, err)
	defer p2.Close()
	c, err := p2.Graph.Materialize(ctx, p2.Cubes["mean"], chunk.Coord{})
	require.NoError(t, err)
	assert.Equal(t, chunk.Shape{B: 1, T: 1, Y: 2, X: 2}, c.Shape)
	for _, v := range c.Data {
		assert.InDelta(t, 0.25, v, 1e-9)
	}
}

func TestPipeline_DummyKinds(t *testing.T) {
	ctx := context.Background()
	src := `
view "v" {
  srs    = "EPSG:3857"
  left   = 0
  right  = 4
  bottom = 0
  top    = 4
  nx     = 4
  ny     = 4
  t0     = "2020-01-01"
  t1     = "2020-01-04"
  dt     = "P1D"
}

cube "d" "dummy" {
  view       = view.v
  bands      = ["a", "b"]
  value      = 2
  chunk_size = [2, 2, 2]
}

cube "sel" "select_bands" {
  input = cube.d
  bands = ["b"]
}

cube "w" "window_time" {
  input    = cube.sel
  before   = 1
  after    = 0
  kernel   = [1, 1]
  boundary = "nodata"
}

cube "j" "join_bands" {
  a = cube.d
  b = cube.w
}

cube "f" "filter_predicate" {
  input     = cube.j
  predicate = "X1_a > 1"
}

cube "filled" "fill_time" {
  input  = cube.f
  method = "locf"
}

cube "space" "reduce_space" {
  input      = cube.filled
  reduce_all = "sum"
}

view "same" {
  cube = cube.d
  srs  = "EPSG:3857"
  nx   = 2
  ny   = 2
  dt   = "P2D"
}

cube "coarse" "dummy" {
  view  = view.same
  bands = ["z"]
}
`
	p, err := Compile(ctx, "inline.hcl", []byte(src), Env{})
	require.NoError(t, err)
	defer p.Close()

	d, err := p.Graph.Describe(p.Cubes["j"])
	require.NoError(t, err)
	assert.Equal(t, []string{"X1.a", "X1.b", "X2.b"}, d.BandNames())

	w, err := p.Graph.Materialize(ctx, p.Cubes["w"], chunk.Coord{})
	require.NoError(t, err)
	assert.True(t, chunk.IsNoData(w.Get(0, 0, 0, 0)), "window reaches before the first slice")
	assert.Equal(t, 4.0, w.Get(0, 1, 0, 0))

	s, err := p.Graph.Materialize(ctx, p.Cubes["space"], chunk.Coord{T: 0})
	require.NoError(t, err)
	assert.Equal(t, 32.0, s.Get(0, 0, 0, 0), "16 cells of value 2")

	coarse, err := p.Graph.Describe(p.Cubes["coarse"])
	require.NoError(t, err)
	assert.Equal(t, 2, coarse.Grid.X.N)
	assert.Equal(t, 2, coarse.Grid.T.N)
}

func TestPipeline_EnvFunction(t *testing.T) {
	t.Setenv("CUBEGRID_TEST_BAND", "from_env")
	src := `
view "v" {
  srs    = "EPSG:3857"
  left   = 0
  right  = 2
  bottom = 0
  top    = 2
  nx     = 2
  ny     = 2
  t0     = "2020-01-01"
  t1     = "2020-01-01"
  dt     = "P1D"
}

cube "d" "dummy" {
  view  = "v"
  bands = [env("CUBEGRID_TEST_BAND"), env("CUBEGRID_UNSET_VARIABLE", "fallback")]
}
`
	p, err := Compile(context.Background(), "env.hcl", []byte(src), Env{})
	require.NoError(t, err)
	defer p.Close()
	d, err := p.Graph.Describe(p.Cubes["d"])
	require.NoError(t, err)
	assert.Equal(t, []string{"from_env", "fallback"}, d.BandNames())
}

func TestPipeline_Errors(t *testing.T) {
	const v = `
view "v" {
  srs    = "EPSG:3857"
  left   = 0
  right  = 2
  bottom = 0
  top    = 2
  nx     = 2
  ny     = 2
  t0     = "2020-01-01"
  t1     = "2020-01-02"
  dt     = "P1D"
}
cube "d" "dummy" {
  view  = "v"
  bands = ["a"]
}
`
	testCases := []struct {
		name string
		src  string
		want error
	}{
		{name: "syntax", src: `cube "x" {`, want: cubeerr.ErrConfiguration},
		{name: "unknown kind", src: v + `cube "x" "teleport" { input = "d" }`, want: cubeerr.ErrConfiguration},
		{name: "forward reference", src: v + `
cube "x" "apply_pixel" {
  input = "y"
  expr  = ["a"]
}
cube "y" "select_bands" {
  input = "d"
  bands = ["a"]
}`, want: cubeerr.ErrConfiguration},
		{name: "duplicate cube", src: v + `
cube "d" "select_bands" {
  input = "d"
  bands = ["a"]
}`, want: cubeerr.ErrConfiguration},
		{name: "unknown band in expression", src: v + `
cube "x" "apply_pixel" {
  input = "d"
  expr  = ["nope * 2"]
}`, want: cubeerr.ErrUnknownBandReference},
		{name: "reducer attribute and blocks", src: v + `
cube "x" "reduce_time" {
  input      = "d"
  reduce_all = "mean"
  reducer "max" {
    band = "a"
  }
}`, want: cubeerr.ErrConfiguration},
		{name: "export with path and dir", src: v + `
export "e" {
  cube = "d"
  path = "a.cube"
  dir  = "slices"
}`, want: cubeerr.ErrConfiguration},
		{name: "partial bounds", src: `
view "v" {
  srs  = "EPSG:3857"
  left = 0
}`, want: cubeerr.ErrConfiguration},
		{name: "missing collection without format", src: `
collection "c" {
  path = "/nonexistent/c.db"
}`, want: cubeerr.ErrCatalog},
		{name: "bad packing", src: v + `
export "e" {
  cube = "d"
  path = "a.cube"
  packing {
    type = "int7"
  }
}`, want: cubeerr.ErrConfiguration},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(context.Background(), "bad.hcl", []byte(tc.src), Env{})
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPipeline_RunWithoutExports(t *testing.T) {
	p, err := Compile(context.Background(), "empty.hcl", nil, Env{})
	require.NoError(t, err)
	defer p.Close()
	assert.NoError(t, p.Run(context.Background(), executor.New(executor.Options{Workers: 1})))
	assert.Equal(t, 0, p.Graph.Len())
}
