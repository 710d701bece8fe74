package cube

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/collection"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/cubefile"
	"github.com/vk/cubegrid/internal/raster"
	"github.com/vk/cubegrid/internal/testutil"
	"github.com/vk/cubegrid/internal/view"
)

var nan = math.NaN()

func memEnv(m *raster.Mem) Env { return Env{Reader: m, Warper: m, Transformer: m} }

// timeSeries builds a collection with one scene per value, on consecutive
// days, whose red band is constant at that value. nir is always no-data.
func timeSeries(t *testing.T, m *raster.Mem, ny, nx int, values ...float64) *collection.Collection {
	t.Helper()
	var files []string
	for day, v := range values {
		files = append(files, testutil.Scene(m, "s", day, ny, nx, testutil.Const(v, nan))...)
	}
	return testutil.Collection(t, m, files)
}

func TestGraph_ConstructionReadsNothing(t *testing.T) {
	// Arrange
	ctx := context.Background()
	m := raster.NewMem()
	c := timeSeries(t, m, 4, 4, 10, nan, 30)
	opens, warps := m.Opens(), m.Warps()
	g := NewGraph(memEnv(m))

	// Act
	base, err := g.ImageCollectionGrid(c, testutil.Grid(3, 4, 4), ImageCollectionOptions{ChunkSize: chunk.Size{T: 1, Y: 2, X: 2}})
	require.NoError(t, err)
	sel, err := g.SelectBands(base, []string{"red", "nir"})
	require.NoError(t, err)
	ndvi, err := g.ApplyPixel(sel, []string{"(nir - red) / (nir + red)"}, []string{"ndvi"}, true)
	require.NoError(t, err)
	win, err := g.WindowTime(ndvi, WindowSpec{Before: 1, Reducers: []ReducerBand{{Reducer: "mean", Band: "red"}}})
	require.NoError(t, err)
	filled, err := g.FillTime(win, FillLOCF)
	require.NoError(t, err)
	root, err := g.ReduceTimeAll(filled, "max")
	require.NoError(t, err)

	// Assert
	assert.Equal(t, opens, m.Opens(), "building the graph must not open rasters")
	assert.Equal(t, warps, m.Warps(), "building the graph must not warp rasters")
	d, err := g.Describe(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"red_mean_max"}, d.BandNames())
	assert.Equal(t, 1, d.Grid.T.N)

	_, err = g.Materialize(ctx, root, chunk.Coord{})
	require.NoError(t, err)
	assert.Greater(t, m.Warps(), warps)
}

func TestImageCollection_Materialize(t *testing.T) {
	ctx := context.Background()
	m := raster.NewMem()
	c := timeSeries(t, m, 2, 3, 10, nan, 30)
	g := NewGraph(memEnv(m))

	id, err := g.ImageCollectionGrid(c, testutil.Grid(3, 2, 3), ImageCollectionOptions{Bands: []string{"red"}})
	require.NoError(t, err)
	out, err := g.Materialize(ctx, id, chunk.Coord{})
	require.NoError(t, err)

	require.Equal(t, chunk.Shape{B: 1, T: 3, Y: 2, X: 3}, out.Shape)
	assert.Equal(t, 10.0, out.Get(0, 0, 1, 2))
	assert.True(t, math.IsNaN(out.Get(0, 1, 0, 0)))
	assert.Equal(t, 30.0, out.Get(0, 2, 0, 1))
}

func TestImageCollection_Aggregation(t *testing.T) {
	ctx := context.Background()
	m := raster.NewMem()
	var files []string
	files = append(files, testutil.Scene(m, "a", 0, 2, 2, testutil.Const(1, nan))...)
	files = append(files, testutil.Scene(m, "b", 0, 2, 2, testutil.Const(3, 7))...)
	c := testutil.Collection(t, m, files)

	tests := []struct {
		agg      view.Aggregation
		red, nir float64
	}{
		{view.AggFirst, 1, 7},
		{view.AggLast, 3, 7},
		{view.AggMin, 1, 7},
		{view.AggMax, 3, 7},
		{view.AggMean, 2, 7},
		{view.AggMedian, 2, 7},
		{view.AggNone, 1, 7},
	}
	for _, tt := range tests {
		t.Run(string(tt.agg), func(t *testing.T) {
			grid := testutil.Grid(1, 2, 2)
			grid.Aggregation = tt.agg
			g := NewGraph(memEnv(m))
			id, err := g.ImageCollectionGrid(c, grid, ImageCollectionOptions{Bands: []string{"red", "nir"}})
			require.NoError(t, err)

			out, err := g.Materialize(ctx, id, chunk.Coord{})
			require.NoError(t, err)
			assert.Equal(t, tt.red, out.Get(0, 0, 0, 0))
			assert.Equal(t, tt.nir, out.Get(1, 0, 1, 1))
		})
	}
}

func TestImageCollection_Errors(t *testing.T) {
	m := raster.NewMem()
	c := timeSeries(t, m, 2, 2, 1)
	g := NewGraph(memEnv(m))

	_, err := g.ImageCollectionGrid(c, testutil.Grid(1, 2, 2), ImageCollectionOptions{Bands: []string{"swir"}})
	assert.ErrorIs(t, err, cubeerr.ErrUnknownBandReference)

	_, err = g.ImageCollectionGrid(c, testutil.Grid(1, 2, 2), ImageCollectionOptions{Mask: &Mask{Band: "qa"}})
	assert.ErrorIs(t, err, cubeerr.ErrConfiguration)

	_, err = g.ImageCollectionGrid(nil, testutil.Grid(1, 2, 2), ImageCollectionOptions{})
	assert.ErrorIs(t, err, cubeerr.ErrConfiguration)
}

func TestMask(t *testing.T) {
	tests := []struct {
		name string
		mask Mask
		v    float64
		want bool
	}{
		{"value listed", Mask{Values: []float64{3, 8}}, 8, true},
		{"value not listed", Mask{Values: []float64{3, 8}}, 4, false},
		{"inverted", Mask{Values: []float64{4}, Invert: true}, 5, true},
		{"bits", Mask{Values: []float64{8}, Bits: []int{3, 4}}, 9, true},
		{"bits unset", Mask{Values: []float64{8}, Bits: []int{3, 4}}, 1, false},
		{"nan is masked", Mask{Values: []float64{1}}, nan, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.mask.masked(tt.v))
		})
	}
}

func TestMaterialize_Idempotent(t *testing.T) {
	ctx := context.Background()
	m := raster.NewMem()
	c := timeSeries(t, m, 3, 3, 10, 20, 40, nan)
	g := NewGraph(memEnv(m))
	base, err := g.ImageCollectionGrid(c, testutil.Grid(4, 3, 3), ImageCollectionOptions{ChunkSize: chunk.Size{T: 2, Y: 2, X: 2}})
	require.NoError(t, err)
	win, err := g.WindowTime(base, WindowSpec{Before: 1, After: 1, Reducers: []ReducerBand{{Reducer: "median", Band: "red"}}})
	require.NoError(t, err)

	for _, coord := range []chunk.Coord{{T: 0, Y: 0, X: 0}, {T: 1, Y: 1, X: 1}} {
		first, err := g.Materialize(ctx, win, coord)
		require.NoError(t, err)
		second, err := g.Materialize(ctx, win, coord)
		require.NoError(t, err)
		assert.True(t, first.Equal(second), "chunk %s", coord)
	}
}

func TestMaterialize_CoordOutsideLayout(t *testing.T) {
	g := NewGraph(Env{})
	id, err := g.Dummy(testutil.Grid(2, 2, 2), []string{"a"}, 1, chunk.Size{T: 1, Y: 2, X: 2})
	require.NoError(t, err)

	_, err = g.Materialize(context.Background(), id, chunk.Coord{T: 2})
	assert.ErrorIs(t, err, cubeerr.ErrConfiguration)
}

type mapCache map[Key]*chunk.Chunk

func (m mapCache) Get(k Key) (*chunk.Chunk, bool) {
	c, ok := m[k]
	return c, ok
}

func (m mapCache) Add(k Key, c *chunk.Chunk) { m[k] = c }

func TestMaterializeCached_ReusesInputs(t *testing.T) {
	ctx := context.Background()
	m := raster.NewMem()
	c := timeSeries(t, m, 2, 2, 1, 2)
	g := NewGraph(memEnv(m))
	base, err := g.ImageCollectionGrid(c, testutil.Grid(2, 2, 2), ImageCollectionOptions{Bands: []string{"red"}})
	require.NoError(t, err)
	a, err := g.ApplyPixel(base, []string{"red * 2"}, []string{"a"}, false)
	require.NoError(t, err)
	b, err := g.ApplyPixel(base, []string{"red * 3"}, []string{"b"}, false)
	require.NoError(t, err)
	joined, err := g.JoinBands(a, b, "", "")
	require.NoError(t, err)

	cache := mapCache{}
	out, err := g.MaterializeCached(ctx, cache, joined, chunk.Coord{})
	require.NoError(t, err)

	assert.Equal(t, int64(2), m.Warps(), "the shared base chunk is read once")
	assert.Len(t, cache, 4)
	assert.Equal(t, 4.0, out.Get(0, 1, 0, 0))
	assert.Equal(t, 6.0, out.Get(1, 1, 0, 0))

	out.Fill(0)
	again, err := g.MaterializeCached(ctx, cache, joined, chunk.Coord{})
	require.NoError(t, err)
	assert.Equal(t, 4.0, again.Get(0, 1, 0, 0), "callers own their copy")
}

func TestGraph_PackagedLeaf(t *testing.T) {
	// Arrange
	h := cubefile.Header{
		Grid:      testutil.Grid(2, 2, 4),
		Bands:     []cubefile.BandMeta{{Name: "v"}},
		ChunkSize: chunk.Size{T: 1, Y: 2, X: 2},
	}
	layout := h.Layout()
	path := filepath.Join(t.TempDir(), "v.cube")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := cubefile.NewWriter(f, h)
	require.NoError(t, err)
	stored := chunk.New(layout.Region(layout.Coord(3)).Shape(1))
	stored.Fill(7)
	require.NoError(t, w.WriteChunk(3, stored))
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	g := NewGraph(Env{})
	defer g.Close()

	// Act
	id, err := g.Packaged(path)
	require.NoError(t, err)
	got, err := g.Materialize(context.Background(), id, layout.Coord(3))
	require.NoError(t, err)
	missing, err := g.Materialize(context.Background(), id, layout.Coord(0))
	require.NoError(t, err)

	// Assert
	assert.True(t, stored.Equal(got))
	assert.True(t, missing.Empty(), "chunks never written read back as no-data")
}
