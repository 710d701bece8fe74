package gdalio

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/cubegrid/internal/raster"
	"github.com/vk/cubegrid/internal/view"
)

func TestWarpSwitches(t *testing.T) {
	target := raster.Window{SRS: "epsg:3857", Left: 10, Top: 20, DX: 2, DY: 5, NX: 3, NY: 2}

	t.Run("no source nodata", func(t *testing.T) {
		sw, err := warpSwitches(target, "", math.NaN())
		require.NoError(t, err)
		assert.Equal(t, []string{
			"-of", "MEM", "-ot", "Float64", "-t_srs", "EPSG:3857",
			"-te", "10", "10", "16", "20",
			"-ts", "3", "2",
			"-r", "near",
			"-dstnodata", "nan",
		}, sw)
	})

	t.Run("source nodata and resampling", func(t *testing.T) {
		sw, err := warpSwitches(target, view.ResAverage, -9999)
		require.NoError(t, err)
		assert.Contains(t, sw, "average")
		assert.Equal(t, []string{"-srcnodata", "-9999", "-dstnodata", "nan"}, sw[len(sw)-4:])
	})

	t.Run("empty target", func(t *testing.T) {
		_, err := warpSwitches(raster.Window{NX: 0, NY: 3}, view.ResNear, math.NaN())
		require.Error(t, err)
	})
}

func TestDefaultOverviewLevels(t *testing.T) {
	testCases := []struct {
		nx, ny int
		want   []int
	}{
		{nx: 100, ny: 100, want: []int{2}},
		{nx: 1024, ny: 600, want: []int{2}},
		{nx: 2048, ny: 2048, want: []int{2, 4, 8}},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, defaultOverviewLevels(tc.nx, tc.ny), "%dx%d", tc.nx, tc.ny)
	}
}

func TestEdgePoints(t *testing.T) {
	xs, ys := edgePoints(view.Bounds{Left: 0, Right: 10, Bottom: 0, Top: 4}, 3)
	require.Len(t, xs, 12)
	require.Len(t, ys, 12)
	assert.Equal(t, 10.0, xs[len(xs)-1])
	assert.Equal(t, 4.0, ys[len(ys)-1])
}

func TestBackend_WriteOpenWarp(t *testing.T) {
	// Arrange
	b := New()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "slice.tif")
	w := raster.Window{SRS: "EPSG:3857", Left: 0, Top: 2, DX: 1, DY: 1, NX: 2, NY: 2}
	data := [][]float64{{1, 2, math.NaN(), 4}}

	// Act
	require.NoError(t, b.WriteSlice(ctx, path, w, []string{"ndvi"}, data, raster.SliceOptions{}))
	ds, err := b.Open(ctx, path)
	require.NoError(t, err)
	again, err := b.Open(ctx, path)
	require.NoError(t, err)
	out, err := b.Warp(ctx, ds, 0, w, view.ResNear)
	require.NoError(t, err)

	// Assert
	info := ds.Info()
	assert.Equal(t, 2, info.Width)
	assert.Equal(t, 1, info.Bands)
	assert.Equal(t, view.Bounds{Left: 0, Right: 2, Bottom: 0, Top: 2}, info.Bounds())
	assert.Equal(t, []float64{1, 2}, out[:2])
	assert.True(t, math.IsNaN(out[2]))
	assert.Equal(t, 4.0, out[3])
	require.NoError(t, again.Close())
	require.NoError(t, ds.Close())
	assert.Empty(t, b.handles)
}

func TestBackend_Errors(t *testing.T) {
	b := New()
	ctx := context.Background()

	_, err := b.Open(ctx, filepath.Join(t.TempDir(), "missing.tif"))
	require.Error(t, err)

	err = b.WriteSlice(ctx, "x.tif", raster.Window{NX: 1, NY: 1}, []string{"a", "b"}, [][]float64{{1}}, raster.SliceOptions{})
	require.Error(t, err)

	_, err = b.Transform(view.Bounds{Right: 1, Top: 1}, "EPSG:4326", "not-a-crs")
	require.Error(t, err)
}
