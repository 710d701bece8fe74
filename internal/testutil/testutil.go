// Package testutil holds fixtures shared by package tests: regular grids,
// synthetic scenes in an in-memory raster backend and collections built
// from them.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vk/cubegrid/internal/collection"
	"github.com/vk/cubegrid/internal/datetime"
	"github.com/vk/cubegrid/internal/format"
	"github.com/vk/cubegrid/internal/raster"
	"github.com/vk/cubegrid/internal/view"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// T0 is the origin of every fixture grid.
var T0 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// SRS of fixture grids and scenes.
const SRS = "EPSG:3857"

// Grid returns a daily grid of nt x ny x nx unit cells whose lower left
// corner is the origin.
func Grid(nt, ny, nx int) view.Grid {
	return view.Grid{
		SRS:         SRS,
		T:           view.TimeDim{T0: T0, DT: datetime.Duration{N: 1, Unit: datetime.Day}, N: nt},
		Y:           view.Dim{Name: "y", N: ny, Low: 0, High: float64(ny), Step: 1},
		X:           view.Dim{Name: "x", N: nx, Low: 0, High: float64(nx), Step: 1},
		Aggregation: view.AggFirst,
		Resampling:  view.ResNear,
	}
}

// Scene registers red and nir rasters of one synthetic scene on day day
// (counted from T0). The scene covers ny x nx unit cells whose lower left
// corner is the origin; fill returns the value of a band at a pixel.
func Scene(m *raster.Mem, name string, day, ny, nx int, fill func(band string, y, x int) float64) []string {
	date := T0.AddDate(0, 0, day).Format("20060102")
	var files []string
	for _, band := range []string{"red", "nir"} {
		data := make([]float64, ny*nx)
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				data[y*nx+x] = fill(band, y, x)
			}
		}
		p := fmt.Sprintf("/scenes/%s_%s_%s.tif", name, date, band)
		m.Add(p, raster.NewMemRaster(SRS, 0, float64(ny), 1, 1, nx, ny, data))
		files = append(files, p)
	}
	return files
}

// Const returns a fill function with one value per band.
func Const(red, nir float64) func(string, int, int) float64 {
	return func(band string, _, _ int) float64 {
		if band == "red" {
			return red
		}
		return nir
	}
}

// Collection builds a collection of the synthetic format in a temporary
// directory and closes it when the test ends.
func Collection(t *testing.T, m *raster.Mem, files []string) *collection.Collection {
	t.Helper()
	f, err := format.NewRegistry().Lookup(context.Background(), "synthetic")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "scenes.db")
	c, err := collection.Build(context.Background(), path, f, files, collection.Options{Reader: m, Transformer: m})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}
