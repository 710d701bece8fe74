package cubefile

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/datetime"
	"github.com/vk/cubegrid/internal/raster"
	"github.com/vk/cubegrid/internal/view"
)

func testHeader() Header {
	return Header{
		Grid: view.Grid{
			SRS: "EPSG:3857",
			T:   view.TimeDim{T0: time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC), DT: datetime.MustParseDuration("P1M"), N: 3},
			Y:   view.Dim{Name: "y", N: 4, Low: 0, High: 40, Step: 10},
			X:   view.Dim{Name: "x", N: 5, Low: 0, High: 50, Step: 10},
		},
		Bands:     []BandMeta{{Name: "a"}, {Name: "b", Unit: "m"}},
		ChunkSize: chunk.Size{T: 2, Y: 4, X: 3},
	}
}

func filled(s chunk.Shape, seed float64) *chunk.Chunk {
	c := chunk.New(s)
	for i := range c.Data {
		c.Data[i] = seed + float64(i)*0.25
	}
	c.Data[1] = math.NaN()
	return c
}

func writeFile(t *testing.T, h Header, chunks map[int]*chunk.Chunk) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.cube")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := NewWriter(f, h)
	require.NoError(t, err)
	for id, c := range chunks {
		require.NoError(t, w.WriteChunk(id, c))
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	return path
}

func TestRoundTrip(t *testing.T) {
	h := testHeader()
	layout := h.Layout()
	require.Equal(t, 4, layout.Total())

	chunks := map[int]*chunk.Chunk{
		0: filled(layout.Region(layout.Coord(0)).Shape(2), 1),
		3: filled(layout.Region(layout.Coord(3)).Shape(2), 100),
		1: chunk.New(layout.Region(layout.Coord(1)).Shape(2)),
	}
	path := writeFile(t, h, chunks)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	got := r.Header()
	assert.True(t, got.Grid.Equal(h.Grid))
	assert.Equal(t, h.Bands, got.Bands)
	assert.Equal(t, h.ChunkSize, got.ChunkSize)
	assert.ElementsMatch(t, []int{0, 3}, got.Chunks)
	assert.Equal(t, CompressionZstd, got.Compression)

	for _, id := range []int{0, 3} {
		c, err := r.ReadChunk(id)
		require.NoError(t, err)
		assert.True(t, chunks[id].Equal(c), "chunk %d", id)
	}
	empty, err := r.ReadChunk(2)
	require.NoError(t, err)
	assert.True(t, empty.Empty())
	assert.Equal(t, layout.Region(layout.Coord(2)).Shape(2), empty.Shape)
}

func TestRoundTrip_Packed(t *testing.T) {
	h := testHeader()
	h.Packing = &raster.Packing{Type: "int16", Scale: []float64{0.01, 0.5}, Offset: []float64{0}}
	h.Compression = CompressionNone
	layout := h.Layout()
	src := filled(layout.Region(layout.Coord(0)).Shape(2), 1)

	path := writeFile(t, h, map[int]*chunk.Chunk{0: src})
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.ReadChunk(0)
	require.NoError(t, err)
	per := src.Shape.T * src.Shape.Y * src.Shape.X
	for i, v := range src.Data {
		if math.IsNaN(v) {
			assert.True(t, math.IsNaN(got.Data[i]))
			continue
		}
		tol := 0.005
		if i >= per {
			tol = 0.25
		}
		assert.InDelta(t, v, got.Data[i], tol)
	}
}

func TestWriter_Errors(t *testing.T) {
	h := testHeader()
	f, err := os.Create(filepath.Join(t.TempDir(), "x.cube"))
	require.NoError(t, err)
	defer f.Close()

	w, err := NewWriter(f, h)
	require.NoError(t, err)
	err = w.WriteChunk(0, filled(chunk.Shape{B: 2, T: 1, Y: 1, X: 1}, 0))
	require.ErrorIs(t, err, cubeerr.ErrShapeMismatch)

	h.Compression = "lzma"
	_, err = NewWriter(f, h)
	require.ErrorIs(t, err, cubeerr.ErrConfiguration)

	h.Compression = ""
	h.Packing = &raster.Packing{Type: "int8"}
	_, err = NewWriter(f, h)
	require.ErrorIs(t, err, cubeerr.ErrConfiguration)
}

func TestOpen_NotACube(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.cube")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))
	_, err := Open(path)
	require.ErrorIs(t, err, cubeerr.ErrIO)
}
