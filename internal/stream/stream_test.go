package stream

import (
	"bytes"
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/cubeerr"
)

func sample() *chunk.Chunk {
	c := chunk.New(chunk.Shape{B: 2, T: 2, Y: 1, X: 3})
	for i := range c.Data {
		c.Data[i] = float64(i) * 1.5
	}
	c.Data[4] = math.NaN()
	return c
}

func TestEncodeLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sample()))

	b := buf.Bytes()
	require.Len(t, b, headerSize+12*8)
	assert.Equal(t, []byte{2, 0, 0, 0, 2, 0, 0, 0, 1, 0, 0, 0, 3, 0, 0, 0}, b[:headerSize])

	got, err := Decode(bytes.NewReader(b), sample().Shape)
	require.NoError(t, err)
	assert.True(t, sample().Equal(got))
}

func TestDecodeMalformed(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sample()))
	full := buf.Bytes()

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"short header", full[:7]},
		{"truncated samples", full[:len(full)-3]},
		{"zero dimension", []byte{0, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0}},
		{"trailing bytes", append(append([]byte{}, full...), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(tt.in), chunk.Shape{})
			assert.ErrorIs(t, err, cubeerr.ErrExternalProcess)
		})
	}
}

func TestDecodeChecksShapeBeforeAllocating(t *testing.T) {
	// header announcing 2^30 samples with no data behind it
	hdr := []byte{0, 4, 0, 0, 0, 4, 0, 0, 0, 4, 0, 0, 1, 0, 0, 0}

	_, err := Decode(bytes.NewReader(hdr), sample().Shape)

	require.ErrorIs(t, err, cubeerr.ErrShapeMismatch)
	assert.Contains(t, err.Error(), "want")
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	meta := Meta{Coord: chunk.Coord{T: 1, Y: 2, X: 3}, Bands: []string{"a", "b"}}

	t.Run("echo process round-trips the chunk", func(t *testing.T) {
		out, err := Run(ctx, "cat", sample(), meta)
		require.NoError(t, err)
		assert.True(t, sample().Equal(out))
	})

	t.Run("environment is set", func(t *testing.T) {
		cmd := `test "$CUBEGRID_STREAMING" = 1 && test "$CUBEGRID_CHUNK_COORD" = 1,2,3 && test "$CUBEGRID_BANDS" = a,b && cat`
		out, err := Run(ctx, cmd, sample(), meta)
		require.NoError(t, err)
		assert.Equal(t, sample().Shape, out.Shape)
	})

	t.Run("non-zero exit fails", func(t *testing.T) {
		_, err := Run(ctx, "echo boom >&2; exit 3", sample(), meta)
		require.ErrorIs(t, err, cubeerr.ErrExternalProcess)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("garbage output fails", func(t *testing.T) {
		_, err := Run(ctx, "cat >/dev/null; echo nope", sample(), meta)
		assert.ErrorIs(t, err, cubeerr.ErrExternalProcess)
	})

	t.Run("output after the chunk fails", func(t *testing.T) {
		start := time.Now()
		_, err := Run(ctx, "cat; head -c 1048576 /dev/zero", sample(), meta)
		require.ErrorIs(t, err, cubeerr.ErrExternalProcess)
		assert.Contains(t, err.Error(), "after the chunk")
		assert.Less(t, time.Since(start), 10*time.Second)
	})

	t.Run("wrong shape is rejected", func(t *testing.T) {
		m := meta
		m.Want = chunk.Shape{B: 1, T: 1, Y: 1, X: 1}
		_, err := Run(ctx, "cat", sample(), m)
		assert.ErrorIs(t, err, cubeerr.ErrShapeMismatch)
	})

	t.Run("cancellation kills the process and its children", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := Run(cctx, "trap '' TERM INT; cat >/dev/null; sleep 30; cat", sample(), meta)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 10*time.Second)
	})

	t.Run("empty command", func(t *testing.T) {
		_, err := Run(ctx, "  ", sample(), meta)
		assert.ErrorIs(t, err, cubeerr.ErrConfiguration)
	})
}
