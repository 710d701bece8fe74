package chunk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk_BandMajorIndexing(t *testing.T) {
	c := New(Shape{B: 2, T: 3, Y: 4, X: 5})
	require.Len(t, c.Data, 120)
	assert.True(t, c.Empty())

	c.Set(1, 2, 3, 4, 7)
	assert.Equal(t, 119, c.Index(1, 2, 3, 4))
	assert.Equal(t, 7.0, c.Data[119])
	assert.Equal(t, 60, c.Index(1, 0, 0, 0))
	assert.Equal(t, 7.0, c.Band(1)[59])
	assert.False(t, c.Empty())

	series := c.Series(nil, 1, 3, 4)
	require.Len(t, series, 3)
	assert.True(t, IsNoData(series[0]))
	assert.Equal(t, 7.0, series[2])
}

func TestChunk_EqualIsNaNAware(t *testing.T) {
	a := New(Shape{B: 1, T: 1, Y: 1, X: 3})
	a.Data[1] = 2.5
	b := a.Clone()
	assert.True(t, a.Equal(b))

	b.Data[0] = 0
	assert.False(t, a.Equal(b))

	c := New(Shape{B: 1, T: 1, Y: 3, X: 1})
	assert.False(t, New(Shape{B: 1, T: 1, Y: 1, X: 3}).Equal(c))
	assert.True(t, math.IsNaN(c.Data[2]))

	var nilChunk *Chunk
	assert.True(t, nilChunk.Equal(nil))
	assert.False(t, nilChunk.Equal(a))
}

func TestLayout_IDsAndRegions(t *testing.T) {
	l := NewLayout(5, 10, 7, Size{T: 2, Y: 4, X: 4})

	ct, cy, cx := l.Counts()
	assert.Equal(t, [3]int{3, 3, 2}, [3]int{ct, cy, cx})
	assert.Equal(t, 18, l.Total())

	for id := 0; id < l.Total(); id++ {
		c := l.Coord(id)
		require.True(t, l.Contains(c))
		require.Equal(t, id, l.ID(c))
	}

	last := l.Region(Coord{T: 2, Y: 2, X: 1})
	assert.Equal(t, Region{T0: 4, T1: 5, Y0: 8, Y1: 10, X0: 4, X1: 7}, last)
	assert.Equal(t, Shape{B: 3, T: 1, Y: 2, X: 3}, last.Shape(3))
	assert.False(t, l.Contains(Coord{T: 3}))
	assert.Equal(t, Coord{T: 1, Y: 2, X: 1}, l.Of(3, 9, 6))
}

func TestLayout_ClampsToGrid(t *testing.T) {
	l := NewLayout(1, 3, 300, DefaultSize)
	assert.Equal(t, Size{T: 1, Y: 3, X: 256}, l.Size)
	assert.Equal(t, 2, l.Total())

	l = NewLayout(4, 4, 4, Size{})
	assert.Equal(t, Size{T: 4, Y: 4, X: 4}, l.Size)
}

func TestLayout_OverlappingAndCopy(t *testing.T) {
	src := NewLayout(1, 6, 6, Size{T: 1, Y: 4, X: 4})
	want := Region{T0: 0, T1: 1, Y0: 2, Y1: 5, X0: 3, X1: 6}

	coords := src.Overlapping(want)
	assert.Equal(t, []Coord{{0, 0, 0}, {0, 0, 1}, {0, 1, 0}, {0, 1, 1}}, coords)

	dst := New(want.Shape(1))
	for _, c := range coords {
		r := src.Region(c)
		part := New(r.Shape(1))
		for y := r.Y0; y < r.Y1; y++ {
			for x := r.X0; x < r.X1; x++ {
				part.Set(0, 0, y-r.Y0, x-r.X0, float64(10*y+x))
			}
		}
		CopyRegion(dst, want, part, r)
	}
	for y := want.Y0; y < want.Y1; y++ {
		for x := want.X0; x < want.X1; x++ {
			assert.Equal(t, float64(10*y+x), dst.Get(0, 0, y-want.Y0, x-want.X0))
		}
	}
	assert.Nil(t, src.Overlapping(Region{}))
}
