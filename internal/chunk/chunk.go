// Package chunk holds the dense in-memory buffers chunks are materialized
// into, and the layout mapping chunk ids to cell regions of a grid.
package chunk

import (
	"fmt"
	"math"
)

// NoData is the sentinel for missing samples.
var NoData = math.NaN()

// IsNoData reports whether v is the no-data sentinel.
func IsNoData(v float64) bool { return math.IsNaN(v) }

// Shape is the extent of a chunk buffer: bands, time, rows and columns.
type Shape struct {
	B, T, Y, X int
}

// Len returns the number of samples of the shape.
func (s Shape) Len() int { return s.B * s.T * s.Y * s.X }

func (s Shape) String() string { return fmt.Sprintf("(%d,%d,%d,%d)", s.B, s.T, s.Y, s.X) }

// Coord addresses a chunk by its index along t, y and x.
type Coord struct {
	T, Y, X int
}

func (c Coord) String() string { return fmt.Sprintf("[%d,%d,%d]", c.T, c.Y, c.X) }

// Chunk is a dense band-major buffer [b][t][y][x] of float64 samples.
type Chunk struct {
	Shape Shape
	Data  []float64
}

// New allocates a chunk filled with no-data.
func New(s Shape) *Chunk {
	c := &Chunk{Shape: s, Data: make([]float64, s.Len())}
	c.Fill(NoData)
	return c
}

// Index returns the offset of a sample in Data.
func (c *Chunk) Index(b, t, y, x int) int {
	s := c.Shape
	return ((b*s.T+t)*s.Y+y)*s.X + x
}

// Get returns one sample.
func (c *Chunk) Get(b, t, y, x int) float64 { return c.Data[c.Index(b, t, y, x)] }

// Set stores one sample.
func (c *Chunk) Set(b, t, y, x int, v float64) { c.Data[c.Index(b, t, y, x)] = v }

// Band returns the contiguous slice holding band b.
func (c *Chunk) Band(b int) []float64 {
	n := c.Shape.T * c.Shape.Y * c.Shape.X
	return c.Data[b*n : (b+1)*n]
}

// Fill sets every sample to v.
func (c *Chunk) Fill(v float64) {
	for i := range c.Data {
		c.Data[i] = v
	}
}

// Clone returns a deep copy.
func (c *Chunk) Clone() *Chunk {
	out := &Chunk{Shape: c.Shape, Data: make([]float64, len(c.Data))}
	copy(out.Data, c.Data)
	return out
}

// Empty reports whether every sample is no-data.
func (c *Chunk) Empty() bool {
	for _, v := range c.Data {
		if !IsNoData(v) {
			return false
		}
	}
	return true
}

// Equal compares shapes and samples bit for bit, treating NaN as equal to NaN.
func (c *Chunk) Equal(o *Chunk) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.Shape != o.Shape || len(c.Data) != len(o.Data) {
		return false
	}
	for i, v := range c.Data {
		w := o.Data[i]
		if IsNoData(v) && IsNoData(w) {
			continue
		}
		if math.Float64bits(v) != math.Float64bits(w) {
			return false
		}
	}
	return true
}

// Series copies the time series of one (band, y, x) cell into dst.
func (c *Chunk) Series(dst []float64, b, y, x int) []float64 {
	dst = dst[:0]
	for t := 0; t < c.Shape.T; t++ {
		dst = append(dst, c.Get(b, t, y, x))
	}
	return dst
}
