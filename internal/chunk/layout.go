package chunk

import "fmt"

// Size is the maximum chunk extent along t, y and x.
type Size struct {
	T, Y, X int
}

// DefaultSize is used when a cube does not declare a chunk size.
var DefaultSize = Size{T: 16, Y: 256, X: 256}

// Valid reports whether every component is positive.
func (s Size) Valid() bool { return s.T > 0 && s.Y > 0 && s.X > 0 }

func (s Size) String() string { return fmt.Sprintf("(%d,%d,%d)", s.T, s.Y, s.X) }

// Region is a half-open box of grid cells [T0,T1) x [Y0,Y1) x [X0,X1).
type Region struct {
	T0, T1, Y0, Y1, X0, X1 int
}

// Shape returns the buffer shape covering the region with nb bands.
func (r Region) Shape(nb int) Shape {
	return Shape{B: nb, T: r.T1 - r.T0, Y: r.Y1 - r.Y0, X: r.X1 - r.X0}
}

// Intersect clips r to o.
func (r Region) Intersect(o Region) Region {
	return Region{
		T0: max(r.T0, o.T0), T1: min(r.T1, o.T1),
		Y0: max(r.Y0, o.Y0), Y1: min(r.Y1, o.Y1),
		X0: max(r.X0, o.X0), X1: min(r.X1, o.X1),
	}
}

// Empty reports whether the region holds no cells.
func (r Region) Empty() bool { return r.T1 <= r.T0 || r.Y1 <= r.Y0 || r.X1 <= r.X0 }

// Layout partitions a grid of NT x NY x NX cells into chunks of Size. Edge
// chunks are smaller when a dimension is not a multiple of the chunk size.
type Layout struct {
	NT, NY, NX int
	Size       Size
}

// NewLayout clamps the chunk size to the grid so single-chunk dimensions do
// not carry oversized buffers.
func NewLayout(nt, ny, nx int, size Size) Layout {
	if !size.Valid() {
		size = DefaultSize
	}
	return Layout{NT: nt, NY: ny, NX: nx, Size: Size{T: min(size.T, nt), Y: min(size.Y, ny), X: min(size.X, nx)}}
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// Counts returns the number of chunks per dimension.
func (l Layout) Counts() (ct, cy, cx int) {
	return ceilDiv(l.NT, l.Size.T), ceilDiv(l.NY, l.Size.Y), ceilDiv(l.NX, l.Size.X)
}

// Total returns the number of chunks.
func (l Layout) Total() int {
	ct, cy, cx := l.Counts()
	return ct * cy * cx
}

// ID returns the row-major id of a chunk coordinate (t slowest).
func (l Layout) ID(c Coord) int {
	_, cy, cx := l.Counts()
	return (c.T*cy+c.Y)*cx + c.X
}

// Coord is the inverse of ID.
func (l Layout) Coord(id int) Coord {
	_, cy, cx := l.Counts()
	return Coord{T: id / (cy * cx), Y: (id / cx) % cy, X: id % cx}
}

// Contains reports whether c addresses an existing chunk.
func (l Layout) Contains(c Coord) bool {
	ct, cy, cx := l.Counts()
	return c.T >= 0 && c.Y >= 0 && c.X >= 0 && c.T < ct && c.Y < cy && c.X < cx
}

// Region returns the cells covered by chunk c.
func (l Layout) Region(c Coord) Region {
	return Region{
		T0: c.T * l.Size.T, T1: min((c.T+1)*l.Size.T, l.NT),
		Y0: c.Y * l.Size.Y, Y1: min((c.Y+1)*l.Size.Y, l.NY),
		X0: c.X * l.Size.X, X1: min((c.X+1)*l.Size.X, l.NX),
	}
}

// Of returns the chunk containing cell (t, y, x).
func (l Layout) Of(t, y, x int) Coord {
	return Coord{T: t / l.Size.T, Y: y / l.Size.Y, X: x / l.Size.X}
}

// Overlapping lists the chunks intersecting region r, in id order.
func (l Layout) Overlapping(r Region) []Coord {
	if r.Empty() {
		return nil
	}
	lo := l.Of(r.T0, r.Y0, r.X0)
	hi := l.Of(r.T1-1, r.Y1-1, r.X1-1)
	var out []Coord
	for t := lo.T; t <= hi.T; t++ {
		for y := lo.Y; y <= hi.Y; y++ {
			for x := lo.X; x <= hi.X; x++ {
				out = append(out, Coord{T: t, Y: y, X: x})
			}
		}
	}
	return out
}

// CopyRegion copies the samples of src (covering srcRegion) that fall into
// dstRegion into dst (covering dstRegion). Both chunks must have the same
// number of bands.
func CopyRegion(dst *Chunk, dstRegion Region, src *Chunk, srcRegion Region) {
	r := dstRegion.Intersect(srcRegion)
	if r.Empty() {
		return
	}
	for b := 0; b < dst.Shape.B; b++ {
		for t := r.T0; t < r.T1; t++ {
			for y := r.Y0; y < r.Y1; y++ {
				di := dst.Index(b, t-dstRegion.T0, y-dstRegion.Y0, r.X0-dstRegion.X0)
				si := src.Index(b, t-srcRegion.T0, y-srcRegion.Y0, r.X0-srcRegion.X0)
				copy(dst.Data[di:di+r.X1-r.X0], src.Data[si:si+r.X1-r.X0])
			}
		}
	}
}
