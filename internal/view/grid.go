package view

import (
	"fmt"
	"math"
	"time"

	"github.com/vk/cubegrid/internal/datetime"
)

// Aggregation combines the values of several source images falling into
// the same cube cell.
type Aggregation string

const (
	AggFirst  Aggregation = "first"
	AggLast   Aggregation = "last"
	AggMin    Aggregation = "min"
	AggMax    Aggregation = "max"
	AggMean   Aggregation = "mean"
	AggMedian Aggregation = "median"
	AggNone   Aggregation = "none"
)

// ParseAggregation validates an aggregation name. Empty means first.
func ParseAggregation(s string) (Aggregation, error) {
	switch a := Aggregation(s); a {
	case "":
		return AggFirst, nil
	case AggFirst, AggLast, AggMin, AggMax, AggMean, AggMedian, AggNone:
		return a, nil
	}
	return "", fmt.Errorf("unknown aggregation method %q", s)
}

// Resampling is the spatial interpolation used when warping source images.
// Names follow gdalwarp's -r switch.
type Resampling string

const (
	ResNear     Resampling = "near"
	ResBilinear Resampling = "bilinear"
	ResCubic    Resampling = "cubic"
	ResAverage  Resampling = "average"
	ResMode     Resampling = "mode"
	ResMin      Resampling = "min"
	ResMax      Resampling = "max"
	ResMedian   Resampling = "med"
	ResQ1       Resampling = "q1"
	ResQ3       Resampling = "q3"
)

// ParseResampling validates a resampling name. Empty means near.
func ParseResampling(s string) (Resampling, error) {
	switch r := Resampling(s); r {
	case "":
		return ResNear, nil
	case ResNear, ResBilinear, ResCubic, ResAverage, ResMode, ResMin, ResMax, ResMedian, ResQ1, ResQ3:
		return r, nil
	case "nearest":
		return ResNear, nil
	case "median":
		return ResMedian, nil
	}
	return "", fmt.Errorf("unknown resampling method %q", s)
}

// Dim is one regular spatial dimension. Cell i spans [Low+i*Step, Low+(i+1)*Step].
type Dim struct {
	Name string
	N    int
	Low  float64
	High float64
	Step float64
}

// Edge returns the coordinate of the i-th cell edge.
func (d Dim) Edge(i int) float64 { return d.Low + float64(i)*d.Step }

// TimeDim is the regular temporal dimension. Slice i covers
// [T0 + i*DT, T0 + (i+1)*DT).
type TimeDim struct {
	T0 time.Time
	DT datetime.Duration
	N  int
}

// Interval returns the half-open interval of time slice i.
func (d TimeDim) Interval(i int) (time.Time, time.Time) {
	return datetime.Add(d.T0, d.DT, i), datetime.Add(d.T0, d.DT, i+1)
}

// End returns the exclusive end of the last slice.
func (d TimeDim) End() time.Time { return datetime.Add(d.T0, d.DT, d.N) }

// Index returns the slice containing t, or -1 if t is outside the dimension.
func (d TimeDim) Index(t time.Time) int {
	if t.Before(d.T0) || !t.Before(d.End()) {
		return -1
	}
	lo, hi := 0, d.N-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if start, _ := d.Interval(mid); start.After(t) {
			hi = mid - 1
		} else {
			lo = mid
		}
	}
	return lo
}

// Collapse returns a single-slice dimension spanning the whole of d.
func (d TimeDim) Collapse() TimeDim {
	return TimeDim{T0: d.T0, DT: datetime.Duration{N: d.DT.N * d.N, Unit: d.DT.Unit}, N: 1}
}

// Grid is the concrete, regular dimension grid of a cube: t, y, x in the
// target SRS, axis-aligned. Row 0 of y is the northernmost row.
type Grid struct {
	SRS         string
	T           TimeDim
	Y           Dim
	X           Dim
	Aggregation Aggregation
	Resampling  Resampling
}

// Size returns the number of cells per dimension.
func (g Grid) Size() (nt, ny, nx int) { return g.T.N, g.Y.N, g.X.N }

// Cells returns the total number of (t, y, x) cells.
func (g Grid) Cells() int { return g.T.N * g.Y.N * g.X.N }

// Top returns the northern edge, the origin of row indices.
func (g Grid) Top() float64 { return g.Y.High }

// RowBounds returns (bottom, top) of grid row iy counted from the top.
func (g Grid) RowBounds(iy int) (float64, float64) {
	top := g.Y.High - float64(iy)*g.Y.Step
	return top - g.Y.Step, top
}

// XCenter returns the x coordinate of the centre of column ix.
func (g Grid) XCenter(ix int) float64 { return g.X.Low + (float64(ix)+0.5)*g.X.Step }

// YCenter returns the y coordinate of the centre of row iy counted from the top.
func (g Grid) YCenter(iy int) float64 { return g.Y.High - (float64(iy)+0.5)*g.Y.Step }

// Column returns the column containing x, or -1. Rounding never pushes an
// in-range coordinate past the last column.
func (g Grid) Column(x float64) int {
	if x < g.X.Low || x >= g.X.High {
		return -1
	}
	return min(int((x-g.X.Low)/g.X.Step), g.X.N-1)
}

// Row returns the row (from the top) containing y, or -1.
func (g Grid) Row(y float64) int {
	if y <= g.Y.Low || y > g.Y.High {
		return -1
	}
	return min(int((g.Y.High-y)/g.Y.Step), g.Y.N-1)
}

// Bounds returns the spatial extent of the grid.
func (g Grid) Bounds() Bounds {
	return Bounds{Left: g.X.Low, Right: g.X.High, Bottom: g.Y.Low, Top: g.Y.High}
}

// CollapseTime returns the grid reduced to a single time slice.
func (g Grid) CollapseTime() Grid {
	g.T = g.T.Collapse()
	return g
}

// CollapseSpace returns the grid reduced to a single spatial cell.
func (g Grid) CollapseSpace() Grid {
	g.X = Dim{Name: g.X.Name, N: 1, Low: g.X.Low, High: g.X.High, Step: g.X.High - g.X.Low}
	g.Y = Dim{Name: g.Y.Name, N: 1, Low: g.Y.Low, High: g.Y.High, Step: g.Y.High - g.Y.Low}
	return g
}

const gridEpsilon = 1e-9

func closeTo(a, b float64) bool {
	scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= gridEpsilon*scale
}

func (d Dim) equal(o Dim) bool {
	return d.N == o.N && closeTo(d.Low, o.Low) && closeTo(d.High, o.High) && closeTo(d.Step, o.Step)
}

// Equal reports whether two grids describe the same cells. Aggregation and
// resampling are properties of how a grid was filled and are not compared.
func (g Grid) Equal(o Grid) bool {
	return g.SRS == o.SRS &&
		g.T.N == o.T.N && g.T.DT == o.T.DT && g.T.T0.Equal(o.T.T0) &&
		g.Y.equal(o.Y) && g.X.equal(o.X)
}

// String renders a compact description for logs and errors.
func (g Grid) String() string {
	return fmt.Sprintf("%s t=%d(%s from %s) y=%d[%g,%g] x=%d[%g,%g]",
		g.SRS, g.T.N, g.T.DT, datetime.Format(g.T.T0, g.T.DT.Unit),
		g.Y.N, g.Y.Low, g.Y.High, g.X.N, g.X.Low, g.X.High)
}

// DimensionValues lists the labels of every dimension: datetime strings at
// the given unit precision and cell centre coordinates.
type DimensionValues struct {
	T []string
	Y []float64
	X []float64
}

// Values returns the dimension labels of the grid. A nil unit labels
// datetimes at the precision of the temporal step.
func (g Grid) Values(unit *datetime.Unit) DimensionValues {
	u := g.T.DT.Unit
	if unit != nil {
		u = *unit
	}
	out := DimensionValues{
		T: make([]string, g.T.N),
		Y: make([]float64, g.Y.N),
		X: make([]float64, g.X.N),
	}
	for i := range out.T {
		start, _ := g.T.Interval(i)
		out.T[i] = datetime.Format(start, u)
	}
	for i := range out.Y {
		out.Y[i] = g.YCenter(i)
	}
	for i := range out.X {
		out.X[i] = g.XCenter(i)
	}
	return out
}
