// Package view resolves a requested cube view (extent, resolution, SRS,
// temporal step) into the concrete regular grid every cube node is laid
// out on.
package view

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vk/cubegrid/internal/ctxlog"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/datetime"
)

// Defaults applied when an extent source is available but the view gives
// no resolution.
const (
	DefaultCells     = 256
	DefaultIntervals = 3
)

// Bounds is an axis-aligned spatial extent.
type Bounds struct {
	Left   float64
	Right  float64
	Bottom float64
	Top    float64
}

// Width returns Right-Left.
func (b Bounds) Width() float64 { return b.Right - b.Left }

// Height returns Top-Bottom.
func (b Bounds) Height() float64 { return b.Top - b.Bottom }

// Intersects reports whether b and o overlap with a positive area.
func (b Bounds) Intersects(o Bounds) bool {
	return b.Left < o.Right && o.Left < b.Right && b.Bottom < o.Top && o.Bottom < b.Top
}

// Union returns the smallest bounds containing both.
func (b Bounds) Union(o Bounds) Bounds {
	return Bounds{
		Left:   math.Min(b.Left, o.Left),
		Right:  math.Max(b.Right, o.Right),
		Bottom: math.Min(b.Bottom, o.Bottom),
		Top:    math.Max(b.Top, o.Top),
	}
}

func (b Bounds) valid() bool {
	return b.Right > b.Left && b.Top > b.Bottom &&
		!math.IsNaN(b.Left+b.Right+b.Bottom+b.Top) && !math.IsInf(b.Left+b.Right+b.Bottom+b.Top, 0)
}

// Space holds the spatial part of a view. Zero values mean "not given".
type Space struct {
	SRS    string
	Bounds *Bounds
	DX, DY float64
	NX, NY int
}

// Time holds the temporal part of a view. Zero values mean "not given".
type Time struct {
	T0, T1 time.Time
	DT     datetime.Duration
	NT     int
}

// View is a request for a cube grid. It is pure data.
type View struct {
	Space       Space
	Time        Time
	Aggregation Aggregation
	Resampling  Resampling
}

// Extent is what an extent source contributes: spatial bounds in the
// requested SRS and the covered time range.
type Extent struct {
	Bounds Bounds
	T0, T1 time.Time
}

// ExtentSource derives a default extent, for instance from a collection or
// from the grid of an existing cube.
type ExtentSource interface {
	Extent(ctx context.Context, srs string) (Extent, error)
}

// Extent lets an existing grid act as the extent source of a new view.
func (g Grid) Extent(_ context.Context, srs string) (Extent, error) {
	if srs != "" && srs != g.SRS {
		return Extent{}, cubeerr.Configf("grid is in %s, cannot derive an extent in %s", g.SRS, srs)
	}
	_, last := g.T.Interval(g.T.N - 1)
	return Extent{Bounds: g.Bounds(), T0: g.T.T0, T1: last.Add(-time.Second)}, nil
}

// Resolve turns a view into a concrete grid. src may be nil when the view
// carries explicit bounds and resolutions.
func Resolve(ctx context.Context, src ExtentSource, v View) (Grid, error) {
	logger := ctxlog.FromContext(ctx)
	if v.Space.SRS == "" {
		return Grid{}, cubeerr.Configf("view has no SRS")
	}
	agg, err := ParseAggregation(string(v.Aggregation))
	if err != nil {
		return Grid{}, cubeerr.Configf("%v", err)
	}
	res, err := ParseResampling(string(v.Resampling))
	if err != nil {
		return Grid{}, cubeerr.Configf("%v", err)
	}

	needSpace := v.Space.Bounds == nil
	needTime := v.Time.T0.IsZero() || v.Time.T1.IsZero()
	var ext Extent
	derived := false
	if src != nil && (needSpace || needTime) {
		ext, err = src.Extent(ctx, v.Space.SRS)
		if err != nil {
			return Grid{}, fmt.Errorf("deriving view extent: %w", err)
		}
		derived = true
		logger.Debug("Derived view extent from source.", "bounds", ext.Bounds, "t0", ext.T0, "t1", ext.T1)
	}

	bounds := ext.Bounds
	if v.Space.Bounds != nil {
		bounds = *v.Space.Bounds
	} else if !derived {
		return Grid{}, cubeerr.Wrapf(cubeerr.ErrUnderspecifiedResolution, "no spatial extent and no extent source")
	}
	if !bounds.valid() {
		return Grid{}, cubeerr.Configf("degenerate spatial extent %+v", bounds)
	}

	t0, t1 := v.Time.T0, v.Time.T1
	if t0.IsZero() {
		if !derived {
			return Grid{}, cubeerr.Wrapf(cubeerr.ErrUnderspecifiedResolution, "no temporal extent and no extent source")
		}
		t0 = ext.T0
	}
	if t1.IsZero() {
		if !derived {
			return Grid{}, cubeerr.Wrapf(cubeerr.ErrUnderspecifiedResolution, "no temporal extent and no extent source")
		}
		t1 = ext.T1
	}
	if t1.Before(t0) {
		return Grid{}, cubeerr.Configf("temporal extent ends (%s) before it starts (%s)", t1, t0)
	}

	x, y, err := resolveSpace(bounds, v.Space, derived)
	if err != nil {
		return Grid{}, err
	}
	td, err := resolveTime(t0.UTC(), t1.UTC(), v.Time, derived)
	if err != nil {
		return Grid{}, err
	}
	g := Grid{SRS: v.Space.SRS, T: td, Y: y, X: x, Aggregation: agg, Resampling: res}
	logger.Debug("Resolved cube view.", "grid", g.String())
	return g, nil
}

// cells returns ceil(extent/step), tolerating floating point noise so that
// an extent that is an exact multiple of the step is not rounded up.
func cells(extent, step float64) int {
	q := extent / step
	r := math.Round(q)
	if math.Abs(q-r) < 1e-9*math.Max(1, r) {
		return int(r)
	}
	return int(math.Ceil(q))
}

func resolveSpace(b Bounds, s Space, derived bool) (Dim, Dim, error) {
	if s.DX < 0 || s.DY < 0 || s.NX < 0 || s.NY < 0 {
		return Dim{}, Dim{}, cubeerr.Configf("spatial resolution must be positive")
	}
	if s.DX > 0 && s.NX > 0 && cells(b.Width(), s.DX) != s.NX {
		return Dim{}, Dim{}, cubeerr.Wrapf(cubeerr.ErrOverspecifiedResolution, "dx=%g gives %d columns, nx=%d", s.DX, cells(b.Width(), s.DX), s.NX)
	}
	if s.DY > 0 && s.NY > 0 && cells(b.Height(), s.DY) != s.NY {
		return Dim{}, Dim{}, cubeerr.Wrapf(cubeerr.ErrOverspecifiedResolution, "dy=%g gives %d rows, ny=%d", s.DY, cells(b.Height(), s.DY), s.NY)
	}

	dx, dy := s.DX, s.DY
	if dx == 0 && s.NX > 0 {
		dx = b.Width() / float64(s.NX)
	}
	if dy == 0 && s.NY > 0 {
		dy = b.Height() / float64(s.NY)
	}
	switch {
	case dx > 0 && dy == 0:
		dy = dx
	case dy > 0 && dx == 0:
		dx = dy
	case dx == 0 && dy == 0:
		if !derived {
			return Dim{}, Dim{}, cubeerr.Wrapf(cubeerr.ErrUnderspecifiedResolution, "neither dx/dy nor nx/ny given")
		}
		dx = math.Max(b.Width(), b.Height()) / DefaultCells
		dy = dx
	}

	nx := s.NX
	if nx == 0 {
		nx = cells(b.Width(), dx)
	}
	ny := s.NY
	if ny == 0 {
		ny = cells(b.Height(), dy)
	}
	x := Dim{Name: "x", N: nx, Low: b.Left, Step: dx}
	x.High = x.Edge(nx)
	y := Dim{Name: "y", N: ny, Low: b.Bottom, Step: dy}
	y.High = y.Edge(ny)
	return x, y, nil
}

func resolveTime(t0, t1 time.Time, t Time, derived bool) (TimeDim, error) {
	if t.NT < 0 {
		return TimeDim{}, cubeerr.Configf("nt must be positive")
	}
	if !t.DT.IsZero() {
		t0 = datetime.Truncate(t0, t.DT.Unit)
		n := datetime.Steps(t0, t1, t.DT)
		if t.NT > 0 && n != t.NT {
			return TimeDim{}, cubeerr.Wrapf(cubeerr.ErrOverspecifiedResolution, "dt=%s gives %d slices, nt=%d", t.DT, n, t.NT)
		}
		return TimeDim{T0: t0, DT: t.DT, N: n}, nil
	}
	nt := t.NT
	if nt == 0 {
		if !derived {
			return TimeDim{}, cubeerr.Wrapf(cubeerr.ErrUnderspecifiedResolution, "neither dt nor nt given")
		}
		nt = DefaultIntervals
	}
	return TimeDim{T0: t0, DT: splitDuration(t0, t1, nt), N: nt}, nil
}

// splitDuration picks the step that divides the closed range [t0, t1] into
// n intervals, in days when the range spans at least a day and in seconds
// otherwise.
func splitDuration(t0, t1 time.Time, n int) datetime.Duration {
	span := t1.Sub(t0)
	unit := datetime.Day
	step := 24 * time.Hour
	if span < 24*time.Hour {
		unit = datetime.Second
		step = time.Second
	}
	total := int(span/step) + 1
	per := (total + n - 1) / n
	if per < 1 {
		per = 1
	}
	return datetime.Duration{N: per, Unit: unit}
}
