package cube

import (
	"context"
	"math"

	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/cubeerr"
)

// Boundary selects how windows reaching outside the time axis are treated.
type Boundary string

const (
	// BoundaryPartial evaluates a window over the slices that exist.
	BoundaryPartial Boundary = "partial"
	// BoundaryNoData yields no-data for any window reaching outside.
	BoundaryNoData Boundary = "nodata"
)

// ParseBoundary accepts the boundary names; empty means partial.
func ParseBoundary(s string) (Boundary, error) {
	switch Boundary(s) {
	case "", BoundaryPartial:
		return BoundaryPartial, nil
	case BoundaryNoData:
		return BoundaryNoData, nil
	}
	return "", cubeerr.Configf("unknown window boundary %q (want partial or nodata)", s)
}

// WindowTimeParams applies a moving window along time. Exactly one of
// Reducers and Kernel is set; a kernel applies to every band.
type WindowTimeParams struct {
	Before   int           `json:"before"`
	After    int           `json:"after"`
	Reducers []ReducerBand `json:"reducers,omitempty"`
	Kernel   []float64     `json:"kernel,omitempty"`
	Boundary Boundary      `json:"boundary,omitempty"`

	bound []boundReducer
}

func (*WindowTimeParams) Kind() Kind { return KindWindowTime }
func (*WindowTimeParams) sealed()    {}

// WindowSpec configures WindowTime.
type WindowSpec struct {
	Before, After int
	Reducers      []ReducerBand
	Kernel        []float64
	Boundary      Boundary
}

// WindowTime adds a node evaluating a moving window of Before slices
// before and After slices after each time slice.
func (g *Graph) WindowTime(in NodeID, spec WindowSpec) (NodeID, error) {
	d, err := g.input(in)
	if err != nil {
		return 0, err
	}
	if spec.Before < 0 || spec.After < 0 {
		return 0, cubeerr.Configf("window_time offsets must not be negative, got (%d,%d)", spec.Before, spec.After)
	}
	boundary, err := ParseBoundary(string(spec.Boundary))
	if err != nil {
		return 0, err
	}
	p := &WindowTimeParams{Before: spec.Before, After: spec.After, Boundary: boundary}
	out := d
	switch {
	case len(spec.Kernel) > 0 && len(spec.Reducers) > 0:
		return 0, cubeerr.Configf("window_time takes either reducers or a kernel, not both")
	case len(spec.Kernel) > 0:
		if want := spec.Before + spec.After + 1; len(spec.Kernel) != want {
			return 0, cubeerr.Configf("window_time kernel has %d weights, want %d", len(spec.Kernel), want)
		}
		p.Kernel = append([]float64(nil), spec.Kernel...)
		out.Bands = append([]Band(nil), d.Bands...)
		for i := range out.Bands {
			out.Bands[i].Type = "float64"
			out.Bands[i].NoData = nil
		}
	case len(spec.Reducers) > 0:
		bound, bands, err := bindReducers(d, spec.Reducers)
		if err != nil {
			return 0, err
		}
		p.Reducers = append([]ReducerBand(nil), spec.Reducers...)
		p.bound = bound
		out.Bands = bands
	default:
		return 0, cubeerr.Configf("window_time needs reducers or a kernel")
	}
	return g.add(p, out, in), nil
}

func (s *session) windowTime(ctx context.Context, n *Node, p *WindowTimeParams, r chunk.Region) (*chunk.Chunk, error) {
	nt := n.desc.Grid.T.N
	wide := r
	wide.T0 = max(0, r.T0-p.Before)
	wide.T1 = min(nt, r.T1+p.After)
	src, err := s.region(ctx, n.Inputs[0], wide)
	if err != nil {
		return nil, err
	}
	out := chunk.New(r.Shape(len(n.desc.Bands)))
	win := make([]float64, 0, p.Before+p.After+1)
	for t := r.T0; t < r.T1; t++ {
		lo, hi := t-p.Before, t+p.After
		outside := lo < 0 || hi >= nt
		if outside && p.Boundary == BoundaryNoData {
			continue
		}
		for y := 0; y < out.Shape.Y; y++ {
			for x := 0; x < out.Shape.X; x++ {
				if p.Kernel != nil {
					for b := 0; b < out.Shape.B; b++ {
						out.Set(b, t-r.T0, y, x, s.kernelAt(src, wide, p, b, t, y, x, nt))
					}
					continue
				}
				for o, br := range p.bound {
					win = win[:0]
					for k := max(lo, 0); k <= min(hi, nt-1); k++ {
						win = append(win, src.Get(br.band, k-wide.T0, y, x))
					}
					out.Set(o, t-r.T0, y, x, br.fn(win))
				}
			}
		}
	}
	return out, nil
}

// kernelAt is the weighted sum of the window around t; slices outside the
// time axis are left out.
func (s *session) kernelAt(src *chunk.Chunk, wide chunk.Region, p *WindowTimeParams, b, t, y, x, nt int) float64 {
	sum := 0.0
	for k, w := range p.Kernel {
		tt := t - p.Before + k
		if tt < 0 || tt >= nt {
			continue
		}
		v := src.Get(b, tt-wide.T0, y, x)
		if math.IsNaN(v) {
			return math.NaN()
		}
		sum += w * v
	}
	return sum
}
