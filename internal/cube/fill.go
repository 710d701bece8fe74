package cube

import (
	"context"
	"math"

	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/cubeerr"
)

// FillMethod names a gap filling method along time.
type FillMethod string

const (
	// FillNear takes the closest valid slice, the earlier one on ties.
	FillNear FillMethod = "near"
	// FillLOCF carries the last observation forward.
	FillLOCF FillMethod = "locf"
	// FillNOCB carries the next observation backward.
	FillNOCB FillMethod = "nocb"
	// FillLinear interpolates between the surrounding valid slices. Gaps at
	// either end stay no-data.
	FillLinear FillMethod = "linear"
)

// FillTimeParams replaces no-data samples along time.
type FillTimeParams struct {
	Method FillMethod `json:"method"`
}

func (*FillTimeParams) Kind() Kind { return KindFillTime }
func (*FillTimeParams) sealed()    {}

// FillTime adds a node filling gaps of each (band, y, x) series.
func (g *Graph) FillTime(in NodeID, method FillMethod) (NodeID, error) {
	d, err := g.input(in)
	if err != nil {
		return 0, err
	}
	switch method {
	case "":
		method = FillNear
	case FillNear, FillLOCF, FillNOCB, FillLinear:
	default:
		return 0, cubeerr.Configf("unknown fill_time method %q", method)
	}
	return g.add(&FillTimeParams{Method: method}, d, in), nil
}

func (s *session) fillTime(ctx context.Context, n *Node, p *FillTimeParams, r chunk.Region) (*chunk.Chunk, error) {
	full := s.fullT(n.Inputs[0], r)
	src, err := s.region(ctx, n.Inputs[0], full)
	if err != nil {
		return nil, err
	}
	out := chunk.New(r.Shape(src.Shape.B))
	series := make([]float64, 0, src.Shape.T)
	for b := 0; b < src.Shape.B; b++ {
		for y := 0; y < src.Shape.Y; y++ {
			for x := 0; x < src.Shape.X; x++ {
				series = fillSeries(src.Series(series[:0], b, y, x), p.Method)
				for t := r.T0; t < r.T1; t++ {
					out.Set(b, t-r.T0, y, x, series[t])
				}
			}
		}
	}
	return out, nil
}

// fillSeries fills the gaps of v in place.
func fillSeries(v []float64, m FillMethod) []float64 {
	n := len(v)
	prev := make([]int, n)
	next := make([]int, n)
	last := -1
	for i := 0; i < n; i++ {
		if !math.IsNaN(v[i]) {
			last = i
		}
		prev[i] = last
	}
	last = -1
	for i := n - 1; i >= 0; i-- {
		if !math.IsNaN(v[i]) {
			last = i
		}
		next[i] = last
	}
	orig := append([]float64(nil), v...)
	for i := 0; i < n; i++ {
		if !math.IsNaN(orig[i]) {
			continue
		}
		p, q := prev[i], next[i]
		switch m {
		case FillLOCF:
			if p >= 0 {
				v[i] = orig[p]
			}
		case FillNOCB:
			if q >= 0 {
				v[i] = orig[q]
			}
		case FillLinear:
			if p >= 0 && q >= 0 {
				w := float64(i-p) / float64(q-p)
				v[i] = orig[p] + w*(orig[q]-orig[p])
			}
		default:
			switch {
			case p >= 0 && (q < 0 || i-p <= q-i):
				v[i] = orig[p]
			case q >= 0:
				v[i] = orig[q]
			}
		}
	}
	return v
}
