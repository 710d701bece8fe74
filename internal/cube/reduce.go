package cube

import (
	"context"

	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/cubeerr"
)

// ReduceTimeParams collapses the time dimension to one slice.
type ReduceTimeParams struct {
	Reducers []ReducerBand `json:"reducers"`

	bound []boundReducer
}

// ReduceSpaceParams collapses y and x to one cell per time slice.
type ReduceSpaceParams struct {
	Reducers []ReducerBand `json:"reducers"`

	bound []boundReducer
}

func (*ReduceTimeParams) Kind() Kind  { return KindReduceTime }
func (*ReduceSpaceParams) Kind() Kind { return KindReduceSpace }
func (*ReduceTimeParams) sealed()     {}
func (*ReduceSpaceParams) sealed()    {}

type boundReducer struct {
	fn   Reducer
	band int
}

// bindReducers resolves reducer names and input bands and returns the
// output bands.
func bindReducers(d Description, rbs []ReducerBand) ([]boundReducer, []Band, error) {
	if len(rbs) == 0 {
		return nil, nil, cubeerr.Configf("at least one reducer is required")
	}
	bound := make([]boundReducer, 0, len(rbs))
	bands := make([]Band, 0, len(rbs))
	for _, rb := range rbs {
		fn, err := LookupReducer(rb.Reducer)
		if err != nil {
			return nil, nil, err
		}
		i := d.BandIndex(rb.Band)
		if i < 0 {
			return nil, nil, cubeerr.Wrapf(cubeerr.ErrUnknownBandReference, "reducer %s: no band %q in %v", rb.Reducer, rb.Band, d.BandNames())
		}
		bound = append(bound, boundReducer{fn: fn, band: i})
		out := Band{Name: rb.OutputName(), Type: "float64"}
		switch rb.Reducer {
		case "count", "which_min", "which_max":
		default:
			out.Unit = d.Bands[i].Unit
		}
		bands = append(bands, out)
	}
	names := make([]string, len(bands))
	for i, b := range bands {
		names[i] = b.Name
	}
	if err := checkUnique(names); err != nil {
		return nil, nil, err
	}
	return bound, bands, nil
}

// allBands applies one reducer to every band.
func allBands(d Description, reducer string) []ReducerBand {
	out := make([]ReducerBand, len(d.Bands))
	for i, b := range d.Bands {
		out[i] = ReducerBand{Reducer: reducer, Band: b.Name}
	}
	return out
}

// ReduceTime adds a node reducing each (band, y, x) series over all time
// slices.
func (g *Graph) ReduceTime(in NodeID, reducers []ReducerBand) (NodeID, error) {
	d, err := g.input(in)
	if err != nil {
		return 0, err
	}
	bound, bands, err := bindReducers(d, reducers)
	if err != nil {
		return 0, err
	}
	out := Description{Grid: d.Grid.CollapseTime(), Bands: bands, ChunkSize: chunk.Size{T: 1, Y: d.ChunkSize.Y, X: d.ChunkSize.X}}
	return g.add(&ReduceTimeParams{Reducers: append([]ReducerBand(nil), reducers...), bound: bound}, out, in), nil
}

// ReduceTimeAll reduces every band with the same reducer.
func (g *Graph) ReduceTimeAll(in NodeID, reducer string) (NodeID, error) {
	d, err := g.input(in)
	if err != nil {
		return 0, err
	}
	return g.ReduceTime(in, allBands(d, reducer))
}

// ReduceSpace adds a node reducing all cells of each (band, t) slice.
func (g *Graph) ReduceSpace(in NodeID, reducers []ReducerBand) (NodeID, error) {
	d, err := g.input(in)
	if err != nil {
		return 0, err
	}
	bound, bands, err := bindReducers(d, reducers)
	if err != nil {
		return 0, err
	}
	out := Description{Grid: d.Grid.CollapseSpace(), Bands: bands, ChunkSize: chunk.Size{T: d.ChunkSize.T, Y: 1, X: 1}}
	return g.add(&ReduceSpaceParams{Reducers: append([]ReducerBand(nil), reducers...), bound: bound}, out, in), nil
}

// ReduceSpaceAll reduces every band with the same reducer.
func (g *Graph) ReduceSpaceAll(in NodeID, reducer string) (NodeID, error) {
	d, err := g.input(in)
	if err != nil {
		return 0, err
	}
	return g.ReduceSpace(in, allBands(d, reducer))
}

func (s *session) reduceTime(ctx context.Context, n *Node, p *ReduceTimeParams, r chunk.Region) (*chunk.Chunk, error) {
	src, err := s.region(ctx, n.Inputs[0], s.fullT(n.Inputs[0], r))
	if err != nil {
		return nil, err
	}
	out := chunk.New(r.Shape(len(p.bound)))
	series := make([]float64, 0, src.Shape.T)
	for o, br := range p.bound {
		dst := out.Band(o)
		for y := 0; y < src.Shape.Y; y++ {
			for x := 0; x < src.Shape.X; x++ {
				series = src.Series(series[:0], br.band, y, x)
				dst[y*src.Shape.X+x] = br.fn(series)
			}
		}
	}
	return out, nil
}

func (s *session) reduceSpace(ctx context.Context, n *Node, p *ReduceSpaceParams, r chunk.Region) (*chunk.Chunk, error) {
	in, err := s.g.Node(n.Inputs[0])
	if err != nil {
		return nil, err
	}
	_, ny, nx := in.desc.Grid.Size()
	full := chunk.Region{T0: r.T0, T1: r.T1, Y0: 0, Y1: ny, X0: 0, X1: nx}
	layout := in.desc.Layout()

	// values[o][t] collects the cells of one output band and time slice in
	// row-major order, chunk by chunk.
	nt := r.T1 - r.T0
	values := make([][][]float64, len(p.bound))
	for o := range values {
		values[o] = make([][]float64, nt)
		for t := range values[o] {
			values[o][t] = make([]float64, ny*nx)
		}
	}
	for _, c := range layout.Overlapping(full) {
		part, err := s.chunk(ctx, in.ID, c)
		if err != nil {
			return nil, err
		}
		pr := layout.Region(c)
		for o, br := range p.bound {
			for t := max(pr.T0, r.T0); t < min(pr.T1, r.T1); t++ {
				dst := values[o][t-r.T0]
				for y := pr.Y0; y < pr.Y1; y++ {
					for x := pr.X0; x < pr.X1; x++ {
						dst[y*nx+x] = part.Get(br.band, t-pr.T0, y-pr.Y0, x-pr.X0)
					}
				}
			}
		}
	}
	out := chunk.New(r.Shape(len(p.bound)))
	for o, br := range p.bound {
		for t := 0; t < nt; t++ {
			out.Set(o, t, 0, 0, br.fn(values[o][t]))
		}
	}
	return out, nil
}
