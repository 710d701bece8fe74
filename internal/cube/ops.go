package cube

import (
	"context"
	"strconv"

	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/cubeerr"
)

// SelectBandsParams keeps a subset of the input bands in the given order.
type SelectBandsParams struct {
	Bands []string `json:"bands"`

	index []int
}

// ApplyPixelParams computes one output band per expression.
type ApplyPixelParams struct {
	Exprs     []string `json:"exprs"`
	Names     []string `json:"names"`
	KeepBands bool     `json:"keep_bands,omitempty"`

	compiled []*compiledExpr
}

// FilterPredicateParams sets every band of cells failing Predicate to
// no-data.
type FilterPredicateParams struct {
	Predicate string `json:"predicate"`

	compiled *compiledExpr
}

func (*SelectBandsParams) Kind() Kind     { return KindSelectBands }
func (*ApplyPixelParams) Kind() Kind      { return KindApplyPixel }
func (*FilterPredicateParams) Kind() Kind { return KindFilterPredicate }
func (*SelectBandsParams) sealed()        {}
func (*ApplyPixelParams) sealed()         {}
func (*FilterPredicateParams) sealed()    {}

// SelectBands adds a node keeping only the named bands.
func (g *Graph) SelectBands(in NodeID, bands []string) (NodeID, error) {
	d, err := g.input(in)
	if err != nil {
		return 0, err
	}
	if len(bands) == 0 {
		return 0, cubeerr.Configf("select_bands needs at least one band")
	}
	if err := checkUnique(bands); err != nil {
		return 0, err
	}
	p := &SelectBandsParams{Bands: append([]string(nil), bands...)}
	out := d
	out.Bands = nil
	for _, name := range bands {
		i := d.BandIndex(name)
		if i < 0 {
			return 0, cubeerr.Wrapf(cubeerr.ErrUnknownBandReference, "select_bands: no band %q in %v", name, d.BandNames())
		}
		p.index = append(p.index, i)
		out.Bands = append(out.Bands, d.Bands[i])
	}
	return g.add(p, out, in), nil
}

// ApplyPixel adds a node evaluating one expression per output band over
// the input bands of each cell. With keepBands the input bands precede the
// computed ones.
func (g *Graph) ApplyPixel(in NodeID, exprs, names []string, keepBands bool) (NodeID, error) {
	d, err := g.input(in)
	if err != nil {
		return 0, err
	}
	if len(exprs) == 0 {
		return 0, cubeerr.Configf("apply_pixel needs at least one expression")
	}
	if len(names) == 0 {
		for i := range exprs {
			names = append(names, "band"+strconv.Itoa(i+1))
		}
	}
	if len(names) != len(exprs) {
		return 0, cubeerr.Wrapf(cubeerr.ErrShapeMismatch, "apply_pixel: %d expressions but %d names", len(exprs), len(names))
	}
	p := &ApplyPixelParams{Exprs: append([]string(nil), exprs...), Names: append([]string(nil), names...), KeepBands: keepBands}
	for _, src := range exprs {
		c, err := compileExpr(src, d.BandNames())
		if err != nil {
			return 0, err
		}
		p.compiled = append(p.compiled, c)
	}
	out := d
	out.Bands = nil
	if keepBands {
		out.Bands = append(out.Bands, d.Bands...)
	}
	for _, n := range names {
		out.Bands = append(out.Bands, Band{Name: n, Type: "float64"})
	}
	if err := checkUnique(out.BandNames()); err != nil {
		return 0, err
	}
	return g.add(p, out, in), nil
}

// FilterPredicate adds a node masking cells where predicate is false.
func (g *Graph) FilterPredicate(in NodeID, predicate string) (NodeID, error) {
	d, err := g.input(in)
	if err != nil {
		return 0, err
	}
	c, err := compileExpr(predicate, d.BandNames())
	if err != nil {
		return 0, err
	}
	return g.add(&FilterPredicateParams{Predicate: predicate, compiled: c}, d, in), nil
}

func (s *session) selectBands(ctx context.Context, n *Node, p *SelectBandsParams, r chunk.Region) (*chunk.Chunk, error) {
	src, err := s.region(ctx, n.Inputs[0], r)
	if err != nil {
		return nil, err
	}
	out := chunk.New(r.Shape(len(p.index)))
	for b, i := range p.index {
		copy(out.Band(b), src.Band(i))
	}
	return out, nil
}

// cellLoop walks the cells of a chunk of region r, binding band values and
// cell coordinates into env before calling fn with the flat cell offset.
func (s *session) cellLoop(ctx context.Context, n *Node, src *chunk.Chunk, r chunk.Region, env cellEnv, fn func(i int) error) error {
	d := n.desc
	in, _ := s.g.Node(n.Inputs[0])
	ids := make([]string, len(in.desc.Bands))
	for b, band := range in.desc.Bands {
		ids[b] = Identifier(band.Name)
	}
	cells := src.Shape.T * src.Shape.Y * src.Shape.X
	i := 0
	for t := r.T0; t < r.T1; t++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start, _ := d.Grid.T.Interval(t)
		env[identT] = float64(start.Unix())
		for y := r.Y0; y < r.Y1; y++ {
			env[identY] = d.Grid.YCenter(y)
			for x := r.X0; x < r.X1; x++ {
				env[identX] = d.Grid.XCenter(x)
				for b, id := range ids {
					env[id] = src.Data[b*cells+i]
				}
				if err := fn(i); err != nil {
					return err
				}
				i++
			}
		}
	}
	return nil
}

func (s *session) applyPixel(ctx context.Context, n *Node, p *ApplyPixelParams, r chunk.Region) (*chunk.Chunk, error) {
	src, err := s.region(ctx, n.Inputs[0], r)
	if err != nil {
		return nil, err
	}
	in, _ := s.g.Node(n.Inputs[0])
	out := chunk.New(r.Shape(len(n.desc.Bands)))
	base := 0
	if p.KeepBands {
		copy(out.Data, src.Data)
		base = len(in.desc.Bands)
	}
	cells := r.Shape(1).Len()
	env := newCellEnv(in.desc.BandNames())
	err = s.cellLoop(ctx, n, src, r, env, func(i int) error {
		for e, c := range p.compiled {
			v, err := c.eval(env)
			if err != nil {
				return err
			}
			out.Data[(base+e)*cells+i] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *session) filterPredicate(ctx context.Context, n *Node, p *FilterPredicateParams, r chunk.Region) (*chunk.Chunk, error) {
	src, err := s.region(ctx, n.Inputs[0], r)
	if err != nil {
		return nil, err
	}
	out := src.Clone()
	cells := r.Shape(1).Len()
	env := newCellEnv(n.desc.BandNames())
	err = s.cellLoop(ctx, n, src, r, env, func(i int) error {
		ok, err := p.compiled.truthy(env)
		if err != nil {
			return err
		}
		if !ok {
			for b := 0; b < out.Shape.B; b++ {
				out.Data[b*cells+i] = chunk.NoData
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
