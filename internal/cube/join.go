package cube

import (
	"context"

	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/cubeerr"
)

// Default prefixes of joined band names.
const (
	DefaultPrefixA = "X1"
	DefaultPrefixB = "X2"
)

// JoinBandsParams combines the bands of two cubes on the same grid.
type JoinBandsParams struct {
	PrefixA string `json:"prefix_a"`
	PrefixB string `json:"prefix_b"`
}

func (*JoinBandsParams) Kind() Kind { return KindJoinBands }
func (*JoinBandsParams) sealed()    {}

// JoinBands adds a node with the bands of a followed by those of b, named
// "<prefix>.<band>". The cubes must share their grid; chunk sizes may
// differ, in which case the output is chunked like a.
func (g *Graph) JoinBands(a, b NodeID, prefixA, prefixB string) (NodeID, error) {
	da, err := g.input(a)
	if err != nil {
		return 0, err
	}
	db, err := g.input(b)
	if err != nil {
		return 0, err
	}
	if prefixA == "" {
		prefixA = DefaultPrefixA
	}
	if prefixB == "" {
		prefixB = DefaultPrefixB
	}
	if !da.Grid.Equal(db.Grid) {
		return 0, cubeerr.Wrapf(cubeerr.ErrIncompatibleCubes, "join_bands: grid %s differs from %s", da.Grid, db.Grid)
	}
	out := da
	out.Bands = make([]Band, 0, len(da.Bands)+len(db.Bands))
	for _, band := range da.Bands {
		band.Name = prefixA + "." + band.Name
		out.Bands = append(out.Bands, band)
	}
	for _, band := range db.Bands {
		band.Name = prefixB + "." + band.Name
		out.Bands = append(out.Bands, band)
	}
	if err := checkUnique(out.BandNames()); err != nil {
		return 0, err
	}
	return g.add(&JoinBandsParams{PrefixA: prefixA, PrefixB: prefixB}, out, a, b), nil
}

func (s *session) joinBands(ctx context.Context, n *Node, _ *JoinBandsParams, r chunk.Region) (*chunk.Chunk, error) {
	a, err := s.region(ctx, n.Inputs[0], r)
	if err != nil {
		return nil, err
	}
	b, err := s.region(ctx, n.Inputs[1], r)
	if err != nil {
		return nil, err
	}
	out := chunk.New(r.Shape(a.Shape.B + b.Shape.B))
	copy(out.Data, a.Data)
	copy(out.Data[len(a.Data):], b.Data)
	return out, nil
}
