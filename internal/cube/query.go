package cube

import (
	"context"
	"math"
	"time"

	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/datetime"
	"github.com/vk/cubegrid/internal/raster"
	"github.com/vk/cubegrid/internal/view"
)

// Point is a location in space and time at which to sample a cube.
type Point struct {
	X, Y float64
	T    time.Time
}

// QueryPoints samples a cube at points given in srs. The result is
// indexed by band, then point; points outside the cube yield NaN. Each
// chunk containing points is materialized once.
func (g *Graph) QueryPoints(ctx context.Context, id NodeID, points []Point, srs string) ([][]float64, error) {
	n, err := g.Node(id)
	if err != nil {
		return nil, err
	}
	grid := n.desc.Grid
	layout := n.desc.Layout()
	out := make([][]float64, len(n.desc.Bands))
	for b := range out {
		out[b] = make([]float64, len(points))
		for i := range out[b] {
			out[b][i] = math.NaN()
		}
	}

	type cell struct{ point, t, y, x int }
	byChunk := make(map[chunk.Coord][]cell)
	var order []chunk.Coord
	for i, p := range points {
		x, y, err := g.toGrid(p, srs, grid.SRS)
		if err != nil {
			return nil, err
		}
		it, iy, ix := grid.T.Index(p.T), grid.Row(y), grid.Column(x)
		if it < 0 || iy < 0 || ix < 0 {
			continue
		}
		c := layout.Of(it, iy, ix)
		if _, seen := byChunk[c]; !seen {
			order = append(order, c)
		}
		byChunk[c] = append(byChunk[c], cell{i, it, iy, ix})
	}

	s := &session{g: g}
	for _, c := range order {
		data, err := s.chunk(ctx, id, c)
		if err != nil {
			return nil, err
		}
		r := layout.Region(c)
		for _, cl := range byChunk[c] {
			for b := range out {
				out[b][cl.point] = data.Get(b, cl.t-r.T0, cl.y-r.Y0, cl.x-r.X0)
			}
		}
	}
	return out, nil
}

func (g *Graph) toGrid(p Point, from, to string) (float64, float64, error) {
	if from == "" || raster.NormalizeSRS(from) == raster.NormalizeSRS(to) {
		return p.X, p.Y, nil
	}
	if g.env.Transformer == nil {
		return raster.TransformPoint(p.X, p.Y, from, to)
	}
	b, err := g.env.Transformer.Transform(view.Bounds{Left: p.X, Right: p.X, Bottom: p.Y, Top: p.Y}, from, to)
	if err != nil {
		return 0, 0, err
	}
	return b.Left, b.Bottom, nil
}

// DimensionValues returns the labels of every dimension of a node. A nil
// unit labels datetimes at the precision of the temporal step.
func (g *Graph) DimensionValues(id NodeID, unit *datetime.Unit) (view.DimensionValues, error) {
	d, err := g.Describe(id)
	if err != nil {
		return view.DimensionValues{}, err
	}
	return d.Grid.Values(unit), nil
}
