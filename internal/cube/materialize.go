package cube

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/ctxlog"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/metrics"
)

// Key identifies a materialized chunk of a node.
type Key struct {
	Node  NodeID
	Coord chunk.Coord
}

// Cache memoizes materialized chunks. Cached chunks are shared and must
// not be modified.
type Cache interface {
	Get(Key) (*chunk.Chunk, bool)
	Add(Key, *chunk.Chunk)
}

// session evaluates one request, optionally through a cache.
type session struct {
	g     *Graph
	cache Cache
}

// Materialize computes one chunk of a node. The returned chunk belongs to
// the caller.
func (g *Graph) Materialize(ctx context.Context, id NodeID, c chunk.Coord) (*chunk.Chunk, error) {
	return g.MaterializeCached(ctx, nil, id, c)
}

// MaterializeCached is Materialize reusing and filling cache for every
// chunk computed along the way. cache may be nil.
func (g *Graph) MaterializeCached(ctx context.Context, cache Cache, id NodeID, c chunk.Coord) (*chunk.Chunk, error) {
	s := &session{g: g, cache: cache}
	out, err := s.chunk(ctx, id, c)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		return out.Clone(), nil
	}
	return out, nil
}

// chunk returns a chunk that may be shared with the cache; callers must
// not modify it.
func (s *session) chunk(ctx context.Context, id NodeID, c chunk.Coord) (*chunk.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := s.g.Node(id)
	if err != nil {
		return nil, err
	}
	layout := n.desc.Layout()
	if !layout.Contains(c) {
		return nil, cubeerr.Configf("chunk %s is outside node %d (%d chunks)", c, id, layout.Total())
	}
	key := Key{Node: id, Coord: c}
	if s.cache != nil {
		if hit, ok := s.cache.Get(key); ok {
			return hit, nil
		}
	}

	logger := ctxlog.FromContext(ctx).With("node", id, "kind", n.Kind(), "chunk", c.String())
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Materializing chunk.")
	start := time.Now()

	r := layout.Region(c)
	var out *chunk.Chunk
	switch p := n.Params.(type) {
	case *ImageCollectionParams:
		out, err = s.imageCollection(ctx, n, p, r)
	case *DummyParams:
		out, err = s.dummy(n, p, r)
	case *PackagedParams:
		out, err = s.packaged(ctx, p, c)
	case *SelectBandsParams:
		out, err = s.selectBands(ctx, n, p, r)
	case *ApplyPixelParams:
		out, err = s.applyPixel(ctx, n, p, r)
	case *ReduceTimeParams:
		out, err = s.reduceTime(ctx, n, p, r)
	case *ReduceSpaceParams:
		out, err = s.reduceSpace(ctx, n, p, r)
	case *WindowTimeParams:
		out, err = s.windowTime(ctx, n, p, r)
	case *JoinBandsParams:
		out, err = s.joinBands(ctx, n, p, r)
	case *FilterPredicateParams:
		out, err = s.filterPredicate(ctx, n, p, r)
	case *FillTimeParams:
		out, err = s.fillTime(ctx, n, p, r)
	case *StreamParams:
		out, err = s.stream(ctx, n, p, r, c)
	default:
		err = fmt.Errorf("cube node %d has unknown params %T", id, n.Params)
	}
	if err != nil {
		return nil, fmt.Errorf("node %d (%s) chunk %s: %w", id, n.Kind(), c, err)
	}
	if want := r.Shape(len(n.desc.Bands)); out.Shape != want {
		return nil, cubeerr.Wrapf(cubeerr.ErrShapeMismatch, "node %d (%s) produced %s, want %s", id, n.Kind(), out.Shape, want)
	}
	metrics.NodeChunkSeconds.WithLabelValues(string(n.Kind())).Observe(time.Since(start).Seconds())
	logger.Debug("Chunk materialized.", "duration", time.Since(start))

	if s.cache != nil {
		s.cache.Add(key, out)
	}
	return out, nil
}

// region assembles the cells of region r of node id from its chunks. The
// result may be a shared chunk when r is exactly one chunk.
func (s *session) region(ctx context.Context, id NodeID, r chunk.Region) (*chunk.Chunk, error) {
	n, err := s.g.Node(id)
	if err != nil {
		return nil, err
	}
	layout := n.desc.Layout()
	coords := layout.Overlapping(r)
	if len(coords) == 1 && layout.Region(coords[0]) == r {
		return s.chunk(ctx, id, coords[0])
	}
	out := chunk.New(r.Shape(len(n.desc.Bands)))
	for _, c := range coords {
		part, err := s.chunk(ctx, id, c)
		if err != nil {
			return nil, err
		}
		chunk.CopyRegion(out, r, part, layout.Region(c))
	}
	return out, nil
}

// fullT widens r to the whole temporal extent of node id.
func (s *session) fullT(id NodeID, r chunk.Region) chunk.Region {
	n, _ := s.g.Node(id)
	r.T0, r.T1 = 0, n.desc.Grid.T.N
	return r
}
