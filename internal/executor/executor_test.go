package executor

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/cube"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/raster"
	"github.com/vk/cubegrid/internal/testutil"
	"go.uber.org/goleak"
)

// collectSink records written chunks and their order.
type collectSink struct {
	mu     sync.Mutex
	order  []int
	chunks map[int]*chunk.Chunk
	failAt int
}

func newCollectSink() *collectSink { return &collectSink{chunks: map[int]*chunk.Chunk{}, failAt: -1} }

func (s *collectSink) WriteChunk(_ context.Context, id int, c *chunk.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.failAt {
		return errors.New("disk full")
	}
	s.order = append(s.order, id)
	s.chunks[id] = c
	return nil
}

// dummyGraph is a 4 x 6 x 6 cube in 2 x 2 x 2 chunks (27 chunks) whose
// values depend on the cell position.
func dummyGraph(t *testing.T) (*cube.Graph, cube.NodeID) {
	t.Helper()
	g := cube.NewGraph(cube.Env{})
	in, err := g.Dummy(testutil.Grid(4, 6, 6), []string{"a"}, 2, chunk.Size{T: 2, Y: 2, X: 2})
	require.NoError(t, err)
	pos, err := g.ApplyPixel(in, []string{"a * x + y"}, []string{"v"}, false)
	require.NoError(t, err)
	return g, pos
}

func TestEvaluateAll_OrderedAndComplete(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Arrange
	g, id := dummyGraph(t)
	sink := newCollectSink()

	// Act
	err := New(Options{Workers: 4}).EvaluateAll(context.Background(), g, id, sink)

	// Assert
	require.NoError(t, err)
	require.Len(t, sink.order, 27)
	for i, cid := range sink.order {
		assert.Equal(t, i, cid, "chunks are written in id order")
	}
	last := sink.chunks[26]
	assert.Equal(t, 2*5.5+0.5, last.Get(0, 1, 1, 1))
}

func TestEvaluateAll_WorkerCountDoesNotChangeValues(t *testing.T) {
	ctx := context.Background()
	m := raster.NewMem()
	var files []string
	for day := 0; day < 5; day++ {
		d := day
		files = append(files, testutil.Scene(m, "s", day, 5, 5, func(band string, y, x int) float64 {
			if (x+y+d)%4 == 0 {
				return math.NaN()
			}
			return float64(d*100 + y*5 + x)
		})...)
	}
	c := testutil.Collection(t, m, files)
	g := cube.NewGraph(cube.Env{Reader: m, Warper: m, Transformer: m})
	base, err := g.ImageCollectionGrid(c, testutil.Grid(5, 5, 5), cube.ImageCollectionOptions{ChunkSize: chunk.Size{T: 2, Y: 2, X: 3}})
	require.NoError(t, err)
	ratio, err := g.ApplyPixel(base, []string{"(nir - red) / (nir + red + 1)"}, []string{"r"}, true)
	require.NoError(t, err)
	filled, err := g.FillTime(ratio, cube.FillLinear)
	require.NoError(t, err)
	root, err := g.WindowTime(filled, cube.WindowSpec{Before: 1, After: 1, Reducers: []cube.ReducerBand{{Reducer: "mean", Band: "red"}, {Reducer: "sd", Band: "r"}}})
	require.NoError(t, err)

	one := newCollectSink()
	require.NoError(t, New(Options{Workers: 1}).EvaluateAll(ctx, g, root, one))
	many := newCollectSink()
	require.NoError(t, New(Options{Workers: 8, MemoSize: 64}).EvaluateAll(ctx, g, root, many))

	require.Equal(t, len(one.chunks), len(many.chunks))
	for cid, want := range one.chunks {
		assert.True(t, want.Equal(many.chunks[cid]), "chunk %d differs", cid)
	}
}

func TestEvaluateAll_FailedChunksAreReportedAndSkipped(t *testing.T) {
	g := cube.NewGraph(cube.Env{})
	in, err := g.Dummy(testutil.Grid(3, 2, 2), []string{"a"}, 1, chunk.Size{T: 1, Y: 2, X: 2})
	require.NoError(t, err)
	id, err := g.Stream(in, cube.StreamSpec{Mode: cube.StreamCube, Command: `test "$CUBEGRID_CHUNK_COORD" != 1,0,0 && cat`})
	require.NoError(t, err)
	sink := newCollectSink()

	err = New(Options{Workers: 2}).EvaluateAll(context.Background(), g, id, sink)

	var ce *ChunkErrors
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce.Errors, 1)
	assert.Equal(t, 1, ce.Errors[0].ID)
	assert.Equal(t, chunk.Coord{T: 1}, ce.Errors[0].Coord)
	assert.Equal(t, 3, ce.Total)
	assert.ErrorIs(t, err, cubeerr.ErrExternalProcess)
	assert.Equal(t, []int{0, 2}, sink.order)
}

func TestEvaluateAll_Cancellation(t *testing.T) {
	defer goleak.VerifyNone(t)
	g, id := dummyGraph(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := newCollectSink()

	err := New(Options{Workers: 3}).EvaluateAll(ctx, g, id, sink)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sink.order)
}

func TestEvaluateAll_SinkErrorStopsEvaluation(t *testing.T) {
	defer goleak.VerifyNone(t)
	g, id := dummyGraph(t)
	sink := newCollectSink()
	sink.failAt = 3

	err := New(Options{Workers: 3}).EvaluateAll(context.Background(), g, id, sink)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, []int{0, 1, 2}, sink.order)
}

// loopback evaluates serialized subgraphs in-process, the way a swarm
// worker does.
type loopback struct {
	env   cube.Env
	calls int
	mu    sync.Mutex
}

func (l *loopback) Evaluate(ctx context.Context, doc []byte, c chunk.Coord) (*chunk.Chunk, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	g, root, err := cube.FromJSON(ctx, l.env, doc)
	if err != nil {
		return nil, err
	}
	defer g.Close()
	return g.Materialize(ctx, root, c)
}

func TestEvaluate_Remote(t *testing.T) {
	ctx := context.Background()
	g, id := dummyGraph(t)
	remote := &loopback{}
	e := New(Options{Workers: 2, Remote: remote})

	got, err := e.Evaluate(ctx, g, id, chunk.Coord{T: 1, Y: 2, X: 2})
	require.NoError(t, err)
	want, err := New(Options{MemoSize: 8}).Evaluate(ctx, g, id, chunk.Coord{T: 1, Y: 2, X: 2})
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	sink := newCollectSink()
	require.NoError(t, e.EvaluateAll(ctx, g, id, sink))
	assert.Len(t, sink.order, 27)
	assert.Equal(t, 28, remote.calls)
}

func TestMemo(t *testing.T) {
	m, err := NewMemo(2)
	require.NoError(t, err)
	k := func(i int) cube.Key { return cube.Key{Node: cube.NodeID(i)} }
	m.Add(k(1), chunk.New(chunk.Shape{B: 1, T: 1, Y: 1, X: 1}))
	m.Add(k(2), chunk.New(chunk.Shape{B: 1, T: 1, Y: 1, X: 1}))
	m.Add(k(3), chunk.New(chunk.Shape{B: 1, T: 1, Y: 1, X: 1}))

	_, ok := m.Get(k(1))
	assert.False(t, ok, "least recently used chunk is evicted")
	_, ok = m.Get(k(3))
	assert.True(t, ok)
	assert.Equal(t, 2, m.Len())

	_, err = NewMemo(0)
	assert.Error(t, err)
}

func TestChunkErrors_Message(t *testing.T) {
	err := &ChunkErrors{Total: 9, Errors: []ChunkError{
		{ID: 2, Err: cubeerr.ErrIO},
		{ID: 7, Err: errors.New("other")},
	}}
	assert.Equal(t, "2 of 9 chunks failed (2, 7): io error", err.Error())
	assert.ErrorIs(t, err, cubeerr.ErrIO)
}
