package integration_tests

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/executor"
	"github.com/vk/cubegrid/internal/pipeline"
	"go.uber.org/goleak"
)

const parityHCL = `
view "v" {
  srs    = "EPSG:3857"
  left   = 0
  right  = 8
  bottom = 0
  top    = 8
  nx     = 8
  ny     = 8
  t0     = "2020-01-01"
  t1     = "2020-01-06"
  dt     = "P1D"
}

cube "d" "dummy" {
  view       = view.v
  bands      = ["a"]
  value      = 1
  chunk_size = [2, 3, 3]
}

cube "pos" "apply_pixel" {
  input = cube.d
  expr  = ["a * x + y * t / 86400"]
  names = ["v"]
}

cube "smooth" "window_time" {
  input    = cube.pos
  before   = 1
  after    = 1
  boundary = "partial"
  reducer "mean" {
    band = "v"
  }
}
`

type collectSink struct {
	mu     sync.Mutex
	chunks map[int]*chunk.Chunk
}

func (s *collectSink) WriteChunk(_ context.Context, id int, c *chunk.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[id] = c
	return nil
}

// Test for: the result of a pipeline does not depend on the number of
// workers evaluating its chunks, and the pool leaves no goroutines behind.
func TestDagConcurrency_WorkerCountParity(t *testing.T) {
	defer goleak.VerifyNone(t)

	// --- Arrange ---
	ctx := context.Background()
	p, err := pipeline.Compile(ctx, "parity.hcl", []byte(parityHCL), pipeline.Env{})
	require.NoError(t, err)
	defer p.Close()

	results := make(map[int]map[int][]float64)
	for _, workers := range []int{1, 4} {
		// --- Act ---
		s := &collectSink{chunks: make(map[int]*chunk.Chunk)}
		ex := executor.New(executor.Options{Workers: workers, MemoSize: 32})
		require.NoError(t, ex.EvaluateAll(ctx, p.Graph, p.Cubes["smooth"], s))

		data := make(map[int][]float64, len(s.chunks))
		for id, c := range s.chunks {
			data[id] = c.Data
		}
		results[workers] = data
	}

	// --- Assert ---
	require.Len(t, results[1], 3*3*3, "6 days in chunks of 2, 8 cells in chunks of 3")
	if diff := cmp.Diff(results[1], results[4], cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("results differ between 1 and 4 workers (-1 +4):\n%s", diff)
	}
}
