// Package executor materializes cube chunks on a bounded worker pool and
// feeds them to sinks in chunk order.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/ctxlog"
	"github.com/vk/cubegrid/internal/cube"
)

// Sink receives the chunks of a full-cube evaluation. WriteChunk is called
// from a single goroutine in ascending chunk id order; failed chunks are
// skipped.
type Sink interface {
	WriteChunk(ctx context.Context, id int, c *chunk.Chunk) error
}

// Remote evaluates chunks elsewhere. graph is a serialized subgraph as
// produced by cube.Graph.MarshalSubgraph.
type Remote interface {
	Evaluate(ctx context.Context, graph []byte, c chunk.Coord) (*chunk.Chunk, error)
}

// Options configure an Executor.
type Options struct {
	// Workers is the pool size; zero means one per CPU.
	Workers int
	// MemoSize bounds the per-evaluation chunk memo; zero disables it.
	MemoSize int
	// Remote, when set, receives every chunk task instead of the local
	// graph.
	Remote Remote
	// FailFast stops scheduling new chunks after the first failure.
	FailFast bool
}

// Executor evaluates chunks of cube graphs.
type Executor struct {
	numWorkers int
	memoSize   int
	remote     Remote
	failFast   bool
}

// New creates an executor.
func New(opts Options) *Executor {
	n := opts.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return &Executor{numWorkers: n, memoSize: opts.MemoSize, remote: opts.Remote, failFast: opts.FailFast}
}

// Workers returns the pool size.
func (e *Executor) Workers() int { return e.numWorkers }

// FailFast reports whether evaluation stops at the first failed chunk.
func (e *Executor) FailFast() bool { return e.failFast }

// ChunkError is the failure of one chunk.
type ChunkError struct {
	ID    int
	Coord chunk.Coord
	Err   error
}

func (e ChunkError) Error() string { return fmt.Sprintf("chunk %d %s: %v", e.ID, e.Coord, e.Err) }
func (e ChunkError) Unwrap() error { return e.Err }

// ChunkErrors collects the failed chunks of an evaluation in chunk order.
type ChunkErrors struct {
	Total  int
	Errors []ChunkError
}

func (e *ChunkErrors) Error() string {
	ids := make([]string, 0, len(e.Errors))
	for i, ce := range e.Errors {
		if i == 5 {
			ids = append(ids, "...")
			break
		}
		ids = append(ids, fmt.Sprint(ce.ID))
	}
	return fmt.Sprintf("%d of %d chunks failed (%s): %v", len(e.Errors), e.Total, strings.Join(ids, ", "), e.Errors[0].Err)
}

// Unwrap exposes every chunk failure to errors.Is and errors.As.
func (e *ChunkErrors) Unwrap() []error {
	out := make([]error, len(e.Errors))
	for i, ce := range e.Errors {
		out[i] = ce
	}
	return out
}

// Evaluate materializes one chunk.
func (e *Executor) Evaluate(ctx context.Context, g *cube.Graph, id cube.NodeID, c chunk.Coord) (*chunk.Chunk, error) {
	if e.remote != nil {
		doc, err := g.MarshalSubgraph(id)
		if err != nil {
			return nil, err
		}
		return e.remote.Evaluate(ctx, doc, c)
	}
	return g.MaterializeCached(ctx, e.newMemo(), id, c)
}

func (e *Executor) newMemo() cube.Cache {
	if e.memoSize <= 0 {
		return nil
	}
	m, err := NewMemo(e.memoSize)
	if err != nil {
		return nil
	}
	return m
}

type result struct {
	c   *chunk.Chunk
	err error
}

// EvaluateAll materializes every chunk of a node on the worker pool and
// writes them to sink in chunk id order. Computation is unordered; the
// write of a chunk waits only for that chunk. Canceling ctx stops
// scheduling, lets running chunks finish and returns the context error.
func (e *Executor) EvaluateAll(ctx context.Context, g *cube.Graph, id cube.NodeID, sink Sink) error {
	logger := ctxlog.FromContext(ctx)
	desc, err := g.Describe(id)
	if err != nil {
		return err
	}
	layout := desc.Layout()
	total := layout.Total()

	var doc []byte
	if e.remote != nil {
		if doc, err = g.MarshalSubgraph(id); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	futures := make([]chan result, total)
	for i := range futures {
		futures[i] = make(chan result, 1)
	}
	readyChan := make(chan int)
	memo := e.newMemo()

	logger.Info("▶️ Evaluating cube.", "node", id, "chunks", total, "workers", e.numWorkers, "remote", e.remote != nil)
	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(e.numWorkers)
	for i := 0; i < e.numWorkers; i++ {
		go func(workerID int) {
			defer wg.Done()
			e.worker(runCtx, g, id, layout, doc, memo, readyChan, futures, workerID)
		}(i)
	}

	// Enqueue in chunk order; after cancellation the remaining futures
	// resolve to the context error so the writer never blocks.
	go func() {
		defer close(readyChan)
		for cid := 0; cid < total; cid++ {
			select {
			case readyChan <- cid:
			case <-runCtx.Done():
				for rest := cid; rest < total; rest++ {
					futures[rest] <- result{err: runCtx.Err()}
				}
				return
			}
		}
	}()

	failed := &ChunkErrors{Total: total}
	var sinkErr error
	for cid := 0; cid < total; cid++ {
		r := <-futures[cid]
		if r.err != nil {
			// chunks dropped by our own cancellation are not failures
			if runCtx.Err() == nil || !errors.Is(r.err, runCtx.Err()) {
				failed.Errors = append(failed.Errors, ChunkError{ID: cid, Coord: layout.Coord(cid), Err: r.err})
			}
			if e.failFast {
				cancel()
			}
			continue
		}
		if sinkErr != nil {
			continue
		}
		if err := sink.WriteChunk(runCtx, cid, r.c); err != nil {
			logger.Error("Writing chunk failed, stopping evaluation.", "chunk", cid, "error", err)
			sinkErr = fmt.Errorf("writing chunk %d: %w", cid, err)
			cancel()
		}
	}
	wg.Wait()

	logger.Info("✅ Cube evaluation finished.", "node", id, "chunks", total, "failed", len(failed.Errors), "duration", time.Since(start))
	switch {
	case sinkErr != nil:
		return sinkErr
	case len(failed.Errors) > 0:
		return failed
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return nil
}
