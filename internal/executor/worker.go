package executor

import (
	"context"
	"time"

	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/ctxlog"
	"github.com/vk/cubegrid/internal/cube"
	"github.com/vk/cubegrid/internal/metrics"
)

// worker is the processing loop of one pool worker: it takes chunk ids
// from readyChan and resolves their futures.
func (e *Executor) worker(ctx context.Context, g *cube.Graph, id cube.NodeID, layout chunk.Layout, doc []byte, memo cube.Cache, readyChan <-chan int, futures []chan result, workerID int) {
	logger := ctxlog.FromContext(ctx).With("workerID", workerID)
	logger.Debug("Worker started.")

	for cid := range readyChan {
		if ctx.Err() != nil {
			metrics.ChunksEvaluated.WithLabelValues("canceled").Inc()
			futures[cid] <- result{err: ctx.Err()}
			continue
		}
		coord := layout.Coord(cid)
		workerLogger := logger.With("chunk", cid)
		workerLogger.Debug("Worker picked up chunk.", "coord", coord.String())

		metrics.WorkersBusy.Inc()
		start := time.Now()
		var c *chunk.Chunk
		var err error
		if e.remote != nil {
			c, err = e.remote.Evaluate(ctx, doc, coord)
		} else {
			c, err = g.MaterializeCached(ctxlog.WithLogger(ctx, workerLogger), memo, id, coord)
		}
		metrics.ChunkSeconds.Observe(time.Since(start).Seconds())
		metrics.WorkersBusy.Dec()

		if err != nil {
			workerLogger.Error("Chunk evaluation failed.", "error", err)
			metrics.ChunksEvaluated.WithLabelValues("error").Inc()
			futures[cid] <- result{err: err}
			continue
		}
		metrics.ChunksEvaluated.WithLabelValues("ok").Inc()
		futures[cid] <- result{c: c}
	}
	logger.Debug("Worker finished.")
}
