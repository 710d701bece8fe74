// Package metrics holds the prometheus collectors of the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cubegrid"

const (
	LabelKind   = "kind"
	LabelResult = "result"
	LabelReason = "reason"
	LabelPeer   = "peer"
)

// Chunk executor metrics
var (
	// ChunksEvaluated counts top-level chunk evaluations by result (ok, error, canceled).
	ChunksEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "chunks_total",
		Help:      "Total number of chunks evaluated by the executor",
	}, []string{LabelResult})

	// ChunkSeconds observes the wall time of top-level chunk evaluations.
	ChunkSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "chunk_seconds",
		Help:      "Wall time of chunk evaluations",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	// WorkersBusy is the number of workers currently evaluating a chunk.
	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "workers_busy",
		Help:      "Number of executor workers evaluating a chunk",
	})

	// MemoHits counts chunks served from the per-session memo.
	MemoHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "memo_hits_total",
		Help:      "Total number of chunks served from the memo",
	})
)

// Cube graph metrics
var (
	// NodeChunkSeconds observes per-node materialization time by operator kind.
	NodeChunkSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "cube",
		Name:      "node_chunk_seconds",
		Help:      "Time to materialize one chunk of a node, by operator kind",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{LabelKind})

	// SourceImagesRead counts source image band warps.
	SourceImagesRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cube",
		Name:      "source_images_read_total",
		Help:      "Total number of source image bands read and warped",
	})

	// FidelityWarnings counts recoverable data fidelity problems by reason.
	FidelityWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cube",
		Name:      "fidelity_warnings_total",
		Help:      "Total number of data fidelity warnings, cells were set to no-data",
	}, []string{LabelReason})
)

// Swarm metrics
var (
	// RemoteChunks counts chunks dispatched to remote workers by peer and result.
	RemoteChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "swarm",
		Name:      "remote_chunks_total",
		Help:      "Total number of chunks evaluated by remote workers",
	}, []string{LabelPeer, LabelResult})

	// ServedChunks counts chunk tasks served by this worker.
	ServedChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "swarm",
		Name:      "served_chunks_total",
		Help:      "Total number of chunk tasks served by this worker",
	}, []string{LabelResult})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
