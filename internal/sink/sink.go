// Package sink writes evaluated cubes: a packaged single-file cube that can
// be reopened as a leaf, or one raster file per time slice.
package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/ctxlog"
	"github.com/vk/cubegrid/internal/cube"
	"github.com/vk/cubegrid/internal/cubefile"
	"github.com/vk/cubegrid/internal/executor"
	"github.com/vk/cubegrid/internal/raster"
)

// Sink is an executor sink that must be closed to finish its output, or
// aborted to discard it.
type Sink interface {
	executor.Sink
	Close() error
	Abort()
}

// PackOptions configure a packaged cube file.
type PackOptions struct {
	Packing     *raster.Packing
	Compression string
	// Level is the zstd level (1-22); zero picks the default.
	Level int
}

// Packaged writes a packaged cube file. Data goes to a temporary file that
// replaces path on Close.
type Packaged struct {
	path string
	tmp  *os.File
	w    *cubefile.Writer
}

// NewPackaged starts a packaged cube file for a cube described by desc.
func NewPackaged(path string, desc cube.Description, opts PackOptions) (*Packaged, error) {
	h := cubefile.Header{
		Grid:        desc.Grid,
		ChunkSize:   desc.ChunkSize,
		Packing:     opts.Packing,
		Compression: opts.Compression,
		Level:       opts.Level,
	}
	for _, b := range desc.Bands {
		meta := cubefile.BandMeta{Name: b.Name, Type: b.Type, Offset: b.Offset, Scale: b.Scale, Unit: b.Unit, NoData: b.NoData}
		if opts.Packing != nil {
			meta.Type = opts.Packing.Type
		}
		h.Bands = append(h.Bands, meta)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}
	w, err := cubefile.NewWriter(tmp, h)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	return &Packaged{path: path, tmp: tmp, w: w}, nil
}

// WriteChunk implements executor.Sink.
func (p *Packaged) WriteChunk(_ context.Context, id int, c *chunk.Chunk) error {
	return p.w.WriteChunk(id, c)
}

// Close finishes the archive and moves it into place.
func (p *Packaged) Close() error {
	if err := p.w.Close(); err != nil {
		p.Abort()
		return err
	}
	if err := p.tmp.Close(); err != nil {
		os.Remove(p.tmp.Name())
		return err
	}
	return os.Rename(p.tmp.Name(), p.path)
}

// Abort discards the partial output.
func (p *Packaged) Abort() {
	p.w.Close()
	p.tmp.Close()
	os.Remove(p.tmp.Name())
}

// OpenPackaged adds a packaged cube file to g as a leaf node.
func OpenPackaged(g *cube.Graph, path string) (cube.NodeID, error) {
	return g.Packaged(path)
}

// Write evaluates node id of g with ex into s. Failed chunks are left out
// and the output is still finished: packaged cubes read them back as
// no-data and slice files keep no-data where they would be. The
// *executor.ChunkErrors is returned all the same. Sink errors, cancellation
// and fail-fast evaluations abort s instead.
func Write(ctx context.Context, ex *executor.Executor, g *cube.Graph, id cube.NodeID, s Sink) error {
	logger := ctxlog.FromContext(ctx)
	err := ex.EvaluateAll(ctx, g, id, s)
	if err == nil {
		return s.Close()
	}
	var failed *executor.ChunkErrors
	if errors.As(err, &failed) && ctx.Err() == nil && !ex.FailFast() {
		logger.Error("Export finished with failed chunks left as no-data.", "failed", len(failed.Errors), "total", failed.Total, "error", err)
		if cerr := s.Close(); cerr != nil {
			return errors.Join(err, cerr)
		}
		return err
	}
	logger.Error("Export failed, discarding output.", "error", err)
	s.Abort()
	return err
}
