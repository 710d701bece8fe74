package sink

import (
	"context"
	"path/filepath"

	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/ctxlog"
	"github.com/vk/cubegrid/internal/cube"
	"github.com/vk/cubegrid/internal/datetime"
	"github.com/vk/cubegrid/internal/raster"
	"golang.org/x/sync/errgroup"
)

// Slices writes one raster file per time slice, named
// <dir>/<prefix><datetime>.tif. Chunks arrive in id order, time-major, so
// a row of time chunks is complete once a chunk of the next row arrives.
type Slices struct {
	w      raster.Writer
	dir    string
	prefix string
	desc   cube.Description
	layout chunk.Layout
	opts   raster.SliceOptions
	// parallel bounds concurrent slice writes.
	parallel int

	row     int
	rowData [][][]float64 // [t][band][y*x]
	written []string
}

// NewSlices creates a time slice sink.
func NewSlices(w raster.Writer, dir, prefix string, desc cube.Description, opts raster.SliceOptions, parallel int) (*Slices, error) {
	if opts.Packing != nil {
		if err := opts.Packing.Validate(len(desc.Bands)); err != nil {
			return nil, err
		}
	}
	if parallel <= 0 {
		parallel = 1
	}
	return &Slices{w: w, dir: dir, prefix: prefix, desc: desc, layout: desc.Layout(), opts: opts, parallel: parallel, row: -1}, nil
}

// WriteChunk implements executor.Sink.
func (s *Slices) WriteChunk(ctx context.Context, id int, c *chunk.Chunk) error {
	coord := s.layout.Coord(id)
	if coord.T != s.row {
		if err := s.flush(ctx); err != nil {
			return err
		}
		s.start(coord.T)
	}
	r := s.layout.Region(coord)
	nx := s.desc.Grid.X.N
	for t := r.T0; t < r.T1; t++ {
		for b := 0; b < c.Shape.B; b++ {
			dst := s.rowData[t-r.T0][b]
			for y := r.Y0; y < r.Y1; y++ {
				for x := r.X0; x < r.X1; x++ {
					dst[y*nx+x] = c.Get(b, t-r.T0, y-r.Y0, x-r.X0)
				}
			}
		}
	}
	return nil
}

func (s *Slices) start(row int) {
	s.row = row
	r := s.layout.Region(chunk.Coord{T: row})
	_, ny, nx := s.desc.Grid.Size()
	s.rowData = make([][][]float64, r.T1-r.T0)
	for t := range s.rowData {
		s.rowData[t] = make([][]float64, len(s.desc.Bands))
		for b := range s.rowData[t] {
			buf := make([]float64, ny*nx)
			for i := range buf {
				buf[i] = chunk.NoData
			}
			s.rowData[t][b] = buf
		}
	}
}

// flush writes the slices of the current row.
func (s *Slices) flush(ctx context.Context) error {
	if s.row < 0 {
		return nil
	}
	grid := s.desc.Grid
	_, ny, nx := grid.Size()
	window := raster.GridWindow(grid, chunk.Region{Y1: ny, X1: nx})
	names := s.desc.BandNames()
	t0 := s.layout.Region(chunk.Coord{T: s.row}).T0

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.parallel)
	paths := make([]string, len(s.rowData))
	for i, data := range s.rowData {
		start, _ := grid.T.Interval(t0 + i)
		paths[i] = filepath.Join(s.dir, s.prefix+datetime.Format(start, grid.T.DT.Unit)+".tif")
		path, data := paths[i], data
		eg.Go(func() error {
			ctxlog.FromContext(ctx).Debug("Writing time slice.", "path", path)
			return s.w.WriteSlice(ctx, path, window, names, data, s.opts)
		})
	}
	s.row, s.rowData = -1, nil
	if err := eg.Wait(); err != nil {
		return err
	}
	s.written = append(s.written, paths...)
	return nil
}

// Close writes the pending slices.
func (s *Slices) Close() error { return s.flush(context.Background()) }

// Abort drops pending slices. Files already written are kept.
func (s *Slices) Abort() { s.row, s.rowData = -1, nil }

// Files lists the written files in time order.
func (s *Slices) Files() []string { return append([]string(nil), s.written...) }
