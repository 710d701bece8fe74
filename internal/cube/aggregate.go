package cube

import (
	"context"
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/collection"
	"github.com/vk/cubegrid/internal/ctxlog"
	"github.com/vk/cubegrid/internal/metrics"
	"github.com/vk/cubegrid/internal/raster"
	"github.com/vk/cubegrid/internal/view"
)

// imageCollection materializes a chunk of the base cube: per time slice it
// selects the intersecting images, warps each band onto the chunk window
// and aggregates the images cell by cell.
func (s *session) imageCollection(ctx context.Context, n *Node, p *ImageCollectionParams, r chunk.Region) (*chunk.Chunk, error) {
	env := s.g.env
	if env.Reader == nil || env.Warper == nil {
		return nil, fmt.Errorf("graph has no raster reader or warper")
	}
	logger := ctxlog.FromContext(ctx)
	grid := n.desc.Grid
	out := chunk.New(r.Shape(len(n.desc.Bands)))
	window := raster.GridWindow(grid, r)
	cells := window.NX * window.NY

	query := collection.Query{Bounds: window.Bounds(), SRS: grid.SRS, Bands: append([]string(nil), p.Bands...)}
	if p.Mask != nil {
		query.Bands = append(query.Bands, p.Mask.Band)
	}

	for t := r.T0; t < r.T1; t++ {
		query.From, query.To = grid.T.Interval(t)
		images, err := p.coll.ImagesIntersecting(ctx, query)
		if err != nil {
			return nil, err
		}
		if len(images) == 0 {
			continue
		}
		// stack[b] holds one warped slice per contributing image, in datetime order
		stack := make([][][]float64, len(n.desc.Bands))
		for _, img := range images {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			slices, err := s.readImage(ctx, n, p, img, window, grid.Resampling)
			if err != nil {
				return nil, err
			}
			for b, sl := range slices {
				if sl != nil {
					stack[b] = append(stack[b], sl)
				}
			}
		}
		empty := 0
		for b, layers := range stack {
			if len(layers) == 0 {
				continue
			}
			if grid.Aggregation == view.AggNone && len(layers) > 1 {
				logger.Warn("Several images fall into one time slice without aggregation, keeping the first.", "band", n.desc.Bands[b].Name, "images", len(layers))
				metrics.FidelityWarnings.WithLabelValues("unaggregated_images").Inc()
			}
			dst := out.Band(b)
			for i := 0; i < cells; i++ {
				v := aggregate(grid.Aggregation, layers, i)
				if math.IsNaN(v) {
					empty++
				}
				dst[((t-r.T0)*window.NY)*window.NX+i] = v
			}
		}
		if empty > 0 {
			logger.Debug("Cells without valid source pixels set to no-data.", "t", t, "cells", empty)
			metrics.FidelityWarnings.WithLabelValues("no_source_pixels").Add(float64(empty))
		}
	}
	return out, nil
}

// readImage warps the selected bands of one image. Missing bands yield nil
// slices. The mask, if any, is applied to every returned slice.
func (s *session) readImage(ctx context.Context, n *Node, p *ImageCollectionParams, img collection.Image, w raster.Window, res view.Resampling) ([][]float64, error) {
	refs := make(map[string]collection.Ref, len(img.Refs))
	for _, ref := range img.Refs {
		refs[ref.Band] = ref
	}
	out := make([][]float64, len(n.desc.Bands))
	for b, band := range n.desc.Bands {
		ref, ok := refs[band.Name]
		if !ok {
			continue
		}
		sl, err := s.warp(ctx, ref, w, res)
		if err != nil {
			return nil, err
		}
		scale := band.Scale
		if scale == 0 {
			scale = 1
		}
		for i, v := range sl {
			if band.NoData != nil && v == *band.NoData {
				sl[i] = math.NaN()
				continue
			}
			sl[i] = v*scale + band.Offset
		}
		out[b] = sl
	}
	if p.Mask == nil {
		return out, nil
	}
	ref, ok := refs[p.Mask.Band]
	if !ok {
		ctxlog.FromContext(ctx).Warn("Image has no mask band, leaving it unmasked.", "image", img.Name, "mask", p.Mask.Band)
		metrics.FidelityWarnings.WithLabelValues("missing_mask").Inc()
		return out, nil
	}
	mask, err := s.warp(ctx, ref, w, view.ResNear)
	if err != nil {
		return nil, err
	}
	for _, sl := range out {
		for i := range sl {
			if p.Mask.masked(mask[i]) {
				sl[i] = math.NaN()
			}
		}
	}
	return out, nil
}

func (s *session) warp(ctx context.Context, ref collection.Ref, w raster.Window, res view.Resampling) ([]float64, error) {
	ds, err := s.g.env.Reader.Open(ctx, ref.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", ref.Descriptor, err)
	}
	defer ds.Close()
	sl, err := s.g.env.Warper.Warp(ctx, ds, ref.BandNum-1, w, res)
	if err != nil {
		return nil, fmt.Errorf("warping %s: %w", ref.Descriptor, err)
	}
	metrics.SourceImagesRead.Inc()
	return sl, nil
}

// aggregate combines the i-th cell of several image layers. Layers are in
// datetime order so first and last follow acquisition time.
func aggregate(agg view.Aggregation, layers [][]float64, i int) float64 {
	switch agg {
	case view.AggLast:
		for l := len(layers) - 1; l >= 0; l-- {
			if v := layers[l][i]; !math.IsNaN(v) {
				return v
			}
		}
		return math.NaN()
	case view.AggMin, view.AggMax, view.AggMean, view.AggMedian:
		vals := make([]float64, 0, len(layers))
		for _, l := range layers {
			if v := l[i]; !math.IsNaN(v) {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			return math.NaN()
		}
		var v float64
		switch agg {
		case view.AggMin:
			v, _ = stats.Min(vals)
		case view.AggMax:
			v, _ = stats.Max(vals)
		case view.AggMean:
			v, _ = stats.Mean(vals)
		default:
			v, _ = stats.Median(vals)
		}
		return v
	default:
		for _, l := range layers {
			if v := l[i]; !math.IsNaN(v) {
				return v
			}
		}
		return math.NaN()
	}
}
