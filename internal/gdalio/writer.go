package gdalio

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/airbusgeo/godal"
	"github.com/vk/cubegrid/internal/ctxlog"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/raster"
	"github.com/vk/cubegrid/internal/view"
)

var dataTypes = map[string]godal.DataType{
	"uint8":   godal.Byte,
	"uint16":  godal.UInt16,
	"int16":   godal.Int16,
	"uint32":  godal.UInt32,
	"int32":   godal.Int32,
	"float32": godal.Float32,
	"float64": godal.Float64,
}

var overviewResampling = map[view.Resampling]godal.ResamplingAlg{
	view.ResNear:     godal.Nearest,
	view.ResBilinear: godal.Bilinear,
	view.ResCubic:    godal.Cubic,
	view.ResAverage:  godal.Average,
	view.ResMode:     godal.Mode,
}

// defaultOverviewLevels returns power of two factors until the smaller side
// of the raster drops below 256 pixels.
func defaultOverviewLevels(nx, ny int) []int {
	var levels []int
	for f := 2; min(nx, ny)/f >= 256 || len(levels) == 0; f *= 2 {
		levels = append(levels, f)
		if f >= 1<<12 {
			break
		}
	}
	return levels
}

// WriteSlice implements raster.Writer. With COG set the raster is built in
// memory and translated, otherwise it is created directly with the driver
// (GTiff by default).
func (b *Backend) WriteSlice(ctx context.Context, path string, w raster.Window, bands []string, data [][]float64, opts raster.SliceOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(bands) != len(data) || len(bands) == 0 {
		return cubeerr.Wrapf(cubeerr.ErrShapeMismatch, "%d band names for %d buffers", len(bands), len(data))
	}
	dtype := godal.Float64
	if opts.Packing != nil {
		if err := opts.Packing.Validate(len(bands)); err != nil {
			return err
		}
		dtype = dataTypes[opts.Packing.Type]
	}
	driver := opts.Driver
	if driver == "" {
		driver = "GTiff"
	}

	name, createDriver, createOpts := path, driver, opts.CreationOptions
	if opts.COG {
		name, createDriver, createOpts = "", "MEM", nil
	}
	var copts []godal.DatasetCreateOption
	if len(createOpts) > 0 {
		copts = append(copts, godal.CreationOption(createOpts...))
	}
	ds, err := godal.Create(godal.DriverName(createDriver), name, len(bands), dtype, w.NX, w.NY, copts...)
	if err != nil {
		return cubeerr.Wrapf(cubeerr.ErrIO, "creating %q with %s: %v", path, createDriver, err)
	}
	closed := false
	defer func() {
		if !closed {
			_ = ds.Close()
		}
	}()

	if err := fill(ds, w, bands, data, opts.Packing); err != nil {
		return cubeerr.Wrapf(cubeerr.ErrIO, "writing %q: %v", path, err)
	}
	if opts.Overviews {
		levels := opts.OverviewLevels
		if len(levels) == 0 {
			levels = defaultOverviewLevels(w.NX, w.NY)
		}
		alg, ok := overviewResampling[opts.OverviewResampling]
		if !ok {
			alg = godal.Nearest
		}
		if err := ds.BuildOverviews(godal.Levels(levels...), godal.Resampling(alg)); err != nil {
			return cubeerr.Wrapf(cubeerr.ErrIO, "building overviews of %q: %v", path, err)
		}
	}

	if opts.COG {
		sw := []string{"-of", "COG"}
		for _, co := range opts.CreationOptions {
			sw = append(sw, "-co", co)
		}
		out, err := ds.Translate(path, sw)
		if err != nil {
			return cubeerr.Wrapf(cubeerr.ErrIO, "writing COG %q: %v", path, err)
		}
		if err := out.Close(); err != nil {
			return cubeerr.Wrapf(cubeerr.ErrIO, "closing %q: %v", path, err)
		}
	}
	closed = true
	if err := ds.Close(); err != nil {
		return cubeerr.Wrapf(cubeerr.ErrIO, "closing %q: %v", path, err)
	}
	ctxlog.FromContext(ctx).Debug("Wrote raster slice.", "path", path, "bands", len(bands), "cog", opts.COG)
	return nil
}

func fill(ds *godal.Dataset, w raster.Window, bands []string, data [][]float64, p *raster.Packing) error {
	if err := ds.SetGeoTransform([6]float64{w.Left, w.DX, 0, w.Top, 0, -w.DY}); err != nil {
		return err
	}
	if w.SRS != "" {
		sr, err := spatialRef(w.SRS)
		if err != nil {
			return err
		}
		defer sr.Close()
		if err := ds.SetSpatialRef(sr); err != nil {
			return err
		}
	}
	if err := ds.SetMetadata("BAND_NAMES", strings.Join(bands, ",")); err != nil {
		return err
	}
	for i, band := range ds.Bands() {
		buf := data[i]
		if len(buf) != w.NX*w.NY {
			return cubeerr.Wrapf(cubeerr.ErrShapeMismatch, "band %s has %d samples, want %d", bands[i], len(buf), w.NX*w.NY)
		}
		nodata := math.NaN()
		if p != nil {
			packed := make([]float64, len(buf))
			for j, v := range buf {
				packed[j] = p.Pack(v, i)
			}
			buf = packed
			var scale, offset float64
			scale, offset, nodata = p.Params(i)
			if err := ds.SetMetadata("SCALE_"+strconv.Itoa(i+1), ftoa(scale)); err != nil {
				return err
			}
			if err := ds.SetMetadata("OFFSET_"+strconv.Itoa(i+1), ftoa(offset)); err != nil {
				return err
			}
		}
		if err := band.SetNoData(nodata); err != nil {
			return err
		}
		if err := band.Write(0, 0, buf, w.NX, w.NY); err != nil {
			return err
		}
	}
	return nil
}
