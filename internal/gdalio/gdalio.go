// Package gdalio implements the raster capabilities on top of GDAL through
// godal. GDAL handles are not reentrant, so every opened dataset is shared
// through a reference counted pool and guarded by its own mutex.
package gdalio

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"github.com/airbusgeo/godal"
	"github.com/vk/cubegrid/internal/ctxlog"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/raster"
	"github.com/vk/cubegrid/internal/view"
)

var registerOnce sync.Once

// knownDrivers are probed by Drivers; GDAL has no stable enumeration API in
// godal.
var knownDrivers = []string{
	"GTiff", "COG", "VRT", "MEM", "JP2OpenJPEG", "netCDF", "HDF5", "HDF4",
	"SENTINEL2", "SAFE", "PNG", "JPEG", "GPKG", "ENVI", "HFA", "Zarr",
}

// Backend is the GDAL implementation of raster.Backend.
type Backend struct {
	mu      sync.Mutex
	handles map[string]*handle
}

var _ raster.Backend = (*Backend)(nil)

// New registers all GDAL drivers (once per process) and returns a backend.
func New() *Backend {
	registerOnce.Do(godal.RegisterAll)
	return &Backend{handles: make(map[string]*handle)}
}

// handle is a pooled dataset. refs counts open Dataset values pointing at it.
type handle struct {
	mu         sync.Mutex
	descriptor string
	ds         *godal.Dataset
	info       raster.Info
	refs       int
}

type dataset struct {
	b *Backend
	h *handle
}

func (d *dataset) Info() raster.Info { return d.h.info }

func (d *dataset) Close() error {
	return d.b.release(d.h)
}

// Open implements raster.Reader. Opening an already open descriptor shares
// the existing handle.
func (b *Backend) Open(ctx context.Context, descriptor string) (raster.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.handles[descriptor]; ok {
		h.refs++
		return &dataset{b: b, h: h}, nil
	}
	ds, err := godal.Open(descriptor, godal.RasterOnly())
	if err != nil {
		return nil, cubeerr.Wrapf(cubeerr.ErrIO, "cannot open %q: %v", descriptor, err)
	}
	info, err := describe(ds)
	if err != nil {
		_ = ds.Close()
		return nil, cubeerr.Wrapf(cubeerr.ErrIO, "reading metadata of %q: %v", descriptor, err)
	}
	h := &handle{descriptor: descriptor, ds: ds, info: info, refs: 1}
	b.handles[descriptor] = h
	ctxlog.FromContext(ctx).Debug("Opened GDAL dataset.", "descriptor", descriptor, "bands", info.Bands)
	return &dataset{b: b, h: h}, nil
}

func (b *Backend) release(h *handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h.refs--
	if h.refs > 0 {
		return nil
	}
	delete(b.handles, h.descriptor)
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ds.Close(); err != nil {
		return cubeerr.Wrapf(cubeerr.ErrIO, "closing %q: %v", h.descriptor, err)
	}
	return nil
}

func describe(ds *godal.Dataset) (raster.Info, error) {
	st := ds.Structure()
	gt, err := ds.GeoTransform()
	if err != nil {
		return raster.Info{}, err
	}
	info := raster.Info{
		Width:        st.SizeX,
		Height:       st.SizeY,
		Bands:        st.NBands,
		GeoTransform: gt,
		SRS:          ds.Projection(),
	}
	for _, band := range ds.Bands() {
		nd, ok := band.NoData()
		if !ok {
			nd = math.NaN()
		}
		info.NoData = append(info.NoData, nd)
	}
	return info, nil
}

// Drivers implements raster.Reader.
func (b *Backend) Drivers() []string {
	var out []string
	for _, name := range knownDrivers {
		if _, ok := godal.RasterDriver(godal.DriverName(name)); ok {
			out = append(out, name)
		}
	}
	return out
}

// Version implements raster.Reader.
func (b *Backend) Version() string {
	v := "unknown"
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range bi.Deps {
			if dep.Path == "github.com/airbusgeo/godal" {
				v = dep.Version
			}
		}
	}
	return "GDAL (godal " + v + ")"
}

// Warp implements raster.Warper with an in-memory gdalwarp.
func (b *Backend) Warp(ctx context.Context, ds raster.Dataset, band int, target raster.Window, resampling view.Resampling) ([]float64, error) {
	d, ok := ds.(*dataset)
	if !ok {
		return nil, fmt.Errorf("gdal warper cannot read a %T", ds)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := d.h
	if band < 0 || band >= h.info.Bands {
		return nil, cubeerr.Wrapf(cubeerr.ErrIO, "band %d out of range (%d bands) in %q", band+1, h.info.Bands, h.descriptor)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	sw, err := warpSwitches(target, resampling, h.info.NoData[band])
	if err != nil {
		return nil, err
	}
	warped, err := h.ds.Warp("", sw)
	if err != nil {
		return nil, cubeerr.Wrapf(cubeerr.ErrIO, "warping %q: %v", h.descriptor, err)
	}
	defer warped.Close()

	out := make([]float64, target.NX*target.NY)
	if err := warped.Bands()[band].Read(0, 0, out, target.NX, target.NY); err != nil {
		return nil, cubeerr.Wrapf(cubeerr.ErrIO, "reading warped band %d of %q: %v", band+1, h.descriptor, err)
	}
	return out, nil
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// warpSwitches builds the gdalwarp arguments resampling a dataset onto
// target as an in-memory Float64 raster with NaN as no-data.
func warpSwitches(target raster.Window, resampling view.Resampling, srcNoData float64) ([]string, error) {
	if target.NX <= 0 || target.NY <= 0 {
		return nil, cubeerr.Configf("empty warp target %dx%d", target.NX, target.NY)
	}
	if resampling == "" {
		resampling = view.ResNear
	}
	b := target.Bounds()
	sw := []string{
		"-of", "MEM",
		"-ot", "Float64",
		"-t_srs", raster.NormalizeSRS(target.SRS),
		"-te", ftoa(b.Left), ftoa(b.Bottom), ftoa(b.Right), ftoa(b.Top),
		"-ts", strconv.Itoa(target.NX), strconv.Itoa(target.NY),
		"-r", string(resampling),
	}
	if !math.IsNaN(srcNoData) {
		sw = append(sw, "-srcnodata", ftoa(srcNoData))
	}
	return append(sw, "-dstnodata", "nan"), nil
}

// Transform implements raster.Transformer. Conversions the pure-Go helpers
// know are done without GDAL.
func (b *Backend) Transform(bounds view.Bounds, from, to string) (view.Bounds, error) {
	if out, err := raster.TransformBounds(bounds, from, to); err == nil {
		return out, nil
	}
	src, err := spatialRef(from)
	if err != nil {
		return view.Bounds{}, err
	}
	defer src.Close()
	dst, err := spatialRef(to)
	if err != nil {
		return view.Bounds{}, err
	}
	defer dst.Close()
	trn, err := godal.NewTransform(src, dst)
	if err != nil {
		return view.Bounds{}, cubeerr.Wrapf(cubeerr.ErrConfiguration, "no transformation from %s to %s: %v", from, to, err)
	}
	defer trn.Close()

	xs, ys := edgePoints(bounds, 21)
	ok := make([]bool, len(xs))
	if err := trn.TransformEx(xs, ys, nil, ok); err != nil {
		return view.Bounds{}, cubeerr.Wrapf(cubeerr.ErrIO, "transforming %+v from %s to %s: %v", bounds, from, to, err)
	}
	out := view.Bounds{Left: math.Inf(1), Right: math.Inf(-1), Bottom: math.Inf(1), Top: math.Inf(-1)}
	for i := range xs {
		if !ok[i] || math.IsInf(xs[i], 0) || math.IsInf(ys[i], 0) {
			continue
		}
		out.Left = math.Min(out.Left, xs[i])
		out.Right = math.Max(out.Right, xs[i])
		out.Bottom = math.Min(out.Bottom, ys[i])
		out.Top = math.Max(out.Top, ys[i])
	}
	if math.IsInf(out.Left, 0) {
		return view.Bounds{}, cubeerr.Wrapf(cubeerr.ErrIO, "transforming %+v from %s to %s produced no finite points", bounds, from, to)
	}
	return out, nil
}

// edgePoints samples n points along each edge of b.
func edgePoints(b view.Bounds, n int) (xs, ys []float64) {
	for i := 0; i < n; i++ {
		f := float64(i) / float64(n-1)
		x := b.Left + f*b.Width()
		y := b.Bottom + f*b.Height()
		xs = append(xs, x, x, b.Left, b.Right)
		ys = append(ys, b.Bottom, b.Top, y, y)
	}
	return xs, ys
}

// spatialRef parses an authority code, a PROJ string or WKT.
func spatialRef(srs string) (*godal.SpatialRef, error) {
	s := raster.NormalizeSRS(srs)
	var (
		sr  *godal.SpatialRef
		err error
	)
	switch {
	case strings.HasPrefix(s, "EPSG:"):
		code, perr := strconv.Atoi(s[5:])
		if perr != nil {
			return nil, cubeerr.Configf("invalid EPSG code in %q", srs)
		}
		sr, err = godal.NewSpatialRefFromEPSG(code)
	case strings.HasPrefix(s, "+proj"):
		sr, err = godal.NewSpatialRefFromProj4(s)
	default:
		sr, err = godal.NewSpatialRefFromWKT(s)
	}
	if err != nil {
		return nil, cubeerr.Configf("invalid spatial reference %q: %v", srs, err)
	}
	return sr, nil
}
