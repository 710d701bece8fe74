// Package raster declares the raster I/O capabilities the engine depends on
// (open, warp, write, transform) and ships an in-memory implementation used
// for synthetic data and tests. The GDAL-backed implementation lives in
// internal/gdalio.
package raster

import (
	"context"
	"math"

	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/view"
)

// Info is the metadata of an opened raster dataset.
type Info struct {
	Width, Height int
	Bands         int
	// GeoTransform follows the GDAL convention; rotation terms must be zero.
	GeoTransform [6]float64
	SRS          string
	// NoData per band, NaN when the band declares none.
	NoData []float64
}

// Bounds returns the footprint of the dataset in its own SRS.
func (i Info) Bounds() view.Bounds {
	gt := i.GeoTransform
	x0, x1 := gt[0], gt[0]+float64(i.Width)*gt[1]
	y0, y1 := gt[3], gt[3]+float64(i.Height)*gt[5]
	return view.Bounds{
		Left: math.Min(x0, x1), Right: math.Max(x0, x1),
		Bottom: math.Min(y0, y1), Top: math.Max(y0, y1),
	}
}

// Dataset is an open raster. Implementations are not required to be safe
// for concurrent use.
type Dataset interface {
	Info() Info
	Close() error
}

// Reader opens rasters by descriptor (a path, a /vsi path or a subdataset
// string).
type Reader interface {
	Open(ctx context.Context, descriptor string) (Dataset, error)
	Drivers() []string
	Version() string
}

// Window is a north-up target grid: NX x NY cells of DX x DY whose upper
// left corner is (Left, Top).
type Window struct {
	SRS    string
	Left   float64
	Top    float64
	DX, DY float64
	NX, NY int
}

// Bounds returns the extent covered by the window.
func (w Window) Bounds() view.Bounds {
	return view.Bounds{Left: w.Left, Right: w.Left + float64(w.NX)*w.DX, Bottom: w.Top - float64(w.NY)*w.DY, Top: w.Top}
}

// GridWindow returns the window of grid g covering the rows and columns of
// region r.
func GridWindow(g view.Grid, r chunk.Region) Window {
	return Window{
		SRS:  g.SRS,
		Left: g.X.Edge(r.X0),
		Top:  g.Y.High - float64(r.Y0)*g.Y.Step,
		DX:   g.X.Step,
		DY:   g.Y.Step,
		NX:   r.X1 - r.X0,
		NY:   r.Y1 - r.Y0,
	}
}

// Warper resamples one band of a dataset onto a target window. The result
// is row-major from the top row, NaN where the source has no data.
type Warper interface {
	Warp(ctx context.Context, ds Dataset, band int, target Window, resampling view.Resampling) ([]float64, error)
}

// Transformer reprojects bounding boxes between spatial reference systems.
type Transformer interface {
	Transform(b view.Bounds, from, to string) (view.Bounds, error)
}

// Packing maps float samples linearly onto a smaller integer type:
// stored = (value - Offset) / Scale, and NoData for missing samples.
type Packing struct {
	Type   string    `json:"type"`
	Scale  []float64 `json:"scale,omitempty"`
	Offset []float64 `json:"offset,omitempty"`
	NoData []float64 `json:"nodata,omitempty"`
}

// SliceOptions configures single time slice output files.
type SliceOptions struct {
	Driver             string
	CreationOptions    []string
	Overviews          bool
	OverviewLevels     []int
	OverviewResampling view.Resampling
	COG                bool
	Packing            *Packing
}

// Writer writes a multi-band raster for one time slice. data holds one
// row-major buffer per band.
type Writer interface {
	WriteSlice(ctx context.Context, path string, w Window, bands []string, data [][]float64, opts SliceOptions) error
}

// Backend bundles every capability. Both the in-memory and the GDAL
// implementations satisfy it.
type Backend interface {
	Reader
	Warper
	Writer
	Transformer
}
