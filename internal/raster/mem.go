package raster

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/view"
)

// MemRaster is an in-memory multi-band raster.
type MemRaster struct {
	Width, Height int
	GeoTransform  [6]float64
	SRS           string
	// NoData applies to every band; NaN means none.
	NoData float64
	// Bands holds one row-major buffer per band.
	Bands [][]float64
}

// NewMemRaster builds a north-up raster whose upper left corner is
// (left, top) with pixel sizes dx, dy.
func NewMemRaster(srs string, left, top, dx, dy float64, width, height int, bands ...[]float64) *MemRaster {
	return &MemRaster{
		Width: width, Height: height,
		GeoTransform: [6]float64{left, dx, 0, top, 0, -dy},
		SRS:          srs,
		NoData:       math.NaN(),
		Bands:        bands,
	}
}

func (r *MemRaster) info() Info {
	nd := make([]float64, len(r.Bands))
	for i := range nd {
		nd[i] = r.NoData
	}
	return Info{Width: r.Width, Height: r.Height, Bands: len(r.Bands), GeoTransform: r.GeoTransform, SRS: r.SRS, NoData: nd}
}

// Mem is a Backend over registered in-memory rasters. Files written through
// WriteSlice become readable under their path.
type Mem struct {
	mu      sync.RWMutex
	rasters map[string]*MemRaster

	opens atomic.Int64
	warps atomic.Int64
}

// NewMem returns an empty in-memory backend.
func NewMem() *Mem {
	return &Mem{rasters: make(map[string]*MemRaster)}
}

// Add registers a raster under a descriptor.
func (m *Mem) Add(descriptor string, r *MemRaster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rasters[descriptor] = r
}

// Get returns a registered or written raster.
func (m *Mem) Get(descriptor string) (*MemRaster, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rasters[descriptor]
	return r, ok
}

// Opens returns how many datasets have been opened.
func (m *Mem) Opens() int64 { return m.opens.Load() }

// Warps returns how many band warps have been performed.
func (m *Mem) Warps() int64 { return m.warps.Load() }

type memDataset struct {
	r *MemRaster
}

func (d *memDataset) Info() Info   { return d.r.info() }
func (d *memDataset) Close() error { return nil }

// Open implements Reader.
func (m *Mem) Open(_ context.Context, descriptor string) (Dataset, error) {
	r, ok := m.Get(descriptor)
	if !ok {
		return nil, cubeerr.Wrapf(cubeerr.ErrIO, "cannot open %q: no such in-memory raster", descriptor)
	}
	m.opens.Add(1)
	return &memDataset{r: r}, nil
}

// Drivers implements Reader.
func (m *Mem) Drivers() []string { return []string{"MEM"} }

// Version implements Reader.
func (m *Mem) Version() string { return "mem" }

// Transform implements Transformer.
func (m *Mem) Transform(b view.Bounds, from, to string) (view.Bounds, error) {
	return TransformBounds(b, from, to)
}

// WriteSlice implements Writer by storing the slice as a new raster.
// Packing is applied and undone so written values carry its precision loss.
func (m *Mem) WriteSlice(_ context.Context, path string, w Window, bands []string, data [][]float64, opts SliceOptions) error {
	if len(bands) != len(data) {
		return cubeerr.Wrapf(cubeerr.ErrShapeMismatch, "%d band names for %d buffers", len(bands), len(data))
	}
	out := NewMemRaster(w.SRS, w.Left, w.Top, w.DX, w.DY, w.NX, w.NY)
	for b, buf := range data {
		if len(buf) != w.NX*w.NY {
			return cubeerr.Wrapf(cubeerr.ErrShapeMismatch, "band %s has %d samples, want %d", bands[b], len(buf), w.NX*w.NY)
		}
		cp := make([]float64, len(buf))
		copy(cp, buf)
		if opts.Packing != nil {
			if err := RoundTripPacking(cp, opts.Packing, b); err != nil {
				return err
			}
		}
		out.Bands = append(out.Bands, cp)
	}
	m.Add(path, out)
	return nil
}

// Warp implements Warper.
func (m *Mem) Warp(_ context.Context, ds Dataset, band int, target Window, resampling view.Resampling) ([]float64, error) {
	md, ok := ds.(*memDataset)
	if !ok {
		return nil, fmt.Errorf("mem warper cannot read a %T", ds)
	}
	src := md.r
	if band < 0 || band >= len(src.Bands) {
		return nil, cubeerr.Wrapf(cubeerr.ErrIO, "band %d out of range (%d bands)", band+1, len(src.Bands))
	}
	m.warps.Add(1)
	gt := src.GeoTransform
	if gt[2] != 0 || gt[4] != 0 {
		return nil, cubeerr.Wrapf(cubeerr.ErrIO, "rotated rasters are not supported")
	}
	buf := src.Bands[band]
	sample := func(col, row int) float64 {
		if col < 0 || row < 0 || col >= src.Width || row >= src.Height {
			return math.NaN()
		}
		v := buf[row*src.Width+col]
		if v == src.NoData {
			return math.NaN()
		}
		return v
	}
	// fractional pixel position of a target coordinate in the source raster
	toPixel := func(x, y float64) (float64, float64, error) {
		sx, sy, err := TransformPoint(x, y, target.SRS, src.SRS)
		if err != nil {
			return 0, 0, err
		}
		return (sx - gt[0]) / gt[1], (sy - gt[3]) / gt[5], nil
	}

	out := make([]float64, target.NX*target.NY)
	for row := 0; row < target.NY; row++ {
		cy := target.Top - (float64(row)+0.5)*target.DY
		for col := 0; col < target.NX; col++ {
			cx := target.Left + (float64(col)+0.5)*target.DX
			var v float64
			switch resampling {
			case view.ResBilinear, view.ResCubic:
				px, py, err := toPixel(cx, cy)
				if err != nil {
					return nil, err
				}
				v = bilinear(sample, px, py)
			case view.ResAverage, view.ResMode, view.ResMin, view.ResMax, view.ResMedian, view.ResQ1, view.ResQ3:
				x0, y0, err := toPixel(cx-target.DX/2, cy+target.DY/2)
				if err != nil {
					return nil, err
				}
				x1, y1, err := toPixel(cx+target.DX/2, cy-target.DY/2)
				if err != nil {
					return nil, err
				}
				v = area(sample, x0, y0, x1, y1, resampling)
			default:
				px, py, err := toPixel(cx, cy)
				if err != nil {
					return nil, err
				}
				v = sample(int(math.Floor(px)), int(math.Floor(py)))
			}
			out[row*target.NX+col] = v
		}
	}
	return out, nil
}

func bilinear(sample func(int, int) float64, px, py float64) float64 {
	fx, fy := px-0.5, py-0.5
	c0, r0 := int(math.Floor(fx)), int(math.Floor(fy))
	wx, wy := fx-float64(c0), fy-float64(r0)
	var sum, wsum float64
	for _, k := range [4][3]float64{
		{0, 0, (1 - wx) * (1 - wy)},
		{1, 0, wx * (1 - wy)},
		{0, 1, (1 - wx) * wy},
		{1, 1, wx * wy},
	} {
		v := sample(c0+int(k[0]), r0+int(k[1]))
		if math.IsNaN(v) || k[2] == 0 {
			continue
		}
		sum += v * k[2]
		wsum += k[2]
	}
	if wsum == 0 {
		return sample(int(math.Floor(px)), int(math.Floor(py)))
	}
	return sum / wsum
}

// area aggregates every source pixel whose centre lies inside the target
// cell footprint, falling back to the pixel under the cell centre when the
// footprint is smaller than a source pixel.
func area(sample func(int, int) float64, x0, y0, x1, y1 float64, resampling view.Resampling) float64 {
	cmin, cmax := math.Min(x0, x1), math.Max(x0, x1)
	rmin, rmax := math.Min(y0, y1), math.Max(y0, y1)
	var vals []float64
	for r := int(math.Ceil(rmin - 0.5)); float64(r)+0.5 < rmax; r++ {
		for c := int(math.Ceil(cmin - 0.5)); float64(c)+0.5 < cmax; c++ {
			if v := sample(c, r); !math.IsNaN(v) {
				vals = append(vals, v)
			}
		}
	}
	if len(vals) == 0 {
		return sample(int(math.Floor((cmin+cmax)/2)), int(math.Floor((rmin+rmax)/2)))
	}
	sort.Float64s(vals)
	switch resampling {
	case view.ResMin:
		return vals[0]
	case view.ResMax:
		return vals[len(vals)-1]
	case view.ResMedian:
		return quantile(vals, 0.5)
	case view.ResQ1:
		return quantile(vals, 0.25)
	case view.ResQ3:
		return quantile(vals, 0.75)
	case view.ResMode:
		best, bestN, n := vals[0], 0, 0
		for i, v := range vals {
			if i > 0 && v == vals[i-1] {
				n++
			} else {
				n = 1
			}
			if n > bestN {
				best, bestN = v, n
			}
		}
		return best
	default:
		var s float64
		for _, v := range vals {
			s += v
		}
		return s / float64(len(vals))
	}
}

// quantile interpolates linearly within sorted values.
func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}
