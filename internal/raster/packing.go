package raster

import (
	"math"

	"github.com/vk/cubegrid/internal/cubeerr"
)

// packRange is the representable range of each packed type.
var packRange = map[string][2]float64{
	"uint8":   {0, math.MaxUint8},
	"uint16":  {0, math.MaxUint16},
	"int16":   {math.MinInt16, math.MaxInt16},
	"uint32":  {0, math.MaxUint32},
	"int32":   {math.MinInt32, math.MaxInt32},
	"float32": {-math.MaxFloat32, math.MaxFloat32},
	"float64": {-math.MaxFloat64, math.MaxFloat64},
}

// Validate checks the packing type and that per-band parameters are given
// either once for all bands or once per band.
func (p *Packing) Validate(nbands int) error {
	if _, ok := packRange[p.Type]; !ok {
		return cubeerr.Configf("unsupported packing type %q", p.Type)
	}
	for name, vals := range map[string][]float64{"scale": p.Scale, "offset": p.Offset, "nodata": p.NoData} {
		if len(vals) > 1 && len(vals) != nbands {
			return cubeerr.Configf("packing %s has %d values for %d bands", name, len(vals), nbands)
		}
	}
	for _, s := range p.Scale {
		if s == 0 {
			return cubeerr.Configf("packing scale must not be zero")
		}
	}
	return nil
}

// Integer reports whether the packed type is an integer type.
func (p *Packing) Integer() bool { return p.Type != "float32" && p.Type != "float64" }

func pick(vals []float64, band int, def float64) float64 {
	switch len(vals) {
	case 0:
		return def
	case 1:
		return vals[0]
	}
	return vals[band]
}

// Params returns the scale, offset and nodata value used for band.
func (p *Packing) Params(band int) (scale, offset, nodata float64) {
	def := math.NaN()
	if p.Integer() {
		def = packRange[p.Type][1]
	}
	return pick(p.Scale, band, 1), pick(p.Offset, band, 0), pick(p.NoData, band, def)
}

// Pack converts a sample to its stored value.
func (p *Packing) Pack(v float64, band int) float64 {
	scale, offset, nodata := p.Params(band)
	if math.IsNaN(v) {
		return nodata
	}
	s := (v - offset) / scale
	if !p.Integer() {
		if p.Type == "float32" {
			return float64(float32(s))
		}
		return s
	}
	r := packRange[p.Type]
	packed := math.Max(r[0], math.Min(r[1], math.Round(s)))
	// A valid sample must not land on the nodata value.
	if packed == nodata {
		if (s < nodata && packed > r[0]) || packed == r[1] {
			packed--
		} else {
			packed++
		}
	}
	return packed
}

// Unpack converts a stored value back to a sample.
func (p *Packing) Unpack(v float64, band int) float64 {
	scale, offset, nodata := p.Params(band)
	if v == nodata || math.IsNaN(v) {
		return math.NaN()
	}
	return v*scale + offset
}

// RoundTripPacking applies Pack then Unpack in place.
func RoundTripPacking(buf []float64, p *Packing, band int) error {
	if _, ok := packRange[p.Type]; !ok {
		return cubeerr.Configf("unsupported packing type %q", p.Type)
	}
	for i, v := range buf {
		buf[i] = p.Unpack(p.Pack(v, band), band)
	}
	return nil
}
