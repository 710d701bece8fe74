package raster

import (
	"fmt"
	"math"
	"strings"

	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/view"
)

const earthRadius = 6378137.0

// NormalizeSRS canonicalizes authority codes ("epsg:4326" -> "EPSG:4326").
// Anything else is returned trimmed.
func NormalizeSRS(srs string) string {
	s := strings.TrimSpace(srs)
	if strings.HasPrefix(strings.ToUpper(s), "EPSG:") {
		return "EPSG:" + strings.TrimSpace(s[5:])
	}
	return s
}

// TransformPoint reprojects a point between EPSG:4326 and EPSG:3857 (or
// within one SRS).
func TransformPoint(x, y float64, from, to string) (float64, float64, error) {
	from, to = NormalizeSRS(from), NormalizeSRS(to)
	switch {
	case from == to:
		return x, y, nil
	case from == "EPSG:4326" && to == "EPSG:3857":
		lat := math.Max(-85.05112878, math.Min(85.05112878, y))
		return earthRadius * x * math.Pi / 180,
			earthRadius * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360)), nil
	case from == "EPSG:3857" && to == "EPSG:4326":
		return x / earthRadius * 180 / math.Pi,
			(2*math.Atan(math.Exp(y/earthRadius)) - math.Pi/2) * 180 / math.Pi, nil
	}
	return 0, 0, cubeerr.Wrapf(cubeerr.ErrConfiguration, "no built-in transformation from %s to %s", from, to)
}

// densify is the number of samples per bbox edge used when transforming
// extents, so curved edges are bounded.
const densify = 21

// TransformBounds reprojects a bounding box by sampling its edges.
func TransformBounds(b view.Bounds, from, to string) (view.Bounds, error) {
	if NormalizeSRS(from) == NormalizeSRS(to) {
		return b, nil
	}
	out := view.Bounds{Left: math.Inf(1), Right: math.Inf(-1), Bottom: math.Inf(1), Top: math.Inf(-1)}
	for i := 0; i < densify; i++ {
		f := float64(i) / float64(densify-1)
		pts := [4][2]float64{
			{b.Left + f*b.Width(), b.Bottom},
			{b.Left + f*b.Width(), b.Top},
			{b.Left, b.Bottom + f*b.Height()},
			{b.Right, b.Bottom + f*b.Height()},
		}
		for _, p := range pts {
			x, y, err := TransformPoint(p[0], p[1], from, to)
			if err != nil {
				return view.Bounds{}, err
			}
			out.Left = math.Min(out.Left, x)
			out.Right = math.Max(out.Right, x)
			out.Bottom = math.Min(out.Bottom, y)
			out.Top = math.Max(out.Top, y)
		}
	}
	if math.IsInf(out.Left, 0) || math.IsInf(out.Bottom, 0) {
		return view.Bounds{}, fmt.Errorf("transforming %+v from %s to %s produced no finite points", b, from, to)
	}
	return out, nil
}
