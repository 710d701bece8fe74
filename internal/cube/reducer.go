package cube

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"github.com/vk/cubegrid/internal/cubeerr"
)

// Reducer summarizes a series of samples. Series may contain NaN, which
// reducers skip; a series without valid samples reduces to NaN, count
// included.
type Reducer func(series []float64) float64

// ReducerBand pairs a reducer name with the band it applies to.
type ReducerBand struct {
	Reducer string `json:"reducer"`
	Band    string `json:"band"`
}

// OutputName is the band name a reduction produces.
func (rb ReducerBand) OutputName() string { return rb.Band + "_" + rb.Reducer }

var reducers = map[string]Reducer{
	"min":       onValid(func(v []float64) (float64, error) { return stats.Min(v) }),
	"max":       onValid(func(v []float64) (float64, error) { return stats.Max(v) }),
	"mean":      onValid(func(v []float64) (float64, error) { return stats.Mean(v) }),
	"median":    onValid(func(v []float64) (float64, error) { return stats.Median(v) }),
	"sum":       onValid(func(v []float64) (float64, error) { return stats.Sum(v) }),
	"prod":      onValid(product),
	"var":       onValid(sampleStat(stats.SampleVariance)),
	"sd":        onValid(sampleStat(stats.StandardDeviationSample)),
	"count":     count,
	"first":     first,
	"last":      last,
	"which_min": which(func(a, b float64) bool { return a < b }),
	"which_max": which(func(a, b float64) bool { return a > b }),
}

// ReducerNames lists the supported reducers.
func ReducerNames() []string {
	out := make([]string, 0, len(reducers))
	for n := range reducers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// LookupReducer returns the named reducer.
func LookupReducer(name string) (Reducer, error) {
	r, ok := reducers[name]
	if !ok {
		return nil, cubeerr.Configf("unknown reducer %q", name)
	}
	return r, nil
}

func valid(series []float64) []float64 {
	out := make([]float64, 0, len(series))
	for _, v := range series {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

func onValid(f func([]float64) (float64, error)) Reducer {
	return func(series []float64) float64 {
		v := valid(series)
		if len(v) == 0 {
			return math.NaN()
		}
		r, err := f(v)
		if err != nil || math.IsInf(r, 0) {
			return math.NaN()
		}
		return r
	}
}

func product(v []float64) (float64, error) {
	p := 1.0
	for _, x := range v {
		p *= x
	}
	return p, nil
}

func sampleStat(f func(stats.Float64Data) (float64, error)) func([]float64) (float64, error) {
	return func(v []float64) (float64, error) {
		if len(v) < 2 {
			return math.NaN(), nil
		}
		return f(v)
	}
}

func count(series []float64) float64 {
	n := 0
	for _, v := range series {
		if !math.IsNaN(v) {
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return float64(n)
}

func first(series []float64) float64 {
	for _, v := range series {
		if !math.IsNaN(v) {
			return v
		}
	}
	return math.NaN()
}

func last(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			return series[i]
		}
	}
	return math.NaN()
}

// which returns the index of the first extreme valid sample.
func which(better func(a, b float64) bool) Reducer {
	return func(series []float64) float64 {
		best := -1
		for i, v := range series {
			if math.IsNaN(v) {
				continue
			}
			if best < 0 || better(v, series[best]) {
				best = i
			}
		}
		if best < 0 {
			return math.NaN()
		}
		return float64(best)
	}
}
