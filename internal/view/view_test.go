package view

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/datetime"
)

type staticSource struct {
	ext   Extent
	calls int
}

func (s *staticSource) Extent(context.Context, string) (Extent, error) {
	s.calls++
	return s.ext, nil
}

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func explicitView(b Bounds, dx, dy float64) View {
	return View{
		Space: Space{SRS: "EPSG:3857", Bounds: &b, DX: dx, DY: dy},
		Time:  Time{T0: day(2018, 1, 1), T1: day(2018, 12, 31), DT: datetime.MustParseDuration("P1M")},
	}
}

func TestResolve_PixelCountIsCeil(t *testing.T) {
	cases := []struct {
		name   string
		b      Bounds
		dx, dy float64
	}{
		{"exact multiple", Bounds{0, 100, 0, 50}, 10, 10},
		{"fractional", Bounds{0, 105, 0, 51}, 10, 10},
		{"negative origin", Bounds{-7.3, 12.1, -3.9, 8.8}, 0.7, 0.3},
		{"tiny step", Bounds{0, 1, 0, 1}, 0.1, 0.1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, err := Resolve(context.Background(), nil, explicitView(tc.b, tc.dx, tc.dy))
			require.NoError(t, err)
			wantX := int(math.Ceil((tc.b.Right - tc.b.Left) / tc.dx))
			wantY := int(math.Ceil((tc.b.Top - tc.b.Bottom) / tc.dy))
			if tc.name == "tiny step" {
				wantX, wantY = 10, 10
			}
			assert.Equal(t, wantX, g.X.N)
			assert.Equal(t, wantY, g.Y.N)
			assert.InDelta(t, tc.b.Left, g.X.Low, 1e-12)
			assert.InDelta(t, tc.b.Left+float64(wantX)*tc.dx, g.X.High, 1e-9)

			again, err := Resolve(context.Background(), nil, explicitView(tc.b, tc.dx, tc.dy))
			require.NoError(t, err)
			assert.Equal(t, g, again)
		})
	}
}

func TestResolve_ResolutionErrors(t *testing.T) {
	b := Bounds{0, 100, 0, 100}

	t.Run("inconsistent dx and nx", func(t *testing.T) {
		v := explicitView(b, 10, 10)
		v.Space.NX = 7
		_, err := Resolve(context.Background(), nil, v)
		require.ErrorIs(t, err, cubeerr.ErrOverspecifiedResolution)
		assert.True(t, errors.Is(err, cubeerr.ErrConfiguration))
	})

	t.Run("consistent dx and nx", func(t *testing.T) {
		v := explicitView(b, 10, 10)
		v.Space.NX = 10
		g, err := Resolve(context.Background(), nil, v)
		require.NoError(t, err)
		assert.Equal(t, 10, g.X.N)
	})

	t.Run("inconsistent dt and nt", func(t *testing.T) {
		v := explicitView(b, 10, 10)
		v.Time.NT = 5
		_, err := Resolve(context.Background(), nil, v)
		require.ErrorIs(t, err, cubeerr.ErrOverspecifiedResolution)
	})

	t.Run("no spatial resolution without source", func(t *testing.T) {
		v := explicitView(b, 0, 0)
		_, err := Resolve(context.Background(), nil, v)
		require.ErrorIs(t, err, cubeerr.ErrUnderspecifiedResolution)
	})

	t.Run("no temporal extent without source", func(t *testing.T) {
		v := explicitView(b, 10, 10)
		v.Time.T0 = time.Time{}
		_, err := Resolve(context.Background(), nil, v)
		require.ErrorIs(t, err, cubeerr.ErrUnderspecifiedResolution)
	})

	t.Run("degenerate extent", func(t *testing.T) {
		_, err := Resolve(context.Background(), nil, explicitView(Bounds{5, 5, 0, 1}, 1, 1))
		require.ErrorIs(t, err, cubeerr.ErrConfiguration)
	})

	t.Run("missing srs", func(t *testing.T) {
		v := explicitView(b, 10, 10)
		v.Space.SRS = ""
		_, err := Resolve(context.Background(), nil, v)
		require.ErrorIs(t, err, cubeerr.ErrConfiguration)
	})

	t.Run("unknown aggregation", func(t *testing.T) {
		v := explicitView(b, 10, 10)
		v.Aggregation = "mode"
		_, err := Resolve(context.Background(), nil, v)
		require.ErrorIs(t, err, cubeerr.ErrConfiguration)
	})
}

func TestResolve_SinglePixelCountKeepsSquarePixels(t *testing.T) {
	b := Bounds{0, 200, 0, 100}
	v := explicitView(b, 0, 0)
	v.Space.NX = 20
	g, err := Resolve(context.Background(), nil, v)
	require.NoError(t, err)
	assert.Equal(t, 20, g.X.N)
	assert.Equal(t, 10, g.Y.N)
	assert.Equal(t, g.X.Step, g.Y.Step)
}

func TestResolve_DefaultsFromSource(t *testing.T) {
	src := &staticSource{ext: Extent{
		Bounds: Bounds{0, 512, 0, 256},
		T0:     day(2018, 1, 1),
		T1:     day(2018, 1, 9),
	}}
	v := View{Space: Space{SRS: "EPSG:3857"}}

	g, err := Resolve(context.Background(), src, v)
	require.NoError(t, err)

	assert.Equal(t, 1, src.calls)
	assert.Equal(t, DefaultCells, g.X.N)
	assert.Equal(t, 128, g.Y.N)
	assert.Equal(t, DefaultIntervals, g.T.N)
	assert.Equal(t, datetime.Duration{N: 3, Unit: datetime.Day}, g.T.DT)
	assert.Equal(t, AggFirst, g.Aggregation)
	assert.Equal(t, ResNear, g.Resampling)
	assert.False(t, g.T.End().Before(day(2018, 1, 10)))
}

func TestResolve_ExplicitBoundsWithSourceTime(t *testing.T) {
	src := &staticSource{ext: Extent{Bounds: Bounds{-1e6, 1e6, -1e6, 1e6}, T0: day(2018, 3, 5), T1: day(2018, 6, 20)}}
	b := Bounds{0, 10, 0, 10}
	v := View{Space: Space{SRS: "EPSG:3857", Bounds: &b, DX: 1}, Time: Time{DT: datetime.MustParseDuration("P1M")}}

	g, err := Resolve(context.Background(), src, v)
	require.NoError(t, err)

	assert.Equal(t, b, g.Bounds())
	assert.Equal(t, day(2018, 3, 1), g.T.T0)
	assert.Equal(t, 4, g.T.N)
}

func TestGrid_Lookup(t *testing.T) {
	g, err := Resolve(context.Background(), nil, explicitView(Bounds{0, 100, 0, 50}, 10, 10))
	require.NoError(t, err)

	assert.Equal(t, 12, g.T.N)
	assert.Equal(t, 0, g.Column(0))
	assert.Equal(t, 9, g.Column(99.9))
	assert.Equal(t, -1, g.Column(100))
	assert.Equal(t, 0, g.Row(50))
	assert.Equal(t, 4, g.Row(0.1))
	assert.Equal(t, -1, g.Row(0))
	assert.InDelta(t, 45.0, g.YCenter(0), 1e-12)
	assert.InDelta(t, 5.0, g.XCenter(0), 1e-12)

	bottom, top := g.RowBounds(1)
	assert.InDelta(t, 30.0, bottom, 1e-12)
	assert.InDelta(t, 40.0, top, 1e-12)

	assert.Equal(t, 0, g.T.Index(day(2018, 1, 31)))
	assert.Equal(t, 1, g.T.Index(day(2018, 2, 1)))
	assert.Equal(t, 11, g.T.Index(day(2018, 12, 31)))
	assert.Equal(t, -1, g.T.Index(day(2019, 1, 1)))
	assert.Equal(t, -1, g.T.Index(day(2017, 12, 31)))

	vals := g.Values(nil)
	assert.Equal(t, "2018-01", vals.T[0])
	assert.Equal(t, "2018-12", vals.T[11])
	assert.Len(t, vals.X, 10)
	assert.Len(t, vals.Y, 5)
	u := datetime.Day
	assert.Equal(t, "2018-02-01", g.Values(&u).T[1])
}

func TestGrid_LookupClampsRoundingAtTheLastCell(t *testing.T) {
	// 1.7 / 0.1 resolves to 17 cells whose upper edge rounds to
	// 1.7000000000000002.
	g, err := Resolve(context.Background(), nil, explicitView(Bounds{0, 1.7, 0, 1.7}, 0.1, 0.1))
	require.NoError(t, err)
	require.Equal(t, 17, g.X.N)
	require.Equal(t, 17, g.Y.N)

	assert.Equal(t, 16, g.Column(1.7))
	assert.Equal(t, 16, g.Row(math.SmallestNonzeroFloat64))
	for ix := 0; ix < g.X.N; ix++ {
		assert.Equal(t, ix, g.Column(g.XCenter(ix)), "column %d", ix)
		assert.Equal(t, ix, g.Row(g.YCenter(ix)), "row %d", ix)
	}
}

func TestGrid_CollapseAndEqual(t *testing.T) {
	g, err := Resolve(context.Background(), nil, explicitView(Bounds{0, 100, 0, 50}, 10, 10))
	require.NoError(t, err)

	ct := g.CollapseTime()
	assert.Equal(t, 1, ct.T.N)
	assert.Equal(t, g.T.End(), ct.T.End())
	assert.False(t, ct.Equal(g))

	cs := g.CollapseSpace()
	assert.Equal(t, 1, cs.X.N)
	assert.Equal(t, 1, cs.Y.N)
	assert.Equal(t, g.Bounds(), cs.Bounds())

	other := g
	other.Aggregation = AggMedian
	assert.True(t, g.Equal(other))
	other.X.Step += 1e-3
	assert.False(t, g.Equal(other))
}

func TestGrid_AsExtentSource(t *testing.T) {
	g, err := Resolve(context.Background(), nil, explicitView(Bounds{0, 100, 0, 50}, 10, 10))
	require.NoError(t, err)

	again, err := Resolve(context.Background(), g, View{
		Space: Space{SRS: g.SRS, DX: 10},
		Time:  Time{DT: g.T.DT},
	})
	require.NoError(t, err)
	assert.True(t, g.Equal(again))

	_, err = g.Extent(context.Background(), "EPSG:4326")
	require.ErrorIs(t, err, cubeerr.ErrConfiguration)
}
