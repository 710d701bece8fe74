package cube

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/testutil"
	"github.com/vk/cubegrid/internal/view"
)

func TestQueryPoints(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(Env{})
	in, err := g.Dummy(testutil.Grid(2, 4, 4), []string{"a"}, 1, chunk.Size{T: 1, Y: 2, X: 2})
	require.NoError(t, err)
	id, err := g.ApplyPixel(in, []string{"x + 10 * y", "a"}, []string{"pos", "a"}, false)
	require.NoError(t, err)

	points := []Point{
		{X: 1.5, Y: 0.5, T: testutil.T0},
		{X: 3.2, Y: 3.9, T: testutil.T0.AddDate(0, 0, 1).Add(5)},
		{X: 9, Y: 1, T: testutil.T0},
		{X: 1, Y: 1, T: testutil.T0.AddDate(0, 0, 2)},
	}
	got, err := g.QueryPoints(ctx, id, points, testutil.SRS)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, 6.5, got[0][0])
	assert.Equal(t, 3.5+35, got[0][1])
	assert.True(t, math.IsNaN(got[0][2]), "outside space")
	assert.True(t, math.IsNaN(got[1][3]), "outside time")
	assert.Equal(t, 1.0, got[1][1])
}

func TestQueryPoints_LastColumnUnderRounding(t *testing.T) {
	// 17 columns of 0.1: the right edge is 1.7000000000000002 while
	// 1.7 / 0.1 divides to exactly 17.
	grid := testutil.Grid(1, 17, 17)
	grid.X = view.Dim{Name: "x", N: 17, Low: 0, High: 17 * 0.1, Step: 0.1}
	grid.Y = view.Dim{Name: "y", N: 17, Low: 0, High: 17 * 0.1, Step: 0.1}

	for _, size := range []int{17, 5} {
		t.Run(fmt.Sprintf("chunk size %d", size), func(t *testing.T) {
			g := NewGraph(Env{})
			in, err := g.Dummy(grid, []string{"a"}, 0, chunk.Size{T: 1, Y: size, X: size})
			require.NoError(t, err)
			id, err := g.ApplyPixel(in, []string{"x", "y"}, []string{"cx", "cy"}, false)
			require.NoError(t, err)

			got, err := g.QueryPoints(context.Background(), id, []Point{{X: 1.7, Y: 0.85, T: testutil.T0}}, testutil.SRS)

			require.NoError(t, err)
			assert.InDelta(t, 1.65, got[0][0], 1e-9, "last column")
			assert.InDelta(t, 0.85, got[1][0], 0.051, "same row")
		})
	}
}

func TestDimensionValues(t *testing.T) {
	g := NewGraph(Env{})
	id, err := g.Dummy(testutil.Grid(2, 1, 2), []string{"a"}, 1, chunk.Size{})
	require.NoError(t, err)

	dv, err := g.DimensionValues(id, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"2020-01-01", "2020-01-02"}, dv.T)
	assert.Equal(t, []float64{0.5}, dv.Y)
	assert.Equal(t, []float64{0.5, 1.5}, dv.X)
}
