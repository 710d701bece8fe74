package integration_tests

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"github.com/vk/cubegrid/internal/app"
	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/pipeline"
	"github.com/vk/cubegrid/internal/raster"
	"github.com/vk/cubegrid/internal/testutil"
)

// Test for: a collection indexed from the command surface feeds a pipeline
// whose packaged export reopens with the same values.
func TestCoreExecution_IndexRunReopen(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	tempDir := t.TempDir()
	m := raster.NewMem()
	// red=1 and nir=3 on day 0, red=nir=2 on day 1: NDVI 0.5 then 0
	files := testutil.Scene(m, "s", 0, 4, 4, testutil.Const(1, 3))
	files = append(files, testutil.Scene(m, "s", 1, 4, 4, testutil.Const(2, 2))...)
	a, _ := app.SetupAppTest(t, app.WithBackend(m))

	coll := filepath.Join(tempDir, "scenes.db")
	_, err := a.Index(ctx, app.IndexRequest{Format: "synthetic", Out: coll, Inputs: files})
	require.NoError(t, err)

	pipelineHCL := fmt.Sprintf(`
collection "scenes" {
  path = %q
}

view "daily" {
  collection = collection.scenes
  srs        = "EPSG:3857"
  left       = 0
  right      = 4
  bottom     = 0
  top        = 4
  nx         = 2
  ny         = 2
  dt         = "P1D"
  resampling = "average"
}

cube "raw" "image_collection" {
  collection = collection.scenes
  view       = view.daily
  bands      = ["red", "nir"]
}

cube "ndvi" "apply_pixel" {
  input = cube.raw
  expr  = ["(nir - red) / (nir + red)"]
  names = ["ndvi"]
}

export "ndvi" {
  cube = cube.ndvi
  path = "ndvi.cube"
}
`, coll)
	pipelinePath := filepath.Join(tempDir, "ndvi.hcl")
	require.NoError(t, os.WriteFile(pipelinePath, []byte(pipelineHCL), 0600))

	// --- Act ---
	require.NoError(t, a.Run(ctx, pipelinePath))
	reopened, err := pipeline.Compile(ctx, "reopen.hcl", []byte(`
cube "ndvi" "packaged" {
  path = "`+filepath.Join(tempDir, "ndvi.cube")+`"
}
`), pipeline.Env{Backend: m})
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Graph.Materialize(ctx, reopened.Cubes["ndvi"], chunk.Coord{})

	// --- Assert ---
	require.NoError(t, err)
	want := chunk.New(chunk.Shape{B: 1, T: 2, Y: 2, X: 2})
	for i := range want.Data {
		if i < 4 {
			want.Data[i] = 0.5
		}
	}
	if diff := cmp.Diff(want.Data, got.Data, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("reopened NDVI mismatch (-want +got):\n%s", diff)
	}
}
