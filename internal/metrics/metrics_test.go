package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(FidelityWarnings.WithLabelValues("no_source_pixels"))
	FidelityWarnings.WithLabelValues("no_source_pixels").Add(3)
	assert.Equal(t, before+3, testutil.ToFloat64(FidelityWarnings.WithLabelValues("no_source_pixels")))
}

func TestHandler(t *testing.T) {
	ChunksEvaluated.WithLabelValues("ok").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "cubegrid_executor_chunks_total"))
}
