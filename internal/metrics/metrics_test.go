package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.IncTransition("start")
	r.IncTransition("start")
	r.IncBackendError("complete")
	r.IncReconcile("cleared")
	r.SetPhase("work")
	r.SetPendingFallbacks(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.transitions.WithLabelValues("start")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.backendErrs.WithLabelValues("complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reconciles.WithLabelValues("cleared")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.phase.WithLabelValues("work")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.phase.WithLabelValues("idle")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.pending))
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *PrometheusRecorder
	assert.NotPanics(t, func() {
		r.IncTransition("start")
		r.IncBackendError("start")
		r.IncReconcile("ok")
		r.SetPhase("work")
		r.SetPendingFallbacks(1)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := NewPrometheusRecorder(nil)
	r.IncTransition("pause")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `pomosync_transitions_total{transition="pause"} 1`)
}

func TestRecordersAreIndependent(t *testing.T) {
	a := NewPrometheusRecorder(prom.NewRegistry())
	b := NewPrometheusRecorder(prom.NewRegistry())
	require.NotNil(t, b.transitions)

	a.IncTransition("start")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.transitions.WithLabelValues("start")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.transitions.WithLabelValues("start")))
}
