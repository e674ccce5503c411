package observability_test

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mnemo/internal/observability"
)

func TestMetricsRecord(t *testing.T) {
	m := observability.NewMetrics("mnemo")
	m.Turn("ok")
	m.Turn("ok")
	m.Turn("apology")
	m.Decision("intent", "NEEDS_FACTS")
	m.BackendError("semantic", "query")
	m.SetActiveSessions(3)
	m.ObserveStage("respond", 150*time.Millisecond)

	gt.Equal(t, testutil.ToFloat64(m.Turns.WithLabelValues("ok")), 2.0)
	gt.Equal(t, testutil.ToFloat64(m.Turns.WithLabelValues("apology")), 1.0)
	gt.Equal(t, testutil.ToFloat64(m.Decisions.WithLabelValues("intent", "NEEDS_FACTS")), 1.0)
	gt.Equal(t, testutil.ToFloat64(m.BackendErrors.WithLabelValues("semantic", "query")), 1.0)
	gt.Equal(t, testutil.ToFloat64(m.ActiveSessions), 3.0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	gt.S(t, string(body)).Contains("mnemo_turns_total")
	gt.S(t, string(body)).Contains("mnemo_stage_duration_seconds_bucket")
}

func TestNilMetrics(t *testing.T) {
	var m *observability.Metrics
	m.Turn("ok")
	m.Decision("intent", "x")
	m.BackendError("fact", "search")
	m.SetActiveSessions(1)
	m.ObserveStage("respond", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	gt.Equal(t, rec.Code, 404)
}

func TestIndependentRegistries(t *testing.T) {
	a := observability.NewMetrics("mnemo")
	b := observability.NewMetrics("mnemo")
	a.Turn("ok")
	gt.Equal(t, testutil.ToFloat64(b.Turns.WithLabelValues("ok")), 0.0)
}
