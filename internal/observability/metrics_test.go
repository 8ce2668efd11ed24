package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsRecordAndExport(t *testing.T) {
	m := NewMetrics("chatrelay_metrics_test")
	m.CachedContexts.Set(3)
	m.ContextEvents.WithLabelValues("swept").Add(2)
	m.Summarizations.WithLabelValues("summarized").Inc()
	m.ObserveTurnLatency(1500 * time.Millisecond)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, line := range []string{
		"chatrelay_metrics_test_cached_contexts 3",
		`chatrelay_metrics_test_context_events_total{event="swept"} 2`,
		`chatrelay_metrics_test_summarizations_total{outcome="summarized"} 1`,
		"chatrelay_metrics_test_turn_latency_ms_count 1",
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("metrics output missing %q", line)
		}
	}
}
