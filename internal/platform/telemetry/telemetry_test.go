package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSyncRecordCounter(t *testing.T) {
	p := NewProvider(Config{})
	p.SyncRecordCounter("patient", OutcomeCreated)
	p.SyncRecordCounter("patient", OutcomeCreated)
	p.SyncRecordCounter("patient", OutcomeNoop)

	if got := p.GetSyncRecordCounter("patient", OutcomeCreated); got != 2 {
		t.Errorf("expected 2 created, got %d", got)
	}
	if got := p.GetSyncRecordCounter("patient", OutcomeNoop); got != 1 {
		t.Errorf("expected 1 noop, got %d", got)
	}
	if got := p.GetSyncRecordCounter("encounter", OutcomeCreated); got != 0 {
		t.Errorf("expected 0 for unseen label, got %d", got)
	}
}

func TestRunGauge(t *testing.T) {
	p := NewProvider(Config{})
	p.RunStarted()
	p.RunStarted()
	if got := p.ActiveRuns(); got != 2 {
		t.Errorf("expected 2 active runs, got %d", got)
	}
	p.RunFinished("completed")
	if got := p.ActiveRuns(); got != 1 {
		t.Errorf("expected 1 active run, got %d", got)
	}
}

func TestHistogram_Buckets(t *testing.T) {
	h := newHistogram([]float64{0.1, 1.0})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(5.0)

	if h.Count() != 3 {
		t.Errorf("expected count 3, got %d", h.Count())
	}
	if h.Sum() != 5.55 {
		t.Errorf("expected sum 5.55, got %g", h.Sum())
	}
	cum := h.cumulativeBuckets()
	if cum[0] != 1 || cum[1] != 2 {
		t.Errorf("unexpected cumulative buckets: %v", cum)
	}
}

func TestMetricsMiddleware_Records(t *testing.T) {
	p := NewProvider(Config{})
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/runs", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	mw := p.MetricsMiddleware()
	h := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hist := p.getOrCreateHistogram("http.server.request.duration", defaultDurationBuckets)
	if hist.Count() != 1 {
		t.Errorf("expected 1 observation, got %d", hist.Count())
	}
	if p.gauges.get("http.server.active_requests") != 0 {
		t.Error("expected active requests gauge back to 0")
	}
}

func TestMetricsMiddleware_Disabled(t *testing.T) {
	p := NewProvider(Config{MetricsEnabled: BoolPtr(false)})
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	mw := p.MetricsMiddleware()
	h := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.histMu.RLock()
	_, ok := p.histograms["http.server.request.duration"]
	p.histMu.RUnlock()
	if ok {
		t.Error("expected no histogram when metrics disabled")
	}
}

func TestPrometheusHandler_Exposition(t *testing.T) {
	p := NewProvider(Config{})
	p.SyncRecordCounter("patient", OutcomeUpdated)
	p.ConflictCounter("data")
	p.ObserveRecordDuration(0.2)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := p.PrometheusHandler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := rec.Body.String()

	for _, want := range []string{
		`sync_records_count{resource_type="patient",outcome="updated"} 1`,
		`sync_conflicts_count{type="data"} 1`,
		"sync_record_duration_seconds_count 1",
		"# TYPE sync_runs_active gauge",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q\n%s", want, body)
		}
	}
}

func TestResourceAttributes(t *testing.T) {
	p := NewProvider(Config{ServiceName: "medsync-server", Environment: "production"})
	res := p.Resource()
	if res["service.name"] != "medsync-server" {
		t.Errorf("unexpected service name %q", res["service.name"])
	}
	if res["deployment.environment"] != "production" {
		t.Errorf("unexpected environment %q", res["deployment.environment"])
	}
}
