// Package telemetry provides OpenTelemetry-semantic observability for the
// synchronization engine using only standard library constructs. It exposes
// metrics (counters, gauges, histograms) and a Prometheus text exposition
// endpoint without importing the go.opentelemetry.io SDK.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Config holds all configuration for the telemetry provider.
type Config struct {
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	Environment    string `json:"environment"`
	MetricsEnabled *bool  `json:"metrics_enabled"` // nil = use default (true)
}

func (c *Config) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "medsync-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for Config fields.
func BoolPtr(b bool) *bool {
	return &b
}

// ---------------------------------------------------------------------------
// Histogram — Prometheus-style histogram with buckets
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with configurable bucket boundaries.
// Bucket counts are non-cumulative in storage; cumulative counts are computed
// at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64 // one per boundary, non-cumulative
	count        int64
	sum          uint64     // stored as math.Float64bits for atomic add
	mu           sync.Mutex // protects bucketCounts
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			h.mu.Unlock()
			return
		}
	}
	// Value exceeds all boundaries; counted in +Inf at export.
	h.mu.Unlock()
}

// Count returns the total number of observations.
func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

// Sum returns the total sum of all observations.
func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

// cumulativeBuckets returns cumulative bucket counts for Prometheus export.
func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

// atomicAddFloat64 performs an atomic add on a uint64 that stores a float64
// using CAS.
func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Counter store — keyed by (metricName, label1, label2, ...)
// ---------------------------------------------------------------------------

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) add(key string, delta int64) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, delta)
		return
	}
	s.mu.Lock()
	p, ok = s.items[key]
	if !ok {
		v := delta
		s.items[key] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, delta)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// ---------------------------------------------------------------------------
// Gauge store — keyed by name
// ---------------------------------------------------------------------------

type gaugeStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newGaugeStore() *gaugeStore {
	return &gaugeStore{items: make(map[string]*int64)}
}

func (s *gaugeStore) add(name string, delta int64) {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, delta)
		return
	}
	s.mu.Lock()
	p, ok = s.items[name]
	if !ok {
		v := delta
		s.items[name] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, delta)
}

func (s *gaugeStore) set(name string, val int64) {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if ok {
		atomic.StoreInt64(p, val)
		return
	}
	s.mu.Lock()
	p, ok = s.items[name]
	if !ok {
		v := val
		s.items[name] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.StoreInt64(p, val)
}

func (s *gaugeStore) get(name string) int64 {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// ---------------------------------------------------------------------------
// Provider — the main entry point
// ---------------------------------------------------------------------------

// defaultDurationBuckets are the histogram bucket boundaries (in seconds)
// used for HTTP request duration and per-record processing time.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// Provider manages all observability state.
type Provider struct {
	cfg Config

	histograms map[string]*histogram
	histMu     sync.RWMutex

	counters *counterStore
	gauges   *gaugeStore

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewProvider creates and initialises the telemetry provider.
func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()
	return &Provider{
		cfg:        cfg,
		histograms: make(map[string]*histogram),
		counters:   newCounterStore(),
		gauges:     newGaugeStore(),
		done:       make(chan struct{}),
	}
}

// Shutdown gracefully shuts down the telemetry provider.
func (p *Provider) Shutdown(_ context.Context) error {
	p.shutdownOnce.Do(func() {
		close(p.done)
	})
	return nil
}

// Resource returns the OTel resource attributes.
func (p *Provider) Resource() map[string]string {
	return map[string]string{
		"service.name":           p.cfg.ServiceName,
		"service.version":        p.cfg.ServiceVersion,
		"deployment.environment": p.cfg.Environment,
	}
}

func (p *Provider) getOrCreateHistogram(name string, boundaries []float64) *histogram {
	p.histMu.RLock()
	h, ok := p.histograms[name]
	p.histMu.RUnlock()
	if ok {
		return h
	}
	p.histMu.Lock()
	h, ok = p.histograms[name]
	if !ok {
		h = newHistogram(boundaries)
		p.histograms[name] = h
	}
	p.histMu.Unlock()
	return h
}

// ---------------------------------------------------------------------------
// Sync-domain metrics
// ---------------------------------------------------------------------------

// RecordOutcome values used with SyncRecordCounter.
const (
	OutcomeCreated  = "created"
	OutcomeUpdated  = "updated"
	OutcomeDeleted  = "deleted"
	OutcomeNoop     = "noop"
	OutcomeDeferred = "deferred"
	OutcomeError    = "error"
)

// SyncRecordCounter increments the sync.records.count metric for a processed
// record, labeled by resource type and outcome.
func (p *Provider) SyncRecordCounter(resourceType, outcome string) {
	p.counters.add("sync.records.count|"+resourceType+"|"+outcome, 1)
}

// GetSyncRecordCounter returns the current value of a sync record counter.
func (p *Provider) GetSyncRecordCounter(resourceType, outcome string) int64 {
	return p.counters.get("sync.records.count|" + resourceType + "|" + outcome)
}

// ConflictCounter increments the sync.conflicts.count metric, labeled by
// conflict type.
func (p *Provider) ConflictCounter(conflictType string) {
	p.counters.add("sync.conflicts.count|"+conflictType+"|", 1)
}

// RunStarted increments the active-runs gauge.
func (p *Provider) RunStarted() {
	p.gauges.add("sync.runs.active", 1)
}

// RunFinished decrements the active-runs gauge and counts the terminal state.
func (p *Provider) RunFinished(status string) {
	p.gauges.add("sync.runs.active", -1)
	p.counters.add("sync.runs.count|"+status+"|", 1)
}

// ActiveRuns returns the current value of the active-runs gauge.
func (p *Provider) ActiveRuns() int64 {
	return p.gauges.get("sync.runs.active")
}

// ObserveRecordDuration records per-record processing time in seconds.
func (p *Provider) ObserveRecordDuration(seconds float64) {
	p.getOrCreateHistogram("sync.record.duration", defaultDurationBuckets).Observe(seconds)
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records HTTP server
// metrics.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}

			p.gauges.add("http.server.active_requests", 1)
			start := time.Now()

			err := next(c)

			duration := time.Since(start).Seconds()
			p.gauges.add("http.server.active_requests", -1)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			p.counters.add(fmt.Sprintf("http.server.requests|%s %s|%d",
				c.Request().Method, route, c.Response().Status), 1)
			p.getOrCreateHistogram("http.server.request.duration", defaultDurationBuckets).Observe(duration)

			return err
		}
	}
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

// PrometheusHandler returns an Echo handler that serves metrics in Prometheus
// text exposition format at /metrics.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		p.histMu.RLock()
		durationHist := p.histograms["http.server.request.duration"]
		recordHist := p.histograms["sync.record.duration"]
		p.histMu.RUnlock()

		writeHistogram(&b, "http_server_request_duration_seconds",
			"Duration of HTTP requests in seconds.", durationHist, defaultDurationBuckets)
		writeHistogram(&b, "sync_record_duration_seconds",
			"Per-record synchronization processing time in seconds.", recordHist, defaultDurationBuckets)

		b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", p.gauges.get("http.server.active_requests"))

		b.WriteString("# HELP sync_runs_active Number of synchronization runs in flight.\n")
		b.WriteString("# TYPE sync_runs_active gauge\n")
		fmt.Fprintf(&b, "sync_runs_active %d\n\n", p.gauges.get("sync.runs.active"))

		counters := p.counters.snapshot()

		b.WriteString("# HELP sync_records_count Records processed by resource type and outcome.\n")
		b.WriteString("# TYPE sync_records_count counter\n")
		for key, val := range counters {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) == 3 && parts[0] == "sync.records.count" {
				fmt.Fprintf(&b, "sync_records_count{resource_type=%q,outcome=%q} %d\n",
					parts[1], parts[2], val)
			}
		}
		b.WriteByte('\n')

		b.WriteString("# HELP sync_conflicts_count Conflicts detected by conflict type.\n")
		b.WriteString("# TYPE sync_conflicts_count counter\n")
		for key, val := range counters {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) == 3 && parts[0] == "sync.conflicts.count" {
				fmt.Fprintf(&b, "sync_conflicts_count{type=%q} %d\n", parts[1], val)
			}
		}
		b.WriteByte('\n')

		b.WriteString("# HELP sync_runs_count Completed synchronization runs by terminal status.\n")
		b.WriteString("# TYPE sync_runs_count counter\n")
		for key, val := range counters {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) == 3 && parts[0] == "sync.runs.count" {
				fmt.Fprintf(&b, "sync_runs_count{status=%q} %d\n", parts[1], val)
			}
		}
		b.WriteByte('\n')

		return c.String(http.StatusOK, b.String())
	}
}

func writeHistogram(b *strings.Builder, name, help string, h *histogram, boundaries []float64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)
	if h != nil {
		cum := h.cumulativeBuckets()
		total := h.Count()
		for i, boundary := range boundaries {
			fmt.Fprintf(b, "%s_bucket{le=\"%g\"} %d\n", name, boundary, cum[i])
		}
		fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"} %d\n", name, total)
		fmt.Fprintf(b, "%s_sum %g\n", name, h.Sum())
		fmt.Fprintf(b, "%s_count %d\n", name, total)
	}
	b.WriteByte('\n')
}
