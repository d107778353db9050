package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
)

func newEcho(p *Provider) *echo.Echo {
	e := echo.New()
	e.Use(p.Middleware())
	e.GET("/api/v1/practitioners/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/api/v1/appointments", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "slot taken")
	})
	e.GET("/metrics", p.Handler())
	return e
}

func serve(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

func TestHistogram_Buckets(t *testing.T) {
	h := newHistogram([]float64{1, 5, 10})
	for _, v := range []float64{0.5, 1, 3, 7, 20} {
		h.Observe(v)
	}
	if h.Count() != 5 {
		t.Fatalf("expected 5 observations, got %d", h.Count())
	}
	if h.Sum() != 31.5 {
		t.Errorf("expected sum 31.5, got %g", h.Sum())
	}
	want := []int64{2, 3, 4}
	for i, got := range h.cumulativeBuckets() {
		if got != want[i] {
			t.Errorf("bucket %d: expected %d, got %d", i, want[i], got)
		}
	}
}

func TestHistogram_ConcurrentObserve(t *testing.T) {
	h := newHistogram(defaultDurationBuckets)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Observe(0.01)
			}
		}()
	}
	wg.Wait()
	if h.Count() != 5000 {
		t.Errorf("expected 5000 observations, got %d", h.Count())
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	p := NewProvider(Config{Enabled: true})
	e := newEcho(p)

	serve(e, http.MethodGet, "/api/v1/practitioners/a")
	serve(e, http.MethodGet, "/api/v1/practitioners/b")
	serve(e, http.MethodPost, "/api/v1/appointments")

	if got := p.RequestCount(http.MethodGet, "/api/v1/practitioners/:id", "200"); got != 2 {
		t.Errorf("expected 2 requests on the route pattern, got %d", got)
	}
	if got := p.RequestCount(http.MethodPost, "/api/v1/appointments", "409"); got != 1 {
		t.Errorf("expected the handler error status recorded, got %d", got)
	}
	if p.active.Load() != 0 {
		t.Errorf("expected no active requests, got %d", p.active.Load())
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	p := NewProvider(Config{})
	e := newEcho(p)
	serve(e, http.MethodGet, "/api/v1/practitioners/a")
	p.Inc("bookings_total", "outcome", "booked")

	if got := p.RequestCount(http.MethodGet, "/api/v1/practitioners/:id", "200"); got != 0 {
		t.Errorf("disabled provider recorded %d requests", got)
	}
	if p.Counter("bookings_total", "outcome", "booked") != 0 {
		t.Error("disabled provider recorded a counter")
	}
}

// ---------------------------------------------------------------------------
// Counters and exposition
// ---------------------------------------------------------------------------

func TestCounters(t *testing.T) {
	p := NewProvider(Config{Enabled: true})
	p.Inc("bookings_total", "outcome", "booked")
	p.Inc("bookings_total", "outcome", "booked")
	p.Add("appointments_completed_total", "", "", 3)
	p.Add("appointments_completed_total", "", "", 0)

	if got := p.Counter("bookings_total", "outcome", "booked"); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	if got := p.Counter("appointments_completed_total", "", ""); got != 3 {
		t.Errorf("expected 3, got %d", got)
	}
	if got := p.Counter("bookings_total", "outcome", "slot_taken"); got != 0 {
		t.Errorf("expected unseen counter to read 0, got %d", got)
	}
}

func TestHandler_Exposition(t *testing.T) {
	p := NewProvider(Config{Enabled: true})
	p.DescribeCounter("bookings_total", "Booking attempts by outcome.")
	p.Inc("bookings_total", "outcome", "slot_taken")
	p.Add("appointments_completed_total", "", "", 4)
	p.GaugeFunc("db_pool_acquired_connections", "Connections in use.", func() float64 { return 3 })
	e := newEcho(p)
	serve(e, http.MethodGet, "/api/v1/practitioners/a")

	rec := serve(e, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE http_server_request_duration_seconds histogram",
		`http_server_request_duration_seconds_count{method="GET",route="/api/v1/practitioners/:id",status_code="200"} 1`,
		`le="+Inf"`,
		"# TYPE http_server_active_requests gauge",
		"# HELP bookings_total Booking attempts by outcome.",
		`bookings_total{outcome="slot_taken"} 1`,
		"appointments_completed_total 4",
		"db_pool_acquired_connections 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q\n%s", want, body)
		}
	}
}
