// Package telemetry records HTTP and scheduling metrics in process and serves
// them in the Prometheus text exposition format.
package telemetry

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Config controls the provider.
type Config struct {
	Enabled bool
}

// Request durations in seconds.
var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram keeps non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

type gaugeFunc struct {
	help string
	fn   func() float64
}

// Provider is safe for concurrent use. A disabled provider records nothing
// and still serves an empty exposition.
type Provider struct {
	cfg Config

	mu        sync.RWMutex
	durations map[string]*histogram // method|route|status
	counters  map[string]*int64     // name|label|value
	help      map[string]string
	gauges    map[string]gaugeFunc

	active atomic.Int64
}

func NewProvider(cfg Config) *Provider {
	return &Provider{
		cfg:       cfg,
		durations: make(map[string]*histogram),
		counters:  make(map[string]*int64),
		help:      make(map[string]string),
		gauges:    make(map[string]gaugeFunc),
	}
}

// LabelsKey builds the key of a request duration histogram.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

// DescribeCounter sets the HELP text of a counter family.
func (p *Provider) DescribeCounter(name, help string) {
	p.mu.Lock()
	p.help[name] = help
	p.mu.Unlock()
}

// Inc adds one to the counter name{label="value"}. An empty label records
// an unlabeled sample.
func (p *Provider) Inc(name, label, value string) {
	p.Add(name, label, value, 1)
}

// Add adds n to the counter name{label="value"}.
func (p *Provider) Add(name, label, value string, n int64) {
	if !p.cfg.Enabled || n <= 0 {
		return
	}
	key := name + "|" + label + "|" + value
	p.mu.RLock()
	c, ok := p.counters[key]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		if c, ok = p.counters[key]; !ok {
			c = new(int64)
			p.counters[key] = c
		}
		p.mu.Unlock()
	}
	atomic.AddInt64(c, n)
}

// Counter returns the current value of name{label="value"}.
func (p *Provider) Counter(name, label, value string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.counters[name+"|"+label+"|"+value]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

// GaugeFunc registers a gauge sampled at scrape time.
func (p *Provider) GaugeFunc(name, help string, fn func() float64) {
	p.mu.Lock()
	p.gauges[name] = gaugeFunc{help: help, fn: fn}
	p.mu.Unlock()
}

func (p *Provider) histogramFor(key string) *histogram {
	p.mu.RLock()
	h, ok := p.durations[key]
	p.mu.RUnlock()
	if ok {
		return h
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok = p.durations[key]; !ok {
		h = newHistogram(defaultDurationBuckets)
		p.durations[key] = h
	}
	return h
}

// RequestCount returns how many requests were observed for one method,
// route and status.
func (p *Provider) RequestCount(method, route, statusCode string) int64 {
	p.mu.RLock()
	h, ok := p.durations[LabelsKey(method, route, statusCode)]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	return h.Count()
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// Middleware records request durations by route pattern and the number of
// requests in flight.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.Enabled {
				return next(c)
			}
			p.active.Add(1)
			defer p.active.Add(-1)

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Seconds()

			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			p.histogramFor(LabelsKey(c.Request().Method, route, strconv.Itoa(status))).Observe(elapsed)
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Exposition
// ---------------------------------------------------------------------------

// Handler serves every metric in the Prometheus text format.
func (p *Provider) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		p.writeDurations(&b)

		b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", p.active.Load())

		p.writeCounters(&b)
		p.writeGauges(&b)
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Provider) writeDurations(b *strings.Builder) {
	const name = "http_server_request_duration_seconds"
	p.mu.RLock()
	snap := make(map[string]*histogram, len(p.durations))
	for k, v := range p.durations {
		snap[k] = v
	}
	p.mu.RUnlock()

	fmt.Fprintf(b, "# HELP %s Duration of HTTP requests in seconds.\n", name)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)
	for _, key := range sortedKeys(snap) {
		parts := strings.SplitN(key, "|", 3)
		if len(parts) != 3 {
			continue
		}
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeHistogram(b, name, labels, snap[key])
	}
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}

func (p *Provider) writeCounters(b *strings.Builder) {
	p.mu.RLock()
	values := make(map[string]int64, len(p.counters))
	for k, c := range p.counters {
		values[k] = atomic.LoadInt64(c)
	}
	help := make(map[string]string, len(p.help))
	for k, v := range p.help {
		help[k] = v
	}
	p.mu.RUnlock()

	family := ""
	for _, key := range sortedKeys(values) {
		parts := strings.SplitN(key, "|", 3)
		if len(parts) != 3 {
			continue
		}
		name, label, value := parts[0], parts[1], parts[2]
		if name != family {
			if family != "" {
				b.WriteByte('\n')
			}
			family = name
			if h, ok := help[name]; ok {
				fmt.Fprintf(b, "# HELP %s %s\n", name, h)
			}
			fmt.Fprintf(b, "# TYPE %s counter\n", name)
		}
		if label == "" {
			fmt.Fprintf(b, "%s %d\n", name, values[key])
			continue
		}
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, value, values[key])
	}
	if family != "" {
		b.WriteByte('\n')
	}
}

func (p *Provider) writeGauges(b *strings.Builder) {
	p.mu.RLock()
	gauges := make(map[string]gaugeFunc, len(p.gauges))
	for k, v := range p.gauges {
		gauges[k] = v
	}
	p.mu.RUnlock()

	for _, name := range sortedKeys(gauges) {
		g := gauges[name]
		fmt.Fprintf(b, "# HELP %s %s\n", name, g.help)
		fmt.Fprintf(b, "# TYPE %s gauge\n", name)
		fmt.Fprintf(b, "%s %g\n\n", name, g.fn())
	}
}
