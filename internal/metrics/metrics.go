package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hackgods/hospital-scheduling/internal/cache"
	"github.com/hackgods/hospital-scheduling/internal/db"
)

const namespace = "scheduling"

// Collector owns a private registry so tests and multiple servers in one
// process do not collide on the default one.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	bookingsTotal       *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		bookingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bookings_total",
				Help:      "Booking attempts by outcome",
			},
			[]string{"outcome"},
		),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequestsTotal,
		c.httpRequestDuration,
		c.bookingsTotal,
	)
	return c
}

// RegisterPool exports the connection pool's counters, read at scrape time.
func (c *Collector) RegisterPool(stats func() db.PoolStats) {
	gauge := func(name, help string, v func(db.PoolStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "db_pool", Name: name, Help: help,
		}, func() float64 { return v(stats()) })
	}
	counter := func(name, help string, v func(db.PoolStats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "db_pool", Name: name, Help: help,
		}, func() float64 { return v(stats()) })
	}

	c.registry.MustRegister(
		gauge("issued_connections", "Connections currently open", func(s db.PoolStats) float64 { return float64(s.IssuedConns) }),
		gauge("idle_connections", "Connections waiting in the pool", func(s db.PoolStats) float64 { return float64(s.IdleConns) }),
		gauge("acquired_connections", "Connections leased to callers", func(s db.PoolStats) float64 { return float64(s.AcquiredConns) }),
		gauge("max_connections", "Pool upper bound", func(s db.PoolStats) float64 { return float64(s.MaxConns) }),
		counter("acquires_total", "Successful acquires", func(s db.PoolStats) float64 { return float64(s.AcquireCount) }),
		counter("created_connections_total", "Connections opened", func(s db.PoolStats) float64 { return float64(s.CreatedConns) }),
		counter("discarded_connections_total", "Connections closed after failing validation", func(s db.PoolStats) float64 { return float64(s.DiscardedConns) }),
		counter("exhausted_total", "Acquires that timed out", func(s db.PoolStats) float64 { return float64(s.ExhaustedCount) }),
		counter("long_holds_total", "Leases held past the long-hold threshold", func(s db.PoolStats) float64 { return float64(s.LongHolds) }),
	)
}

// RegisterCaches exports hit, miss and load counters for every named cache.
func (c *Collector) RegisterCaches(stats func() map[string]cache.Stats) {
	c.registry.MustRegister(&cacheCollector{stats: stats})
}

func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordBooking counts a booking attempt; outcome is an error kind or "ok".
func (c *Collector) RecordBooking(outcome string) {
	c.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// HTTPMiddleware records request metrics labelled by chi route pattern, so
// ids in the path do not explode label cardinality.
func (c *Collector) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		c.RecordHTTPRequest(r.Method, route, wrapper.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

var (
	cacheHitsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "hits_total"),
		"Cache lookups served from memory", []string{"cache"}, nil)
	cacheMissesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "misses_total"),
		"Cache lookups that needed a load", []string{"cache"}, nil)
	cacheLoadsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "loads_total"),
		"Loader calls", []string{"cache"}, nil)
)

type cacheCollector struct {
	stats func() map[string]cache.Stats
}

func (cc *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cacheHitsDesc
	ch <- cacheMissesDesc
	ch <- cacheLoadsDesc
}

func (cc *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	for name, s := range cc.stats() {
		ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(s.Hits), name)
		ch <- prometheus.MustNewConstMetric(cacheMissesDesc, prometheus.CounterValue, float64(s.Misses), name)
		ch <- prometheus.MustNewConstMetric(cacheLoadsDesc, prometheus.CounterValue, float64(s.Loads), name)
	}
}
