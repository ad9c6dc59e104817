// Package metrics exposes Prometheus collectors for the ingest API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/games"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gametracker"

// Collectors owns a private registry so several servers can coexist in one process.
type Collectors struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	batchesIngested prometheus.Counter
	entriesIngested prometheus.Counter
	foldPasses      prometheus.Counter
	foldEntries     *prometheus.CounterVec
	foldDuration    prometheus.Histogram
}

// New registers every collector on a fresh registry.
func New() *Collectors {
	registry := prometheus.NewRegistry()
	c := &Collectors{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		batchesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_ingested_total",
			Help:      "Raw batches appended to the log.",
		}),
		entriesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_ingested_total",
			Help:      "Game entries appended to the log.",
		}),
		foldPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fold_passes_total",
			Help:      "Fold passes that merged at least one batch.",
		}),
		foldEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fold_entries_total",
			Help:      "Entries handled by the fold, by outcome.",
		}, []string{"outcome"}),
		foldDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fold_duration_seconds",
			Help:      "Duration of fold passes.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requests,
		c.requestDuration,
		c.batchesIngested,
		c.entriesIngested,
		c.foldPasses,
		c.foldEntries,
		c.foldDuration,
	)
	return c
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Middleware counts requests and observes latency per matched route.
func (c *Collectors) Middleware() gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		started := time.Now()
		ginContext.Next()

		route := ginContext.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := ginContext.Request.Method
		c.requests.WithLabelValues(method, route, strconv.Itoa(ginContext.Writer.Status())).Inc()
		c.requestDuration.WithLabelValues(method, route).Observe(time.Since(started).Seconds())
	}
}

// RecordIngest counts one appended batch.
func (c *Collectors) RecordIngest(entries int) {
	c.batchesIngested.Inc()
	c.entriesIngested.Add(float64(entries))
}

// RecordFold implements games.FoldRecorder.
func (c *Collectors) RecordFold(summary games.FoldSummary, elapsed time.Duration) {
	if summary.BatchesFolded == 0 {
		return
	}
	c.foldPasses.Inc()
	c.foldEntries.WithLabelValues("folded").Add(float64(summary.EntriesFolded))
	c.foldEntries.WithLabelValues("skipped").Add(float64(summary.EntriesSkipped))
	c.foldEntries.WithLabelValues("failed").Add(float64(summary.EntriesFailed))
	c.foldDuration.Observe(elapsed.Seconds())
}
