// Package metrics owns the Prometheus registry served at /metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "atelier"

// Registry holds every collector the API exports.
type Registry struct {
	registry             *prometheus.Registry
	httpRequests         *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
	shareLinkOutcomes    *prometheus.CounterVec
	notificationFailures *prometheus.CounterVec
	breakerTransitions   *prometheus.CounterVec
}

// New builds a registry with the runtime collectors and the API metrics.
func New() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		shareLinkOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "share_link_operations_total",
			Help:      "Share-link operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		notificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Notifications that could not be delivered, by channel.",
		}, []string{"channel"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"breaker", "from", "to"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests,
		r.httpDuration,
		r.shareLinkOutcomes,
		r.notificationFailures,
		r.breakerTransitions,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Gatherer exposes the registry for tests and embedding.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Middleware records request counts and latency per matched route.
func (r *Registry) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		r.httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		r.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

// ObserveShareLink counts one share-link operation outcome.
func (r *Registry) ObserveShareLink(operation, outcome string) {
	r.shareLinkOutcomes.WithLabelValues(operation, outcome).Inc()
}

// NotificationFailed counts one undelivered notification.
func (r *Registry) NotificationFailed(channel string) {
	r.notificationFailures.WithLabelValues(channel).Inc()
}

// BreakerTransition counts one circuit breaker state change.
func (r *Registry) BreakerTransition(breaker, from, to string) {
	r.breakerTransitions.WithLabelValues(breaker, from, to).Inc()
}

// LinkStateSource reports current share-link counts keyed by state.
type LinkStateSource func(ctx context.Context) (map[string]int64, error)

var linkStateDesc = prometheus.NewDesc(
	namespace+"_share_links",
	"Share links by lifecycle state, read from the database on each scrape.",
	[]string{"state"},
	nil,
)

type linkStateCollector struct {
	source LinkStateSource
	logger *zap.Logger
}

func (c *linkStateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- linkStateDesc
}

func (c *linkStateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	counts, err := c.source(ctx)
	if err != nil {
		c.logger.Warn("failed to collect share link states", zap.Error(err))
		return
	}
	for state, count := range counts {
		ch <- prometheus.MustNewConstMetric(linkStateDesc, prometheus.GaugeValue, float64(count), state)
	}
}

// RegisterLinkStates exports share-link state counts computed by source.
func (r *Registry) RegisterLinkStates(source LinkStateSource, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	return r.registry.Register(&linkStateCollector{source: source, logger: logger})
}

// RealtimeSource reports the state of the designer event streams.
type RealtimeSource interface {
	OpenStreams() int
	Dropped() int64
}

// RegisterRealtime exports the open stream count and the messages dropped on
// full stream buffers.
func (r *Registry) RegisterRealtime(source RealtimeSource) error {
	openStreams := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realtime_open_streams",
		Help:      "Designer event streams currently open.",
	}, func() float64 {
		return float64(source.OpenStreams())
	})
	dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "realtime_dropped_messages_total",
		Help:      "Realtime messages discarded because a stream buffer was full.",
	}, func() float64 {
		return float64(source.Dropped())
	})
	if err := r.registry.Register(openStreams); err != nil {
		return err
	}
	return r.registry.Register(dropped)
}
