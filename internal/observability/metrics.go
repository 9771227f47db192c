package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RouteDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_replica_route_decisions_total",
			Help: "Total number of routing decisions by reason and target database",
		},
		[]string{"reason", "target"},
	)
	StatementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_replica_statement_duration_seconds",
			Help:    "Time to route and issue a statement, by target database and operation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"target", "operation"},
	)
	ReplicaLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_replica_lag_seconds",
			Help: "Seconds since the last transaction replayed on the replica",
		},
	)
	ReplicaLagBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_replica_lag_bytes",
			Help: "WAL bytes the replica is behind main",
		},
	)
	ReplicaBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_replica_breaker_state",
			Help: "Replica failure breaker state (0 closed, 1 open, 2 half-open)",
		},
	)
	LSNCacheOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_replica_lsn_cache_operations_total",
			Help: "LSN cache operations by backend, operation and result",
		},
		[]string{"backend", "operation", "result"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)
)

var initOnce sync.Once

// InitMetrics registers all collectors with the default registry. Safe to
// call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(RouteDecisionsTotal)
		prometheus.MustRegister(StatementDuration)
		prometheus.MustRegister(ReplicaLagSeconds)
		prometheus.MustRegister(ReplicaLagBytes)
		prometheus.MustRegister(ReplicaBreakerState)
		prometheus.MustRegister(LSNCacheOpsTotal)
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
	})
}

// ObserveRoute counts one routing decision.
func ObserveRoute(reason, target string) {
	RouteDecisionsTotal.WithLabelValues(reason, target).Inc()
}

// ObserveStatement records how long a routed statement took to issue.
func ObserveStatement(target, operation string, d time.Duration) {
	StatementDuration.WithLabelValues(target, operation).Observe(d.Seconds())
}

// ObserveReplicaLag publishes the latest lag sample.
func ObserveReplicaLag(seconds float64, bytes int64) {
	ReplicaLagSeconds.Set(seconds)
	ReplicaLagBytes.Set(float64(bytes))
}

// ObserveLSNCache counts an LSN cache operation.
func ObserveLSNCache(backend, operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	LSNCacheOpsTotal.WithLabelValues(backend, operation, result).Inc()
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
