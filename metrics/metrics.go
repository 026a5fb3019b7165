package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "audit",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Audit engine operations by outcome kind.",
		},
		[]string{"operation", "outcome"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "audit",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Audit engine operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	degradedWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "storage",
			Name:      "degraded_writes_total",
			Help:      "Writes that were only mirrored locally because the remote store was unavailable.",
		},
		[]string{"operation"},
	)
	replayedWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "storage",
			Name:      "replayed_writes_total",
			Help:      "Queued local writes replayed against the remote store, by result.",
		},
		[]string{"result"},
	)
	pendingWrites = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "audit",
			Subsystem: "storage",
			Name:      "pending_writes",
			Help:      "Writes waiting in the local replay queue.",
		},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Summary cache lookups by result.",
		},
		[]string{"cache", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			operations, operationDuration,
			degradedWrites, replayedWrites, pendingWrites,
			cacheLookups,
		)
	})
}

// Handler serves the default registry for /metrics.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordOperation counts one engine call; outcome is "ok" or an error kind.
func RecordOperation(operation, outcome string, duration time.Duration) {
	RegisterMetrics()
	if outcome == "" {
		outcome = "ok"
	}
	operations.WithLabelValues(operation, outcome).Inc()
	operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func RecordDegradedWrite(operation string) {
	RegisterMetrics()
	degradedWrites.WithLabelValues(operation).Inc()
}

func RecordReplay(result string, n int) {
	RegisterMetrics()
	if n <= 0 {
		return
	}
	replayedWrites.WithLabelValues(result).Add(float64(n))
}

func SetPendingWrites(n int) {
	RegisterMetrics()
	pendingWrites.Set(float64(n))
}

func RecordCacheLookup(cache string, hit bool) {
	RegisterMetrics()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(cache, result).Inc()
}
