package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: completions by provider family and outcome (success | error).
	CompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completions_total",
			Help: "Total number of completion requests by provider and outcome.",
		},
		[]string{"provider", "status"},
	)

	// Histogram: provider latency in seconds.
	CompletionLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "completion_latency_seconds",
			Help:    "Provider latency for completions in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	// Counter: streamed chunks forwarded to callers.
	StreamChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_chunks_total",
			Help: "Total number of stream chunks delivered by provider.",
		},
		[]string{"provider"},
	)

	// Counter: upstream calls re-sent after a transient failure.
	UpstreamRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_retries_total",
			Help: "Total number of upstream call retries by provider.",
		},
		[]string{"provider"},
	)

	// Gauge: workflow calls waiting on the shared event stream.
	WorkflowPendingWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workflow_pending_waiters",
			Help: "Workflow completions waiting for their correlated event.",
		},
	)

	// Counter: completion records that could not be persisted.
	RecordWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "record_write_failures_total",
			Help: "Total number of completion records that failed to persist.",
		},
	)

	// Counter: conversation store operations by op and result (ok | not_found | denied | error).
	ThreadStoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thread_store_ops_total",
			Help: "Total number of conversation store operations.",
		},
		[]string{"op", "result"},
	)

	// Histogram: gateway HTTP latency in seconds.
	GatewayLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_latency_seconds",
			Help:    "HTTP request latency for the gateway in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"path", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		CompletionsTotal,
		CompletionLatencySeconds,
		StreamChunksTotal,
		UpstreamRetriesTotal,
		WorkflowPendingWaiters,
		RecordWriteFailuresTotal,
		ThreadStoreOpsTotal,
		GatewayLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures gateway latency for each HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()

		// route pattern keeps label cardinality bounded
		path := routePattern(r)
		method := r.Method
		status := strconv.Itoa(rec.statusCode)

		GatewayLatencySeconds.
			WithLabelValues(path, method, status).
			Observe(duration)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers flush through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
