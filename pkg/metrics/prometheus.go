// Package metrics provides Prometheus instrumentation for the pipeline scheduler.
package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RowsProcessed counts rows that passed through each processor's Work.
	RowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotope_rows_processed_total",
		Help: "Total number of rows processed by processor",
	}, []string{"processor_id", "processor_name"})

	// ChunksProcessed counts chunks handled by each processor.
	ChunksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotope_chunks_processed_total",
		Help: "Total number of chunks processed by processor",
	}, []string{"processor_id", "processor_name"})

	// WorkLatency tracks the duration of a single Work call.
	WorkLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "isotope_work_latency_seconds",
		Help:    "Latency of processor Work calls in seconds",
		Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"processor_id", "processor_name"})

	// Statuses counts Prepare results by status.
	Statuses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotope_prepare_status_total",
		Help: "Prepare results by processor and status",
	}, []string{"processor_id", "processor_name", "status"})

	// Errors counts fatal errors by processor.
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotope_errors_total",
		Help: "Total number of errors by processor",
	}, []string{"processor_id", "processor_name"})

	// ReadyProcessors is the current length of the scheduler's ready queue.
	ReadyProcessors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "isotope_ready_processors",
		Help: "Processors queued for a turn",
	})

	// ParkedProcessors is the number of processors waiting on an async wake.
	ParkedProcessors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "isotope_parked_processors",
		Help: "Processors parked on a wake token",
	})

	// GraphExpansions counts processors spliced into a running graph.
	GraphExpansions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isotope_graph_expansion_processors_total",
		Help: "Processors added to running graphs by expansion",
	})
)

// Recorder binds the per-processor series for one processor so the scheduler
// does not resolve label values on every turn.
type Recorder struct {
	rows    prometheus.Counter
	chunks  prometheus.Counter
	latency prometheus.Observer
	errors  prometheus.Counter
	id      string
	name    string
}

// For returns the Recorder for a processor.
func For(id int, name string) *Recorder {
	sid := strconv.Itoa(id)
	return &Recorder{
		rows:    RowsProcessed.WithLabelValues(sid, name),
		chunks:  ChunksProcessed.WithLabelValues(sid, name),
		latency: WorkLatency.WithLabelValues(sid, name),
		errors:  Errors.WithLabelValues(sid, name),
		id:      sid,
		name:    name,
	}
}

// Status records one Prepare result.
func (r *Recorder) Status(status string) {
	Statuses.WithLabelValues(r.id, r.name, status).Inc()
}

// Work records one Work call with the row and chunk deltas it produced.
func (r *Recorder) Work(d time.Duration, rows, chunks int64) {
	r.latency.Observe(d.Seconds())
	if rows > 0 {
		r.rows.Add(float64(rows))
	}
	if chunks > 0 {
		r.chunks.Add(float64(chunks))
	}
}

// Error records a fatal processor error.
func (r *Recorder) Error() {
	r.errors.Inc()
}

// ServeMetrics starts an HTTP server on the given address to serve
// Prometheus metrics at /metrics.
func ServeMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return server
}
