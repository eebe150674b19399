// Package metrics tracks per-worker processing statistics and exposes them
// both as an in-process snapshot (mirroring original_source/src/worker.py's
// WorkerMetrics) and as Prometheus series on a dedicated registry, following
// the teacher's internal/observability/metrics.go pattern of never touching
// the global prometheus registry.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ewmaAlpha is the smoothing factor for processing-time EWMA, matching
// worker.py's EWMA_ALPHA = 0.1.
const ewmaAlpha = 0.1

// WorkerMetrics accumulates per-worker counters and an EWMA of processing
// time. Safe for concurrent use.
type WorkerMetrics struct {
	mu sync.Mutex

	totalProcessed int64
	successCount   int64
	failureCount   int64
	ewmaProcessing float64
	haveEWMA       bool

	reg          *Registry
	workerLabel  string
}

// Snapshot is a point-in-time, lock-free copy of a WorkerMetrics' counters.
type Snapshot struct {
	TotalProcessed    int64   `json:"total_processed"`
	SuccessCount      int64   `json:"success_count"`
	FailureCount      int64   `json:"failure_count"`
	EWMAProcessingSec float64 `json:"ewma_processing_time_seconds"`
}

// NewWorkerMetrics returns a WorkerMetrics optionally wired to a Registry for
// Prometheus export. reg may be nil, in which case only the in-process
// snapshot is maintained.
func NewWorkerMetrics(reg *Registry, workerLabel string) *WorkerMetrics {
	return &WorkerMetrics{reg: reg, workerLabel: workerLabel}
}

// Update records the outcome of processing one event, mirroring
// WorkerMetrics.update(success, processing_time).
func (m *WorkerMetrics) Update(success bool, processingTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalProcessed++
	if success {
		m.successCount++
	} else {
		m.failureCount++
	}

	secs := processingTime.Seconds()
	if !m.haveEWMA {
		m.ewmaProcessing = secs
		m.haveEWMA = true
	} else {
		m.ewmaProcessing = ewmaAlpha*secs + (1-ewmaAlpha)*m.ewmaProcessing
	}

	if m.reg != nil {
		m.reg.eventsProcessed.WithLabelValues(m.workerLabel, outcomeLabel(success)).Inc()
		m.reg.processingTime.WithLabelValues(m.workerLabel).Observe(secs)
		m.reg.ewmaProcessingTime.WithLabelValues(m.workerLabel).Set(m.ewmaProcessing)
	}
}

// GetSnapshot returns a copy of the current counters, mirroring
// WorkerMetrics.get_snapshot().
func (m *WorkerMetrics) GetSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		TotalProcessed:    m.totalProcessed,
		SuccessCount:      m.successCount,
		FailureCount:      m.failureCount,
		EWMAProcessingSec: m.ewmaProcessing,
	}
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Registry holds every Prometheus collector hids exports, all registered
// against a private registry rather than prometheus.DefaultRegisterer — see
// the teacher's internal/observability/metrics.go for the same discipline.
type Registry struct {
	registry *prometheus.Registry

	eventsProcessed    *prometheus.CounterVec
	processingTime     *prometheus.HistogramVec
	ewmaProcessingTime *prometheus.GaugeVec
	queueDepth         prometheus.Gauge
	eventsDropped      prometheus.Counter
	alertsEmitted      *prometheus.CounterVec
	trackedSources     prometheus.Gauge
	workerRestarts     *prometheus.CounterVec
	uptimeSeconds      prometheus.Gauge

	startedAt time.Time
}

// NewRegistry builds and registers the full hids collector set.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hids",
			Name:      "events_processed_total",
			Help:      "Total detection events processed, by worker and outcome.",
		}, []string{"worker", "outcome"}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hids",
			Name:      "event_processing_seconds",
			Help:      "Per-event processing latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"worker"}),
		ewmaProcessingTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hids",
			Name:      "event_processing_ewma_seconds",
			Help:      "Exponentially weighted moving average of event processing time.",
		}, []string{"worker"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hids",
			Name:      "event_queue_depth",
			Help:      "Current depth of the bounded event queue.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hids",
			Name:      "events_dropped_total",
			Help:      "Events dropped due to backpressure.",
		}),
		alertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hids",
			Name:      "alerts_emitted_total",
			Help:      "Alerts emitted, by severity.",
		}, []string{"severity"}),
		trackedSources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hids",
			Name:      "tracked_sources",
			Help:      "Number of source IPs currently tracked by the engine.",
		}),
		workerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hids",
			Name:      "worker_restarts_total",
			Help:      "Worker restarts performed by the supervisor, by worker id.",
		}, []string{"worker"}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hids",
			Name:      "uptime_seconds",
			Help:      "Seconds since the agent started.",
		}),
		startedAt: time.Now(),
	}

	reg.MustRegister(
		r.eventsProcessed,
		r.processingTime,
		r.ewmaProcessingTime,
		r.queueDepth,
		r.eventsDropped,
		r.alertsEmitted,
		r.trackedSources,
		r.workerRestarts,
		r.uptimeSeconds,
	)

	return r
}

// SetQueueDepth records the current event queue depth.
func (r *Registry) SetQueueDepth(n int) { r.queueDepth.Set(float64(n)) }

// IncDropped increments the dropped-event counter.
func (r *Registry) IncDropped() { r.eventsDropped.Inc() }

// IncAlert increments the emitted-alert counter for severity.
func (r *Registry) IncAlert(severity string) { r.alertsEmitted.WithLabelValues(severity).Inc() }

// SetTrackedSources records the current number of tracked source IPs.
func (r *Registry) SetTrackedSources(n int) { r.trackedSources.Set(float64(n)) }

// IncWorkerRestart increments the restart counter for a worker id.
func (r *Registry) IncWorkerRestart(worker string) { r.workerRestarts.WithLabelValues(worker).Inc() }

// ServeMetrics starts a loopback-only HTTP server exposing /metrics and
// /healthz, mirroring the teacher's ServeMetrics. It blocks until ctx is
// cancelled.
func (r *Registry) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":         "ok",
			"uptime_seconds": time.Since(r.startedAt).Seconds(),
		})
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.uptimeSeconds.Set(time.Since(r.startedAt).Seconds())
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
