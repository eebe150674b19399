// Package worker runs the detection worker loop: dequeue an event, run it
// through the engine behind a non-fatal error barrier, record metrics, and
// periodically log a throughput summary and backpressure sample.
//
// Grounded on original_source/src/worker.py's detection_worker: a 1s dequeue
// timeout so shutdown is noticed promptly, REPORT_INTERVAL=60s summaries,
// and BACKPRESSURE_CHECK_INTERVAL=10s queue-depth sampling.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sirteggun/hids/internal/config"
	"github.com/sirteggun/hids/internal/eventqueue"
	"github.com/sirteggun/hids/internal/executor"
	"github.com/sirteggun/hids/internal/metrics"
)

// Engine is the subset of engine.Engine a worker needs. Declared locally so
// worker does not import engine directly, keeping the dependency direction
// the same as the teacher's capability-interface style.
type Engine interface {
	ProcessFailedLogin(source string) bool
}

// Worker drains one eventqueue.Queue against one Engine, reporting into one
// WorkerMetrics. Each worker goroutine owns exactly one Worker.
type Worker struct {
	ID      string
	Queue   *eventqueue.Queue
	Engine  Engine
	Metrics *metrics.WorkerMetrics
	Reg     *metrics.Registry
	Log     *zap.Logger
	Cfg     config.RuntimeConfig

	// Heartbeat, if non-nil, is called after every dequeue-timeout tick and
	// before every dequeued event is processed, so a supervisor can detect a
	// hung worker.
	Heartbeat func()
}

// Run drains the queue until ctx is cancelled. It never returns an error on
// its own account; individual event-processing failures are absorbed by
// executor.Safe so one bad event cannot stop the loop.
func (w *Worker) Run(ctx context.Context) {
	timeout := w.Cfg.DequeueTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	reportEvery := w.Cfg.ReportInterval
	if reportEvery <= 0 {
		reportEvery = 60 * time.Second
	}
	backpressureEvery := w.Cfg.BackpressureCheckInterval
	if backpressureEvery <= 0 {
		backpressureEvery = 10 * time.Second
	}

	reportTicker := time.NewTicker(reportEvery)
	defer reportTicker.Stop()
	backpressureTicker := time.NewTicker(backpressureEvery)
	defer backpressureTicker.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-w.Queue.Receive():
			w.beat()
			w.process(ev)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)

		case <-timer.C:
			w.beat()
			timer.Reset(timeout)

		case <-reportTicker.C:
			w.reportSummary()

		case <-backpressureTicker.C:
			w.sampleBackpressure()
		}
	}
}

func (w *Worker) beat() {
	if w.Heartbeat != nil {
		w.Heartbeat()
	}
}

func (w *Worker) process(ev eventqueue.Event) {
	if ev.Source == "" {
		// Empty sentinel: skipped without counting as processed.
		return
	}
	start := time.Now()

	_ = executor.SafeVoid(w.Log, "worker.process", ev.Source, func() error {
		w.Engine.ProcessFailedLogin(ev.Source)
		return nil
	})

	elapsed := time.Since(start)
	success := true // executor.SafeVoid already absorbed any non-fatal failure
	if w.Metrics != nil {
		w.Metrics.Update(success, elapsed)
	}
}

func (w *Worker) reportSummary() {
	if w.Metrics == nil || w.Log == nil {
		return
	}
	snap := w.Metrics.GetSnapshot()
	w.Log.Info("worker: throughput summary",
		zap.String("worker", w.ID),
		zap.Int64("total_processed", snap.TotalProcessed),
		zap.Int64("success_count", snap.SuccessCount),
		zap.Int64("failure_count", snap.FailureCount),
		zap.Float64("ewma_processing_time_seconds", snap.EWMAProcessingSec),
	)
}

func (w *Worker) sampleBackpressure() {
	depth := w.Queue.Depth()
	if w.Reg != nil {
		w.Reg.SetQueueDepth(depth)
	}
	if w.Log != nil && depth > 0 {
		w.Log.Debug("worker: queue depth sample", zap.String("worker", w.ID), zap.Int("depth", depth))
	}
}
