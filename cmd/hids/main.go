// Command hids is the host intrusion detection agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/hids/config.yaml.
//  2. Initialise structured loggers (zap: runtime, detection, console).
//  3. Set up the structured alert sink (rotating file).
//  4. Start the Prometheus metrics server (loopback-only).
//  5. Build the detection engine, wiring in any configured contrib rules.
//  6. Start the log tailer, feeding a bounded event queue.
//  7. Start the worker pool and its supervisor.
//  8. Register a SIGHUP handler for config hot-reload.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to tailer, workers, supervisor).
//  2. Wait up to 5s for the worker pool to drain.
//  3. Close the alert sink and tailer file handle.
//  4. Flush loggers.
//  5. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sirteggun/hids/contrib"
	"github.com/sirteggun/hids/internal/alerts"
	"github.com/sirteggun/hids/internal/budget"
	"github.com/sirteggun/hids/internal/config"
	"github.com/sirteggun/hids/internal/engine"
	"github.com/sirteggun/hids/internal/eventqueue"
	"github.com/sirteggun/hids/internal/logging"
	"github.com/sirteggun/hids/internal/metrics"
	"github.com/sirteggun/hids/internal/operator"
	"github.com/sirteggun/hids/internal/runtime"
	"github.com/sirteggun/hids/internal/tailer"
	"github.com/sirteggun/hids/internal/worker"
)

func main() {
	configPath := flag.String("config", "/etc/hids/config.yaml", "Path to config.yaml")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hids %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ──────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Loggers ──────────────────────────────────────────────────────
	logging.Configure(logging.Options{
		DebugMode:     cfg.Observability.LogLevel == "debug",
		RuntimeLogDir: "logs",
		MaxSizeMB:     2,
		MaxBackups:    3,
	})
	runLog := logging.Runtime()
	detLog := logging.Detection()
	defer runLog.Sync() //nolint:errcheck
	defer detLog.Sync() //nolint:errcheck

	runLog.Info("hids starting",
		zap.String("version", config.Version),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Alert sink ───────────────────────────────────────────────────
	sink, err := alerts.SetupAlertSystem(cfg.Alerts, detLog)
	if err != nil {
		runLog.Fatal("alert sink setup failed", zap.Error(err))
	}
	defer sink.Close() //nolint:errcheck

	if cfg.Alerts.RateLimitCapacity > 0 {
		limiter := budget.New(cfg.Alerts.RateLimitCapacity, cfg.Alerts.RateLimitRefill)
		defer limiter.Close()
		sink.WithRateLimit(limiter)
	}

	// ── Step 4: Prometheus metrics ───────────────────────────────────────────
	reg := metrics.NewRegistry()
	go func() {
		if err := reg.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			runLog.Error("metrics server error", zap.Error(err))
		}
	}()
	runLog.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 5: Detection engine ─────────────────────────────────────────────
	rules := contrib.Resolve(cfg.Engine.Rules)
	det := engine.New(cfg.Engine, detLog, sink, engine.WithRules(rules...))
	runLog.Info("detection engine initialised", zap.Strings("rules", cfg.Engine.Rules))

	// ── Step 6: Log tailer and event queue ───────────────────────────────────
	queue := eventqueue.New(cfg.Queue.Capacity, cfg.Queue.BackpressureThreshold,
		eventqueue.Policy(cfg.Queue.BackpressurePolicy), runLog)

	t, err := tailer.New(cfg.Tailer.LogFile, cfg.Tailer.PollInterval, cfg.Tailer.DedupWindow, runLog)
	if err != nil {
		runLog.Fatal("tailer init failed", zap.Error(err), zap.String("log_file", cfg.Tailer.LogFile))
	}
	defer t.Close() //nolint:errcheck

	go func() {
		if err := t.Run(ctx, queue); err != nil {
			runLog.Error("tailer stopped with error", zap.Error(err))
		}
	}()
	runLog.Info("log tailer started", zap.String("log_file", cfg.Tailer.LogFile))

	// ── Step 7: Worker pool and supervisor ───────────────────────────────────
	rt := runtime.GetInstance(func() *runtime.Runtime {
		return runtime.New(cfg.Runtime, runLog, reg, func(id string) *worker.Worker {
			return &worker.Worker{
				ID:      id,
				Queue:   queue,
				Engine:  det,
				Metrics: metrics.NewWorkerMetrics(reg, id),
				Reg:     reg,
				Log:     detLog,
				Cfg:     cfg.Runtime,
			}
		})
	})
	rt.Start(ctx)
	runLog.Info("worker pool started", zap.Int("workers", cfg.Runtime.NumWorkers))

	go trackedSourcesLoop(ctx, reg, det)

	// ── Step 7.5: Operator control socket (optional) ─────────────────────────
	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, engineRegistry{det}, runtimeHealth{rt}, runLog)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				runLog.Error("operator socket error", zap.Error(err))
			}
		}()
		runLog.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	}

	// ── Step 8: SIGHUP hot-reload ─────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			runLog.Info("SIGHUP received, reloading config")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				runLog.Error("config hot-reload failed, retaining old config", zap.Error(err))
				continue
			}
			runLog.Info("config hot-reload successful",
				zap.Float64("risk_threshold", newCfg.Engine.RiskThreshold))
			// Thresholds/weights/log-level are applied on the next restart;
			// a live, atomic swap of engine.cfg is left as future work.
		}
	}()

	// ── Step 9: Wait for shutdown signal ──────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	runLog.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	rt.Stop(5 * time.Second)

	runLog.Info("hids shutdown complete")
}

// engineRegistry adapts *engine.Engine to operator.StateRegistry.
type engineRegistry struct{ e *engine.Engine }

func (r engineRegistry) Snapshot(source string) (score float64, attemptCount int, found bool) {
	snap, ok := r.e.Snapshot(source)
	if !ok {
		return 0, 0, false
	}
	return snap.Score, snap.AttemptCount, true
}

func (r engineRegistry) Reset(source string) bool { return r.e.Reset(source) }

func (r engineRegistry) ListTracked() []operator.SourceStatus {
	snaps := r.e.ListTracked()
	out := make([]operator.SourceStatus, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, operator.SourceStatus{Source: s.Source, Score: s.Score, AttemptCount: s.AttemptCount})
	}
	return out
}

// runtimeHealth adapts *runtime.Runtime to operator.HealthProvider.
type runtimeHealth struct{ rt *runtime.Runtime }

func (r runtimeHealth) HealthStatus() interface{} { return r.rt.HealthStatus() }

// trackedSourcesLoop periodically publishes the engine's tracked-source
// count as a gauge, kept here rather than inside the engine so the engine
// package stays free of any Prometheus dependency.
func trackedSourcesLoop(ctx context.Context, reg *metrics.Registry, det *engine.Engine) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.SetTrackedSources(det.TrackedCount())
		}
	}
}
