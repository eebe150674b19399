// Package runtime supervises the worker pool: it starts N detection
// workers, watches their heartbeats, restarts ones that go quiet up to a
// restart limit, and reports an overall health score.
//
// Grounded on original_source/src/detection_context.py's DetectionRuntime
// (HEARTBEAT_INTERVAL=5s, WORKER_RESTART_LIMIT=3) and its RuntimeManager
// process-wide singleton, whose get_instance/reset_instance pair this
// package ports as GetInstance/ResetInstance guarded by a sync.Cond-backed
// ready gate rather than Go's sync.Once, because ResetInstance must be able
// to re-arm the gate for the next GetInstance call — something Once cannot
// undo.
package runtime

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sirteggun/hids/internal/baseline"
	"github.com/sirteggun/hids/internal/config"
	"github.com/sirteggun/hids/internal/metrics"
	"github.com/sirteggun/hids/internal/worker"
)

// WorkerFactory builds a new Worker for slot id. The Runtime calls this both
// at startup and whenever a worker needs restarting, so a Worker is never
// reused across goroutine lifetimes.
type WorkerFactory func(id string) *worker.Worker

// Runtime owns one worker pool and its supervisor goroutine.
type Runtime struct {
	cfg     config.RuntimeConfig
	log     *zap.Logger
	reg     *metrics.Registry
	factory WorkerFactory

	mu          sync.Mutex
	heartbeats  map[string]time.Time
	restarts    map[string]int
	abandoned   map[string]bool
	cancels     map[string]context.CancelFunc
	workerWG    sync.WaitGroup
	supervisorDone chan struct{}
	stopSupervisor context.CancelFunc

	startedAt time.Time
}

// New builds a Runtime. factory is called once per worker slot at Start and
// again every time that slot is restarted.
func New(cfg config.RuntimeConfig, log *zap.Logger, reg *metrics.Registry, factory WorkerFactory) *Runtime {
	return &Runtime{
		cfg:        cfg,
		log:        log,
		reg:        reg,
		factory:    factory,
		heartbeats: make(map[string]time.Time),
		restarts:   make(map[string]int),
		abandoned:  make(map[string]bool),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Start launches NumWorkers worker goroutines plus the supervisor loop. It
// returns once all workers are running; the supervisor continues until ctx
// is cancelled or Stop is called.
func (r *Runtime) Start(ctx context.Context) {
	r.startedAt = time.Now()
	r.supervisorDone = make(chan struct{})
	ctx, r.stopSupervisor = context.WithCancel(ctx)

	for i := 0; i < r.cfg.NumWorkers; i++ {
		id := workerID(i)
		r.startWorkerLocked(ctx, id)
	}

	go r.monitorWorkers(ctx)
}

func (r *Runtime) startWorkerLocked(ctx context.Context, id string) {
	workerCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.cancels[id] = cancel
	r.heartbeats[id] = time.Now()
	r.mu.Unlock()

	w := r.factory(id)
	w.Heartbeat = func() { r.touch(id) }

	r.workerWG.Add(1)
	go func() {
		defer r.workerWG.Done()
		w.Run(workerCtx)
	}()
}

func (r *Runtime) touch(id string) {
	r.mu.Lock()
	r.heartbeats[id] = time.Now()
	r.mu.Unlock()
}

// monitorWorkers polls heartbeats every HeartbeatInterval and restarts any
// worker silent for more than 3x that interval, up to WorkerRestartLimit
// restarts per slot, mirroring _monitor_workers/_restart_worker.
func (r *Runtime) monitorWorkers(ctx context.Context) {
	defer close(r.supervisorDone)

	interval := r.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	staleAfter := 3 * interval

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkHeartbeats(ctx, staleAfter)
		}
	}
}

func (r *Runtime) checkHeartbeats(ctx context.Context, staleAfter time.Duration) {
	now := time.Now()

	var stale []string
	r.mu.Lock()
	for id, last := range r.heartbeats {
		if r.abandoned[id] {
			continue
		}
		if now.Sub(last) > staleAfter {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.restartWorker(ctx, id)
	}
}

func (r *Runtime) restartWorker(ctx context.Context, id string) {
	r.mu.Lock()
	if cancel, ok := r.cancels[id]; ok {
		cancel()
	}
	r.restarts[id]++
	count := r.restarts[id]
	limit := r.cfg.WorkerRestartLimit
	r.mu.Unlock()

	if limit > 0 && count > limit {
		r.mu.Lock()
		r.abandoned[id] = true
		r.mu.Unlock()
		if r.log != nil {
			r.log.Error("runtime: worker exceeded restart limit, abandoning",
				zap.String("worker", id), zap.Int("restarts", count))
		}
		return
	}

	if r.log != nil {
		r.log.Warn("runtime: restarting unresponsive worker",
			zap.String("worker", id), zap.Int("attempt", count))
	}
	if r.reg != nil {
		r.reg.IncWorkerRestart(id)
	}

	r.startWorkerLocked(ctx, id)
}

// Stop stops the supervisor, cancels all workers and waits up to timeout for
// them to drain.
func (r *Runtime) Stop(timeout time.Duration) {
	if r.stopSupervisor != nil {
		r.stopSupervisor()
	}
	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		if r.log != nil {
			r.log.Warn("runtime: drain timeout exceeded, proceeding with shutdown")
		}
	}
}

// Health is a point-in-time summary of worker-pool health.
type Health struct {
	UptimeSeconds   float64        `json:"uptime_seconds"`
	WorkerCount     int            `json:"worker_count"`
	AbandonedCount  int            `json:"abandoned_count"`
	Restarts        map[string]int `json:"restarts"`
	HealthScore     float64        `json:"health_score"`
}

// HealthStatus reports the current worker-pool health, mirroring
// health_status/_compute_health_score: the score is the fraction of worker
// slots that have not been abandoned. A slot whose heartbeat is stale but
// that has not yet been abandoned still counts as healthy.
func (r *Runtime) HealthStatus() Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := len(r.heartbeats)
	abandoned := 0
	restarts := make(map[string]int, len(r.restarts))
	for id, n := range r.restarts {
		restarts[id] = n
	}
	for _, down := range r.abandoned {
		if down {
			abandoned++
		}
	}

	score := 1.0
	if total > 0 {
		score = float64(total-abandoned) / float64(total)
	}

	return Health{
		UptimeSeconds:  time.Since(r.startedAt).Seconds(),
		WorkerCount:    total,
		AbandonedCount: abandoned,
		Restarts:       restarts,
		HealthScore:    score,
	}
}

// GetThreshold returns the current anomaly threshold over the global
// baseline series, mirroring DetectionRuntime.get_threshold(). This is the
// global surface: independent of any per-source internal/engine.History, fed
// only by explicit UpdateBaseline calls (never automatically by a worker's
// processing of a single event), matching detection_context.py where
// get_threshold/update_baseline are exposed API, not hot-path side effects.
func (r *Runtime) GetThreshold() float64 {
	return baseline.GetBaselineThreshold()
}

// UpdateBaseline feeds n into the global baseline series, mirroring
// DetectionRuntime.update_baseline(failed_count).
func (r *Runtime) UpdateBaseline(n float64) {
	baseline.UpdateBaseline(n)
}

func workerID(i int) string {
	return "worker-" + strconv.Itoa(i)
}
