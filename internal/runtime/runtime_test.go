package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/sirteggun/hids/internal/config"
	"github.com/sirteggun/hids/internal/eventqueue"
	"github.com/sirteggun/hids/internal/worker"
)

func testRuntimeConfig() config.RuntimeConfig {
	return config.RuntimeConfig{
		NumWorkers:                2,
		HeartbeatInterval:         20 * time.Millisecond,
		WorkerRestartLimit:        3,
		ReportInterval:            time.Hour,
		BackpressureCheckInterval: time.Hour,
		DequeueTimeout:            10 * time.Millisecond,
	}
}

type noopEngine struct{}

func (noopEngine) ProcessFailedLogin(string) bool { return false }

func TestStartLaunchesConfiguredWorkerCount(t *testing.T) {
	cfg := testRuntimeConfig()
	q := eventqueue.New(8, 8, eventqueue.PolicyWarn, nil)

	rt := New(cfg, nil, nil, func(id string) *worker.Worker {
		return &worker.Worker{ID: id, Queue: q, Engine: noopEngine{}, Cfg: cfg}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)

	h := rt.HealthStatus()
	if h.WorkerCount != cfg.NumWorkers {
		t.Fatalf("WorkerCount = %d, want %d", h.WorkerCount, cfg.NumWorkers)
	}
	if h.HealthScore != 1 {
		t.Fatalf("HealthScore = %v, want 1 immediately after start", h.HealthScore)
	}
}

func TestStopDrainsWorkersWithinTimeout(t *testing.T) {
	cfg := testRuntimeConfig()
	q := eventqueue.New(8, 8, eventqueue.PolicyWarn, nil)

	rt := New(cfg, nil, nil, func(id string) *worker.Worker {
		return &worker.Worker{ID: id, Queue: q, Engine: noopEngine{}, Cfg: cfg}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)

	done := make(chan struct{})
	go func() {
		rt.Stop(2 * time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Stop did not return within its own timeout budget")
	}
}

func TestManagerGetInstanceBuildsOnce(t *testing.T) {
	m := newManager()
	builds := 0
	build := func() *Runtime {
		builds++
		return New(testRuntimeConfig(), nil, nil, func(id string) *worker.Worker {
			return &worker.Worker{ID: id, Queue: eventqueue.New(1, 1, eventqueue.PolicyWarn, nil), Engine: noopEngine{}}
		})
	}

	first := m.GetInstance(build)
	second := m.GetInstance(build)
	if first != second {
		t.Fatalf("expected GetInstance to return the same Runtime across calls")
	}
	if builds != 1 {
		t.Fatalf("build() called %d times, want 1", builds)
	}
}

func TestManagerResetInstanceForcesRebuild(t *testing.T) {
	m := newManager()
	build := func() *Runtime {
		return New(testRuntimeConfig(), nil, nil, func(id string) *worker.Worker {
			return &worker.Worker{ID: id, Queue: eventqueue.New(1, 1, eventqueue.PolicyWarn, nil), Engine: noopEngine{}}
		})
	}

	first := m.GetInstance(build)
	m.ResetInstance()
	second := m.GetInstance(build)

	if first == second {
		t.Fatalf("expected ResetInstance to force a new Runtime on the next GetInstance call")
	}
}
