// Package engine implements the core failed-login scoring algorithm:
// per-source risk scores that decay over time, burst detection, a
// sample-baseline anomaly check, and three independent, cooldown-gated
// alert rules.
//
// Grounded on original_source/src/detector.py's DetectionEngine and its
// nine-step process_failed_login pipeline. The teacher's
// internal/anomaly/engine.go contributed the Engine/capability-interface
// shape (a scoring engine exposing a thread-safety capability), though its
// Mahalanobis-distance math is not reused here — detector.py's scoring is a
// simple weighted accumulator, not a multivariate distance.
package engine

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sirteggun/hids/internal/alerts"
	"github.com/sirteggun/hids/internal/baseline"
	"github.com/sirteggun/hids/internal/config"
)

// Clock abstracts time so tests can drive decay/cooldown/TTL logic
// deterministically instead of sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// Rule is the extension point contributed by contrib: an optional
// scoring adjustment consulted after the built-in algorithm computes its
// score delta for an attempt. Rules cannot veto an attempt, only add to or
// annotate its score.
type Rule interface {
	// Name identifies the rule for logging.
	Name() string
	// Adjust returns an additional score delta to apply for this attempt.
	Adjust(source string, state Snapshot, now time.Time) float64
}

// sourceState is the per-IP tracked record. Mutated only while engine.mu is
// held, matching detector.py's single coarse lock around all bookkeeping
// dicts.
type sourceState struct {
	score       float64
	lastSeen    time.Time
	lastDecayAt time.Time
	attempts    []time.Time // timestamps within TimeWindow; failed_count is len(attempts)
	history     *baseline.History
}

// Snapshot is a read-only view of a source's current state, handed to Rules
// and exposed for diagnostics/tests.
type Snapshot struct {
	Source       string
	Score        float64
	AttemptCount int
	LastSeen     time.Time
}

// Engine is the per-process detection engine. The zero value is not usable;
// construct with New.
type Engine struct {
	mu      sync.Mutex
	sources map[string]*sourceState

	// cooldowns tracks the last-fired time per "{rule}_{source}" key, one
	// independent entry per alert rule per source, mirroring detector.py's
	// self.last_alert_time dict keyed by f"{rule}_{ip}". An absent key
	// behaves as never-fired, matching Python's dict.get(key, 0).
	cooldowns map[string]time.Time

	cfg   config.EngineConfig
	clock Clock
	log   *zap.Logger
	sink  *alerts.Sink
	rules []Rule

	lastCleanup time.Time
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithClock overrides the engine's time source (tests use a fake clock).
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRules registers contrib scoring rules consulted on every attempt.
func WithRules(rules ...Rule) Option {
	return func(e *Engine) { e.rules = append(e.rules, rules...) }
}

// New builds an Engine bound to cfg, logging to log and alerting through
// sink.
func New(cfg config.EngineConfig, log *zap.Logger, sink *alerts.Sink, opts ...Option) *Engine {
	e := &Engine{
		sources:   make(map[string]*sourceState),
		cooldowns: make(map[string]time.Time),
		cfg:       cfg,
		clock:     SystemClock{},
		log:       log,
		sink:      sink,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsThreadSafe reports that Engine may be shared across worker goroutines
// without external synchronisation, mirroring the capability method the
// teacher's anomaly.Engine exposes.
func (e *Engine) IsThreadSafe() bool { return true }

// ProcessFailedLogin records one failed-login attempt from source and
// returns whether any of the three alert rules fired. It implements
// detector.py's process_failed_login:
//
//  1. opportunistically evict stale/expired source records.
//  2. look up (or create) the source's tracked state.
//  3. apply score decay for elapsed time since last update.
//  4. prune attempts older than TimeWindow.
//  5. accumulate score: FailedLoginScore, + RepeatPenalty if any prior
//     attempt is still within the window, + RapidAttemptBonus if the most
//     recent prior attempt was within RapidAttemptWindow.
//  6. consult any contrib rules for additional score deltas.
//  7. append this attempt and update the source's sample-baseline history
//     with the resulting failed_count (not the score).
//  8. independently check, and cooldown-gate, three alert rules:
//     baseline (failed_count > history threshold), burst (burst_count >=
//     BurstThreshold), and risk (score >= RiskThreshold) — each keyed by
//     its own "{rule}_{source}" cooldown so one rule firing never starves
//     another.
func (e *Engine) ProcessFailedLogin(source string) bool {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.cleanupLocked(now)

	st, ok := e.sources[source]
	if !ok {
		st = &sourceState{lastSeen: now, lastDecayAt: now, history: baseline.NewHistory()}
		e.sources[source] = st
		e.evictIfOverCapacityLocked()
	}

	st.lastSeen = now
	e.applyDecayLocked(st, now)

	st.attempts = pruneOlderThan(st.attempts, now, e.cfg.TimeWindow)

	delta := e.cfg.FailedLoginScore
	if len(st.attempts) > 0 {
		delta += e.cfg.RepeatPenalty
		if now.Sub(st.attempts[len(st.attempts)-1]) < e.cfg.RapidAttemptWindow {
			delta += e.cfg.RapidAttemptBonus
		}
	}

	snap := Snapshot{Source: source, Score: st.score, AttemptCount: len(st.attempts), LastSeen: st.lastSeen}
	for _, rule := range e.rules {
		delta += safeAdjust(e.log, rule, source, snap, now)
	}

	st.score += delta
	st.attempts = append(st.attempts, now)

	failedCount := len(st.attempts)
	st.history.Update(float64(failedCount))

	triggered := false

	threshold := st.history.Threshold()
	if float64(failedCount) > threshold {
		key := cooldownKey("baseline", source)
		if e.canTriggerAlertLocked(key, now) {
			e.cooldowns[key] = now
			triggered = true
			e.emitMessageLocked(source,
				fmt.Sprintf("Behavioural anomaly detected from IP %s (count=%d, threshold=%.2f)", source, failedCount, threshold),
				map[string]interface{}{"rule": "baseline", "source": source, "count": failedCount, "threshold": threshold})
		}
	}

	burstCount := countWithin(st.attempts, now, e.cfg.BurstWindow)
	if burstCount >= e.cfg.BurstThreshold {
		key := cooldownKey("burst", source)
		if e.canTriggerAlertLocked(key, now) {
			e.cooldowns[key] = now
			triggered = true
			e.emitMessageLocked(source,
				fmt.Sprintf("Burst attack detected from IP %s (burst_count=%d)", source, burstCount),
				map[string]interface{}{"rule": "burst", "source": source, "burst_count": burstCount})
		}
	}

	if st.score >= e.cfg.RiskThreshold {
		key := cooldownKey("risk", source)
		if e.canTriggerAlertLocked(key, now) {
			e.cooldowns[key] = now
			triggered = true
			e.emitMessageLocked(source,
				fmt.Sprintf("High risk intrusion detected from IP %s (score=%v)", source, st.score),
				map[string]interface{}{"rule": "risk", "source": source, "score": st.score})
		}
	}

	return triggered
}

// BaselineThreshold returns the source's current sample-baseline anomaly
// threshold, mirroring detector.py's _get_baseline_threshold. It exists
// independently of RiskThreshold per SPEC_FULL.md §9.
func (e *Engine) BaselineThreshold(source string) float64 {
	e.mu.Lock()
	st, ok := e.sources[source]
	e.mu.Unlock()
	if !ok {
		return baseline.DefaultThreshold
	}
	return st.history.Threshold()
}

// Snapshot returns a read-only copy of a source's current tracked state.
func (e *Engine) Snapshot(source string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.sources[source]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{Source: source, Score: st.score, AttemptCount: len(st.attempts), LastSeen: st.lastSeen}, true
}

// TrackedCount returns the number of sources currently tracked.
func (e *Engine) TrackedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sources)
}

// Reset clears a source's tracked state entirely (score, history, attempts,
// alert cooldowns), as if it had never been seen. Used by the operator
// control socket to manually clear a false positive.
func (e *Engine) Reset(source string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sources[source]; !ok {
		return false
	}
	delete(e.sources, source)
	for _, rule := range [...]string{"baseline", "burst", "risk"} {
		delete(e.cooldowns, cooldownKey(rule, source))
	}
	return true
}

// ListTracked returns a snapshot of every currently tracked source.
func (e *Engine) ListTracked() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, 0, len(e.sources))
	for src, st := range e.sources {
		out = append(out, Snapshot{Source: src, Score: st.score, AttemptCount: len(st.attempts), LastSeen: st.lastSeen})
	}
	return out
}

func (e *Engine) applyDecayLocked(st *sourceState, now time.Time) {
	elapsed := now.Sub(st.lastDecayAt).Seconds()
	if elapsed <= 0 {
		return
	}
	st.score -= e.cfg.ScoreDecayPerSec * elapsed
	if st.score < 0 {
		st.score = 0
	}
	st.lastDecayAt = now
}

// canTriggerAlertLocked reports whether the alert cooldown for key has
// elapsed, mirroring _can_trigger_alert: an unset key (never fired)
// behaves as if last fired at time zero.
func (e *Engine) canTriggerAlertLocked(key string, now time.Time) bool {
	last, ok := e.cooldowns[key]
	if !ok {
		return true
	}
	return now.Sub(last) >= e.cfg.AlertCooldown
}

func cooldownKey(rule, source string) string {
	return rule + "_" + source
}

// cleanupLocked evicts sources whose last activity exceeds IPTTL, mirroring
// _cleanup_ips. Runs at most once per TimeWindow to bound cost.
func (e *Engine) cleanupLocked(now time.Time) {
	if !e.lastCleanup.IsZero() && now.Sub(e.lastCleanup) < e.cfg.TimeWindow {
		return
	}
	e.lastCleanup = now
	for src, st := range e.sources {
		if now.Sub(st.lastSeen) > e.cfg.IPTTL {
			delete(e.sources, src)
		}
	}
}

// evictIfOverCapacityLocked drops the least-recently-seen source once
// MaxTrackedIPs is exceeded, mirroring MAX_TRACKED_IPS enforcement.
func (e *Engine) evictIfOverCapacityLocked() {
	if e.cfg.MaxTrackedIPs <= 0 || len(e.sources) <= e.cfg.MaxTrackedIPs {
		return
	}
	var oldestSrc string
	var oldestAt time.Time
	for src, st := range e.sources {
		if oldestSrc == "" || st.lastSeen.Before(oldestAt) {
			oldestSrc = src
			oldestAt = st.lastSeen
		}
	}
	if oldestSrc != "" {
		delete(e.sources, oldestSrc)
	}
}

// emitMessageLocked sends a fixed-vocabulary detection alert via
// alerts.Sink.TriggerMessage, mirroring trigger_alert(message). This is
// deliberately distinct from alertmapping.ClassifyFailedLogin/
// alerts.GenerateAlert's severity_map, which SPEC_FULL.md §1/§9 place
// out of scope for the engine's own alert-firing path.
func (e *Engine) emitMessageLocked(source, message string, extra map[string]interface{}) {
	if e.sink == nil {
		return
	}
	e.sink.TriggerMessage(message, extra)
}

func pruneOlderThan(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := 0
	for i, t := range ts {
		if now.Sub(t) < window {
			cut = i
			break
		}
		cut = i + 1
	}
	if cut == 0 {
		return ts
	}
	return append([]time.Time(nil), ts[cut:]...)
}

// countWithin returns the number of timestamps in ts no older than window
// relative to now, mirroring len([t for t in attempts if now - t <= window]).
func countWithin(ts []time.Time, now time.Time, window time.Duration) int {
	n := 0
	for _, t := range ts {
		if now.Sub(t) <= window {
			n++
		}
	}
	return n
}

func safeAdjust(log *zap.Logger, rule Rule, source string, snap Snapshot, now time.Time) (delta float64) {
	defer func() {
		if r := recover(); r != nil {
			if log != nil {
				log.Error("engine: contrib rule panicked", zap.String("rule", rule.Name()), zap.Any("recover", r))
			}
			delta = 0
		}
	}()
	return rule.Adjust(source, snap, now)
}
