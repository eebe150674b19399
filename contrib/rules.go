// Package contrib is the extension point for community-contributed scoring
// rules, adapted from the teacher's AnomalyScorer plugin registry
// (contrib/scorer.go in the original OCTOREFLEX tree) onto
// internal/engine.Rule: instead of scoring a process's feature vector
// against a Mahalanobis baseline, a contrib rule here adds to (or annotates)
// the score of one failed-login attempt from one source IP.
//
// Rule registration:
//
//	Plugins register themselves in an init() function using RegisterRule().
//	The agent selects active rules via config:
//
//	  engine:
//	    rules: ["zscore-baseline"]
//
// Rule contract:
//   - Adjust() must be goroutine-safe; the engine may call it from several
//     worker goroutines concurrently for different sources.
//   - Adjust() must not block on I/O.
//   - Adjust() must not panic; the engine recovers but treats a panic as a
//     zero contribution and logs it.
//   - Name() must return a stable, unique string (used as a config key).
package contrib

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirteggun/hids/internal/baseline"
	"github.com/sirteggun/hids/internal/engine"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]engine.Rule)
)

// RegisterRule registers a custom scoring rule. Panics if a rule with the
// same name is already registered. Call from init() functions in plugin
// packages.
func RegisterRule(r engine.Rule) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[r.Name()]; exists {
		panic(fmt.Sprintf("contrib: rule %q already registered", r.Name()))
	}
	registry[r.Name()] = r
}

// GetRule returns the registered rule with the given name.
func GetRule(name string) (engine.Rule, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	r, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("contrib: rule %q not registered (available: %v)", name, listNames())
	}
	return r, nil
}

// ListRules returns the names of all registered rules.
func ListRules() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return listNames()
}

// Resolve looks up each name in names via GetRule, skipping (and not
// failing on) names that aren't registered, and returns the resolved set in
// the order requested. Used by cmd/hids to turn config.Engine.Rules into
// engine.Rule values at startup.
func Resolve(names []string) []engine.Rule {
	rules := make([]engine.Rule, 0, len(names))
	for _, name := range names {
		if r, err := GetRule(name); err == nil {
			rules = append(rules, r)
		}
	}
	return rules
}

func listNames() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	return names
}

// ZScoreBaselineRule is a reference rule bundled with contrib itself: it
// keeps its own per-source score history and adds a bonus once a source's
// score looks anomalous against that history's population statistics.
// Community rules should live in contrib/rules/<name>/<name>.go.
type ZScoreBaselineRule struct {
	mu    sync.Mutex
	hist  map[string]*baseline.History
	bonus float64
}

// NewZScoreBaselineRule returns a ZScoreBaselineRule that adds bonus to a
// source's score whenever baseline.History.Anomalous reports true for it.
func NewZScoreBaselineRule(bonus float64) *ZScoreBaselineRule {
	return &ZScoreBaselineRule{hist: make(map[string]*baseline.History), bonus: bonus}
}

func init() {
	RegisterRule(NewZScoreBaselineRule(2.0))
}

// Name returns "zscore-baseline".
func (z *ZScoreBaselineRule) Name() string { return "zscore-baseline" }

// Adjust records state.Score into the source's history and returns the
// configured bonus if the new value is anomalous relative to that history.
func (z *ZScoreBaselineRule) Adjust(source string, state engine.Snapshot, _ time.Time) float64 {
	z.mu.Lock()
	h, ok := z.hist[source]
	if !ok {
		h = baseline.NewHistory()
		z.hist[source] = h
	}
	z.mu.Unlock()

	anomalous := h.Anomalous(state.Score)
	h.Update(state.Score)

	if anomalous {
		return z.bonus
	}
	return 0
}
