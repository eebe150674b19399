// Package budget implements a token bucket rate limiter used to cap the
// rate of emitted alerts, so a sustained burst of failed logins across many
// source IPs cannot flood the alert sink (and whatever consumes it
// downstream) with one record per attempt.
//
// Cost model: an alert's severity determines how many tokens it consumes —
// LOW costs 1, MEDIUM 5, HIGH 10, CRITICAL 20 — so a handful of CRITICAL
// alerts exhausts the bucket faster than a stream of LOW ones, weighting
// the limiter toward the alerts an operator most needs to see first.
//
// Invariants:
//   - tokens in [0, capacity] at all times.
//   - Consume is atomic under mutex.
//   - the refill goroutine runs for the lifetime of the Bucket.
package budget

import (
	"sync"
	"sync/atomic"
	"time"
)

// CostModel maps alert severity to token cost.
var CostModel = map[string]int{
	"LOW":      1,
	"MEDIUM":   5,
	"HIGH":     10,
	"CRITICAL": 20,
}

// Bucket is a thread-safe token bucket.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	consumedTotal atomic.Uint64
	refillCount   atomic.Uint64

	stop chan struct{}
}

// New creates a Bucket with the given capacity and starts the refill
// goroutine. capacity and refillPeriod must be > 0. Call Close to stop the
// refill goroutine.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("budget.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("budget.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Consume attempts to consume cost tokens. Returns true if they were
// available and consumed, false if the alert should be suppressed.
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= cost {
		b.tokens -= cost
		b.consumedTotal.Add(uint64(cost))
		return true
	}
	return false
}

// ConsumeForSeverity consumes the standard cost for severity. Unrecognised
// severities cost 1.
func (b *Bucket) ConsumeForSeverity(severity string) bool {
	cost, ok := CostModel[severity]
	if !ok {
		cost = 1
	}
	return b.Consume(cost)
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the maximum token capacity.
func (b *Bucket) Capacity() int { return b.capacity }

// ConsumedTotal returns the lifetime total of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 { return b.consumedTotal.Load() }

// RefillCount returns the number of refill cycles completed.
func (b *Bucket) RefillCount() uint64 { return b.refillCount.Load() }

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() { close(b.stop) }
