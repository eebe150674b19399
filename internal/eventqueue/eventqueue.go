// Package eventqueue wraps a bounded Go channel with the backpressure
// policies described in SPEC_FULL.md §4.7: drop the newest event, delay the
// producer for up to 5s, or warn-and-enqueue-anyway. Grounded on the teacher's
// internal/kernel/events.go non-blocking select/default drop pattern and
// original_source/src/detection_context.py's submit_event.
package eventqueue

import (
	"time"

	"go.uber.org/zap"
)

// Policy names a backpressure behaviour once the queue depth crosses its
// configured threshold.
type Policy string

const (
	PolicyDrop  Policy = "drop"
	PolicyDelay Policy = "delay"
	PolicyWarn  Policy = "warn"
)

// Event is one failed-login observation handed from the tailer to the
// worker pool.
type Event struct {
	Source    string
	Line      string
	Timestamp time.Time
}

// Queue is a bounded event channel with a configurable soft backpressure
// threshold and policy.
type Queue struct {
	ch        chan Event
	threshold int
	policy    Policy
	log       *zap.Logger

	dropped int64
}

// New builds a Queue with the given capacity, backpressure threshold, and
// policy.
func New(capacity, threshold int, policy Policy, log *zap.Logger) *Queue {
	return &Queue{
		ch:        make(chan Event, capacity),
		threshold: threshold,
		policy:    policy,
		log:       log,
	}
}

// Submit enqueues ev according to the configured policy once the queue
// depth reaches threshold. It mirrors submit_event's three branches:
// PolicyDrop discards the event and counts it, PolicyDelay waits up to 5s
// for room in the channel before dropping, and PolicyWarn logs then enqueues
// unconditionally (falling back to a blocking send if the channel is full).
func (q *Queue) Submit(ev Event) (accepted bool) {
	depth := len(q.ch)

	if depth < q.threshold {
		select {
		case q.ch <- ev:
			return true
		default:
			// Channel filled between the depth check and the send; fall
			// through to the backpressure policy below.
		}
	}

	switch q.policy {
	case PolicyDrop:
		q.dropped++
		if q.log != nil {
			q.log.Warn("eventqueue: dropping event under backpressure",
				zap.Int("depth", depth), zap.Int("threshold", q.threshold))
		}
		return false
	case PolicyDelay:
		select {
		case q.ch <- ev:
			return true
		case <-time.After(5 * time.Second):
			select {
			case q.ch <- ev:
				return true
			default:
				q.dropped++
				return false
			}
		}
	default: // PolicyWarn
		if q.log != nil {
			q.log.Warn("eventqueue: queue depth past backpressure threshold",
				zap.Int("depth", depth), zap.Int("threshold", q.threshold))
		}
		q.ch <- ev
		return true
	}
}

// Receive returns the channel workers read from.
func (q *Queue) Receive() <-chan Event { return q.ch }

// Depth returns the current queue length.
func (q *Queue) Depth() int { return len(q.ch) }

// Dropped returns the cumulative number of events dropped by PolicyDrop or
// PolicyDelay's final fallback.
func (q *Queue) Dropped() int64 { return q.dropped }

// Close closes the underlying channel. Callers must ensure no further
// Submit calls occur afterward.
func (q *Queue) Close() { close(q.ch) }
