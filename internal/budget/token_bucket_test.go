package budget

import (
	"testing"
	"time"
)

func TestConsumeRespectsCapacity(t *testing.T) {
	b := New(10, time.Hour)
	defer b.Close()

	if !b.Consume(10) {
		t.Fatalf("expected full-capacity consume to succeed")
	}
	if b.Consume(1) {
		t.Fatalf("expected consume to fail once the bucket is empty")
	}
	if b.Remaining() != 0 {
		t.Fatalf("Remaining() = %d, want 0", b.Remaining())
	}
}

func TestConsumeForSeverityUsesCostModel(t *testing.T) {
	b := New(20, time.Hour)
	defer b.Close()

	if !b.ConsumeForSeverity("CRITICAL") {
		t.Fatalf("expected CRITICAL (cost 20) to be affordable from a 20-token bucket")
	}
	if b.Remaining() != 0 {
		t.Fatalf("Remaining() = %d, want 0 after spending the full bucket on one CRITICAL alert", b.Remaining())
	}
}

func TestUnrecognisedSeverityCostsOne(t *testing.T) {
	b := New(1, time.Hour)
	defer b.Close()

	if !b.ConsumeForSeverity("unknown") {
		t.Fatalf("expected an unrecognised severity to cost exactly 1 token")
	}
}

func TestRefillRestoresCapacity(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	defer b.Close()

	b.Consume(1)
	time.Sleep(50 * time.Millisecond)
	if !b.Consume(1) {
		t.Fatalf("expected the bucket to have refilled after waiting past the refill period")
	}
}

func TestNewPanicsOnInvalidArgs(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected New(0, ...) to panic")
		}
	}()
	New(0, time.Second)
}
