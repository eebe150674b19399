package executor

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestSafeReturnsResultOnSuccess(t *testing.T) {
	got, err := Safe(zap.NewNop(), "test.fn", "", 0, func() (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestSafeSwallowsNonFatalError(t *testing.T) {
	got, err := Safe(zap.NewNop(), "test.fn", "arg", -1, func() (int, error) {
		return 0, errors.New("transient failure")
	})
	if err != nil {
		t.Fatalf("expected non-fatal error to be swallowed, got %v", err)
	}
	if got != -1 {
		t.Fatalf("got %d, want default -1", got)
	}
}

func TestSafePropagatesFatalError(t *testing.T) {
	sentinel := errors.New("disk full")
	_, err := Safe(zap.NewNop(), "test.fn", "", 0, func() (int, error) {
		return 0, MarkFatal(sentinel)
	})
	if err == nil {
		t.Fatalf("expected fatal error to propagate")
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected propagated error to unwrap to sentinel, got %v", err)
	}
}

func TestSafeVoidPropagatesFatal(t *testing.T) {
	err := SafeVoid(zap.NewNop(), "test.fn", "", func() error {
		return MarkFatal(errors.New("boom"))
	})
	if !IsFatal(err) {
		t.Fatalf("expected SafeVoid to propagate a fatal error")
	}
}

func TestSafeVoidSwallowsNonFatal(t *testing.T) {
	err := SafeVoid(zap.NewNop(), "test.fn", "", func() error {
		return errors.New("oops")
	})
	if err != nil {
		t.Fatalf("expected non-fatal error to be swallowed, got %v", err)
	}
}

func TestSafeLogNeverPanicsWithNilLogger(t *testing.T) {
	_, err := Safe(nil, "test.fn", "", 0, func() (int, error) {
		return 0, errors.New("failure with no logger configured")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTruncateLongArgSummary(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	got := truncate(string(long), 200)
	if len(got) != 203 { // 200 chars + "..."
		t.Fatalf("len(truncate(...)) = %d, want 203", len(got))
	}
}
