package logging

import "testing"

func TestRuntimeAndDetectionAreDistinctLoggers(t *testing.T) {
	Reset()
	defer Reset()

	run := Runtime()
	det := Detection()
	if run == nil || det == nil {
		t.Fatalf("expected both loggers to be non-nil after first use")
	}
	if run == det {
		t.Fatalf("expected Runtime() and Detection() to return distinct loggers")
	}
}

func TestRuntimeReturnsSameLoggerAcrossCalls(t *testing.T) {
	Reset()
	defer Reset()

	Configure(Options{DebugMode: true, RuntimeLogDir: t.TempDir(), MaxSizeMB: 1, MaxBackups: 1})
	first := Runtime()
	second := Runtime()
	if first != second {
		t.Fatalf("expected repeated Runtime() calls to return the same configured logger")
	}
}

func TestResetForcesRebuildWithNewOptions(t *testing.T) {
	Reset()
	defer Reset()

	Configure(Options{RuntimeLogDir: t.TempDir()})
	first := Runtime()

	Reset()
	Configure(Options{RuntimeLogDir: t.TempDir()})
	second := Runtime()

	if first == second {
		t.Fatalf("expected Reset to force a new logger instance")
	}
}
