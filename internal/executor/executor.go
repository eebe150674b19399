// Package executor provides the single non-fatal error barrier used
// throughout the detection pipeline: one bad event, one flaky write, or one
// malformed log line must never tear down a worker, the tailer, or the
// supervisor.
//
// Contract (mirrors original_source/src/executor.py's PipelineExecutor):
//   - at most one invocation of the wrapped function per call.
//   - errors marked fatal with MarkFatal (anywhere in their wrap chain) are
//     returned to the caller, never swallowed. Safe and SafeVoid take no
//     per-call list of fatal error kinds.
//   - any other error is logged with the caller-supplied context and the
//     default value is returned.
//   - the wrapper never panics from its own logging path.
package executor

import (
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// Fatal wraps an error to mark it as belonging to the fatal set understood
// by Safe/SafeVoid. Go has no KeyboardInterrupt/SystemExit exceptions to
// special-case; the equivalent here is a sentinel error value the caller
// opts into treating as fatal.
type Fatal struct {
	err error
}

// MarkFatal wraps err so that IsFatal(MarkFatal(err)) is true.
func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	return &Fatal{err: err}
}

func (f *Fatal) Error() string { return f.err.Error() }
func (f *Fatal) Unwrap() error { return f.err }

// IsFatal reports whether err (or anything it wraps) was marked fatal.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}

// Safe invokes fn and returns its result. If fn returns a fatal error (per
// IsFatal), the error is returned to the caller instead of being logged —
// callers in this codebase treat a fatal return as their cue to stop.
// Any other error is logged via log, with argSummary truncated to 200
// characters, and def is returned instead.
//
// funcName identifies the step for logging purposes (e.g. "tailer.readLine").
func Safe[T any](log *zap.Logger, funcName string, argSummary string, def T, fn func() (T, error)) (T, error) {
	result, err := fn()
	if err == nil {
		return result, nil
	}
	if IsFatal(err) {
		return def, err
	}

	safeLog(log, funcName, argSummary, err)
	return def, nil
}

// SafeVoid is Safe specialised to functions with no return value.
func SafeVoid(log *zap.Logger, funcName string, argSummary string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if IsFatal(err) {
		return err
	}
	safeLog(log, funcName, argSummary, err)
	return nil
}

func safeLog(log *zap.Logger, funcName string, argSummary string, err error) {
	defer func() {
		// The logging path itself must never panic the pipeline.
		_ = recover()
	}()

	if log == nil {
		return
	}
	log.Error("executor: recovered non-fatal error",
		zap.String("function", funcName),
		zap.String("args", truncate(argSummary, 200)),
		zap.String("error_kind", errorKind(err)),
		zap.Error(err),
		zap.String("stack", callerStack()),
	)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func errorKind(err error) string {
	return fmt.Sprintf("%T", err)
}

func callerStack() string {
	pc := make([]uintptr, 8)
	n := runtime.Callers(4, pc)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pc[:n])
	var out string
	for {
		frame, more := frames.Next()
		out += fmt.Sprintf("%s:%d ", frame.Function, frame.Line)
		if !more {
			break
		}
	}
	return out
}
