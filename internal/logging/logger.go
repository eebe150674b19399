// Package logging builds the two named loggers the rest of the runtime
// depends on: "runtime" (supervisor/worker diagnostics) and "detection"
// (engine diagnostics), each writing both to its rotating file and to the
// console (stdout); there is no separate root logger — mirroring
// original_source/src/logger.py's Runtime/Detection/MiniHIDS split and the
// teacher's zap.Config-based buildLogger in cmd/octoreflex/main.go.
//
// Rotating file handlers are backed by lumberjack rather than a hand-rolled
// rotation scheme, matching how the rest of the example pack rotates log
// files (see SPEC_FULL.md §2.2).
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// DetectionLogFile is the default detection diagnostics log path.
	DetectionLogFile = "logs/detection.log"
	// RuntimeLogFile is the default runtime/supervisor diagnostics log path.
	RuntimeLogFile = "logs/runtime.log"

	defaultMaxSizeMB  = 2
	defaultMaxBackups = 3
)

var (
	mu      sync.Mutex
	runLog  *zap.Logger
	detLog  *zap.Logger
	once    bool
	current Options
)

// Options controls logger construction. DebugMode mirrors the DEBUG_MODE
// environment variable from spec.md §6.
type Options struct {
	DebugMode     bool
	RuntimeLogDir string // directory; RuntimeLogFile is joined under it
	MaxSizeMB     int
	MaxBackups    int
}

// DefaultOptions reads DEBUG_MODE (default "true") and returns Options with
// the spec's default rotation sizes (2 MiB x 3 backups).
func DefaultOptions() Options {
	debug := os.Getenv("DEBUG_MODE")
	return Options{
		DebugMode:     debug == "" || debug == "true",
		RuntimeLogDir: "logs",
		MaxSizeMB:     defaultMaxSizeMB,
		MaxBackups:    defaultMaxBackups,
	}
}

// Configure (re)builds the runtime and detection loggers. Safe to call more
// than once; tests may call Reset first to force a rebuild with different
// Options.
func Configure(opts Options) {
	mu.Lock()
	defer mu.Unlock()
	current = opts
	runLog = build("runtime", opts, RuntimeLogFile)
	detLog = build("detection", opts, DetectionLogFile)
	once = true
}

// Reset clears the configured loggers, forcing the next Runtime()/Detection()
// call to rebuild from DefaultOptions(). Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	once = false
	runLog = nil
	detLog = nil
}

func ensureConfigured() {
	mu.Lock()
	configured := once
	mu.Unlock()
	if !configured {
		Configure(DefaultOptions())
	}
}

// Runtime returns the supervisor/worker diagnostics logger, configuring
// defaults on first use.
func Runtime() *zap.Logger {
	ensureConfigured()
	mu.Lock()
	defer mu.Unlock()
	return runLog
}

// Detection returns the engine diagnostics logger, configuring defaults on
// first use.
func Detection() *zap.Logger {
	ensureConfigured()
	mu.Lock()
	defer mu.Unlock()
	return detLog
}

func build(name string, opts Options, logFile string) *zap.Logger {
	level := zapcore.InfoLevel
	if opts.DebugMode {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(encoderCfg)

	consoleCore := zapcore.NewCore(jsonEncoder, zapcore.Lock(os.Stdout), level)
	cores := []zapcore.Core{consoleCore}

	path := logFile
	if opts.RuntimeLogDir != "" {
		path = opts.RuntimeLogDir + string(os.PathSeparator) + lastElement(logFile)
	}
	if err := os.MkdirAll(dirOf(path), 0o755); err == nil {
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxOrDefault(opts.MaxSizeMB, defaultMaxSizeMB),
			MaxBackups: maxOrDefault(opts.MaxBackups, defaultMaxBackups),
			Compress:   false,
		}
		fileCore := zapcore.NewCore(jsonEncoder, zapcore.AddSync(lj), level)
		cores = append(cores, fileCore)
	}

	return zap.New(zapcore.NewTee(cores...), zap.WithCaller(false)).Named(name)
}

func maxOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == os.PathSeparator {
			return path[:i]
		}
	}
	return "."
}

func lastElement(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
