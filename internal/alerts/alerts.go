// Package alerts implements the structured alert sink: a process-wide,
// mutex-guarded writer that formats detection events as the pipe-delimited
// textual record "ts | event_type | severity | message | metadata" and
// appends them to a rotating log file.
//
// Grounded on original_source/src/alerts.py's StructuredAlertFormatter,
// setup_alert_system, send_alert and trigger_alert. Rotation is delegated to
// lumberjack rather than hand-rolled, per SPEC_FULL.md §2.2.
//
// Two vocabularies are kept deliberately separate per SPEC_FULL.md §9:
// TriggerMessage mirrors trigger_alert(message) — fixed event_type=SECURITY,
// severity=WARNING, used by internal/engine for the three detection rules —
// while GenerateAlert/TriggerAlert mirror the out-of-scope generate_alert
// event-to-alert mapping (severity_map keyed by info/suspicious_activity/
// multiple_failures/critical_anomaly), exercised only by internal/alertmapping
// and its own tests. internal/engine must call TriggerMessage, never
// GenerateAlert/TriggerAlert.
package alerts

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sirteggun/hids/internal/budget"
	"github.com/sirteggun/hids/internal/config"
	"github.com/sirteggun/hids/internal/executor"
)

// Alert is the structured record appended to the alert sink. Timestamp,
// EventType, Severity and Message are its first four textual fields; Extra carries
// additional key/value context that is JSON-encoded into the record's
// trailing metadata field (empty when Extra is empty), mirroring
// StructuredAlertFormatter.format's "{ts} | {event_type} | {severity} |
// {message} | {metadata}".
type Alert struct {
	EventType string                 `json:"event_type"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Source    string                 `json:"source,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Extra     map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Extra into the top-level object, matching Python's
// dict.update behaviour in generate_alert.
func (a Alert) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"event_type": a.EventType,
		"severity":   a.Severity,
		"message":    a.Message,
		"timestamp":  a.Timestamp,
	}
	if a.Source != "" {
		out["source"] = a.Source
	}
	for k, v := range a.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// Format renders the pipe-delimited on-disk record, mirroring
// StructuredAlertFormatter.format. Splitting on " | " recovers the same
// five fields the record was built from.
func (a Alert) Format() string {
	metadata := ""
	if len(a.Extra) > 0 {
		if b, err := json.Marshal(a.Extra); err == nil {
			metadata = string(b)
		}
	}
	message := strings.ReplaceAll(a.Message, "\n", " ")
	return fmt.Sprintf("%s | %s | %s | %s | %s", a.Timestamp, a.EventType, a.Severity, message, metadata)
}

func isoMillis(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Sink is a mutex-guarded, rotating-file-backed alert writer. The zero value
// is not usable; construct with NewSink.
type Sink struct {
	mu      sync.Mutex
	out     *lumberjack.Logger
	log     *zap.Logger
	limiter *budget.Bucket
}

// WithRateLimit attaches a token bucket that caps the rate of emitted
// alerts by severity cost (see package budget). An alert that cannot afford
// its cost is dropped rather than blocking the caller.
func (s *Sink) WithRateLimit(limiter *budget.Bucket) *Sink {
	s.limiter = limiter
	return s
}

var (
	defaultMu   sync.Mutex
	defaultSink *Sink
)

// SetupAlertSystem initialises the process-wide default sink, mirroring
// setup_alert_system(). Safe to call more than once; the latest call wins.
func SetupAlertSystem(cfg config.AlertsConfig, log *zap.Logger) (*Sink, error) {
	s, err := NewSink(cfg, log)
	if err != nil {
		return nil, err
	}
	defaultMu.Lock()
	defaultSink = s
	defaultMu.Unlock()
	return s, nil
}

// NewSink builds a standalone alert sink backed by its own rotating file.
func NewSink(cfg config.AlertsConfig, log *zap.Logger) (*Sink, error) {
	if cfg.LogFile == "" {
		return nil, fmt.Errorf("alerts: log_file must not be empty")
	}
	if err := os.MkdirAll(dirOf(cfg.LogFile), 0o755); err != nil {
		return nil, fmt.Errorf("alerts: create log dir: %w", err)
	}
	return &Sink{
		out: &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    maxOrDefault(cfg.MaxSizeMB, 10),
			MaxBackups: cfg.BackupCount,
			Compress:   false,
		},
		log: log,
	}, nil
}

// severityMap mirrors the severity_map dict in generate_alert.
var severityMap = map[string]string{
	"info":               "LOW",
	"suspicious_activity": "MEDIUM",
	"multiple_failures":   "HIGH",
	"critical_anomaly":    "CRITICAL",
}

// descriptionMap gives a human-readable description per event type, matching
// the strings generate_alert attaches for each recognised event_type.
var descriptionMap = map[string]string{
	"info":                 "Informational event",
	"suspicious_activity":  "Suspicious activity detected",
	"multiple_failures":    "Multiple failed login attempts detected",
	"critical_anomaly":     "Critical anomaly detected",
}

// GenerateAlert builds the Alert record for an incoming detection event.
// eventType selects severity/description; extra carries event-specific
// fields (source IP, score, attempt count, ...) that are merged verbatim
// into the final JSON object, exactly as generate_alert does with **event.
// Out-of-scope per SPEC_FULL.md §9/§1: exercised by internal/alertmapping
// and its tests, never by internal/engine's alert-firing path.
func GenerateAlert(eventType string, extra map[string]interface{}) Alert {
	severity, ok := severityMap[eventType]
	if !ok {
		severity = "LOW"
	}
	description, ok := descriptionMap[eventType]
	if !ok {
		description = "Unclassified event"
	}

	source := ""
	if v, ok := extra["source"]; ok {
		if s, ok := v.(string); ok {
			source = s
		}
	}

	return Alert{
		EventType: eventType,
		Severity:  severity,
		Message:   description,
		Source:    source,
		Timestamp: isoMillis(time.Now()),
		Extra:     extra,
	}
}

// Send writes alert as a single pipe-delimited textual line, recovering from
// any write failure via executor.SafeVoid so that a bad alert never kills
// the worker that raised it. Mirrors send_alert's use of PipelineExecutor.
func (s *Sink) Send(alert Alert) {
	if s.limiter != nil && !s.limiter.ConsumeForSeverity(alert.Severity) {
		if s.log != nil {
			s.log.Warn("alerts: dropping alert, rate limit exhausted",
				zap.String("event_type", alert.EventType), zap.String("severity", alert.Severity))
		}
		return
	}

	_ = executor.SafeVoid(s.log, "alerts.Send", alert.EventType, func() error {
		line := []byte(alert.Format())
		line = append(line, '\n')

		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.out.Write(line)
		return err
	})
}

// TriggerAlert builds and sends an alert in one call, mirroring
// trigger_alert(event_type, **kwargs). Out-of-scope per SPEC_FULL.md §9/§1:
// exercised by internal/alertmapping and its tests, never by
// internal/engine's alert-firing path.
func (s *Sink) TriggerAlert(eventType string, extra map[string]interface{}) {
	s.Send(GenerateAlert(eventType, extra))
}

// TriggerMessage sends a fixed-vocabulary detection alert, mirroring
// trigger_alert(message): event_type="SECURITY", severity="WARNING". This is
// the path internal/engine's three alert rules (baseline/burst/risk) use —
// it never goes through GenerateAlert's severity_map.
func (s *Sink) TriggerMessage(message string, extra map[string]interface{}) {
	s.Send(Alert{
		EventType: "SECURITY",
		Severity:  "WARNING",
		Message:   message,
		Timestamp: isoMillis(time.Now()),
		Extra:     extra,
	})
}

// SendAlert sends alert through the process-wide default sink configured by
// SetupAlertSystem. If no sink has been set up, the first call installs one
// built from config.Defaults().Alerts; if that sink cannot be created the
// alert is discarded.
func SendAlert(alert Alert) {
	defaultMu.Lock()
	if defaultSink == nil {
		if s, err := NewSink(config.Defaults().Alerts, nil); err == nil {
			defaultSink = s
		}
	}
	s := defaultSink
	defaultMu.Unlock()
	if s == nil {
		return
	}
	s.Send(alert)
}

// Close flushes and closes the underlying rotating file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}

func maxOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
