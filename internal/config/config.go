// Package config provides configuration loading, validation, and hot-reload
// for the hids agent.
//
// Configuration file: /etc/hids/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Agent listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml, and log the result.
//   - The reloaded values are not applied to the running components;
//     thresholds, weights and log level take effect on the next start.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The agent does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced.
//   - Invalid config on startup: agent refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for hids.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is a unique identifier for this hids node, used in log context.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	Tailer        TailerConfig        `yaml:"tailer"`
	Queue         QueueConfig         `yaml:"queue"`
	Engine        EngineConfig        `yaml:"engine"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// OperatorConfig holds the optional operator control-socket parameters.
type OperatorConfig struct {
	// Enabled turns on the Unix domain socket control server. Default: false.
	Enabled bool `yaml:"enabled"`

	// SocketPath is the Unix domain socket path. Default: /run/hids/operator.sock.
	SocketPath string `yaml:"socket_path"`
}

// TailerConfig holds log-tailer parameters.
type TailerConfig struct {
	// LogFile is the path of the authentication log tailed for failures.
	// Default: logs/hids.log.
	LogFile string `yaml:"log_file"`

	// PollInterval is how often the tailer checks for new data.
	// Default: 1s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// DedupWindow is the sliding-window duration used to suppress
	// near-duplicate lines. Default: 2s.
	DedupWindow time.Duration `yaml:"dedup_window"`
}

// QueueConfig holds event-channel parameters.
type QueueConfig struct {
	// Capacity is the bounded channel capacity. Default: 4096.
	Capacity int `yaml:"capacity"`

	// BackpressureThreshold is the soft bound past which the configured
	// policy kicks in. Default: 1000.
	BackpressureThreshold int `yaml:"backpressure_threshold"`

	// BackpressurePolicy is one of "drop", "delay", "warn". Default: "warn".
	BackpressurePolicy string `yaml:"backpressure_policy"`
}

// EngineConfig holds detection-engine thresholds and penalties.
// Zero values are replaced by spec defaults in Defaults().
type EngineConfig struct {
	FailedLoginScore   float64       `yaml:"failed_login_score"`
	RepeatPenalty      float64       `yaml:"repeat_penalty"`
	RapidAttemptBonus  float64       `yaml:"rapid_attempt_bonus"`
	ScoreDecayPerSec   float64       `yaml:"score_decay_per_second"`
	TimeWindow         time.Duration `yaml:"time_window"`
	BurstWindow        time.Duration `yaml:"burst_window"`
	BurstThreshold     int           `yaml:"burst_threshold"`
	RiskThreshold      float64       `yaml:"risk_threshold"`
	AlertCooldown      time.Duration `yaml:"alert_cooldown"`
	IPTTL              time.Duration `yaml:"ip_ttl"`
	MaxTrackedIPs      int           `yaml:"max_tracked_ips"`
	RapidAttemptWindow time.Duration `yaml:"rapid_attempt_window"`

	// Rules names contrib-registered scoring rules to consult for every
	// attempt, by name (see contrib.Resolve). Default: none.
	Rules []string `yaml:"rules"`
}

// RuntimeConfig holds worker-pool/supervisor parameters.
type RuntimeConfig struct {
	// NumWorkers is the number of detection worker goroutines. Default: 4.
	NumWorkers int `yaml:"num_workers"`

	// HeartbeatInterval is the supervisor's polling period. Default: 5s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// WorkerRestartLimit is the max restarts before a worker is abandoned.
	// Default: 3.
	WorkerRestartLimit int `yaml:"worker_restart_limit"`

	// ReportInterval is how often a worker logs a metrics summary. Default: 60s.
	ReportInterval time.Duration `yaml:"report_interval"`

	// BackpressureCheckInterval is how often a worker samples queue depth.
	// Default: 10s.
	BackpressureCheckInterval time.Duration `yaml:"backpressure_check_interval"`

	// DequeueTimeout bounds how long a worker blocks on an empty queue
	// before re-checking the shutdown flag. Default: 1s.
	DequeueTimeout time.Duration `yaml:"dequeue_timeout"`
}

// AlertsConfig holds the structured alert sink parameters.
type AlertsConfig struct {
	// LogFile is the rotating alert sink path. Default: logs/alerts.log.
	LogFile string `yaml:"log_file"`

	// MaxSizeMB is the rotation threshold in MiB. Default: 10.
	MaxSizeMB int `yaml:"max_size_mb"`

	// BackupCount is the number of rotated files retained. Default: 5.
	BackupCount int `yaml:"backup_count"`

	// RateLimitCapacity bounds alerts per RateLimitRefill window, weighted
	// by severity cost (see package budget). 0 disables rate limiting.
	// Default: 100.
	RateLimitCapacity int `yaml:"rate_limit_capacity"`

	// RateLimitRefill is the full-refill period for the alert rate limiter.
	// Default: 60s.
	RateLimitRefill time.Duration `yaml:"rate_limit_refill"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel "debug" turns on debug-level logging; any other value logs
	// at info level (warn and error are not distinct settings). Default: info.
	LogLevel string `yaml:"log_level"`
}

// Defaults returns a Config populated with all default values from SPEC_FULL.md §4.4.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Tailer: TailerConfig{
			LogFile:      "logs/hids.log",
			PollInterval: time.Second,
			DedupWindow:  2 * time.Second,
		},
		Queue: QueueConfig{
			Capacity:              4096,
			BackpressureThreshold: 1000,
			BackpressurePolicy:    "warn",
		},
		Engine: EngineConfig{
			FailedLoginScore:   2,
			RepeatPenalty:      3,
			RapidAttemptBonus:  5,
			ScoreDecayPerSec:   0.5,
			TimeWindow:         60 * time.Second,
			BurstWindow:        5 * time.Second,
			BurstThreshold:     3,
			RiskThreshold:      10,
			AlertCooldown:      30 * time.Second,
			IPTTL:              600 * time.Second,
			MaxTrackedIPs:      10000,
			RapidAttemptWindow: 5 * time.Second,
		},
		Runtime: RuntimeConfig{
			NumWorkers:                4,
			HeartbeatInterval:         5 * time.Second,
			WorkerRestartLimit:        3,
			ReportInterval:            60 * time.Second,
			BackpressureCheckInterval: 10 * time.Second,
			DequeueTimeout:            time.Second,
		},
		Alerts: AlertsConfig{
			LogFile:           "logs/alerts.log",
			MaxSizeMB:         10,
			BackupCount:       5,
			RateLimitCapacity: 100,
			RateLimitRefill:   60 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
		},
		Operator: OperatorConfig{
			Enabled:    false,
			SocketPath: "/run/hids/operator.sock",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Runtime.NumWorkers < 1 || cfg.Runtime.NumWorkers > 64 {
		errs = append(errs, fmt.Sprintf("runtime.num_workers must be in [1, 64], got %d", cfg.Runtime.NumWorkers))
	}
	if cfg.Queue.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("queue.capacity must be >= 1, got %d", cfg.Queue.Capacity))
	}
	if cfg.Queue.BackpressureThreshold < 1 {
		errs = append(errs, fmt.Sprintf("queue.backpressure_threshold must be >= 1, got %d", cfg.Queue.BackpressureThreshold))
	}
	switch cfg.Queue.BackpressurePolicy {
	case "drop", "delay", "warn":
	default:
		errs = append(errs, fmt.Sprintf("queue.backpressure_policy must be one of drop|delay|warn, got %q", cfg.Queue.BackpressurePolicy))
	}
	if cfg.Engine.MaxTrackedIPs < 1 {
		errs = append(errs, fmt.Sprintf("engine.max_tracked_ips must be >= 1, got %d", cfg.Engine.MaxTrackedIPs))
	}
	if cfg.Engine.BurstThreshold < 1 {
		errs = append(errs, fmt.Sprintf("engine.burst_threshold must be >= 1, got %d", cfg.Engine.BurstThreshold))
	}
	if cfg.Engine.ScoreDecayPerSec < 0 {
		errs = append(errs, "engine.score_decay_per_second must be >= 0")
	}
	if cfg.Runtime.WorkerRestartLimit < 0 {
		errs = append(errs, "runtime.worker_restart_limit must be >= 0")
	}
	if cfg.Alerts.MaxSizeMB < 1 {
		errs = append(errs, fmt.Sprintf("alerts.max_size_mb must be >= 1, got %d", cfg.Alerts.MaxSizeMB))
	}
	if cfg.Alerts.BackupCount < 0 {
		errs = append(errs, "alerts.backup_count must be >= 0")
	}
	if cfg.Alerts.RateLimitCapacity < 0 {
		errs = append(errs, "alerts.rate_limit_capacity must be >= 0")
	}
	if cfg.Alerts.RateLimitCapacity > 0 && cfg.Alerts.RateLimitRefill <= 0 {
		errs = append(errs, "alerts.rate_limit_refill must be > 0 when rate_limit_capacity is set")
	}
	if cfg.Observability.MetricsAddr == "" {
		errs = append(errs, "observability.metrics_addr must not be empty")
	}
	if cfg.Operator.Enabled && cfg.Operator.SocketPath == "" {
		errs = append(errs, "operator.socket_path must not be empty when operator.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
