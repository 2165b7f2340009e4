package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// TimeoutsConfig holds the per-session and reconfiguration deadlines of a worker.
// Durations are strings in Go syntax with an additional "d" suffix for days.
type TimeoutsConfig struct {
	Front         string `toml:"front"`          // Idle time allowed on the client side (default: 60s)
	Back          string `toml:"back"`           // Time allowed waiting on a backend (default: 30s)
	Connect       string `toml:"connect"`        // Backend connect deadline (default: 3s)
	Request       string `toml:"request"`        // Time to receive a complete request head (default: 10s)
	SweepInterval string `toml:"sweep_interval"` // Granularity of the timeout sweep (default: 100ms)
	BackendDrain  string `toml:"backend_drain"`  // Forced eviction deadline for removed backends (default: 30s)
	ListenerDrain string `toml:"listener_drain"` // Forced close deadline for removed listeners (default: 30s)
	SoftStop      string `toml:"soft_stop"`      // Deadline for a soft stop to finish draining (default: 30s)
}

// HealthConfig holds the passive health policy applied to every backend pool.
type HealthConfig struct {
	DegradedThreshold int    `toml:"degraded_threshold"` // Consecutive failures before Degraded (default: 1)
	FailureThreshold  int    `toml:"failure_threshold"`  // Consecutive failures before Down (default: 3)
	ProbeInterval     string `toml:"probe_interval"`     // First probe delay for a Down backend (default: 5s)
	ProbeMaxInterval  string `toml:"probe_max_interval"` // Probe backoff ceiling (default: 60s)
	ProbeTimeout      string `toml:"probe_timeout"`      // Connect deadline of a probe (default: 2s)
}

// WorkerConfig holds the resource limits of the event engine.
type WorkerConfig struct {
	MaxSessions        int            `toml:"max_sessions"`         // Session table capacity (default: 10000)
	BufferSize         int            `toml:"buffer_size"`          // Size of a pooled buffer in bytes (default: 16384)
	MaxBuffers         int            `toml:"max_buffers"`          // Buffer pool capacity (default: 2*max_sessions)
	AcceptBatch        int            `toml:"accept_batch"`         // Accepts per listener readiness event (default: 64)
	ListenBacklog      int            `toml:"listen_backlog"`       // listen() backlog for new listeners (default: 4096)
	MaxConnectAttempts int            `toml:"max_connect_attempts"` // Backend connect attempts per request (default: 3)
	MaxCommandSize     int            `toml:"max_command_size"`     // Largest accepted control frame (default: 1MiB)
	PollEvents         int            `toml:"poll_events"`          // Events fetched per poll (default: 1024)
	Timeouts           TimeoutsConfig `toml:"timeouts"`
	Health             HealthConfig   `toml:"health"`
}

// ControlConfig describes where the worker receives configuration orders.
type ControlConfig struct {
	SocketPath string `toml:"socket_path"` // Unix socket the worker listens on for controllers
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"` // Listen address (default: 127.0.0.1:9190)
	Path    string `toml:"path"` // Metrics path (default: /metrics)
}

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	Worker  WorkerConfig  `toml:"worker"`
	Control ControlConfig `toml:"control"`
	Metrics MetricsConfig `toml:"metrics"`
	// State is an optional desired-state file applied at startup.
	State string `toml:"state"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Worker: WorkerConfig{
			MaxSessions:        10000,
			BufferSize:         16384,
			MaxBuffers:         20000,
			AcceptBatch:        64,
			ListenBacklog:      4096,
			MaxConnectAttempts: 3,
			MaxCommandSize:     1 << 20,
			PollEvents:         1024,
			Timeouts: TimeoutsConfig{
				Front:         "60s",
				Back:          "30s",
				Connect:       "3s",
				Request:       "10s",
				SweepInterval: "100ms",
				BackendDrain:  "30s",
				ListenerDrain: "30s",
				SoftStop:      "30s",
			},
			Health: HealthConfig{
				DegradedThreshold: 1,
				FailureThreshold:  3,
				ProbeInterval:     "5s",
				ProbeMaxInterval:  "60s",
				ProbeTimeout:      "2s",
			},
		},
		Control: ControlConfig{
			SocketPath: "/run/tollgate/worker.sock",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9190",
			Path:    "/metrics",
		},
	}
}

// ParseDuration parses a duration string, accepting a trailing "d" for days
// on top of everything time.ParseDuration understands.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

func durationOr(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", value)
	}
	return d, nil
}

// GetFront parses the client idle timeout
func (c *TimeoutsConfig) GetFront() (time.Duration, error) {
	return durationOr(c.Front, 60*time.Second)
}

// GetBack parses the backend response timeout
func (c *TimeoutsConfig) GetBack() (time.Duration, error) {
	return durationOr(c.Back, 30*time.Second)
}

// GetConnect parses the backend connect timeout
func (c *TimeoutsConfig) GetConnect() (time.Duration, error) {
	return durationOr(c.Connect, 3*time.Second)
}

// GetRequest parses the request head timeout
func (c *TimeoutsConfig) GetRequest() (time.Duration, error) {
	return durationOr(c.Request, 10*time.Second)
}

// GetSweepInterval parses the timeout sweep interval
func (c *TimeoutsConfig) GetSweepInterval() (time.Duration, error) {
	return durationOr(c.SweepInterval, 100*time.Millisecond)
}

// GetBackendDrain parses the forced drain deadline of removed backends
func (c *TimeoutsConfig) GetBackendDrain() (time.Duration, error) {
	return durationOr(c.BackendDrain, 30*time.Second)
}

// GetListenerDrain parses the forced close deadline of removed listeners
func (c *TimeoutsConfig) GetListenerDrain() (time.Duration, error) {
	return durationOr(c.ListenerDrain, 30*time.Second)
}

// GetSoftStop parses the soft stop deadline
func (c *TimeoutsConfig) GetSoftStop() (time.Duration, error) {
	return durationOr(c.SoftStop, 30*time.Second)
}

// GetDegradedThreshold returns the consecutive failures that mark a backend Degraded
func (c *HealthConfig) GetDegradedThreshold() int {
	if c.DegradedThreshold <= 0 {
		return 1
	}
	return c.DegradedThreshold
}

// GetFailureThreshold returns the consecutive failures that mark a backend Down
func (c *HealthConfig) GetFailureThreshold() int {
	if c.FailureThreshold <= 0 {
		return 3
	}
	return c.FailureThreshold
}

// GetProbeInterval parses the initial probe delay
func (c *HealthConfig) GetProbeInterval() (time.Duration, error) {
	return durationOr(c.ProbeInterval, 5*time.Second)
}

// GetProbeMaxInterval parses the probe backoff ceiling
func (c *HealthConfig) GetProbeMaxInterval() (time.Duration, error) {
	return durationOr(c.ProbeMaxInterval, 60*time.Second)
}

// GetProbeTimeout parses the probe connect deadline
func (c *HealthConfig) GetProbeTimeout() (time.Duration, error) {
	return durationOr(c.ProbeTimeout, 2*time.Second)
}

// GetMaxBuffers returns the buffer pool capacity, defaulting to two buffers per session
func (c *WorkerConfig) GetMaxBuffers() int {
	if c.MaxBuffers <= 0 {
		return 2 * c.GetMaxSessions()
	}
	return c.MaxBuffers
}

// GetMaxSessions returns the session table capacity
func (c *WorkerConfig) GetMaxSessions() int {
	if c.MaxSessions <= 0 {
		return 10000
	}
	return c.MaxSessions
}

// GetBufferSize returns the size of one pooled buffer
func (c *WorkerConfig) GetBufferSize() int {
	if c.BufferSize <= 0 {
		return 16384
	}
	return c.BufferSize
}

// Validate checks the configuration for values the worker cannot run with.
func (c *Config) Validate() error {
	w := &c.Worker
	if w.MaxSessions < 0 || w.MaxBuffers < 0 || w.BufferSize < 0 {
		return fmt.Errorf("worker limits must not be negative")
	}
	if w.BufferSize != 0 && w.BufferSize < 1024 {
		return fmt.Errorf("worker.buffer_size must be at least 1024 bytes, got %d", w.BufferSize)
	}
	if w.GetMaxBuffers() < 2 {
		return fmt.Errorf("worker.max_buffers must allow at least 2 buffers")
	}
	if w.MaxConnectAttempts < 0 {
		return fmt.Errorf("worker.max_connect_attempts must not be negative")
	}
	if c.Worker.Health.FailureThreshold != 0 && c.Worker.Health.GetDegradedThreshold() > c.Worker.Health.GetFailureThreshold() {
		return fmt.Errorf("worker.health.degraded_threshold (%d) must not exceed failure_threshold (%d)",
			c.Worker.Health.GetDegradedThreshold(), c.Worker.Health.GetFailureThreshold())
	}

	checks := []struct {
		name string
		fn   func() (time.Duration, error)
	}{
		{"worker.timeouts.front", w.Timeouts.GetFront},
		{"worker.timeouts.back", w.Timeouts.GetBack},
		{"worker.timeouts.connect", w.Timeouts.GetConnect},
		{"worker.timeouts.request", w.Timeouts.GetRequest},
		{"worker.timeouts.sweep_interval", w.Timeouts.GetSweepInterval},
		{"worker.timeouts.backend_drain", w.Timeouts.GetBackendDrain},
		{"worker.timeouts.listener_drain", w.Timeouts.GetListenerDrain},
		{"worker.timeouts.soft_stop", w.Timeouts.GetSoftStop},
		{"worker.health.probe_interval", w.Health.GetProbeInterval},
		{"worker.health.probe_max_interval", w.Health.GetProbeMaxInterval},
		{"worker.health.probe_timeout", w.Health.GetProbeTimeout},
	}
	for _, check := range checks {
		if _, err := check.fn(); err != nil {
			return fmt.Errorf("%s: %w", check.name, err)
		}
	}

	if c.Control.SocketPath == "" {
		return fmt.Errorf("control.socket_path is required")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// LoadConfigFromFile decodes a TOML file on top of cfg, which normally comes
// from NewDefaultConfig so that omitted keys keep their defaults.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	// Unknown keys are usually typos; keep going but say so.
	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError adds a hint to the most common TOML mistakes
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: a key appears twice in the same section of your configuration file", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: boolean values must be exactly 'true' or 'false'", err)
	}

	if strings.Contains(errMsg, "incompatible types") {
		return fmt.Errorf("%w\n\nHINT: durations are strings (\"30s\"), limits are integers", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
