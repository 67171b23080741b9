package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig selects the metrics backend.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// CacheConfig bounds the shared readings store and defines the TTL classes
// callers use against it.
type CacheConfig struct {
	Capacity     int      `yaml:"capacity,omitempty"`
	ReadingsTTL  Duration `yaml:"readings_ttl,omitempty"`
	DiagnosisTTL Duration `yaml:"diagnosis_ttl,omitempty"`
}

// CapacityOrDefault returns the configured entry bound.
func (c CacheConfig) CapacityOrDefault() int {
	if c.Capacity <= 0 {
		return 16
	}
	return c.Capacity
}

// ReadingsTTLOrDefault is the freshness window for lightweight polling reads.
func (c CacheConfig) ReadingsTTLOrDefault() time.Duration {
	if c.ReadingsTTL.Duration <= 0 {
		return 30 * time.Second
	}
	return c.ReadingsTTL.Duration
}

// DiagnosisTTLOrDefault is the freshness window for full diagnosis snapshots.
func (c CacheConfig) DiagnosisTTLOrDefault() time.Duration {
	if c.DiagnosisTTL.Duration <= 0 {
		return 60 * time.Second
	}
	return c.DiagnosisTTL.Duration
}

// FirebaseConfig describes the document-store backed readings endpoints.
type FirebaseConfig struct {
	BaseURL          string   `yaml:"base_url"`
	ReadingsPath     string   `yaml:"readings_path,omitempty"`
	TimestampPath    string   `yaml:"timestamp_path,omitempty"`
	DiagnosisPath    string   `yaml:"diagnosis_path,omitempty"`
	MaintenancePath  string   `yaml:"maintenance_path,omitempty"`
	PollInterval     Duration `yaml:"poll_interval,omitempty"`
	RequestTimeout   Duration `yaml:"request_timeout,omitempty"`
	DiagnosisTimeout Duration `yaml:"diagnosis_timeout,omitempty"`
}

// ReadingsPathOrDefault returns the lightweight readings endpoint path.
func (c FirebaseConfig) ReadingsPathOrDefault() string {
	if c.ReadingsPath == "" {
		return "/readings-by-area-and-component"
	}
	return c.ReadingsPath
}

// TimestampPathOrDefault returns the staleness probe endpoint path.
func (c FirebaseConfig) TimestampPathOrDefault() string {
	if c.TimestampPath == "" {
		return "/latest-timestamp"
	}
	return c.TimestampPath
}

// DiagnosisPathOrDefault returns the heavyweight diagnosis endpoint path.
func (c FirebaseConfig) DiagnosisPathOrDefault() string {
	if c.DiagnosisPath == "" {
		return "/diagnosis-snapshot"
	}
	return c.DiagnosisPath
}

// MaintenancePathOrDefault returns the maintenance write endpoint path.
func (c FirebaseConfig) MaintenancePathOrDefault() string {
	if c.MaintenancePath == "" {
		return "/maintenance-action"
	}
	return c.MaintenancePath
}

// PollIntervalOrDefault is the revalidation cadence for document-store reads.
func (c FirebaseConfig) PollIntervalOrDefault() time.Duration {
	if c.PollInterval.Duration <= 0 {
		return 5 * time.Second
	}
	return c.PollInterval.Duration
}

// RequestTimeoutOrDefault bounds lightweight readings and timestamp calls.
func (c FirebaseConfig) RequestTimeoutOrDefault() time.Duration {
	if c.RequestTimeout.Duration <= 0 {
		return 10 * time.Second
	}
	return c.RequestTimeout.Duration
}

// DiagnosisTimeoutOrDefault bounds the diagnosis call, which may wait on
// model inference upstream.
func (c FirebaseConfig) DiagnosisTimeoutOrDefault() time.Duration {
	if c.DiagnosisTimeout.Duration <= 0 {
		return 90 * time.Second
	}
	return c.DiagnosisTimeout.Duration
}

// ScadaConfig describes the device snapshot endpoint polled by the SCADA
// adapter.
type ScadaConfig struct {
	URL            string   `yaml:"url"`
	PollInterval   Duration `yaml:"poll_interval,omitempty"`
	RequestTimeout Duration `yaml:"request_timeout,omitempty"`
}

// PollIntervalOrDefault is the snapshot poll cadence. It is independent of
// any consumer's own polling.
func (c ScadaConfig) PollIntervalOrDefault() time.Duration {
	if c.PollInterval.Duration <= 0 {
		return 2 * time.Second
	}
	return c.PollInterval.Duration
}

// RequestTimeoutOrDefault bounds a single snapshot request.
func (c ScadaConfig) RequestTimeoutOrDefault() time.Duration {
	if c.RequestTimeout.Duration <= 0 {
		return 5 * time.Second
	}
	return c.RequestTimeout.Duration
}

// SourcesConfig groups both upstream backends and selects the initial one.
type SourcesConfig struct {
	Default  string         `yaml:"default,omitempty"`
	Firebase FirebaseConfig `yaml:"firebase"`
	Scada    ScadaConfig    `yaml:"scada"`
}

// PollingConfig tunes the per-subscription revalidation loop.
type PollingConfig struct {
	RevalidateDelay Duration `yaml:"revalidate_delay,omitempty"`
}

// RevalidateDelayOrDefault is the delay before the first background
// revalidation after a cache hit on subscribe.
func (c PollingConfig) RevalidateDelayOrDefault() time.Duration {
	if c.RevalidateDelay.Duration <= 0 {
		return time.Second
	}
	return c.RevalidateDelay.Duration
}

// ParameterConfig declares one synthetic baseline parameter. Numeric
// parameters carry a baseline constant and a jitter fraction; categorical
// parameters enumerate their states instead.
type ParameterConfig struct {
	Name     string   `yaml:"name"`
	Baseline float64  `yaml:"baseline,omitempty"`
	Jitter   float64  `yaml:"jitter,omitempty"`
	States   []string `yaml:"states,omitempty"`
	Unit     string   `yaml:"unit,omitempty"`
}

// Categorical reports whether the parameter draws from an enumerated set.
func (p ParameterConfig) Categorical() bool {
	return len(p.States) > 0
}

// CategoryConfig groups baseline parameters under one display category.
type CategoryConfig struct {
	Name       string            `yaml:"name"`
	Parameters []ParameterConfig `yaml:"parameters"`
}

// OverlayConfig configures the synthetic baseline generator.
type OverlayConfig struct {
	Tick       Duration         `yaml:"tick,omitempty"`
	Source     string           `yaml:"source,omitempty"`
	Seed       *int64           `yaml:"seed,omitempty"`
	Categories []CategoryConfig `yaml:"categories"`
}

// TickOrDefault is the baseline regeneration cadence.
func (c OverlayConfig) TickOrDefault() time.Duration {
	if c.Tick.Duration <= 0 {
		return 3 * time.Second
	}
	return c.Tick.Duration
}

// DerivedParameterConfig declares a parameter computed from fetched readings
// via an expression instead of being reported by the upstream directly.
type DerivedParameterConfig struct {
	Name       string   `yaml:"name"`
	Expression string   `yaml:"expression"`
	Components []string `yaml:"components,omitempty"`
}

// Config is the root configuration structure for the service.
type Config struct {
	HotReload bool                     `yaml:"hot_reload,omitempty"`
	Logging   LoggingConfig            `yaml:"logging"`
	Telemetry TelemetryConfig          `yaml:"telemetry"`
	Cache     CacheConfig              `yaml:"cache"`
	Sources   SourcesConfig            `yaml:"sources"`
	Polling   PollingConfig            `yaml:"polling"`
	Overlay   OverlayConfig            `yaml:"overlay"`
	Derived   []DerivedParameterConfig `yaml:"derived,omitempty"`
}

// Load reads and decodes the configuration file from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that the YAML decoder cannot
// express.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	switch strings.ToLower(strings.TrimSpace(c.Sources.Default)) {
	case "", "firebase", "scada":
	default:
		return fmt.Errorf("unknown default source %q", c.Sources.Default)
	}
	seen := make(map[string]struct{}, len(c.Overlay.Categories))
	for _, category := range c.Overlay.Categories {
		if category.Name == "" {
			return fmt.Errorf("overlay category missing name")
		}
		if _, ok := seen[category.Name]; ok {
			return fmt.Errorf("duplicate overlay category %q", category.Name)
		}
		seen[category.Name] = struct{}{}
		params := make(map[string]struct{}, len(category.Parameters))
		for _, param := range category.Parameters {
			if param.Name == "" {
				return fmt.Errorf("overlay category %s: parameter missing name", category.Name)
			}
			if _, ok := params[param.Name]; ok {
				return fmt.Errorf("overlay category %s: duplicate parameter %q", category.Name, param.Name)
			}
			params[param.Name] = struct{}{}
			if param.Jitter < 0 || param.Jitter > 1 {
				return fmt.Errorf("overlay category %s: parameter %s jitter must be within [0,1]", category.Name, param.Name)
			}
			if param.Categorical() && param.Baseline != 0 {
				return fmt.Errorf("overlay category %s: parameter %s mixes states with a numeric baseline", category.Name, param.Name)
			}
		}
	}
	derived := make(map[string]struct{}, len(c.Derived))
	for _, d := range c.Derived {
		if d.Name == "" {
			return fmt.Errorf("derived parameter missing name")
		}
		if d.Expression == "" {
			return fmt.Errorf("derived parameter %s missing expression", d.Name)
		}
		if _, ok := derived[d.Name]; ok {
			return fmt.Errorf("duplicate derived parameter %q", d.Name)
		}
		derived[d.Name] = struct{}{}
	}
	return nil
}
