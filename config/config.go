// Package config loads jobkit settings from TOML.
//
//	[runner]
//	max_concurrent  = 500
//	iterations      = 1
//	stop_on_error   = false
//	task_timeout    = "60s"
//	growth_factor   = 1.10
//	progress_buffer = 256
//
//	[limits.openai]
//	rpm = 10000
//	tpm = 2000000
//
//	[pricing.openai]
//	prompt     = 2.5
//	completion = 10
//
//	[cache]
//	path = "responses.db"
//
//	[bus]
//	url      = "nats://localhost:4222"
//	agent_id = "worker-1"
//
//	[telemetry]
//	endpoint     = "localhost:4317"
//	protocol     = "grpc"
//	service_name = "jobkit"
//	events_file  = "events.jsonl"
//
//	[logging]
//	level = "info"
//
// JOBKIT_MAX_CONCURRENT_TASKS and JOBKIT_API_TIMEOUT override the runner
// settings after the file is read.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/jobkit/llm"
	"github.com/vinayprograms/jobkit/logging"
	"github.com/vinayprograms/jobkit/progress"
	"github.com/vinayprograms/jobkit/ratelimit"
	"github.com/vinayprograms/jobkit/runner"
)

// Environment overrides.
const (
	EnvMaxConcurrent = "JOBKIT_MAX_CONCURRENT_TASKS"
	EnvAPITimeout    = "JOBKIT_API_TIMEOUT"
)

// Config is the root configuration.
type Config struct {
	Runner    RunnerConfig           `toml:"runner"`
	Limits    map[string]LimitConfig   `toml:"limits"`
	Pricing   map[string]PricingConfig `toml:"pricing"`
	Cache     CacheConfig              `toml:"cache"`
	Bus       BusConfig                `toml:"bus"`
	Telemetry TelemetryConfig          `toml:"telemetry"`
	Logging   LoggingConfig            `toml:"logging"`
}

// RunnerConfig holds execution settings.
type RunnerConfig struct {
	MaxConcurrent  int      `toml:"max_concurrent"`
	Iterations     int      `toml:"iterations"`
	StopOnError    bool     `toml:"stop_on_error"`
	TaskTimeout    Duration `toml:"task_timeout"`
	GrowthFactor   float64  `toml:"growth_factor"`
	ProgressBuffer int      `toml:"progress_buffer"`
}

// LimitConfig overrides the limits a service advertises.
type LimitConfig struct {
	RPM float64 `toml:"rpm"`
	TPM float64 `toml:"tpm"`
}

// Limits converts to ratelimit.Limits.
func (l LimitConfig) Limits() ratelimit.Limits {
	return ratelimit.Limits{RPM: l.RPM, TPM: l.TPM}
}

// PricingConfig overrides the token prices of a service, in US dollars per
// million tokens.
type PricingConfig struct {
	Prompt     float64 `toml:"prompt"`
	Completion float64 `toml:"completion"`
}

// CacheConfig selects the response cache. An empty path keeps responses in
// memory for the life of the process.
type CacheConfig struct {
	Path string `toml:"path"`
}

// BusConfig enables distributed capacity coordination over NATS.
type BusConfig struct {
	URL     string `toml:"url"`
	AgentID string `toml:"agent_id"`

	// RecoveryInterval is how often reduced capacity creeps back.
	RecoveryInterval Duration `toml:"recovery_interval"`
}

// Enabled reports whether a bus is configured.
func (b BusConfig) Enabled() bool {
	return b.URL != ""
}

// TelemetryConfig configures tracing and the progress event export.
type TelemetryConfig struct {
	Endpoint    string  `toml:"endpoint"`
	Protocol    string  `toml:"protocol"`
	ServiceName string  `toml:"service_name"`
	Insecure    bool    `toml:"insecure"`
	Debug       bool    `toml:"debug"`
	SampleRatio float64 `toml:"sample_ratio"`

	// EventsFile receives one JSON line per finished task.
	EventsFile string `toml:"events_file"`

	// EventsEndpoint receives batches of task records over HTTP.
	EventsEndpoint string `toml:"events_endpoint"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration written as a string such as "60s".
type Duration time.Duration

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	dur, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Runner: RunnerConfig{
			MaxConcurrent:  runner.DefaultMaxConcurrent,
			Iterations:     1,
			TaskTimeout:    Duration(runner.DefaultTaskTimeout),
			GrowthFactor:   ratelimit.DefaultGrowthFactor,
			ProgressBuffer: progress.DefaultBufferSize,
		},
		Limits:  map[string]LimitConfig{},
		Pricing: map[string]PricingConfig{},
		Bus: BusConfig{
			RecoveryInterval: Duration(30 * time.Second),
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "jobkit",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path yields the defaults with overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("load config %s: unknown key %s", path, undecoded[0])
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies the JOBKIT_* environment overrides. JOBKIT_API_TIMEOUT
// accepts a duration ("90s") or a number of seconds.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvMaxConcurrent); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxConcurrent, err)
		}
		c.Runner.MaxConcurrent = n
	}
	if v := os.Getenv(EnvAPITimeout); v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAPITimeout, err)
		}
		c.Runner.TaskTimeout = Duration(d)
	}
	return nil
}

func parseTimeout(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Runner.MaxConcurrent < 1 {
		return fmt.Errorf("runner.max_concurrent must be positive, got %d", c.Runner.MaxConcurrent)
	}
	if c.Runner.Iterations < 1 {
		return fmt.Errorf("runner.iterations must be at least 1, got %d", c.Runner.Iterations)
	}
	if c.Runner.TaskTimeout < 0 {
		return fmt.Errorf("runner.task_timeout must not be negative")
	}
	if c.Runner.GrowthFactor <= 1 {
		return fmt.Errorf("runner.growth_factor must exceed 1, got %g", c.Runner.GrowthFactor)
	}
	for name, l := range c.Limits {
		if l.RPM <= 0 || l.TPM <= 0 {
			return fmt.Errorf("limits.%s: rpm and tpm must be positive", name)
		}
	}
	for name, p := range c.Pricing {
		if p.Prompt < 0 || p.Completion < 0 {
			return fmt.Errorf("pricing.%s: prices must not be negative", name)
		}
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// RunnerSettings returns the runner settings. Sinks, cache, logger and
// tracer are left for the caller.
func (c *Config) RunnerSettings() runner.Config {
	return runner.Config{
		MaxConcurrent:  c.Runner.MaxConcurrent,
		Iterations:     c.Runner.Iterations,
		StopOnError:    c.Runner.StopOnError,
		TaskTimeout:    c.Runner.TaskTimeout.Duration(),
		ProgressBuffer: c.Runner.ProgressBuffer,
	}
}

// ApplyLimits installs the [limits.<service>] overrides into reg.
func (c *Config) ApplyLimits(reg *llm.Registry) error {
	for name, l := range c.Limits {
		if err := reg.SetLimits(name, l.Limits()); err != nil {
			return fmt.Errorf("limits.%s: %w", name, err)
		}
	}
	return nil
}

// ApplyPricing installs the [pricing.<service>] overrides into reg.
func (c *Config) ApplyPricing(reg *llm.Registry) error {
	for name, p := range c.Pricing {
		if err := reg.SetPricing(name, llm.Pricing{Prompt: p.Prompt, Completion: p.Completion}); err != nil {
			return fmt.Errorf("pricing.%s: %w", name, err)
		}
	}
	return nil
}
