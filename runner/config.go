package runner

import (
	"fmt"
	"time"

	"github.com/vinayprograms/jobkit/cache"
	"github.com/vinayprograms/jobkit/logging"
	"github.com/vinayprograms/jobkit/progress"
	"github.com/vinayprograms/jobkit/telemetry"
)

// Defaults.
const (
	DefaultMaxConcurrent = 500
	DefaultTaskTimeout   = 60 * time.Second
)

// Config configures a Runner.
type Config struct {
	// MaxConcurrent bounds the number of tasks conducted at once.
	// Default: 500
	MaxConcurrent int

	// Iterations is how many times each submitted task runs.
	// Default: 1
	Iterations int

	// StopOnError makes the run fail-fast.
	StopOnError bool

	// TaskTimeout bounds each external call a task makes through tasks.Call.
	// A negative value disables the bound.
	// Default: 60s
	TaskTimeout time.Duration

	// Cache is handed to every expanded task.
	Cache cache.Cache

	// Progress receives one event per finished task. Optional.
	Progress progress.Sink

	// ProgressBuffer is the number of events queued for Progress before
	// new ones are dropped.
	// Default: progress.DefaultBufferSize
	ProgressBuffer int

	// Logger receives run and task events. Optional.
	Logger *logging.Logger

	// Tracer records run and task spans. Default: the global tracer.
	Tracer *telemetry.Tracer
}

// DefaultConfig returns a fail-soft configuration with default limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  DefaultMaxConcurrent,
		Iterations:     1,
		TaskTimeout:    DefaultTaskTimeout,
		ProgressBuffer: progress.DefaultBufferSize,
	}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Iterations == 0 {
		c.Iterations = 1
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.ProgressBuffer == 0 {
		c.ProgressBuffer = progress.DefaultBufferSize
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.GetTracer()
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.Iterations < 1 {
		return fmt.Errorf("iterations must be at least 1, got %d", c.Iterations)
	}
	if c.ProgressBuffer < 0 {
		return fmt.Errorf("progress_buffer must not be negative")
	}
	return nil
}
