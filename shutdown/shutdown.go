package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/jobkit/logging"
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Phases used by jobkit components. Lower phases stop first.
const (
	// PhaseRuns cancels active runs so their tasks drain.
	PhaseRuns = 10

	// PhaseFlush flushes progress and telemetry exporters.
	PhaseFlush = 20

	// PhaseConnections closes the bus, the cache and tracer providers.
	PhaseConnections = 30
)

// Handler is implemented by components that need to stop cleanly.
// runner.Execution implements it. The context expires with the shutdown
// timeout.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a shutdown.
type Result struct {
	TotalDuration time.Duration
	Handlers      []HandlerResult

	// Err is nil if every handler succeeded.
	Err error
}

// Failed returns true if any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Handlers {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the coordinator.
type Config struct {
	// Timeout bounds a signal-triggered shutdown and ShutdownWithTimeout(0).
	// Default: 30 seconds
	Timeout time.Duration

	// DefaultPhase is assigned by Register.
	// Default: PhaseConnections
	DefaultPhase int

	// ContinueOnError runs later phases after a handler fails.
	// Default: true
	ContinueOnError bool

	// Logger receives one line per handler. Optional.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    PhaseConnections,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
