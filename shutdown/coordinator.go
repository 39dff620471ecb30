package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Coordinator stops registered handlers phase by phase. Handlers in the
// same phase stop concurrently.
type Coordinator struct {
	config Config

	mu       sync.Mutex
	handlers []registration
	started  atomic.Bool
	err      error
	result   *Result
	done     chan struct{}
	signals  chan os.Signal
}

// NewCoordinator creates a coordinator.
func NewCoordinator(config Config) *Coordinator {
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = DefaultConfig().DefaultPhase
	}
	return &Coordinator{
		config:  config,
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, handler Handler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler in phase.
func (c *Coordinator) RegisterWithPhase(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: handler, phase: phase})
}

// RegisterFunc adds a function in phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// Shutdown runs every handler once. A second call returns the first call's
// error once it has finished, or ErrAlreadyShutdown while it is running.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		select {
		case <-c.done:
			return c.Err()
		default:
			return ErrAlreadyShutdown
		}
	}

	start := time.Now()
	result := c.run(ctx)
	result.TotalDuration = time.Since(start)

	c.mu.Lock()
	c.result = result
	c.err = result.Err
	c.mu.Unlock()
	close(c.done)
	return result.Err
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or by the
// configured timeout when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals shuts down on the first SIGINT or SIGTERM. It stops
// listening when ctx ends or shutdown completes.
func (c *Coordinator) HandleSignals(ctx context.Context) {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(c.signals)
		select {
		case sig := <-c.signals:
			c.config.Logger.Warn("signal received, shutting down", map[string]interface{}{"signal": sig.String()})
			_ = c.ShutdownWithTimeout(c.config.Timeout)
		case <-ctx.Done():
		case <-c.done:
		}
	}()
}

// Trigger behaves as if SIGTERM arrived. HandleSignals must be active.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown has completed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error, or nil before shutdown completes.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Result returns the per-handler outcome, or nil before shutdown completes.
func (c *Coordinator) Result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

func (c *Coordinator) run(ctx context.Context) *Result {
	c.mu.Lock()
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Handlers: make([]HandlerResult, 0, len(handlers))}
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			result.Err = ErrTimeout
			return result
		}

		phaseResults := c.runPhase(ctx, group)
		result.Handlers = append(result.Handlers, phaseResults...)

		for _, hr := range phaseResults {
			if hr.Err == nil {
				continue
			}
			result.Err = ErrHandlerFailed
			if !c.config.ContinueOnError {
				return result
			}
		}
	}
	return result
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	out := make([]HandlerResult, len(group))
	var wg sync.WaitGroup

	for i, reg := range group {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := reg.handler.OnShutdown(ctx)
			out[i] = HandlerResult{
				Name:     reg.name,
				Phase:    reg.phase,
				Duration: time.Since(start),
				Err:      err,
			}

			fields := map[string]interface{}{
				"handler":  reg.name,
				"phase":    reg.phase,
				"duration": out[i].Duration.String(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.config.Logger.Warn("shutdown handler failed", fields)
				return
			}
			c.config.Logger.Debug("shutdown handler done", fields)
		}()
	}

	wg.Wait()
	return out
}

// groupByPhase splits phase-sorted handlers into runs of equal phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
