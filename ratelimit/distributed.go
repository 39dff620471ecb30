package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/vinayprograms/jobkit/bus"
	"github.com/vinayprograms/jobkit/logging"
)

// CapacitySubject carries CapacityUpdate messages.
const CapacitySubject = SubjectPrefix + "capacity"

// DistributedConfig configures a Coordinator.
type DistributedConfig struct {
	// Bus is the message bus for coordination.
	Bus bus.MessageBus

	// AgentID identifies this process on the bus.
	AgentID string

	// ReduceFactor is the multiplier when reducing capacity (0-1).
	// Default: 0.5
	ReduceFactor float64

	// RecoveryInterval is how often to attempt capacity recovery.
	// Default: 30 seconds
	RecoveryInterval time.Duration

	// RecoveryFactor is the multiplier when recovering capacity (>1).
	// Default: 1.1
	RecoveryFactor float64

	// MaxRecovery caps recovery at the pre-reduction capacity.
	// Default: true
	MaxRecovery bool

	// Logger receives capacity_reduced events. Optional.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *DistributedConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	if c.AgentID == "" {
		return ErrInvalidConfig
	}
	if c.ReduceFactor < 0 || c.ReduceFactor >= 1 {
		return ErrInvalidConfig
	}
	if c.RecoveryFactor != 0 && c.RecoveryFactor <= 1 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultDistributedConfig returns configuration with sensible defaults.
func DefaultDistributedConfig() DistributedConfig {
	return DistributedConfig{
		ReduceFactor:     0.5,
		RecoveryInterval: 30 * time.Second,
		RecoveryFactor:   1.1,
		MaxRecovery:      true,
	}
}

// Coordinator shares rate-limit pressure between processes that draw on
// the same resources. When one process is told to slow down it halves its
// own pair and tells its peers to do the same; capacity then creeps back
// on a timer.
type Coordinator struct {
	config     DistributedConfig
	collection *Collection

	mu            sync.Mutex
	originals     map[string]Limits
	lastReduction map[string]time.Time
	onCapacity    OnCapacityChange
	closed        bool

	sub    bus.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nowFunc func() time.Time
}

// NewCoordinator attaches a coordinator to collection.
func NewCoordinator(collection *Collection, config DistributedConfig) (*Coordinator, error) {
	if collection == nil {
		return nil, ErrInvalidConfig
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	defaults := DefaultDistributedConfig()
	if config.ReduceFactor == 0 {
		config.ReduceFactor = defaults.ReduceFactor
	}
	if config.RecoveryInterval == 0 {
		config.RecoveryInterval = defaults.RecoveryInterval
	}
	if config.RecoveryFactor == 0 {
		config.RecoveryFactor = defaults.RecoveryFactor
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Coordinator{
		config:        config,
		collection:    collection,
		originals:     make(map[string]Limits),
		lastReduction: make(map[string]time.Time),
		ctx:           ctx,
		cancel:        cancel,
		nowFunc:       time.Now,
	}
	d.config.Logger = config.Logger.WithComponent("ratelimit")

	sub, err := config.Bus.Subscribe(CapacitySubject)
	if err != nil {
		cancel()
		return nil, err
	}
	d.sub = sub

	d.wg.Add(2)
	go d.listenForUpdates()
	go d.recoveryLoop()

	return d, nil
}

func (d *Coordinator) listenForUpdates() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case msg, ok := <-d.sub.Messages():
			if !ok {
				return
			}
			d.handleUpdate(msg)
		}
	}
}

func (d *Coordinator) handleUpdate(msg *bus.Message) {
	var update CapacityUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		return
	}
	if update.AgentID == d.config.AgentID {
		return
	}
	if update.Factor <= 0 || update.Factor >= 1 {
		return
	}

	// Only resources this process actually uses are adjusted.
	if _, ok := d.collection.Lookup(update.Resource); ok {
		if d.reduce(update.Resource, update.Factor) {
			d.config.Logger.CapacityReduced(update.Resource, update.AgentID, update.Reason, update.Factor)
		}
	}

	d.mu.Lock()
	callback := d.onCapacity
	d.mu.Unlock()
	if callback != nil {
		callback(&update)
	}
}

// AnnounceReduced reduces the local capacity of resource and broadcasts the
// reduction. reason describes the trigger, e.g. "received 429 response".
func (d *Coordinator) AnnounceReduced(resource, reason string) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}

	if !d.reduce(resource, d.config.ReduceFactor) {
		return
	}
	d.config.Logger.CapacityReduced(resource, d.config.AgentID, reason, d.config.ReduceFactor)

	update := CapacityUpdate{
		Resource:  resource,
		AgentID:   d.config.AgentID,
		Factor:    d.config.ReduceFactor,
		Reason:    reason,
		Timestamp: d.nowFunc(),
	}
	data, err := json.Marshal(update)
	if err != nil {
		return
	}
	_ = d.config.Bus.Publish(CapacitySubject, data)
}

// reduce scales the pair of resource by factor. It reports false when the
// pair is in turbo mode.
func (d *Coordinator) reduce(resource string, factor float64) bool {
	p := d.collection.Get(resource)
	if p.Requests.Turbo() || p.Tokens.Turbo() {
		return false
	}

	current := Limits{RPM: p.Requests.Capacity(), TPM: p.Tokens.Capacity()}

	d.mu.Lock()
	if _, ok := d.originals[resource]; !ok {
		d.originals[resource] = current
	}
	d.lastReduction[resource] = d.nowFunc()
	d.mu.Unlock()

	d.collection.Set(resource, Limits{
		RPM: math.Max(1, current.RPM*factor),
		TPM: math.Max(1, current.TPM*factor),
	})
	return true
}

func (d *Coordinator) recoveryLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.attemptRecovery()
		}
	}
}

// attemptRecovery raises every reduced resource by RecoveryFactor once a
// full interval has passed since its last reduction.
func (d *Coordinator) attemptRecovery() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFunc()
	for resource, last := range d.lastReduction {
		if now.Sub(last) < d.config.RecoveryInterval {
			continue
		}
		p, ok := d.collection.Lookup(resource)
		if !ok {
			continue
		}
		original := d.originals[resource]

		next := Limits{
			RPM: p.Requests.Capacity() * d.config.RecoveryFactor,
			TPM: p.Tokens.Capacity() * d.config.RecoveryFactor,
		}
		if d.config.MaxRecovery {
			next.RPM = math.Min(next.RPM, original.RPM)
			next.TPM = math.Min(next.TPM, original.TPM)
		}
		d.collection.Set(resource, next)

		if next.RPM >= original.RPM && next.TPM >= original.TPM {
			delete(d.lastReduction, resource)
			delete(d.originals, resource)
		}
	}
}

// OnCapacityChange sets a callback for updates received from peers.
func (d *Coordinator) OnCapacityChange(cb OnCapacityChange) {
	d.mu.Lock()
	d.onCapacity = cb
	d.mu.Unlock()
}

// Close stops listening and recovering.
func (d *Coordinator) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	if d.sub != nil {
		_ = d.sub.Unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return nil
}
