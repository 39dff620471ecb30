package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vinayprograms/jobkit/errors"
	"github.com/vinayprograms/jobkit/logging"
	"github.com/vinayprograms/jobkit/telemetry"
)

// defaultLogLimit caps the diagnostic level log of a bucket.
const defaultLogLimit = 1000

// zeroRatePoll is how often a bucket that never refills rechecks its level,
// so tokens returned by AddTokens can still satisfy a waiter.
const zeroRatePoll = 100 * time.Millisecond

// BucketConfig configures a token bucket.
type BucketConfig struct {
	// Name identifies the bucket in logs and errors.
	Name string

	// Kind is requests or tokens.
	Kind Kind

	// Capacity is the maximum level. +Inf means unlimited.
	Capacity float64

	// RefillRate is in units per second.
	RefillRate float64

	// GrowthFactor multiplies an oversized request to get the new capacity.
	// Default: DefaultGrowthFactor
	GrowthFactor float64

	// LogLimit caps the number of retained level samples.
	// Zero uses the default, negative disables the log.
	LogLimit int
}

// Sample is one entry of a bucket's level log.
type Sample struct {
	At    time.Time `json:"at"`
	Level float64   `json:"level"`
}

// BucketState is a point-in-time view of a bucket.
type BucketState struct {
	Name       string  `json:"name"`
	Kind       Kind    `json:"kind"`
	Capacity   float64 `json:"capacity"`
	Level      float64 `json:"level"`
	RefillRate float64 `json:"refill_rate"`
	Turbo      bool    `json:"turbo"`
}

// Bucket is a token bucket guarding one dimension of a resource.
// It starts full and is safe for concurrent use. Waiters are not served
// in arrival order.
type Bucket struct {
	mu           sync.Mutex
	name         string
	kind         Kind
	capacity     float64
	tokens       float64
	refillRate   float64
	growthFactor float64
	lastRefill   time.Time

	turbo         bool
	savedCapacity float64
	savedRate     float64

	log      []Sample
	logLimit int
	logger   *logging.Logger

	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewBucket creates a full bucket.
func NewBucket(cfg BucketConfig) *Bucket {
	if cfg.GrowthFactor <= 1 {
		cfg.GrowthFactor = DefaultGrowthFactor
	}
	if cfg.LogLimit == 0 {
		cfg.LogLimit = defaultLogLimit
	}
	if cfg.Capacity < 0 || math.IsNaN(cfg.Capacity) {
		cfg.Capacity = 0
	}
	if cfg.RefillRate < 0 || math.IsNaN(cfg.RefillRate) {
		cfg.RefillRate = 0
	}

	b := &Bucket{
		name:         cfg.Name,
		kind:         cfg.Kind,
		capacity:     cfg.Capacity,
		tokens:       cfg.Capacity,
		refillRate:   cfg.RefillRate,
		growthFactor: cfg.GrowthFactor,
		logLimit:     cfg.LogLimit,
		nowFunc:      time.Now,
		sleepFunc:    sleepContext,
	}
	b.lastRefill = b.nowFunc()
	b.record(b.lastRefill)
	return b
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

// Kind returns the bucket kind.
func (b *Bucket) Kind() Kind {
	return b.kind
}

// SetLogger attaches a logger for growth and wait events.
func (b *Bucket) SetLogger(l *logging.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = l
}

// AddTokens raises the level by amount, capped at capacity.
func (b *Bucket) AddTokens(amount float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if amount <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+amount)
	b.record(b.nowFunc())
}

// Refill credits the tokens accrued since the last refill.
func (b *Bucket) Refill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.nowFunc())
}

// refill must be called with mu held.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		// Nothing accrued. Also keeps 0 * +Inf away from the level.
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
	b.record(now)
}

// WaitTime returns how long until requested units are available, based on
// the current level. It does not refill.
func (b *Bucket) WaitTime(requested float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waitTime(requested)
}

func (b *Bucket) waitTime(requested float64) time.Duration {
	if requested <= b.tokens {
		return 0
	}
	if b.refillRate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	secs := (requested - b.tokens) / b.refillRate
	ns := math.Ceil(secs * float64(time.Second))
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

// Acquire blocks until amount units can be taken from the bucket.
//
// A request at or above capacity can never be satisfied by waiting. With
// allowGrowth false it fails with CAPACITY_EXCEEDED; otherwise the capacity
// is permanently raised to amount times the growth factor before waiting.
// Cancelling ctx aborts the wait and returns ctx.Err().
func (b *Bucket) Acquire(ctx context.Context, amount float64, allowGrowth bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 {
		return nil
	}

	b.mu.Lock()
	if b.turbo {
		b.mu.Unlock()
		return nil
	}

	var waited time.Duration
	for {
		// Capacity may have shrunk through SetLimit while we slept.
		grown, from, err := b.fitLocked(amount, allowGrowth)
		if err != nil {
			b.mu.Unlock()
			return err
		}

		b.refill(b.nowFunc())
		if b.tokens >= amount {
			b.tokens -= amount
			b.record(b.nowFunc())
			to, logger := b.capacity, b.logger
			b.mu.Unlock()
			if grown {
				logger.BucketGrowth(b.name, from, to)
			}
			if waited > 0 {
				telemetry.RecordWait(ctx, b.name, amount, waited)
			}
			return nil
		}

		wait := b.waitTime(amount)
		if b.refillRate <= 0 {
			wait = zeroRatePoll
		}
		to, logger := b.capacity, b.logger
		sleep := b.sleepFunc
		b.mu.Unlock()

		if grown {
			logger.BucketGrowth(b.name, from, to)
		}
		logger.BucketWait(b.name, amount, wait)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		waited += wait

		b.mu.Lock()
		if b.turbo {
			b.mu.Unlock()
			return nil
		}
	}
}

// fitLocked makes room for a request of amount. A request at or above
// capacity grows the bucket when allowed and fails otherwise. It reports
// the capacity before growth. b.mu must be held.
func (b *Bucket) fitLocked(amount float64, allowGrowth bool) (grown bool, from float64, err error) {
	if amount < b.capacity {
		return false, 0, nil
	}
	if !allowGrowth {
		return false, 0, errors.CapacityExceeded(b.name, amount, b.capacity)
	}
	from = b.capacity
	b.capacity = amount * b.growthFactor
	return true, from, nil
}

// TurboOn lifts the limit: capacity and refill rate become unlimited and
// Acquire returns immediately. A second call is a no-op.
func (b *Bucket) TurboOn() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.turbo {
		return
	}
	b.turbo = true
	b.savedCapacity = b.capacity
	b.savedRate = b.refillRate
	b.capacity = math.Inf(1)
	b.refillRate = math.Inf(1)
}

// TurboOff restores the exact pre-turbo capacity and rate and clamps the level.
func (b *Bucket) TurboOff() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.turbo {
		return
	}
	b.turbo = false
	b.capacity = b.savedCapacity
	b.refillRate = b.savedRate
	b.tokens = math.Min(b.tokens, b.capacity)
	b.lastRefill = b.nowFunc()
	b.record(b.lastRefill)
}

// Turbo reports whether turbo mode is on.
func (b *Bucket) Turbo() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.turbo
}

// SetLimit replaces capacity and refill rate, clamping the level. Under
// turbo the new values take effect when turbo is switched off.
func (b *Bucket) SetLimit(capacity, refillRate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.turbo {
		b.savedCapacity = capacity
		b.savedRate = refillRate
		return
	}
	now := b.nowFunc()
	b.refill(now)
	b.capacity = capacity
	b.refillRate = refillRate
	b.tokens = math.Min(b.tokens, capacity)
	b.record(now)
}

// Combine returns a new full bucket limited by the tighter of the two
// capacities and the slower of the two rates.
func (b *Bucket) Combine(other *Bucket) *Bucket {
	a := b.Snapshot()
	o := other.Snapshot()

	b.mu.Lock()
	growth := b.growthFactor
	b.mu.Unlock()

	return NewBucket(BucketConfig{
		Name:         a.Name + "+" + o.Name,
		Kind:         a.Kind,
		Capacity:     math.Min(a.Capacity, o.Capacity),
		RefillRate:   math.Min(a.RefillRate, o.RefillRate),
		GrowthFactor: growth,
	})
}

// Capacity returns the current capacity.
func (b *Bucket) Capacity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Level returns the current level without refilling.
func (b *Bucket) Level() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Snapshot returns the bucket state after a refill.
func (b *Bucket) Snapshot() BucketState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.nowFunc())
	return BucketState{
		Name:       b.name,
		Kind:       b.kind,
		Capacity:   b.capacity,
		Level:      b.tokens,
		RefillRate: b.refillRate,
		Turbo:      b.turbo,
	}
}

// Log returns a copy of the retained level samples, oldest first.
func (b *Bucket) Log() []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Sample, len(b.log))
	copy(out, b.log)
	return out
}

// String implements fmt.Stringer.
func (b *Bucket) String() string {
	s := b.Snapshot()
	return fmt.Sprintf("%s(%s) %.2f/%.2f @%.3f/s", s.Name, s.Kind, s.Level, s.Capacity, s.RefillRate)
}

// record must be called with mu held.
func (b *Bucket) record(at time.Time) {
	if b.logLimit < 0 {
		return
	}
	if len(b.log) >= b.logLimit {
		n := copy(b.log, b.log[1:])
		b.log = b.log[:n]
	}
	b.log = append(b.log, Sample{At: at, Level: b.tokens})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
