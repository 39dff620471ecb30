package ratelimit

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/jobkit/logging"
)

// Pair holds the request and token buckets of one resource.
type Pair struct {
	Resource string
	Requests *Bucket
	Tokens   *Bucket
}

// Acquire takes requests from the request bucket, then tokens from the
// token bucket.
func (p *Pair) Acquire(ctx context.Context, requests, tokens float64, allowGrowth bool) error {
	if err := p.Requests.Acquire(ctx, requests, allowGrowth); err != nil {
		return err
	}
	return p.Tokens.Acquire(ctx, tokens, allowGrowth)
}

// Release returns previously acquired units to both buckets.
func (p *Pair) Release(requests, tokens float64) {
	p.Requests.AddTokens(requests)
	p.Tokens.AddTokens(tokens)
}

// TurboOn lifts both limits.
func (p *Pair) TurboOn() {
	p.Requests.TurboOn()
	p.Tokens.TurboOn()
}

// TurboOff restores both limits.
func (p *Pair) TurboOff() {
	p.Requests.TurboOff()
	p.Tokens.TurboOff()
}

// PairState is a point-in-time view of a pair.
type PairState struct {
	Resource string      `json:"resource"`
	Requests BucketState `json:"requests"`
	Tokens   BucketState `json:"tokens"`
}

// Snapshot returns the state of both buckets.
func (p *Pair) Snapshot() PairState {
	return PairState{
		Resource: p.Resource,
		Requests: p.Requests.Snapshot(),
		Tokens:   p.Tokens.Snapshot(),
	}
}

// InfinityPair returns a pair that never blocks, for work that needs no
// admission control.
func InfinityPair() *Pair {
	inf := math.Inf(1)
	return &Pair{
		Resource: "infinity",
		Requests: NewBucket(BucketConfig{Name: "infinity:requests", Kind: KindRequests, Capacity: inf, RefillRate: inf, LogLimit: -1}),
		Tokens:   NewBucket(BucketConfig{Name: "infinity:tokens", Kind: KindTokens, Capacity: inf, RefillRate: inf, LogLimit: -1}),
	}
}

// CollectionOption configures a Collection.
type CollectionOption func(*Collection)

// WithGrowthFactor sets the growth factor of every bucket the collection creates.
func WithGrowthFactor(f float64) CollectionOption {
	return func(c *Collection) {
		c.growthFactor = f
	}
}

// WithFallback sets the limits used when the source knows nothing about a resource.
func WithFallback(l Limits) CollectionOption {
	return func(c *Collection) {
		c.fallback = l
	}
}

// WithLogger attaches a logger to the collection and its buckets.
func WithLogger(l *logging.Logger) CollectionOption {
	return func(c *Collection) {
		c.logger = l
	}
}

// Collection maps resource ids to bucket pairs. A pair is created on first
// lookup and lives as long as the collection.
type Collection struct {
	mu           sync.Mutex
	pairs        map[string]*Pair
	source       LimitsSource
	fallback     Limits
	growthFactor float64
	turbo        bool
	logger       *logging.Logger

	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewCollection creates a collection that takes default limits from source.
// A nil source means every resource gets the fallback limits.
func NewCollection(source LimitsSource, opts ...CollectionOption) *Collection {
	c := &Collection{
		pairs:        make(map[string]*Pair),
		source:       source,
		fallback:     FallbackLimits,
		growthFactor: DefaultGrowthFactor,
		nowFunc:      time.Now,
		sleepFunc:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the pair for resource, creating it from the advertised limits
// on first use. Every call with the same id returns the same pair.
func (c *Collection) Get(resource string) *Pair {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pairs[resource]; ok {
		return p
	}

	limits := c.fallback
	if c.source != nil {
		if l, ok := c.source.Limits(resource); ok {
			limits = l
		}
	}
	p := c.newPair(resource, limits)
	c.pairs[resource] = p
	return p
}

// Set installs limits for resource, replacing the limits of an existing pair
// in place so holders of the pair see the change.
func (c *Collection) Set(resource string, limits Limits) *Pair {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pairs[resource]; ok {
		p.Requests.SetLimit(limits.RPM, limits.RPM/60)
		p.Tokens.SetLimit(limits.TPM, limits.TPM/60)
		return p
	}
	p := c.newPair(resource, limits)
	c.pairs[resource] = p
	return p
}

// Lookup returns the pair for resource without creating it.
func (c *Collection) Lookup(resource string) (*Pair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pairs[resource]
	return p, ok
}

// Resources returns the known resource ids in sorted order.
func (c *Collection) Resources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.pairs))
	for id := range c.pairs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TurboOn lifts the limits of every current and future pair.
func (c *Collection) TurboOn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.turbo = true
	for _, p := range c.pairs {
		p.TurboOn()
	}
}

// TurboOff restores the limits of every pair.
func (c *Collection) TurboOff() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.turbo = false
	for _, p := range c.pairs {
		p.TurboOff()
	}
}

// Snapshot returns the state of every pair in resource order.
func (c *Collection) Snapshot() []PairState {
	ids := c.Resources()
	out := make([]PairState, 0, len(ids))
	for _, id := range ids {
		if p, ok := c.Lookup(id); ok {
			out = append(out, p.Snapshot())
		}
	}
	return out
}

// newPair must be called with mu held.
func (c *Collection) newPair(resource string, limits Limits) *Pair {
	p := &Pair{
		Resource: resource,
		Requests: c.newBucket(resource, KindRequests, limits.RPM),
		Tokens:   c.newBucket(resource, KindTokens, limits.TPM),
	}
	if c.turbo {
		p.TurboOn()
	}
	return p
}

// newBucket builds a bucket holding one minute of the limit and refilling
// at limit/60 per second.
func (c *Collection) newBucket(resource string, kind Kind, perMinute float64) *Bucket {
	b := NewBucket(BucketConfig{
		Name:         resource + ":" + string(kind),
		Kind:         kind,
		Capacity:     perMinute,
		RefillRate:   perMinute / 60,
		GrowthFactor: c.growthFactor,
	})
	b.nowFunc = c.nowFunc
	b.sleepFunc = c.sleepFunc
	b.lastRefill = c.nowFunc()
	b.logger = c.logger.WithComponent("bucket")
	return b
}
