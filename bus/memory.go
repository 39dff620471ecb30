package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus using in-memory channels.
// Useful for testing and single-process runs.
type MemoryBus struct {
	config Config

	mu      sync.RWMutex
	subs    map[string][]*memorySub
	closed  atomic.Bool
	dropped atomic.Int64
}

type memorySub struct {
	subject string
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config: cfg,
		subs:   make(map[string][]*memorySub),
	}
}

// Publish sends a message to all subscribers.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Subject: subject,
		Data:    data,
	}

	// Held for the whole delivery so Unsubscribe cannot close a channel
	// mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[subject] {
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe creates a subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}
	b.subs[subject] = append(b.subs[subject], sub)
	return sub, nil
}

// Dropped returns how many messages were dropped because a subscriber's
// buffer was full.
func (b *MemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close shuts down the bus and closes every subscription channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Swap(true) {
		return nil
	}

	for _, subs := range b.subs {
		for _, sub := range subs {
			if !sub.closed.Swap(true) {
				close(sub.ch)
			}
		}
	}
	b.subs = nil
	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed.Swap(true) {
		return nil
	}

	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}

var _ MessageBus = (*MemoryBus)(nil)
