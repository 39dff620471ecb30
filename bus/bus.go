// Package bus provides publish/subscribe clients used to share rate-limit
// pressure and progress events between jobkit processes.
//
// The MessageBus interface has a NATS backend and an in-memory backend.
// Both deliver through channels and drop messages rather than block a
// publisher when a subscriber falls behind.
package bus

import (
	"errors"
	"strings"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message represents a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte
}

// MessageBus provides pub/sub messaging.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription to a subject.
	// All subscribers receive all messages.
	Subscribe(subject string) (Subscription, error)

	// Close shuts down the bus connection.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks that subject is a non-empty dot-separated name
// without wildcards or whitespace.
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	if strings.ContainsAny(subject, " \t\r\n*>") {
		return ErrInvalidSubject
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return ErrInvalidSubject
		}
	}
	return nil
}
