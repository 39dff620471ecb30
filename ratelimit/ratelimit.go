package ratelimit

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed        = errors.New("coordinator closed")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// SubjectPrefix is the message bus subject prefix for rate limit messages.
const SubjectPrefix = "ratelimit."

// Kind distinguishes the two buckets guarding a resource.
type Kind string

const (
	KindRequests Kind = "requests"
	KindTokens   Kind = "tokens"
)

// DefaultGrowthFactor is the multiplier applied to a request that does not
// fit a bucket when growth is allowed.
const DefaultGrowthFactor = 1.10

// Limits are the advertised per-minute limits of a resource.
type Limits struct {
	RPM float64 `json:"rpm" toml:"rpm"`
	TPM float64 `json:"tpm" toml:"tpm"`
}

// FallbackLimits apply to resources whose limits nobody advertises.
var FallbackLimits = Limits{RPM: 100, TPM: 1000}

// LimitsSource looks up the advertised limits for a resource id.
type LimitsSource interface {
	Limits(resource string) (Limits, bool)
}

// LimitsFunc adapts a function to LimitsSource.
type LimitsFunc func(resource string) (Limits, bool)

// Limits implements LimitsSource.
func (f LimitsFunc) Limits(resource string) (Limits, bool) {
	return f(resource)
}

// CapacityUpdate is broadcast when a process reduces a resource's capacity.
type CapacityUpdate struct {
	// Resource that changed.
	Resource string `json:"resource"`

	// AgentID of the sending process.
	AgentID string `json:"agent_id"`

	// Factor is the multiplier the sender applied to its capacity.
	Factor float64 `json:"factor"`

	// Reason for the change.
	Reason string `json:"reason"`

	// Timestamp of the update.
	Timestamp time.Time `json:"timestamp"`
}

// OnCapacityChange is a callback for capacity change notifications.
type OnCapacityChange func(update *CapacityUpdate)
