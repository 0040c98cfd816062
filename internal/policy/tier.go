// Package policy holds the admission policy tables: the static tier
// definitions, per-endpoint policies and per-subject overrides.
package policy

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownTier is returned when a policy references a tier that was never registered
	ErrUnknownTier = errors.New("unknown tier")

	// ErrInvalidLimits is returned for a non-positive window or capacity
	ErrInvalidLimits = errors.New("invalid limits")
)

// Capacity budget for one consumption window
type Limits struct {
	WindowMs        int64 `json:"window_ms" mapstructure:"window_ms"`
	MaxRequests     int   `json:"max_requests" mapstructure:"max_requests"`
	BlockDurationMs int64 `json:"block_duration_ms,omitempty" mapstructure:"block_duration_ms"`
}

func (l Limits) Window() time.Duration {
	return time.Duration(l.WindowMs) * time.Millisecond
}

func (l Limits) BlockDuration() time.Duration {
	return time.Duration(l.BlockDurationMs) * time.Millisecond
}

func (l Limits) Validate() error {
	if l.MaxRequests < 1 {
		return fmt.Errorf("%w: max_requests must be >= 1, got %d", ErrInvalidLimits, l.MaxRequests)
	}
	if l.WindowMs <= 0 {
		return fmt.Errorf("%w: window_ms must be > 0, got %d", ErrInvalidLimits, l.WindowMs)
	}
	if l.BlockDurationMs < 0 {
		return fmt.Errorf("%w: block_duration_ms must be >= 0, got %d", ErrInvalidLimits, l.BlockDurationMs)
	}
	return nil
}

// Named policy class (free, premium, admin...)
type Tier struct {
	Name string `json:"name" mapstructure:"name"`
	Limits `mapstructure:",squash"`
}

// Overrides the caller's tier default for a single endpoint.
// When Tier is set, a zero WindowMs or BlockDurationMs is inherited from it.
type EndpointPolicy struct {
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Tier     string `json:"tier,omitempty" mapstructure:"tier"`
	Limits   `mapstructure:",squash"`
}

// Partial limits pinned to one subject. Nil fields fall back to the
// override tier's defaults.
type CustomLimits struct {
	WindowMs        *int64 `json:"window_ms,omitempty" validate:"omitempty,gt=0"`
	MaxRequests     *int   `json:"max_requests,omitempty" validate:"omitempty,gte=1"`
	BlockDurationMs *int64 `json:"block_duration_ms,omitempty" validate:"omitempty,gte=0"`
}

func (c *CustomLimits) IsZero() bool {
	return c == nil || (c.WindowMs == nil && c.MaxRequests == nil && c.BlockDurationMs == nil)
}

// Applies the set fields on top of base
func (c *CustomLimits) Apply(base Limits) Limits {
	if c == nil {
		return base
	}
	if c.WindowMs != nil {
		base.WindowMs = *c.WindowMs
	}
	if c.MaxRequests != nil {
		base.MaxRequests = *c.MaxRequests
	}
	if c.BlockDurationMs != nil {
		base.BlockDurationMs = *c.BlockDurationMs
	}
	return base
}

func (c *CustomLimits) clone() *CustomLimits {
	if c == nil {
		return nil
	}
	out := &CustomLimits{}
	if c.WindowMs != nil {
		v := *c.WindowMs
		out.WindowMs = &v
	}
	if c.MaxRequests != nil {
		v := *c.MaxRequests
		out.MaxRequests = &v
	}
	if c.BlockDurationMs != nil {
		v := *c.BlockDurationMs
		out.BlockDurationMs = &v
	}
	return out
}

// Temporary policy pinned to a single subject
type SubjectOverride struct {
	SubjectID    string        `json:"subject_id"`
	Tier         string        `json:"tier"`
	CustomLimits *CustomLimits `json:"custom_limits,omitempty"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	CreatedBy    string        `json:"created_by,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Reports whether the override is still in force at now
func (o SubjectOverride) Active(now time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

func (o SubjectOverride) clone() SubjectOverride {
	o.CustomLimits = o.CustomLimits.clone()
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		o.ExpiresAt = &t
	}
	return o
}
