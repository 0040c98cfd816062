// Package ratelimit implements the shared consumption counters behind
// admission decisions.
//
// A counter is identified by a policy name and a subject key. Consume must be
// atomic per key: two concurrent callers never both observe the last point.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Peek when no live counter exists for a key
var ErrNotFound = errors.New("counter not found")

// keyPrefix is the base prefix for all counter keys
const keyPrefix = "ratelimit"

// Parameters for a single consume call
type Rule struct {
	MaxRequests   int
	Window        time.Duration
	BlockDuration time.Duration
}

// Outcome of a consume call
type ConsumeResult struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}

// Live state of a counter, read without consuming
type Counter struct {
	Remaining int
	ExpiresAt time.Time
	Blocked   bool
}

type CounterStore interface {
	// Consumes one point from the counter at key. A missing or expired counter
	// is initialized with rule.MaxRequests points expiring at now + rule.Window.
	// An exhausted counter is left untouched apart from the block extension.
	Consume(ctx context.Context, key string, rule Rule, now time.Time) (ConsumeResult, error)

	// Returns the counter at key, or ErrNotFound if absent or expired at now
	Peek(ctx context.Context, key string, now time.Time) (Counter, error)

	// Removes the counter at key
	Delete(ctx context.Context, key string) error
}

// Formats the composite counter key: "ratelimit:{policy}:{subject}"
func Key(policyName, subjectKey string) string {
	return keyPrefix + ":" + policyName + ":" + subjectKey
}
