// Package admission decides, per inbound request, whether it may proceed.
//
// The Engine resolves the effective policy for a subject from the policy
// registry and override store, then consumes one point from the shared
// counter store. When the counter store cannot be reached the engine fails
// open and marks the decision degraded.
package admission

import (
	"time"

	"github.com/aman-churiwal/admission-control/internal/analytics"
	"github.com/aman-churiwal/admission-control/internal/policy"
)

// Caller identity hint. Every field is optional.
type Identity struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Tier   string `json:"tier"`
}

type Request struct {
	// Key the counter is tracked against, e.g. "user:42" or "ip:1.2.3.4".
	// Derived from Identity.UserID or IP when empty.
	SubjectKey string
	Identity   *Identity
	Endpoint   string

	// Pre-classified exemption. Skipped checks never touch the counter store.
	Skip bool

	// Used for analytics only
	IP     string
	Method string
}

// Verdict returned for every check
type Decision struct {
	Allowed           bool      `json:"allowed"`
	Remaining         int       `json:"remaining"`
	Limit             int       `json:"limit"`
	ResetTime         time.Time `json:"reset_time"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
	Policy            string    `json:"policy"`
	Tier              string    `json:"tier"`
	Skipped           bool      `json:"skipped,omitempty"`
	Degraded          bool      `json:"degraded,omitempty"`
}

// Where the effective limits came from
type Source string

const (
	SourceTier     Source = "tier"
	SourceOverride Source = "override"
	SourceCustom   Source = "custom"
	SourceEndpoint Source = "endpoint"
)

// Limits a check runs under, after precedence has been applied
type EffectivePolicy struct {
	// Counter namespace: tier name, "endpoint:<name>" or "override:<subject>"
	Name     string                  `json:"name"`
	Tier     string                  `json:"tier"`
	Limits   policy.Limits           `json:"limits"`
	Source   Source                  `json:"source"`
	Override *policy.SubjectOverride `json:"override,omitempty"`
}

// Non-consuming view of one counter
type Status struct {
	Policy     string    `json:"policy"`
	SubjectKey string    `json:"subject_key"`
	Remaining  int       `json:"remaining"`
	ResetTime  time.Time `json:"reset_time"`
	Blocked    bool      `json:"blocked"`
}

// Receives one event per non-skipped decision. Must not block.
type Observer interface {
	Record(event analytics.Event)
}
