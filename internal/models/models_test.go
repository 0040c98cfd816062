package models

import (
	"testing"
	"time"

	"github.com/aman-churiwal/admission-control/internal/analytics"
	"github.com/aman-churiwal/admission-control/internal/policy"
	"github.com/google/uuid"
)

func TestSubjectOverrideRecord_KeepsPartialCustomLimits(t *testing.T) {
	block := int64(5000)
	expires := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := policy.SubjectOverride{
		SubjectID:    "u1",
		Tier:         "premium",
		CustomLimits: &policy.CustomLimits{BlockDurationMs: &block},
		ExpiresAt:    &expires,
		Reason:       "incident",
	}

	got := NewSubjectOverrideRecord(o).Override()
	if got.CustomLimits == nil || got.CustomLimits.MaxRequests != nil || *got.CustomLimits.BlockDurationMs != 5000 {
		t.Fatalf("CustomLimits = %+v", got.CustomLimits)
	}
	if got.Tier != "premium" || !got.ExpiresAt.Equal(expires) || got.Reason != "incident" {
		t.Fatalf("Override() = %+v", got)
	}
}

func TestSubjectOverrideRecord_NoCustomLimits(t *testing.T) {
	got := NewSubjectOverrideRecord(policy.SubjectOverride{SubjectID: "u2", Tier: "free"}).Override()
	if got.CustomLimits != nil {
		t.Fatalf("expected nil CustomLimits, got %+v", got.CustomLimits)
	}
}

func TestEndpointPolicyRecord_Policy(t *testing.T) {
	p := policy.EndpointPolicy{Endpoint: "auth", Tier: "free", Limits: policy.Limits{WindowMs: 1000, MaxRequests: 2, BlockDurationMs: 3000}}
	if got := NewEndpointPolicyRecord(p).Policy(); got != p {
		t.Fatalf("Policy() = %+v, want %+v", got, p)
	}
}

func TestDecisionLog_Event(t *testing.T) {
	e := analytics.Event{ID: uuid.New(), IP: "1.2.3.4", Endpoint: "auth", Method: "POST", Tier: "free", Blocked: true, Timestamp: time.Now().UTC()}
	if got := NewDecisionLog(e).Event(); got != e {
		t.Fatalf("Event() = %+v, want %+v", got, e)
	}
}
