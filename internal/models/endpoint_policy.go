package models

import (
	"time"

	"github.com/aman-churiwal/admission-control/internal/policy"
)

// Persisted per-endpoint policy
type EndpointPolicyRecord struct {
	Endpoint        string    `gorm:"primaryKey" json:"endpoint"`
	Tier            string    `json:"tier,omitempty"`
	WindowMs        int64     `gorm:"not null" json:"window_ms"`
	MaxRequests     int       `gorm:"not null" json:"max_requests"`
	BlockDurationMs int64     `gorm:"not null;default:0" json:"block_duration_ms"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (EndpointPolicyRecord) TableName() string {
	return "endpoint_policies"
}

func NewEndpointPolicyRecord(p policy.EndpointPolicy) EndpointPolicyRecord {
	return EndpointPolicyRecord{
		Endpoint:        p.Endpoint,
		Tier:            p.Tier,
		WindowMs:        p.WindowMs,
		MaxRequests:     p.MaxRequests,
		BlockDurationMs: p.BlockDurationMs,
	}
}

func (r EndpointPolicyRecord) Policy() policy.EndpointPolicy {
	return policy.EndpointPolicy{
		Endpoint: r.Endpoint,
		Tier:     r.Tier,
		Limits: policy.Limits{
			WindowMs:        r.WindowMs,
			MaxRequests:     r.MaxRequests,
			BlockDurationMs: r.BlockDurationMs,
		},
	}
}
