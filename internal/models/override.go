package models

import (
	"time"

	"github.com/aman-churiwal/admission-control/internal/policy"
)

// Persisted subject override. Nil custom columns mean "inherit from tier".
type SubjectOverrideRecord struct {
	SubjectID             string     `gorm:"primaryKey" json:"subject_id"`
	Tier                  string     `gorm:"not null" json:"tier"`
	CustomWindowMs        *int64     `json:"custom_window_ms,omitempty"`
	CustomMaxRequests     *int       `json:"custom_max_requests,omitempty"`
	CustomBlockDurationMs *int64     `json:"custom_block_duration_ms,omitempty"`
	ExpiresAt             *time.Time `gorm:"index" json:"expires_at,omitempty"`
	Reason                string     `json:"reason,omitempty"`
	CreatedBy             string     `json:"created_by,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func (SubjectOverrideRecord) TableName() string {
	return "subject_overrides"
}

func NewSubjectOverrideRecord(o policy.SubjectOverride) SubjectOverrideRecord {
	rec := SubjectOverrideRecord{
		SubjectID: o.SubjectID,
		Tier:      o.Tier,
		ExpiresAt: o.ExpiresAt,
		Reason:    o.Reason,
		CreatedBy: o.CreatedBy,
		CreatedAt: o.CreatedAt,
	}
	if c := o.CustomLimits; c != nil {
		rec.CustomWindowMs = c.WindowMs
		rec.CustomMaxRequests = c.MaxRequests
		rec.CustomBlockDurationMs = c.BlockDurationMs
	}
	return rec
}

func (r SubjectOverrideRecord) Override() policy.SubjectOverride {
	o := policy.SubjectOverride{
		SubjectID: r.SubjectID,
		Tier:      r.Tier,
		ExpiresAt: r.ExpiresAt,
		Reason:    r.Reason,
		CreatedBy: r.CreatedBy,
		CreatedAt: r.CreatedAt,
	}
	custom := &policy.CustomLimits{
		WindowMs:        r.CustomWindowMs,
		MaxRequests:     r.CustomMaxRequests,
		BlockDurationMs: r.CustomBlockDurationMs,
	}
	if !custom.IsZero() {
		o.CustomLimits = custom
	}
	return o
}
