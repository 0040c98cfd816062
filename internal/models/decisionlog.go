package models

import (
	"time"

	"github.com/aman-churiwal/admission-control/internal/analytics"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Archived admission decision
type DecisionLog struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	UserID    string    `gorm:"index" json:"user_id,omitempty"`
	IPAddress string    `gorm:"index" json:"ip_address"`
	Endpoint  string    `gorm:"index" json:"endpoint"`
	Method    string    `json:"method"`
	Tier      string    `json:"tier"`
	Blocked   bool      `gorm:"index" json:"blocked"`
}

func (d *DecisionLog) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

func (DecisionLog) TableName() string {
	return "decision_logs"
}

func NewDecisionLog(e analytics.Event) DecisionLog {
	return DecisionLog{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		UserID:    e.UserID,
		IPAddress: e.IP,
		Endpoint:  e.Endpoint,
		Method:    e.Method,
		Tier:      e.Tier,
		Blocked:   e.Blocked,
	}
}

func (d DecisionLog) Event() analytics.Event {
	return analytics.Event{
		ID:        d.ID,
		UserID:    d.UserID,
		IP:        d.IPAddress,
		Endpoint:  d.Endpoint,
		Method:    d.Method,
		Tier:      d.Tier,
		Blocked:   d.Blocked,
		Timestamp: d.Timestamp,
	}
}
