// Package analytics keeps a bounded, per-process record of recent admission
// decisions and aggregates it for the admin surface. It is an observability
// aid only; enforcement never reads from it.
package analytics

import (
	"time"

	"github.com/google/uuid"
)

// One admission decision, immutable once recorded
type Event struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	IP        string    `json:"ip"`
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	Tier      string    `json:"tier"`
	Blocked   bool      `json:"blocked"`
	Timestamp time.Time `json:"timestamp"`
}

// Identity the event is attributed to: the user when known, else the origin
func (e Event) Subject() string {
	if e.UserID != "" {
		return "user:" + e.UserID
	}
	return "ip:" + e.IP
}

// Counts for one slice of traffic
type Breakdown struct {
	Total   int64 `json:"total"`
	Blocked int64 `json:"blocked"`
}

type SubjectVolume struct {
	Subject  string `json:"subject"`
	Requests int64  `json:"requests"`
	Blocked  int64  `json:"blocked"`
}

type OriginViolations struct {
	IP        string    `json:"ip"`
	Count     int64     `json:"count"`
	Endpoints []string  `json:"endpoints"`
	LastSeen  time.Time `json:"last_seen"`
}

// Aggregate view over a time range
type Statistics struct {
	From                time.Time            `json:"from"`
	To                  time.Time            `json:"to"`
	TotalRequests       int64                `json:"total_requests"`
	BlockedRequests     int64                `json:"blocked_requests"`
	BlockRate           float64              `json:"block_rate"`
	ByTier              map[string]Breakdown `json:"by_tier"`
	ByEndpoint          map[string]Breakdown `json:"by_endpoint"`
	TopSubjectsByVolume []SubjectVolume      `json:"top_subjects_by_volume"`
}
