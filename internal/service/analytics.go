package service

import (
	"context"
	"errors"
	"time"

	"github.com/aman-churiwal/admission-control/internal/analytics"
)

var ErrArchiveDisabled = errors.New("decision archive is not configured")

// Long-term decision archive. Implemented by repository.DecisionLogRepository.
type DecisionArchive interface {
	FindByTimeRange(ctx context.Context, from, to time.Time, blockedOnly bool, limit, offset int) ([]analytics.Event, error)
	CountByTimeRange(ctx context.Context, from, to time.Time) (total, blocked int64, err error)
	GetTopBlockedEndpoints(ctx context.Context, from, to time.Time, limit int) ([]map[string]interface{}, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

type AnalyticsService struct {
	recorder *analytics.Recorder
	archive  DecisionArchive
}

// archive may be nil
func NewAnalyticsService(recorder *analytics.Recorder, archive DecisionArchive) *AnalyticsService {
	return &AnalyticsService{
		recorder: recorder,
		archive:  archive,
	}
}

// Holds archived analytics summary data
type ArchiveSummary struct {
	From                time.Time                `json:"from"`
	To                  time.Time                `json:"to"`
	TotalRequests       int64                    `json:"total_requests"`
	BlockedRequests     int64                    `json:"blocked_requests"`
	BlockRate           float64                  `json:"block_rate"`
	TopBlockedEndpoints []map[string]interface{} `json:"top_blocked_endpoints"`
}

func (s *AnalyticsService) Statistics(from, to time.Time) analytics.Statistics {
	return s.recorder.Statistics(from, to)
}

func (s *AnalyticsService) RecentBlocked(limit int) []analytics.Event {
	return s.recorder.RecentBlocked(limit)
}

func (s *AnalyticsService) Offenders(from, to time.Time, limit int) []analytics.OriginViolations {
	return s.recorder.ViolationsByOrigin(from, to, limit)
}

// Purges the in-memory buffer. The archive keeps its own retention.
func (s *AnalyticsService) Purge(before time.Time) int {
	return s.recorder.PurgeOlderThan(before)
}

// Retrieves archived analytics summary for a time range
func (s *AnalyticsService) GetArchiveSummary(ctx context.Context, from, to time.Time) (*ArchiveSummary, error) {
	if s.archive == nil {
		return nil, ErrArchiveDisabled
	}

	summary := &ArchiveSummary{From: from, To: to}

	total, blocked, err := s.archive.CountByTimeRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.TotalRequests = total
	summary.BlockedRequests = blocked

	if total == 0 {
		return summary, nil
	}
	summary.BlockRate = float64(blocked) / float64(total)

	top, err := s.archive.GetTopBlockedEndpoints(ctx, from, to, 10)
	if err != nil {
		return nil, err
	}
	summary.TopBlockedEndpoints = top

	return summary, nil
}

// Retrieves archived decisions with pagination and filtering
func (s *AnalyticsService) GetArchivedDecisions(ctx context.Context, from, to time.Time, blockedOnly bool, limit, offset int) ([]analytics.Event, error) {
	if s.archive == nil {
		return nil, ErrArchiveDisabled
	}
	return s.archive.FindByTimeRange(ctx, from, to, blockedOnly, limit, offset)
}

// Deletes archived decisions older than the retention period
func (s *AnalyticsService) CleanupArchive(ctx context.Context, retentionDays int) (int64, error) {
	if s.archive == nil {
		return 0, ErrArchiveDisabled
	}
	cutOffDate := time.Now().AddDate(0, 0, -retentionDays)
	return s.archive.DeleteOlderThan(ctx, cutOffDate)
}
