package repository

import (
	"context"
	"time"

	"github.com/aman-churiwal/admission-control/internal/analytics"
	"github.com/aman-churiwal/admission-control/internal/models"
	"github.com/aman-churiwal/admission-control/internal/storage"
)

// Long-term archive of admission decisions. Implements analytics.Sink.
type DecisionLogRepository struct {
	db *storage.Postgres
}

func NewDecisionLogRepository(db *storage.Postgres) *DecisionLogRepository {
	return &DecisionLogRepository{db: db}
}

// Inserts multiple decisions (for batch insertion)
func (r *DecisionLogRepository) WriteBatch(ctx context.Context, events []analytics.Event) error {
	if len(events) == 0 {
		return nil
	}

	logs := make([]models.DecisionLog, 0, len(events))
	for _, e := range events {
		logs = append(logs, models.NewDecisionLog(e))
	}

	return r.db.DB.WithContext(ctx).CreateInBatches(&logs, 100).Error
}

// Retrieves decisions within a time range, newest first
func (r *DecisionLogRepository) FindByTimeRange(ctx context.Context, from, to time.Time, blockedOnly bool, limit, offset int) ([]analytics.Event, error) {
	var logs []models.DecisionLog

	query := r.db.DB.WithContext(ctx).
		Where("timestamp BETWEEN ? AND ?", from, to)
	if blockedOnly {
		query = query.Where("blocked = ?", true)
	}

	err := query.
		Order("timestamp DESC").
		Limit(limit).
		Offset(offset).
		Find(&logs).Error
	if err != nil {
		return nil, err
	}

	out := make([]analytics.Event, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Event())
	}
	return out, nil
}

// Counts all and blocked decisions in a time range
func (r *DecisionLogRepository) CountByTimeRange(ctx context.Context, from, to time.Time) (total, blocked int64, err error) {
	var row struct {
		Total   int64
		Blocked int64
	}

	err = r.db.DB.WithContext(ctx).
		Model(&models.DecisionLog{}).
		Select("COUNT(*) AS total, COUNT(*) FILTER (WHERE blocked) AS blocked").
		Where("timestamp BETWEEN ? AND ?", from, to).
		Scan(&row).Error

	return row.Total, row.Blocked, err
}

// Returns the endpoints with the most blocked decisions
func (r *DecisionLogRepository) GetTopBlockedEndpoints(ctx context.Context, from, to time.Time, limit int) ([]map[string]interface{}, error) {
	var results []map[string]interface{}

	rows, err := r.db.DB.WithContext(ctx).
		Model(&models.DecisionLog{}).
		Select("endpoint, COUNT(*) as count").
		Where("blocked = ? AND timestamp BETWEEN ? AND ?", true, from, to).
		Group("endpoint").
		Order("count DESC").
		Limit(limit).
		Rows()

	if err != nil {
		return nil, err
	}

	defer rows.Close()

	for rows.Next() {
		var endpoint string
		var count int64

		if err := rows.Scan(&endpoint, &count); err != nil {
			return nil, err
		}

		results = append(results, map[string]interface{}{
			"endpoint": endpoint,
			"count":    count,
		})
	}

	return results, rows.Err()
}

// Deletes decisions older than the specified time
func (r *DecisionLogRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.DB.WithContext(ctx).
		Where("timestamp < ?", before).
		Delete(&models.DecisionLog{})

	return result.RowsAffected, result.Error
}

var _ analytics.Sink = (*DecisionLogRepository)(nil)
