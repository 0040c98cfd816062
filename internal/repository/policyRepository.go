package repository

import (
	"context"
	"time"

	"github.com/aman-churiwal/admission-control/internal/models"
	"github.com/aman-churiwal/admission-control/internal/policy"
	"github.com/aman-churiwal/admission-control/internal/storage"
	"gorm.io/gorm/clause"
)

// Durable copy of the administrative policy tables
type PolicyRepository struct {
	db *storage.Postgres
}

func NewPolicyRepository(db *storage.Postgres) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// Inserts or replaces the override for o.SubjectID
func (r *PolicyRepository) UpsertOverride(ctx context.Context, o policy.SubjectOverride) error {
	rec := models.NewSubjectOverrideRecord(o)
	return r.db.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject_id"}},
			UpdateAll: true,
		}).
		Create(&rec).Error
}

func (r *PolicyRepository) DeleteOverride(ctx context.Context, subjectID string) error {
	return r.db.DB.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Delete(&models.SubjectOverrideRecord{}).Error
}

// Returns overrides that are still in force at now
func (r *PolicyRepository) ListActiveOverrides(ctx context.Context, now time.Time) ([]policy.SubjectOverride, error) {
	var records []models.SubjectOverrideRecord
	err := r.db.DB.WithContext(ctx).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("subject_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	out := make([]policy.SubjectOverride, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Override())
	}
	return out, nil
}

// Removes overrides that expired at or before now
func (r *PolicyRepository) DeleteExpiredOverrides(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.DB.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Delete(&models.SubjectOverrideRecord{})

	return result.RowsAffected, result.Error
}

func (r *PolicyRepository) UpsertEndpointPolicy(ctx context.Context, p policy.EndpointPolicy) error {
	rec := models.NewEndpointPolicyRecord(p)
	return r.db.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			UpdateAll: true,
		}).
		Create(&rec).Error
}

func (r *PolicyRepository) DeleteEndpointPolicy(ctx context.Context, endpoint string) error {
	return r.db.DB.WithContext(ctx).
		Where("endpoint = ?", endpoint).
		Delete(&models.EndpointPolicyRecord{}).Error
}

func (r *PolicyRepository) ListEndpointPolicies(ctx context.Context) ([]policy.EndpointPolicy, error) {
	var records []models.EndpointPolicyRecord
	err := r.db.DB.WithContext(ctx).
		Order("endpoint ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	out := make([]policy.EndpointPolicy, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Policy())
	}
	return out, nil
}
