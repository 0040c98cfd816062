package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aman-churiwal/admission-control/internal/admission"
	"github.com/aman-churiwal/admission-control/internal/policy"
	"github.com/go-playground/validator/v10"
)

// Durable store for administrative policy changes. Implemented by repository.PolicyRepository.
type PolicyStore interface {
	UpsertOverride(ctx context.Context, o policy.SubjectOverride) error
	DeleteOverride(ctx context.Context, subjectID string) error
	ListActiveOverrides(ctx context.Context, now time.Time) ([]policy.SubjectOverride, error)
	DeleteExpiredOverrides(ctx context.Context, now time.Time) (int64, error)
	UpsertEndpointPolicy(ctx context.Context, p policy.EndpointPolicy) error
	DeleteEndpointPolicy(ctx context.Context, endpoint string) error
	ListEndpointPolicies(ctx context.Context) ([]policy.EndpointPolicy, error)
}

type OverrideRequest struct {
	Tier         string               `json:"tier" validate:"required"`
	CustomLimits *policy.CustomLimits `json:"custom_limits"`
	ExpiresAt    *time.Time           `json:"expires_at"`
	TTLSeconds   int64                `json:"ttl_seconds" validate:"gte=0"`
	Reason       string               `json:"reason" validate:"max=512"`
}

type EndpointPolicyRequest struct {
	// Optional; unset window and block duration are inherited from it
	Tier            string `json:"tier"`
	WindowMs        int64  `json:"window_ms" validate:"gte=0"`
	MaxRequests     int    `json:"max_requests" validate:"required,gte=1"`
	BlockDurationMs int64  `json:"block_duration_ms" validate:"gte=0"`
}

// Administrative surface over the policy tables and counters. Validates every
// input before it can reach the decision path and writes through to an
// optional PolicyStore so other instances converge through Sync.
type AdminService struct {
	engine    *admission.Engine
	registry  *policy.Registry
	overrides *policy.OverrideStore
	store     PolicyStore
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// store may be nil, in which case changes live only in this process
func NewAdminService(engine *admission.Engine, store PolicyStore, logger *slog.Logger) *AdminService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminService{
		engine:    engine,
		registry:  engine.Registry(),
		overrides: engine.Overrides(),
		store:     store,
		validate:  newValidator(),
		logger:    logger,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// Creates or replaces the override for subjectID
func (s *AdminService) SetOverride(ctx context.Context, subjectID string, req OverrideRequest, createdBy string) (policy.SubjectOverride, error) {
	subjectID = strings.TrimSpace(subjectID)
	if err := s.validate.Var(subjectID, "required,max=256"); err != nil {
		return policy.SubjectOverride{}, invalid("subject_id is required and must be at most 256 characters")
	}
	if err := s.validate.Struct(req); err != nil {
		return policy.SubjectOverride{}, formatValidationErrors(err)
	}

	tier, err := s.registry.ResolvePolicy(req.Tier)
	if err != nil {
		return policy.SubjectOverride{}, invalid("tier %q is not one of %s", req.Tier, s.tierNames())
	}
	if req.CustomLimits != nil {
		if err := req.CustomLimits.Apply(tier.Limits).Validate(); err != nil {
			return policy.SubjectOverride{}, invalid("custom_limits: %v", err)
		}
	}

	now := s.now()
	expiresAt := req.ExpiresAt
	if req.TTLSeconds > 0 {
		if expiresAt != nil {
			return policy.SubjectOverride{}, invalid("set either expires_at or ttl_seconds, not both")
		}
		t := now.Add(time.Duration(req.TTLSeconds) * time.Second)
		expiresAt = &t
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return policy.SubjectOverride{}, invalid("expires_at must be in the future")
	}

	o := policy.SubjectOverride{
		SubjectID: subjectID,
		Tier:      tier.Name,
		ExpiresAt: expiresAt,
		Reason:    req.Reason,
		CreatedBy: createdBy,
		CreatedAt: now,
	}
	if !req.CustomLimits.IsZero() {
		o.CustomLimits = req.CustomLimits
	}

	if s.store != nil {
		if err := s.store.UpsertOverride(ctx, o); err != nil {
			return policy.SubjectOverride{}, fmt.Errorf("persist override: %w", err)
		}
	}
	s.overrides.SetOverride(o)

	s.logger.Info("override set", "subject", subjectID, "tier", o.Tier, "expires_at", o.ExpiresAt, "by", createdBy)
	return o, nil
}

// Returns false when no override existed
func (s *AdminService) RemoveOverride(ctx context.Context, subjectID string) (bool, error) {
	if strings.TrimSpace(subjectID) == "" {
		return false, invalid("subject_id is required")
	}

	if s.store != nil {
		if err := s.store.DeleteOverride(ctx, subjectID); err != nil {
			return false, fmt.Errorf("delete override: %w", err)
		}
	}
	removed := s.overrides.RemoveOverride(subjectID)
	if removed {
		s.logger.Info("override removed", "subject", subjectID)
	}
	return removed, nil
}

func (s *AdminService) ListOverrides() []policy.SubjectOverride {
	return s.overrides.ListActive(s.now())
}

func (s *AdminService) UpsertEndpointPolicy(ctx context.Context, endpoint string, req EndpointPolicyRequest) (policy.EndpointPolicy, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return policy.EndpointPolicy{}, invalid("endpoint is required")
	}
	if err := s.validate.Struct(req); err != nil {
		return policy.EndpointPolicy{}, formatValidationErrors(err)
	}
	if req.Tier != "" && !s.registry.HasTier(req.Tier) {
		return policy.EndpointPolicy{}, invalid("tier %q is not one of %s", req.Tier, s.tierNames())
	}

	previous, hadPrevious := s.registry.ResolveEndpointPolicy(endpoint)

	err := s.registry.UpsertEndpointPolicy(endpoint, policy.EndpointPolicy{
		Endpoint: endpoint,
		Tier:     req.Tier,
		Limits: policy.Limits{
			WindowMs:        req.WindowMs,
			MaxRequests:     req.MaxRequests,
			BlockDurationMs: req.BlockDurationMs,
		},
	})
	if err != nil {
		return policy.EndpointPolicy{}, &ValidationError{Problems: []string{err.Error()}}
	}
	stored, _ := s.registry.ResolveEndpointPolicy(endpoint)

	if s.store != nil {
		if err := s.store.UpsertEndpointPolicy(ctx, stored); err != nil {
			// Keep this instance consistent with the durable copy
			if hadPrevious {
				_ = s.registry.UpsertEndpointPolicy(endpoint, previous)
			} else {
				s.registry.RemoveEndpointPolicy(endpoint)
			}
			return policy.EndpointPolicy{}, fmt.Errorf("persist endpoint policy: %w", err)
		}
	}

	s.logger.Info("endpoint policy updated", "endpoint", endpoint, "max_requests", stored.MaxRequests, "window_ms", stored.WindowMs)
	return stored, nil
}

func (s *AdminService) RemoveEndpointPolicy(ctx context.Context, endpoint string) (bool, error) {
	if strings.TrimSpace(endpoint) == "" {
		return false, invalid("endpoint is required")
	}

	if s.store != nil {
		if err := s.store.DeleteEndpointPolicy(ctx, endpoint); err != nil {
			return false, fmt.Errorf("delete endpoint policy: %w", err)
		}
	}
	return s.registry.RemoveEndpointPolicy(endpoint), nil
}

func (s *AdminService) ListEndpointPolicies() []policy.EndpointPolicy {
	return s.registry.EndpointPolicies()
}

func (s *AdminService) Tiers() []policy.Tier {
	return s.registry.Tiers()
}

// Reports the policy a request with these attributes would run under
func (s *AdminService) Explain(identity *admission.Identity, subjectKey, endpoint string) admission.EffectivePolicy {
	return s.engine.ResolvePolicy(identity, subjectKey, endpoint, s.now())
}

func (s *AdminService) ResetCounter(ctx context.Context, policyName, subjectKey string) error {
	if policyName == "" || subjectKey == "" {
		return invalid("policy and subject are required")
	}
	return s.engine.ResetKey(ctx, subjectKey, policyName)
}

func (s *AdminService) CounterStatus(ctx context.Context, policyName, subjectKey string) (admission.Status, bool, error) {
	if policyName == "" || subjectKey == "" {
		return admission.Status{}, false, invalid("policy and subject are required")
	}
	return s.engine.Status(ctx, subjectKey, policyName)
}

// Seeds the store with configured endpoint policies it does not know yet, then syncs
func (s *AdminService) Bootstrap(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	persisted, err := s.store.ListEndpointPolicies(ctx)
	if err != nil {
		return fmt.Errorf("list endpoint policies: %w", err)
	}
	known := make(map[string]struct{}, len(persisted))
	for _, p := range persisted {
		known[p.Endpoint] = struct{}{}
	}

	for _, p := range s.registry.EndpointPolicies() {
		if _, ok := known[p.Endpoint]; ok {
			continue
		}
		if err := s.store.UpsertEndpointPolicy(ctx, p); err != nil {
			return fmt.Errorf("seed endpoint policy %s: %w", p.Endpoint, err)
		}
	}

	return s.Sync(ctx)
}

// Replaces the in-process tables with the durable copy
func (s *AdminService) Sync(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	endpoints, err := s.store.ListEndpointPolicies(ctx)
	if err != nil {
		return fmt.Errorf("list endpoint policies: %w", err)
	}
	overrides, err := s.store.ListActiveOverrides(ctx, s.now())
	if err != nil {
		return fmt.Errorf("list overrides: %w", err)
	}

	if err := s.registry.ReplaceEndpointPolicies(endpoints); err != nil {
		// A bad row must not wipe the working table
		return fmt.Errorf("apply endpoint policies: %w", err)
	}
	s.overrides.Replace(overrides)

	return nil
}

// Periodically syncs from the store and purges expired overrides from it
func (s *AdminService) StartSync(ctx context.Context, interval time.Duration) {
	if s.store == nil || interval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.Sync(ctx); err != nil {
					s.logger.Warn("policy sync failed", "error", err)
					continue
				}
				if n, err := s.store.DeleteExpiredOverrides(ctx, s.now()); err != nil {
					s.logger.Warn("expired override cleanup failed", "error", err)
				} else if n > 0 {
					s.logger.Debug("expired overrides purged", "count", n)
				}
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			}
		}
	}()
}

func (s *AdminService) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

func (s *AdminService) tierNames() string {
	tiers := s.registry.Tiers()
	names := make([]string, 0, len(tiers))
	for _, t := range tiers {
		names = append(names, t.Name)
	}
	return "[" + strings.Join(names, ", ") + "]"
}
