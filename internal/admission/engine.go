package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/aman-churiwal/admission-control/internal/analytics"
	"github.com/aman-churiwal/admission-control/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-control/internal/policy"
	"github.com/aman-churiwal/admission-control/internal/ratelimit"
	"golang.org/x/time/rate"
)

const (
	DefaultStoreTimeout = 50 * time.Millisecond

	// Synthetic reset window reported for skipped checks
	skipResetWindow = time.Minute
)

type Engine struct {
	registry  *policy.Registry
	overrides *policy.OverrideStore
	store     ratelimit.CounterStore

	breaker      *circuitbreaker.Breaker
	observer     Observer
	metrics      *Metrics
	logger       *slog.Logger
	now          func() time.Time
	storeTimeout time.Duration

	// Samples degraded-mode warnings so an outage does not flood the log
	degradedLog *rate.Limiter
}

type Option func(*Engine)

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

// Routes counter store calls through b
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(e *Engine) { e.breaker = b }
}

func NewEngine(registry *policy.Registry, overrides *policy.OverrideStore, store ratelimit.CounterStore, opts ...Option) *Engine {
	if overrides == nil {
		overrides = policy.NewOverrideStore()
	}

	e := &Engine{
		registry:     registry,
		overrides:    overrides,
		store:        store,
		logger:       slog.Default(),
		now:          time.Now,
		storeTimeout: DefaultStoreTimeout,
		degradedLog:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decides whether req may proceed. Never returns an error: store failures
// resolve to an allowed, degraded decision.
func (e *Engine) Check(ctx context.Context, req Request) Decision {
	req.SubjectKey = subjectKey(req)
	now := e.now()
	eff := e.ResolvePolicy(req.Identity, req.SubjectKey, req.Endpoint, now)

	if req.Skip {
		d := Decision{
			Allowed:   true,
			Remaining: eff.Limits.MaxRequests,
			Limit:     eff.Limits.MaxRequests,
			ResetTime: now.Add(skipResetWindow),
			Policy:    eff.Name,
			Tier:      eff.Tier,
			Skipped:   true,
		}
		e.metrics.observeDecision(d, eff.Source)
		return d
	}

	rule := ratelimit.Rule{
		MaxRequests:   eff.Limits.MaxRequests,
		Window:        eff.Limits.Window(),
		BlockDuration: eff.Limits.BlockDuration(),
	}
	key := ratelimit.Key(eff.Name, req.SubjectKey)

	var d Decision
	res, err := e.consume(ctx, key, rule, now)
	if err != nil {
		d = e.failOpen(eff, key, now, err)
	} else {
		d = buildDecision(eff, res, now)
	}

	e.metrics.observeDecision(d, eff.Source)
	e.emit(req, d, now)
	return d
}

// Callers that leave SubjectKey empty are keyed the way the gate keys them.
// Requests carrying neither a user nor an origin share one anonymous counter.
func subjectKey(req Request) string {
	switch {
	case req.SubjectKey != "":
		return req.SubjectKey
	case req.Identity != nil && req.Identity.UserID != "":
		return "user:" + req.Identity.UserID
	case req.IP != "":
		return "ip:" + req.IP
	default:
		return "anonymous"
	}
}

func buildDecision(eff EffectivePolicy, res ratelimit.ConsumeResult, now time.Time) Decision {
	limit := eff.Limits.MaxRequests

	// A counter created under an older, larger policy may report more than the current limit
	remaining := max(0, min(res.Remaining, limit))
	reset := res.ResetTime
	if reset.Before(now) {
		reset = now
	}

	d := Decision{
		Allowed:   res.Allowed,
		Remaining: remaining,
		Limit:     limit,
		ResetTime: reset,
		Policy:    eff.Name,
		Tier:      eff.Tier,
	}
	if !res.Allowed {
		d.Remaining = 0
		d.RetryAfterSeconds = retryAfterSeconds(reset, now)
	}
	return d
}

// Whole seconds until reset, rounded up, never below 1
func retryAfterSeconds(reset, now time.Time) int {
	secs := int(math.Ceil(reset.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func (e *Engine) failOpen(eff EffectivePolicy, key string, now time.Time, err error) Decision {
	if e.degradedLog.Allow() {
		e.logger.Warn("counter store unavailable, failing open",
			"key", key,
			"policy", eff.Name,
			"error", err,
		)
	} else {
		e.logger.Debug("counter store unavailable, failing open", "key", key, "error", err)
	}

	return Decision{
		Allowed:   true,
		Remaining: eff.Limits.MaxRequests,
		Limit:     eff.Limits.MaxRequests,
		ResetTime: now.Add(eff.Limits.Window()),
		Policy:    eff.Name,
		Tier:      eff.Tier,
		Degraded:  true,
	}
}

func (e *Engine) emit(req Request, d Decision, now time.Time) {
	if e.observer == nil {
		return
	}

	event := analytics.Event{
		IP:        req.IP,
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		Tier:      d.Tier,
		Blocked:   !d.Allowed,
		Timestamp: now,
	}
	if req.Identity != nil {
		event.UserID = req.Identity.UserID
	}
	e.observer.Record(event)
}

// Applies precedence: identity tier, then an active subject override, then an
// endpoint policy. Custom limits on the override win outright; any field they
// leave unset comes from the override tier, never from the endpoint policy.
func (e *Engine) ResolvePolicy(identity *Identity, subjectKey, endpoint string, now time.Time) EffectivePolicy {
	tier := e.registry.DefaultTier()
	if identity != nil && identity.Tier != "" {
		if t, err := e.registry.ResolvePolicy(identity.Tier); err == nil {
			tier = t
		} else {
			e.logger.Debug("identity tier not registered, using default", "tier", identity.Tier, "default", tier.Name)
		}
	}

	eff := EffectivePolicy{
		Name:   tier.Name,
		Tier:   tier.Name,
		Limits: tier.Limits,
		Source: SourceTier,
	}

	if o, ok := e.lookupOverride(identity, subjectKey, now); ok {
		if o.Tier != "" {
			t, err := e.registry.ResolvePolicy(o.Tier)
			if err != nil {
				e.logger.Warn("override references unknown tier, ignoring tier", "subject", o.SubjectID, "tier", o.Tier)
			} else {
				eff.Name = t.Name
				eff.Tier = t.Name
				eff.Limits = t.Limits
			}
		}
		eff.Source = SourceOverride
		eff.Override = &o

		if !o.CustomLimits.IsZero() {
			custom := o.CustomLimits.Apply(eff.Limits)
			if err := custom.Validate(); err != nil {
				e.logger.Warn("override custom limits invalid, using override tier", "subject", o.SubjectID, "error", err)
			} else {
				eff.Name = "override:" + o.SubjectID
				eff.Limits = custom
				eff.Source = SourceCustom
				return eff
			}
		}
	}

	if ep, ok := e.registry.ResolveEndpointPolicy(endpoint); ok {
		eff.Name = "endpoint:" + ep.Endpoint
		eff.Limits = ep.Limits
		eff.Source = SourceEndpoint
	}

	return eff
}

// Overrides are keyed by user id for authenticated callers, by subject key otherwise
func (e *Engine) lookupOverride(identity *Identity, subjectKey string, now time.Time) (policy.SubjectOverride, bool) {
	if identity != nil && identity.UserID != "" {
		if o, ok := e.overrides.GetActiveOverride(identity.UserID, now); ok {
			return o, true
		}
	}
	if subjectKey == "" {
		return policy.SubjectOverride{}, false
	}
	return e.overrides.GetActiveOverride(subjectKey, now)
}

func (e *Engine) consume(ctx context.Context, key string, rule ratelimit.Rule, now time.Time) (ratelimit.ConsumeResult, error) {
	var res ratelimit.ConsumeResult
	err := e.callStore(ctx, "consume", func(ctx context.Context) error {
		var err error
		res, err = e.store.Consume(ctx, key, rule, now)
		return err
	})
	return res, err
}

// Runs fn under the store timeout and through the breaker when one is configured
func (e *Engine) callStore(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	start := time.Now()
	call := func() error { return fn(ctx) }

	var err error
	if e.breaker != nil {
		err = e.breaker.Call(call, isStoreFailure)
	} else {
		err = call()
	}

	var metricErr error
	if isStoreFailure(err) {
		metricErr = err
	}
	e.metrics.observeStore(op, time.Since(start), metricErr)
	return err
}

// A missing counter or a caller giving up is not the store's fault
func isStoreFailure(err error) bool {
	return err != nil &&
		!errors.Is(err, ratelimit.ErrNotFound) &&
		!errors.Is(err, context.Canceled)
}

// Deletes the counter for subjectKey under policyName
func (e *Engine) ResetKey(ctx context.Context, subjectKey, policyName string) error {
	key := ratelimit.Key(policyName, subjectKey)
	err := e.callStore(ctx, "delete", func(ctx context.Context) error {
		return e.store.Delete(ctx, key)
	})
	if err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}

	e.logger.Info("counter reset", "key", key)
	return nil
}

// Reads a counter without consuming. found is false when no live counter exists.
func (e *Engine) Status(ctx context.Context, subjectKey, policyName string) (Status, bool, error) {
	key := ratelimit.Key(policyName, subjectKey)
	now := e.now()

	var counter ratelimit.Counter
	err := e.callStore(ctx, "peek", func(ctx context.Context) error {
		var err error
		counter, err = e.store.Peek(ctx, key, now)
		return err
	})
	if errors.Is(err, ratelimit.ErrNotFound) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, fmt.Errorf("status %s: %w", key, err)
	}

	return Status{
		Policy:     policyName,
		SubjectKey: subjectKey,
		Remaining:  max(0, counter.Remaining),
		ResetTime:  counter.ExpiresAt,
		Blocked:    counter.Blocked,
	}, true, nil
}

func (e *Engine) Registry() *policy.Registry {
	return e.registry
}

func (e *Engine) Overrides() *policy.OverrideStore {
	return e.overrides
}
