package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit is open and the call was not attempted
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Guards calls to a remote dependency. After MaxFailures consecutive
// failures, calls are rejected for OpenTimeout before a trial call is let through.
// Only one trial runs at a time; concurrent callers are rejected until it settles.
type Breaker struct {
	mu              sync.RWMutex
	state           State
	trialInFlight   bool
	failureCount    int
	successCount    int
	rejectedCount   int64
	lastFailureTime time.Time
	lastStateChange time.Time

	maxFailures     int
	openTimeout     time.Duration
	halfOpenSuccess int
	now             func() time.Time
	onStateChange   func(from, to State)
}

type Config struct {
	MaxFailures     int           // Default: 5
	OpenTimeout     time.Duration // Default: 5 seconds
	HalfOpenSuccess int           // Default: 1

	// Optional, defaults to time.Now
	Clock func() time.Time

	// Optional hook, invoked with the lock held
	OnStateChange func(from, to State)
}

func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 5 * time.Second
	}
	if cfg.HalfOpenSuccess <= 0 {
		cfg.HalfOpenSuccess = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Breaker{
		state:           StateClosed,
		maxFailures:     cfg.MaxFailures,
		openTimeout:     cfg.OpenTimeout,
		halfOpenSuccess: cfg.HalfOpenSuccess,
		now:             cfg.Clock,
		onStateChange:   cfg.OnStateChange,
		lastStateChange: cfg.Clock(),
	}
}

// Runs fn unless the circuit is open. Errors for which isFailure returns
// false are passed through without counting against the dependency.
func (b *Breaker) Call(fn func() error, isFailure func(error) bool) error {
	b.mu.Lock()
	if b.state == StateOpen {
		if b.now().Sub(b.lastFailureTime) < b.openTimeout {
			b.rejectedCount++
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.successCount = 0
	}
	trial := b.state == StateHalfOpen
	if trial {
		if b.trialInFlight {
			b.rejectedCount++
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.trialInFlight = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
	}

	if err != nil && (isFailure == nil || isFailure(err)) {
		b.onFailure()
		return err
	}

	b.onSuccess()
	return err
}

func (b *Breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = b.now()

	if b.state == StateHalfOpen || b.failureCount >= b.maxFailures {
		b.setState(StateOpen)
		b.successCount = 0
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.halfOpenSuccess {
			b.setState(StateClosed)
			b.failureCount = 0
		}
	case StateClosed:
		b.failureCount = 0
	}
}

func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.lastStateChange = b.now()
	if b.onStateChange != nil {
		b.onStateChange(prev, next)
	}
}

func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Manually closes the circuit
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.trialInFlight = false
}

func (b *Breaker) Metrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Metrics{
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		RejectedCount:   b.rejectedCount,
		LastFailureTime: b.lastFailureTime,
		LastStateChange: b.lastStateChange,
	}
}

// Point-in-time snapshot of the breaker
type Metrics struct {
	State           State     `json:"-"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	RejectedCount   int64     `json:"rejected_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastStateChange time.Time `json:"last_state_change"`
}
