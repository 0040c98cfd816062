package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type memoryCounter struct {
	remaining int
	expiresAt time.Time
	blocked   bool
}

// In-process counter store. Counts are authoritative only inside this
// process, so it is suitable for single-instance deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memoryCounter),
		stopChan: make(chan struct{}),
	}
}

func (s *MemoryStore) Consume(ctx context.Context, key string, rule Rule, now time.Time) (ConsumeResult, error) {
	if err := ctx.Err(); err != nil {
		return ConsumeResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !c.expiresAt.After(now) {
		c = &memoryCounter{
			remaining: rule.MaxRequests - 1,
			expiresAt: now.Add(rule.Window),
		}
		s.counters[key] = c
		return ConsumeResult{Allowed: true, Remaining: c.remaining, ResetTime: c.expiresAt}, nil
	}

	if c.remaining > 0 {
		c.remaining--
		return ConsumeResult{Allowed: true, Remaining: c.remaining, ResetTime: c.expiresAt}, nil
	}

	if rule.BlockDuration > 0 && !c.blocked {
		if until := now.Add(rule.BlockDuration); until.After(c.expiresAt) {
			c.expiresAt = until
		}
		c.blocked = true
	}

	return ConsumeResult{Allowed: false, Remaining: 0, ResetTime: c.expiresAt}, nil
}

func (s *MemoryStore) Peek(ctx context.Context, key string, now time.Time) (Counter, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !c.expiresAt.After(now) {
		return Counter{}, ErrNotFound
	}
	return Counter{Remaining: c.remaining, ExpiresAt: c.expiresAt, Blocked: c.blocked}, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.counters, key)
	s.mu.Unlock()
	return nil
}

// Removes counters expired at now
func (s *MemoryStore) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	for key, c := range s.counters {
		if !c.expiresAt.After(now) {
			delete(s.counters, key)
			cleaned++
		}
	}
	return cleaned
}

// Starts the background cleanup goroutine. It stops when ctx is cancelled or Stop is called.
func (s *MemoryStore) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				if cleaned := s.Cleanup(time.Now()); cleaned > 0 {
					slog.Debug("counter cleanup completed",
						"cleaned_keys", cleaned,
						"remaining_keys", s.Size())
				}
			}
		}
	}()
}

// Stops the cleanup goroutine and waits for it to exit. Safe to call multiple times.
func (s *MemoryStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Returns the current number of tracked keys
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

var _ CounterStore = (*MemoryStore)(nil)
