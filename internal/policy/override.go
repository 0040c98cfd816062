package policy

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Per-subject overrides with lazy expiry.
// Expired entries are filtered on read; Sweep only reclaims memory.
type OverrideStore struct {
	mu        sync.RWMutex
	overrides map[string]SubjectOverride

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewOverrideStore() *OverrideStore {
	return &OverrideStore{
		overrides: make(map[string]SubjectOverride),
		stopChan:  make(chan struct{}),
	}
}

// Creates or replaces the override for o.SubjectID (last write wins)
func (s *OverrideStore) SetOverride(o SubjectOverride) {
	o = o.clone()

	s.mu.Lock()
	s.overrides[o.SubjectID] = o
	s.mu.Unlock()
}

func (s *OverrideStore) RemoveOverride(subjectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.overrides[subjectID]; !ok {
		return false
	}
	delete(s.overrides, subjectID)
	return true
}

// Returns the override for subjectID unless it is missing or expired at now
func (s *OverrideStore) GetActiveOverride(subjectID string, now time.Time) (SubjectOverride, bool) {
	if subjectID == "" {
		return SubjectOverride{}, false
	}

	s.mu.RLock()
	o, ok := s.overrides[subjectID]
	s.mu.RUnlock()

	if !ok || !o.Active(now) {
		return SubjectOverride{}, false
	}
	return o.clone(), true
}

// Returns active overrides ordered by subject id
func (s *OverrideStore) ListActive(now time.Time) []SubjectOverride {
	s.mu.RLock()
	out := make([]SubjectOverride, 0, len(s.overrides))
	for _, o := range s.overrides {
		if o.Active(now) {
			out = append(out, o.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out
}

// Swaps the whole table, used when reloading from durable storage
func (s *OverrideStore) Replace(overrides []SubjectOverride) {
	next := make(map[string]SubjectOverride, len(overrides))
	for _, o := range overrides {
		next[o.SubjectID] = o.clone()
	}

	s.mu.Lock()
	s.overrides = next
	s.mu.Unlock()
}

// Purges entries expired at now and returns how many were removed
func (s *OverrideStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, o := range s.overrides {
		if !o.Active(now) {
			delete(s.overrides, id)
			removed++
		}
	}
	return removed
}

func (s *OverrideStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.overrides)
}

// Begins periodic sweeps until ctx is cancelled or Stop is called
func (s *OverrideStore) StartSweeper(ctx context.Context, interval time.Duration, clock func() time.Time) {
	if interval <= 0 {
		return
	}
	if clock == nil {
		clock = time.Now
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
				if n := s.Sweep(clock()); n > 0 {
					slog.Debug("expired overrides swept", "removed", n, "remaining", s.Len())
				}
			}
		}
	}()
}

// Stops the sweeper and waits for it to exit. Safe to call more than once.
func (s *OverrideStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}
