package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultCapacity  = 10000
	defaultTopN      = 10
	archiveBatchSize = 100
	archiveInterval  = 5 * time.Second
)

// Durable destination for recorded events
type Sink interface {
	WriteBatch(ctx context.Context, events []Event) error
}

// Bounded ring of recent decisions. Once full, each new event evicts the oldest.
type Recorder struct {
	mu       sync.RWMutex
	buf      []Event
	head     int // index of the oldest event
	size     int
	dropped  int64
	now      func() time.Time
	logger   *slog.Logger
	sink     Sink
	archive  chan Event
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

type Option func(*Recorder)

// Forwards every event to sink through a queue of queueSize; overflow is dropped
func WithSink(sink Sink, queueSize int) Option {
	return func(r *Recorder) {
		if queueSize <= 0 {
			queueSize = 1000
		}
		r.sink = sink
		r.archive = make(chan Event, queueSize)
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

func NewRecorder(capacity int, opts ...Option) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	r := &Recorder{
		buf:      make([]Event, capacity),
		now:      time.Now,
		logger:   slog.Default(),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.sink != nil {
		r.wg.Add(1)
		go r.runArchiver()
	}

	return r
}

// Appends event to the ring. Never blocks on I/O.
func (r *Recorder) Record(event Event) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}

	r.mu.Lock()
	capacity := len(r.buf)
	if r.size < capacity {
		r.buf[(r.head+r.size)%capacity] = event
		r.size++
	} else {
		r.buf[r.head] = event
		r.head = (r.head + 1) % capacity
	}
	r.mu.Unlock()

	if r.archive == nil {
		return
	}
	select {
	case r.archive <- event:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	}
}

func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func (r *Recorder) Capacity() int {
	return len(r.buf)
}

// Number of events the archive queue had to drop
func (r *Recorder) Dropped() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

// Copies the ring oldest first. Must be called with the lock held.
func (r *Recorder) snapshotLocked() []Event {
	out := make([]Event, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Returns all buffered events oldest first
func (r *Recorder) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func inRange(ts, from, to time.Time) bool {
	return !ts.Before(from) && !ts.After(to)
}

// Aggregates events with from <= timestamp <= to
func (r *Recorder) Statistics(from, to time.Time) Statistics {
	stats := Statistics{
		From:       from,
		To:         to,
		ByTier:     make(map[string]Breakdown),
		ByEndpoint: make(map[string]Breakdown),
	}
	subjects := make(map[string]*SubjectVolume)

	r.mu.RLock()
	for i := 0; i < r.size; i++ {
		e := r.buf[(r.head+i)%len(r.buf)]
		if !inRange(e.Timestamp, from, to) {
			continue
		}

		var blocked int64
		if e.Blocked {
			blocked = 1
		}
		stats.TotalRequests++
		stats.BlockedRequests += blocked

		tier := stats.ByTier[e.Tier]
		tier.Total++
		tier.Blocked += blocked
		stats.ByTier[e.Tier] = tier

		endpoint := stats.ByEndpoint[e.Endpoint]
		endpoint.Total++
		endpoint.Blocked += blocked
		stats.ByEndpoint[e.Endpoint] = endpoint

		key := e.Subject()
		sv, ok := subjects[key]
		if !ok {
			sv = &SubjectVolume{Subject: key}
			subjects[key] = sv
		}
		sv.Requests++
		sv.Blocked += blocked
	}
	r.mu.RUnlock()

	if stats.TotalRequests > 0 {
		stats.BlockRate = float64(stats.BlockedRequests) / float64(stats.TotalRequests)
	}

	top := make([]SubjectVolume, 0, len(subjects))
	for _, sv := range subjects {
		top = append(top, *sv)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Requests != top[j].Requests {
			return top[i].Requests > top[j].Requests
		}
		return top[i].Subject < top[j].Subject
	})
	if len(top) > defaultTopN {
		top = top[:defaultTopN]
	}
	stats.TopSubjectsByVolume = top

	return stats
}

// Returns up to limit blocked events, newest first
func (r *Recorder) RecentBlocked(limit int) []Event {
	if limit <= 0 {
		return []Event{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Event, 0, min(limit, r.size))
	for i := r.size - 1; i >= 0 && len(out) < limit; i-- {
		e := r.buf[(r.head+i)%len(r.buf)]
		if e.Blocked {
			out = append(out, e)
		}
	}
	return out
}

// Groups blocked events in range by caller IP, worst offenders first
func (r *Recorder) ViolationsByOrigin(from, to time.Time, limit int) []OriginViolations {
	origins := make(map[string]*OriginViolations)
	endpoints := make(map[string]map[string]struct{})

	r.mu.RLock()
	for i := 0; i < r.size; i++ {
		e := r.buf[(r.head+i)%len(r.buf)]
		if !e.Blocked || !inRange(e.Timestamp, from, to) {
			continue
		}

		ov, ok := origins[e.IP]
		if !ok {
			ov = &OriginViolations{IP: e.IP}
			origins[e.IP] = ov
			endpoints[e.IP] = make(map[string]struct{})
		}
		ov.Count++
		if e.Timestamp.After(ov.LastSeen) {
			ov.LastSeen = e.Timestamp
		}
		endpoints[e.IP][e.Endpoint] = struct{}{}
	}
	r.mu.RUnlock()

	out := make([]OriginViolations, 0, len(origins))
	for ip, ov := range origins {
		for ep := range endpoints[ip] {
			ov.Endpoints = append(ov.Endpoints, ep)
		}
		sort.Strings(ov.Endpoints)
		out = append(out, *ov)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].IP < out[j].IP
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Drops every event older than ts and returns how many were removed
func (r *Recorder) PurgeOlderThan(ts time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.snapshotLocked()
	kept := events[:0]
	for _, e := range events {
		if !e.Timestamp.Before(ts) {
			kept = append(kept, e)
		}
	}

	removed := r.size - len(kept)
	if removed == 0 {
		return 0
	}

	clear(r.buf)
	copy(r.buf, kept)
	r.head = 0
	r.size = len(kept)
	return removed
}

// Batches events into the sink until Close is called
func (r *Recorder) runArchiver() {
	defer r.wg.Done()

	batch := make([]Event, 0, archiveBatchSize)
	ticker := time.NewTicker(archiveInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.sink.WriteBatch(ctx, batch); err != nil {
			r.logger.Warn("failed to archive decision events", "count", len(batch), "error", err)
		}
		cancel()
		batch = make([]Event, 0, archiveBatchSize)
	}

	for {
		select {
		case e := <-r.archive:
			batch = append(batch, e)
			if len(batch) >= archiveBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.stopChan:
			for {
				select {
				case e := <-r.archive:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Flushes pending archive writes and stops the worker. Safe to call more than once.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}
