// Package progress tracks live upload and conversion progress for polling
// clients. Records are ephemeral: they exist so a UI can render a progress
// bar, and they disappear a short grace period after reaching a terminal
// phase. The durable Submission row remains the source of truth.
package progress

import (
	"context"
	"sync"
	"time"
)

// Phases reported by the pipeline. A raw upload only passes through
// uploading, completed, and error; a conversion walks the full sequence.
const (
	PhaseUploading   = "uploading"
	PhaseDownloading = "downloading"
	PhaseConverting  = "converting"
	PhaseCleaning    = "cleaning"
	PhaseCompleted   = "completed"
	PhaseError       = "error"
)

// Record is one observable progress snapshot. Percent is monotonically
// non-decreasing within a phase; phases only move forward except when an
// operation fails, which jumps directly to PhaseError. On the wire the
// phase is reported under "status" and the percent under "percentage".
type Record struct {
	Phase     string    `json:"status"`
	Percent   int       `json:"percentage"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Uploaded  int64     `json:"uploaded,omitempty"`
	Total     int64     `json:"total,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Terminal reports whether the record has reached a final phase.
func (r Record) Terminal() bool {
	return r.Phase == PhaseCompleted || r.Phase == PhaseError
}

// Store is the progress-tracking contract shared by the in-memory and Redis
// implementations. Writes are best-effort: a progress backend outage must
// never fail the operation being tracked, so Set and Delete do not return
// errors; implementations log failures instead.
type Store interface {
	Set(ctx context.Context, key string, record Record)
	Get(ctx context.Context, key string) (Record, bool)
	Delete(ctx context.Context, key string)
	// Forget schedules deletion of the record after the given delay. The
	// delay gives a polling client a window to observe the terminal state
	// before the entry disappears.
	Forget(ctx context.Context, key string, after time.Duration)
}

// MemoryStore is the single-process Store used by default. Entries for
// different submissions never contend beyond the map mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	timers  map[string]*time.Timer

	// afterFunc schedules deferred deletion and exists so tests can fire
	// cleanup synchronously instead of waiting out the grace period.
	afterFunc func(d time.Duration, fn func()) *time.Timer
}

// NewMemoryStore returns an empty in-memory progress store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]Record),
		timers:    make(map[string]*time.Timer),
		afterFunc: time.AfterFunc,
	}
}

// Set stores the record, stamping UpdatedAt when unset and cancelling any
// pending deferred deletion for the key.
func (s *MemoryStore) Set(_ context.Context, key string, record Record) {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[key]; ok {
		timer.Stop()
		delete(s.timers, key)
	}
	s.records[key] = record
}

// Get returns the record for key when present.
func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key]
	return record, ok
}

// Delete removes the record immediately.
func (s *MemoryStore) Delete(_ context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[key]; ok {
		timer.Stop()
		delete(s.timers, key)
	}
	delete(s.records, key)
}

// Forget schedules deletion of key after the delay. A subsequent Set cancels
// the pending deletion, so a retried operation keeps its fresh record.
func (s *MemoryStore) Forget(ctx context.Context, key string, after time.Duration) {
	if after <= 0 {
		s.Delete(ctx, key)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[key]; ok {
		timer.Stop()
	}
	var timer *time.Timer
	timer = s.afterFunc(after, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// A Set or a later Forget replaced this timer; the record is no
		// longer ours to delete.
		if s.timers[key] != timer {
			return
		}
		delete(s.records, key)
		delete(s.timers, key)
	})
	s.timers[key] = timer
}

var _ Store = (*MemoryStore)(nil)
