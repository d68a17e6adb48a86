package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"stagetime/internal/models"
)

// MemoryRepository keeps submissions in process memory. It backs tests and
// single-node development setups; its mutex provides the same reader
// atomicity the Postgres single-statement update does.
type MemoryRepository struct {
	mu          sync.RWMutex
	submissions map[int64]models.Submission
	nextID      int64
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{submissions: make(map[int64]models.Submission), nextID: 1}
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

func (r *MemoryRepository) Close(context.Context) error { return nil }

func (r *MemoryRepository) CreateSubmission(_ context.Context, params CreateSubmissionParams) (models.Submission, error) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	rawKey := params.RawKey
	submission := models.Submission{
		ID:         id,
		OwnerID:    params.OwnerID,
		RawKey:     &rawKey,
		Resolution: models.ResolutionRaw,
		Status:     models.StatusCompleted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if params.RawURL != "" {
		rawURL := params.RawURL
		submission.RawURL = &rawURL
	}
	r.submissions[id] = submission
	return cloneSubmission(submission), nil
}

func (r *MemoryRepository) GetSubmission(_ context.Context, id int64) (models.Submission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	submission, ok := r.submissions[id]
	if !ok {
		return models.Submission{}, ErrNotFound
	}
	return cloneSubmission(submission), nil
}

func (r *MemoryRepository) ListSubmissions(_ context.Context, ownerID string) ([]models.Submission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner := strings.TrimSpace(ownerID)
	out := make([]models.Submission, 0, len(r.submissions))
	for _, submission := range r.submissions {
		if owner != "" && submission.OwnerID != owner {
			continue
		}
		out = append(out, cloneSubmission(submission))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) CompleteTranscode(_ context.Context, id int64, swap TranscodeSwap) (models.Submission, error) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	submission, ok := r.submissions[id]
	if !ok {
		return models.Submission{}, ErrNotFound
	}
	if submission.Converted() {
		return models.Submission{}, ErrAlreadyConverted
	}
	playlistKey := swap.PlaylistKey
	submission.PlaylistKey = &playlistKey
	submission.PlaylistURL = nil
	if swap.PlaylistURL != "" {
		playlistURL := swap.PlaylistURL
		submission.PlaylistURL = &playlistURL
	}
	submission.RawKey = nil
	submission.RawURL = nil
	submission.Resolution = models.ResolutionHLS
	submission.Status = models.StatusCompleted
	submission.Error = ""
	submission.UpdatedAt = now
	completed := now
	submission.CompletedAt = &completed
	r.submissions[id] = submission
	return cloneSubmission(submission), nil
}

func (r *MemoryRepository) DeleteSubmission(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.submissions[id]; !ok {
		return ErrNotFound
	}
	delete(r.submissions, id)
	return nil
}

func cloneSubmission(submission models.Submission) models.Submission {
	cloned := submission
	if submission.RawKey != nil {
		v := *submission.RawKey
		cloned.RawKey = &v
	}
	if submission.RawURL != nil {
		v := *submission.RawURL
		cloned.RawURL = &v
	}
	if submission.PlaylistKey != nil {
		v := *submission.PlaylistKey
		cloned.PlaylistKey = &v
	}
	if submission.PlaylistURL != nil {
		v := *submission.PlaylistURL
		cloned.PlaylistURL = &v
	}
	if submission.CompletedAt != nil {
		v := *submission.CompletedAt
		cloned.CompletedAt = &v
	}
	return cloned
}

var _ Repository = (*MemoryRepository)(nil)
