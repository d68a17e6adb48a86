// Package storage persists submission records. Two implementations exist: a
// Postgres repository for deployments and an in-memory repository for tests
// and local development.
package storage

import (
	"context"
	"errors"

	"stagetime/internal/models"
)

// ErrNotFound is returned when no submission exists for the requested id.
var ErrNotFound = errors.New("submission not found")

// ErrAlreadyConverted is returned by CompleteTranscode when the submission
// already carries a playlist pointer. A submission is upgraded to HLS at most
// once.
var ErrAlreadyConverted = errors.New("submission already has an HLS playlist")

// CreateSubmissionParams captures everything needed to record a freshly
// ingested video. The raw object must be durably stored before this is
// called so the new row never points at a missing object.
type CreateSubmissionParams struct {
	OwnerID string
	RawKey  string
	RawURL  string
}

// TranscodeSwap describes the atomic pointer exchange applied when an HLS
// conversion completes: the playlist pointer is set, the raw pointer cleared,
// and the resolution label flipped in one logical update.
type TranscodeSwap struct {
	PlaylistKey string
	PlaylistURL string
}

// Repository is the submission datastore contract consumed by the pipeline
// and the API handlers.
type Repository interface {
	Ping(ctx context.Context) error
	CreateSubmission(ctx context.Context, params CreateSubmissionParams) (models.Submission, error)
	GetSubmission(ctx context.Context, id int64) (models.Submission, error)
	ListSubmissions(ctx context.Context, ownerID string) ([]models.Submission, error)
	// CompleteTranscode applies the swap atomically with respect to
	// concurrent readers: no reader ever observes both pointers set or the
	// raw pointer cleared without the playlist pointer present. Returns
	// ErrAlreadyConverted when a playlist pointer is already present.
	CompleteTranscode(ctx context.Context, id int64, swap TranscodeSwap) (models.Submission, error)
	DeleteSubmission(ctx context.Context, id int64) error
	Close(ctx context.Context) error
}
