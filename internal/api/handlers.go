// Package api implements the HTTP handlers for video ingestion, conversion,
// and playback.
package api

import (
	"log/slog"
	"strings"
	"time"

	"stagetime/internal/models"
	"stagetime/internal/objectstore"
	"stagetime/internal/pipeline"
	"stagetime/internal/progress"
	"stagetime/internal/storage"
)

// Handler bundles the dependencies the video endpoints need.
type Handler struct {
	Store    storage.Repository
	Pipeline *pipeline.Pipeline
	Progress progress.Store
	Objects  objectstore.Client
	Logger   *slog.Logger
}

// NewHandler constructs a Handler. Logger falls back to slog.Default.
func NewHandler(store storage.Repository, p *pipeline.Pipeline, progressStore progress.Store, objects objectstore.Client, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:    store,
		Pipeline: p,
		Progress: progressStore,
		Objects:  objects,
		Logger:   logger.With("component", "api"),
	}
}

type submissionResponse struct {
	ID          int64   `json:"id"`
	OwnerID     string  `json:"ownerId"`
	Resolution  string  `json:"resolution"`
	Status      string  `json:"status"`
	RawKey      *string `json:"rawKey,omitempty"`
	RawURL      *string `json:"rawUrl,omitempty"`
	PlaylistKey *string `json:"playlistKey,omitempty"`
	PlaylistURL *string `json:"playlistUrl,omitempty"`
	PlaybackURL string  `json:"playbackUrl,omitempty"`
	Error       string  `json:"error,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
	CompletedAt *string `json:"completedAt,omitempty"`
}

func newSubmissionResponse(submission models.Submission) submissionResponse {
	resp := submissionResponse{
		ID:          submission.ID,
		OwnerID:     submission.OwnerID,
		Resolution:  submission.Resolution,
		Status:      submission.Status,
		RawKey:      submission.RawKey,
		RawURL:      submission.RawURL,
		PlaylistKey: submission.PlaylistKey,
		PlaylistURL: submission.PlaylistURL,
		Error:       strings.TrimSpace(submission.Error),
		CreatedAt:   submission.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:   submission.UpdatedAt.Format(time.RFC3339Nano),
	}
	if submission.Converted() {
		resp.PlaybackURL = playlistPath(submission.ID)
	}
	if submission.CompletedAt != nil {
		completed := submission.CompletedAt.Format(time.RFC3339Nano)
		resp.CompletedAt = &completed
	}
	return resp
}
