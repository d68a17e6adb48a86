// Package models defines the persisted domain records shared across the
// pipeline, storage, and API layers.
package models

import "time"

// Resolution labels describe which representation of a submission is the
// current playable asset.
const (
	ResolutionRaw = "raw"
	ResolutionHLS = "hls"
)

// Submission processing statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Submission is the durable record of one contestant video. Exactly one of
// RawKey and PlaylistKey is the current playable asset, consistent with
// Resolution: a freshly ingested video carries only the raw pointer, and a
// successful HLS conversion atomically swaps it for the playlist pointer.
type Submission struct {
	ID          int64      `json:"id"`
	OwnerID     string     `json:"ownerId"`
	RawKey      *string    `json:"rawKey,omitempty"`
	RawURL      *string    `json:"rawUrl,omitempty"`
	PlaylistKey *string    `json:"playlistKey,omitempty"`
	PlaylistURL *string    `json:"playlistUrl,omitempty"`
	Resolution  string     `json:"resolution"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Converted reports whether the submission already carries an HLS playlist.
func (s Submission) Converted() bool {
	return s.PlaylistKey != nil && *s.PlaylistKey != ""
}
