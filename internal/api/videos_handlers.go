package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"stagetime/internal/objectstore"
	"stagetime/internal/pipeline"
	"stagetime/internal/progress"
	"stagetime/internal/storage"
)

// SegmentProxyPath is the route segment requests are rewritten to in served
// playlists.
const SegmentProxyPath = "/api/videos/segment"

func playlistPath(submissionID int64) string {
	return fmt.Sprintf("/api/videos/%d/playlist.m3u8", submissionID)
}

// Videos handles the collection route: multipart upload on POST, submission
// listing on GET.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleUpload(w, r)
	case http.MethodGet:
		h.handleList(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// VideoByID dispatches everything under /api/videos/: fixed sub-resources
// first (segment, progress, presign, complete), then {id} and its
// sub-resources.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/videos/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		h.Videos(w, r)
		return
	}

	switch parts[0] {
	case "segment":
		if len(parts) != 1 {
			http.NotFound(w, r)
			return
		}
		h.handleSegment(w, r)
		return
	case "progress":
		if len(parts) != 2 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("progress session is required"))
			return
		}
		h.handleUploadProgress(w, r, parts[1])
		return
	case "presign":
		if len(parts) != 1 {
			http.NotFound(w, r)
			return
		}
		h.handlePresign(w, r)
		return
	case "complete":
		if len(parts) != 1 {
			http.NotFound(w, r)
			return
		}
		h.handleComplete(w, r)
		return
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid submission id %q", parts[0]))
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		h.handleDelete(w, r, id)
	case len(parts) == 1:
		h.handleGet(w, r, id)
	case len(parts) == 2 && parts[1] == "convert":
		h.handleConvert(w, r, id)
	case len(parts) == 3 && parts[1] == "convert" && parts[2] == "status":
		h.handleConvertStatus(w, r, id)
	case len(parts) == 2 && parts[1] == "playlist.m3u8":
		h.handlePlaylist(w, r, id)
	case len(parts) == 2 && parts[1] == "signed-url":
		h.handleSignedURL(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

// handleUpload streams a multipart payload into the pipeline. The ownerId
// field must arrive before the video part (or as a query parameter) so the
// storage key can be derived before any byte is consumed.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("multipart body required: %v", err))
		return
	}

	uploadID := strings.TrimSpace(r.URL.Query().Get("uploadId"))
	if uploadID == "" {
		uploadID = uuid.NewString()
	}
	ownerID := strings.TrimSpace(r.URL.Query().Get("ownerId"))

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("multipart field %q is required", "video"))
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("read multipart body: %v", err))
			return
		}

		switch part.FormName() {
		case "ownerId":
			value, err := io.ReadAll(io.LimitReader(part, 256))
			part.Close()
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("read ownerId field: %v", err))
				return
			}
			ownerID = strings.TrimSpace(string(value))
		case "video":
			if ownerID == "" {
				part.Close()
				writeError(w, http.StatusBadRequest, fmt.Errorf("ownerId must precede the video part"))
				return
			}
			submission, err := h.Pipeline.UploadRaw(r.Context(), pipeline.UploadParams{
				OwnerID:     ownerID,
				Filename:    part.FileName(),
				ContentType: part.Header.Get("Content-Type"),
				Size:        r.ContentLength,
				Body:        part,
				ProgressKey: uploadID,
			})
			part.Close()
			if err != nil {
				writeError(w, uploadErrorStatus(err), err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]interface{}{
				"submission": newSubmissionResponse(submission),
				"uploadId":   uploadID,
			})
			return
		default:
			part.Close()
		}
	}
}

func uploadErrorStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, pipeline.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	submissions, err := h.Store.ListSubmissions(r.Context(), r.URL.Query().Get("ownerId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("list submissions: %v", err))
		return
	}
	out := make([]submissionResponse, 0, len(submissions))
	for _, submission := range submissions {
		out = append(out, newSubmissionResponse(submission))
	}
	writeJSON(w, http.StatusOK, out)
}

type presignRequest struct {
	OwnerID  string `json:"ownerId"`
	Filename string `json:"filename"`
}

func (h *Handler) handlePresign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req presignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %v", err))
		return
	}
	grant, err := h.Pipeline.PresignUpload(r.Context(), req.OwnerID, req.Filename)
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, pipeline.ErrUnsupportedType) && !strings.Contains(err.Error(), "required") {
			status = http.StatusBadGateway
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"key":       grant.Key,
		"uploadUrl": grant.URL,
		"expiresAt": grant.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

type completeRequest struct {
	OwnerID string `json:"ownerId"`
	Key     string `json:"key"`
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %v", err))
		return
	}
	submission, err := h.Pipeline.RegisterDirect(r.Context(), req.OwnerID, req.Key)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, objectstore.ErrNotExist) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSubmissionResponse(submission))
}

func (h *Handler) handleUploadProgress(w http.ResponseWriter, r *http.Request, session string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	record, ok := h.Progress.Get(r.Context(), session)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no progress for session %s", session))
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	submission, err := h.Store.GetSubmission(r.Context(), id)
	if err != nil {
		writeStorageError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, newSubmissionResponse(submission))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, id int64) {
	if err := h.Pipeline.Delete(r.Context(), id); err != nil {
		writeStorageError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConvert runs the conversion to completion and reports what it
// produced. The context is detached from the request: once a transcode has
// started, a client hangup must not abort it.
func (h *Handler) handleConvert(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	result, err := h.Pipeline.Convert(context.WithoutCancel(r.Context()), id)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, fmt.Errorf("submission %d not found", id))
		case errors.Is(err, pipeline.ErrAlreadyConverted):
			writeError(w, http.StatusConflict, fmt.Errorf("submission %d is already converted", id))
		case errors.Is(err, pipeline.ErrNoRawAsset):
			writeError(w, http.StatusConflict, fmt.Errorf("submission %d has no raw asset", id))
		default:
			writeError(w, http.StatusBadGateway, fmt.Errorf("convert submission %d: %v", id, err))
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"playlistKey":   result.PlaylistKey,
		"uploadedFiles": result.UploadedFiles,
	})
}

// handleConvertStatus prefers the live progress record; once that expires it
// falls back to the durable row so late pollers still get a terminal answer.
func (h *Handler) handleConvertStatus(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if record, ok := h.Progress.Get(r.Context(), pipeline.ConvertProgressKey(id)); ok {
		writeJSON(w, http.StatusOK, record)
		return
	}
	submission, err := h.Store.GetSubmission(r.Context(), id)
	if err != nil {
		writeStorageError(w, id, err)
		return
	}
	if submission.Converted() {
		writeJSON(w, http.StatusOK, progress.Record{
			Phase:   progress.PhaseCompleted,
			Percent: 100,
			Message: "video converted",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
}

func (h *Handler) handlePlaylist(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	submission, err := h.Store.GetSubmission(r.Context(), id)
	if err != nil {
		writeStorageError(w, id, err)
		return
	}
	if !submission.Converted() {
		writeError(w, http.StatusNotFound, fmt.Errorf("submission %d has no HLS playlist", id))
		return
	}

	body, _, err := h.Objects.Get(r.Context(), *submission.PlaylistKey)
	if err != nil {
		writePlaybackError(w, err)
		return
	}
	defer body.Close()
	playlist, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Errorf("read playlist: %v", err))
		return
	}

	rewritten := pipeline.RewritePlaylist(playlist, *submission.PlaylistKey, SegmentProxyPath)
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rewritten)
}

// handleSegment streams one HLS object through the API process. Only keys
// under the conversion output prefix are reachable, so the proxy cannot be
// used to read arbitrary objects.
func (h *Handler) handleSegment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	// Query() already percent-decoded the value; unescaping again would
	// corrupt keys containing literal % or +.
	key := r.URL.Query().Get("key")
	if strings.TrimSpace(key) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("key query parameter is required"))
		return
	}
	if !strings.HasPrefix(key, "hls/") || strings.Contains(key, "..") {
		writeError(w, http.StatusForbidden, fmt.Errorf("key %q is outside the playback prefix", key))
		return
	}

	body, info, err := h.Objects.Get(r.Context(), key)
	if err != nil {
		writePlaybackError(w, err)
		return
	}
	defer body.Close()

	contentType := info.ContentType
	if contentType == "" {
		contentType = objectstore.ContentTypeForFile(key)
	}
	w.Header().Set("Content-Type", contentType)
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	// Segment objects are immutable: every conversion writes under a fresh
	// prefix, so clients may cache them indefinitely.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.Logger.Warn("segment stream interrupted", "key", key, "error", err)
	}
}

func (h *Handler) handleSignedURL(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	submission, err := h.Store.GetSubmission(r.Context(), id)
	if err != nil {
		writeStorageError(w, id, err)
		return
	}

	asset := strings.TrimSpace(r.URL.Query().Get("asset"))
	if asset == "" {
		asset = "playlist"
		if !submission.Converted() {
			asset = "raw"
		}
	}
	var key *string
	switch asset {
	case "raw":
		key = submission.RawKey
	case "playlist":
		key = submission.PlaylistKey
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown asset %q", asset))
		return
	}
	if key == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("submission %d has no %s asset", id, asset))
		return
	}

	ttl := h.Pipeline.SignedURLTTL()
	signed, err := h.Objects.PresignGet(r.Context(), *key, ttl)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Errorf("presign %s asset: %v", asset, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset": asset,
		"key":   *key,
		"url":   signed,
	})
}

func writeStorageError(w http.ResponseWriter, id int64, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("submission %d not found", id))
		return
	}
	writeError(w, http.StatusInternalServerError, fmt.Errorf("load submission %d: %v", id, err))
}

func writePlaybackError(w http.ResponseWriter, err error) {
	if errors.Is(err, objectstore.ErrNotExist) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusBadGateway, err)
}
