// Package pipeline orchestrates the video lifecycle: raw ingestion into
// object storage, background HLS conversion via the transcoder, and the
// atomic pointer swap that publishes the converted asset.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"stagetime/internal/models"
	"stagetime/internal/objectstore"
	"stagetime/internal/observability/metrics"
	"stagetime/internal/progress"
	"stagetime/internal/storage"
	"stagetime/internal/transcode"
)

var (
	// ErrTooLarge is returned when an upload exceeds the configured payload cap.
	ErrTooLarge = errors.New("upload exceeds the maximum allowed size")
	// ErrUnsupportedType is returned when neither the declared content type
	// nor the filename extension identifies a supported video container.
	ErrUnsupportedType = errors.New("unsupported video type")
	// ErrNoRawAsset is returned by Convert when the submission no longer
	// carries a raw object to convert.
	ErrNoRawAsset = errors.New("submission has no raw asset")
	// ErrAlreadyConverted mirrors the storage sentinel so callers can treat
	// a duplicate conversion request uniformly.
	ErrAlreadyConverted = storage.ErrAlreadyConverted
)

// Config tunes pipeline behaviour. Zero values fall back to the defaults
// documented on each field.
type Config struct {
	// MaxUploadBytes caps the raw payload size. Defaults to 500 MiB.
	MaxUploadBytes int64
	// SignedURLTTL bounds the lifetime of presigned upload and download
	// URLs. Defaults to 15 minutes.
	SignedURLTTL time.Duration
	// TranscodeTimeout bounds one ffmpeg run. Defaults to 30 minutes.
	TranscodeTimeout time.Duration
	// MaxConcurrentTranscodes bounds simultaneous conversions. Defaults to 2.
	MaxConcurrentTranscodes int64
	// WorkDir is where per-conversion scratch directories are created.
	// Defaults to the system temp directory.
	WorkDir string
	// ProgressGrace is how long terminal progress records stay readable
	// before deletion. Defaults to 30 seconds.
	ProgressGrace time.Duration
}

func (c Config) maxUploadBytes() int64 {
	if c.MaxUploadBytes <= 0 {
		return 500 << 20
	}
	return c.MaxUploadBytes
}

func (c Config) signedURLTTL() time.Duration {
	if c.SignedURLTTL <= 0 {
		return 15 * time.Minute
	}
	return c.SignedURLTTL
}

func (c Config) transcodeTimeout() time.Duration {
	if c.TranscodeTimeout <= 0 {
		return 30 * time.Minute
	}
	return c.TranscodeTimeout
}

func (c Config) maxConcurrentTranscodes() int64 {
	if c.MaxConcurrentTranscodes <= 0 {
		return 2
	}
	return c.MaxConcurrentTranscodes
}

func (c Config) progressGrace() time.Duration {
	if c.ProgressGrace <= 0 {
		return 30 * time.Second
	}
	return c.ProgressGrace
}

// Pipeline wires the submission repository, object store, transcoder, and
// progress store together. One Pipeline serves the whole process; conversion
// concurrency is bounded by an internal semaphore.
type Pipeline struct {
	repo       storage.Repository
	objects    objectstore.Client
	transcoder transcode.Transcoder
	progress   progress.Store
	metrics    *metrics.Recorder
	logger     *slog.Logger
	cfg        Config
	sem        *semaphore.Weighted
}

// New constructs a Pipeline. All dependencies are required except metrics and
// logger, which fall back to the package defaults.
func New(repo storage.Repository, objects objectstore.Client, transcoder transcode.Transcoder, progressStore progress.Store, recorder *metrics.Recorder, logger *slog.Logger, cfg Config) *Pipeline {
	if recorder == nil {
		recorder = metrics.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		repo:       repo,
		objects:    objects,
		transcoder: transcoder,
		progress:   progressStore,
		metrics:    recorder,
		logger:     logger.With("component", "pipeline"),
		cfg:        cfg,
		sem:        semaphore.NewWeighted(cfg.maxConcurrentTranscodes()),
	}
}

// SignedURLTTL exposes the configured presign lifetime for handlers issuing
// signed URLs.
func (p *Pipeline) SignedURLTTL() time.Duration {
	return p.cfg.signedURLTTL()
}

// UploadParams describes one raw ingestion request.
type UploadParams struct {
	OwnerID     string
	Filename    string
	ContentType string
	// Size is the declared payload size, or -1 when unknown. Multipart
	// callers pass the whole request's Content-Length, which overstates the
	// video part, so Size only feeds the ceiling check and progress totals.
	Size int64
	Body io.Reader
	// ProgressKey identifies the progress session a client polls during the
	// upload. Optional; no progress is recorded when empty.
	ProgressKey string
}

// UploadRaw validates the payload, streams it into object storage, and only
// then records the submission. A storage failure leaves no submission row
// behind, so every row always points at a durably stored object.
func (p *Pipeline) UploadRaw(ctx context.Context, params UploadParams) (models.Submission, error) {
	owner := strings.TrimSpace(params.OwnerID)
	if owner == "" {
		p.metrics.ObserveUpload("rejected", 0)
		return models.Submission{}, fmt.Errorf("owner id is required")
	}
	if params.Body == nil {
		p.metrics.ObserveUpload("rejected", 0)
		return models.Submission{}, fmt.Errorf("request body is required")
	}
	if !acceptableUpload(params.Filename, params.ContentType) {
		p.metrics.ObserveUpload("rejected", 0)
		return models.Submission{}, fmt.Errorf("%w: %s (%s)", ErrUnsupportedType, params.Filename, params.ContentType)
	}
	limit := p.cfg.maxUploadBytes()
	if params.Size > limit {
		p.metrics.ObserveUpload("rejected", 0)
		return models.Submission{}, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, params.Size, limit)
	}

	key := objectstore.RawKey(owner, params.Filename)
	contentType := params.ContentType
	if strings.TrimSpace(contentType) == "" {
		contentType = objectstore.ContentTypeForFile(params.Filename)
	}

	p.setProgress(ctx, params.ProgressKey, progress.Record{
		Phase:   progress.PhaseUploading,
		Percent: 0,
		Message: "storing original video",
		Total:   params.Size,
	})

	// LimitReader catches clients that lie about (or omit) the payload
	// size: one byte past the cap turns the upload into a failure.
	counter := objectstore.NewCountingReader(io.LimitReader(params.Body, limit+1), params.Size, func(read, total int64) {
		record := progress.Record{
			Phase:    progress.PhaseUploading,
			Message:  "storing original video",
			Uploaded: read,
			Total:    total,
		}
		if total > 0 {
			record.Percent = int(read * 100 / total)
		}
		p.setProgress(ctx, params.ProgressKey, record)
	})

	// The declared size is an upper bound, not the payload length: multipart
	// callers only know the envelope's Content-Length, which includes
	// boundaries and other fields. The store must treat the stream as
	// unknown-length and read to EOF.
	ref, err := p.objects.Put(ctx, key, contentType, -1, counter)
	if err != nil {
		p.metrics.ObserveUpload("failed", 0)
		p.failProgress(ctx, params.ProgressKey, fmt.Sprintf("store original video: %v", err))
		return models.Submission{}, fmt.Errorf("store raw video: %w", err)
	}
	if counter.BytesRead() > limit {
		p.metrics.ObserveUpload("rejected", 0)
		p.failProgress(ctx, params.ProgressKey, "upload exceeds the maximum allowed size")
		p.deleteObject(ctx, key)
		return models.Submission{}, fmt.Errorf("%w: limit %d", ErrTooLarge, limit)
	}

	submission, err := p.repo.CreateSubmission(ctx, storage.CreateSubmissionParams{
		OwnerID: owner,
		RawKey:  ref.Key,
		RawURL:  ref.URL,
	})
	if err != nil {
		p.metrics.ObserveUpload("failed", 0)
		p.failProgress(ctx, params.ProgressKey, fmt.Sprintf("record submission: %v", err))
		p.deleteObject(ctx, key)
		return models.Submission{}, fmt.Errorf("record submission: %w", err)
	}

	p.metrics.ObserveUpload("accepted", counter.BytesRead())
	p.setProgress(ctx, params.ProgressKey, progress.Record{
		Phase:    progress.PhaseCompleted,
		Percent:  100,
		Message:  "original video stored",
		Uploaded: counter.BytesRead(),
		Total:    params.Size,
	})
	p.forgetProgress(ctx, params.ProgressKey)
	p.logger.Info("raw video ingested",
		"submission_id", submission.ID,
		"owner_id", owner,
		"key", ref.Key,
		"bytes", counter.BytesRead())
	return submission, nil
}

// PresignedUpload describes a direct-upload grant issued to a client.
type PresignedUpload struct {
	Key       string
	URL       string
	ExpiresAt time.Time
}

// PresignUpload issues a presigned PUT URL so large payloads can bypass the
// API process. The client must call RegisterDirect once the PUT finishes.
func (p *Pipeline) PresignUpload(ctx context.Context, ownerID, filename string) (PresignedUpload, error) {
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return PresignedUpload{}, fmt.Errorf("owner id is required")
	}
	if !acceptableUpload(filename, "") {
		return PresignedUpload{}, fmt.Errorf("%w: %s", ErrUnsupportedType, filename)
	}
	ttl := p.cfg.signedURLTTL()
	key := objectstore.RawKey(owner, filename)
	signed, err := p.objects.PresignPut(ctx, key, ttl)
	if err != nil {
		return PresignedUpload{}, fmt.Errorf("presign upload: %w", err)
	}
	return PresignedUpload{Key: key, URL: signed, ExpiresAt: time.Now().UTC().Add(ttl)}, nil
}

// RegisterDirect records a submission for an object the client uploaded via a
// presigned URL. The object must exist; a row is never created ahead of its
// bytes.
func (p *Pipeline) RegisterDirect(ctx context.Context, ownerID, key string) (models.Submission, error) {
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return models.Submission{}, fmt.Errorf("owner id is required")
	}
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, "videos/"+owner+"/") {
		return models.Submission{}, fmt.Errorf("key %q does not belong to owner %s", key, owner)
	}
	info, err := p.objects.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotExist) {
			return models.Submission{}, fmt.Errorf("%w: upload %s first", objectstore.ErrNotExist, key)
		}
		return models.Submission{}, fmt.Errorf("verify uploaded object: %w", err)
	}

	submission, err := p.repo.CreateSubmission(ctx, storage.CreateSubmissionParams{OwnerID: owner, RawKey: key})
	if err != nil {
		return models.Submission{}, fmt.Errorf("record submission: %w", err)
	}
	p.metrics.ObserveUpload("accepted", info.Size)
	p.logger.Info("direct upload registered", "submission_id", submission.ID, "owner_id", owner, "key", key, "bytes", info.Size)
	return submission, nil
}

// Delete removes a submission row and then sweeps its stored assets. The row
// goes first so the resource disappears immediately; asset removal is best
// effort, a failure leaks storage but never resurrects the submission.
func (p *Pipeline) Delete(ctx context.Context, submissionID int64) error {
	submission, err := p.repo.GetSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	if err := p.repo.DeleteSubmission(ctx, submissionID); err != nil {
		return err
	}

	if submission.RawKey != nil && *submission.RawKey != "" {
		p.deleteObject(ctx, *submission.RawKey)
	}
	if submission.PlaylistKey != nil && *submission.PlaylistKey != "" {
		prefix := path.Dir(*submission.PlaylistKey)
		if err := p.objects.DeletePrefix(ctx, prefix); err != nil {
			p.logger.Warn("conversion output not removed", "prefix", prefix, "error", err)
		}
	}
	p.logger.Info("submission deleted", "submission_id", submissionID, "owner_id", submission.OwnerID)
	return nil
}

// ConvertProgressKey is the fixed progress key for a submission's conversion,
// shared between the endpoint that starts the job and the one that polls it.
func ConvertProgressKey(submissionID int64) string {
	return fmt.Sprintf("convert-%d", submissionID)
}

// ConvertResult reports what a finished conversion produced.
type ConvertResult struct {
	PlaylistKey   string
	UploadedFiles int
}

// Convert downloads the raw asset, transcodes it to HLS, uploads the playlist
// tree, and atomically swaps the submission's pointers. It blocks until the
// conversion finishes while progress streams to the progress store. Duplicate
// requests for an already converted submission return ErrAlreadyConverted
// without side effects.
func (p *Pipeline) Convert(ctx context.Context, submissionID int64) (ConvertResult, error) {
	progressKey := ConvertProgressKey(submissionID)

	submission, err := p.repo.GetSubmission(ctx, submissionID)
	if err != nil {
		return ConvertResult{}, err
	}
	if submission.Converted() {
		return ConvertResult{}, ErrAlreadyConverted
	}
	if submission.RawKey == nil || strings.TrimSpace(*submission.RawKey) == "" {
		return ConvertResult{}, ErrNoRawAsset
	}
	rawKey := *submission.RawKey

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return ConvertResult{}, fmt.Errorf("acquire transcode slot: %w", err)
	}
	defer p.sem.Release(1)

	p.metrics.TranscodeStarted()
	result, err := p.convert(ctx, submission, rawKey, progressKey)
	if err != nil {
		p.metrics.TranscodeFailed()
		p.failProgress(ctx, progressKey, err.Error())
		p.logger.Error("conversion failed", "submission_id", submissionID, "error", err)
		return ConvertResult{}, err
	}
	p.metrics.TranscodeCompleted()
	p.setProgress(ctx, progressKey, progress.Record{
		Phase:   progress.PhaseCompleted,
		Percent: 100,
		Message: "video converted",
	})
	p.forgetProgress(ctx, progressKey)
	return result, nil
}

func (p *Pipeline) convert(ctx context.Context, submission models.Submission, rawKey, progressKey string) (ConvertResult, error) {
	workDir, err := os.MkdirTemp(p.cfg.WorkDir, fmt.Sprintf("convert-%d-", submission.ID))
	if err != nil {
		return ConvertResult{}, fmt.Errorf("create conversion workspace: %w", err)
	}
	defer func() {
		if removeErr := os.RemoveAll(workDir); removeErr != nil {
			p.logger.Warn("conversion workspace not removed", "dir", workDir, "error", removeErr)
		}
	}()

	inputPath, err := p.download(ctx, rawKey, workDir, progressKey)
	if err != nil {
		return ConvertResult{}, err
	}

	p.setProgress(ctx, progressKey, progress.Record{
		Phase:   progress.PhaseConverting,
		Percent: 20,
		Message: "transcoding to HLS",
	})
	outputDir := filepath.Join(workDir, "hls")
	if err := os.Mkdir(outputDir, 0o755); err != nil {
		return ConvertResult{}, fmt.Errorf("create transcoder output directory: %w", err)
	}
	transcodeCtx, cancel := context.WithTimeout(ctx, p.cfg.transcodeTimeout())
	result, err := p.transcoder.Transcode(transcodeCtx, transcode.Params{InputPath: inputPath, OutputDir: outputDir})
	cancel()
	if err != nil {
		return ConvertResult{}, fmt.Errorf("transcode submission %d: %w", submission.ID, err)
	}
	p.setProgress(ctx, progressKey, progress.Record{
		Phase:   progress.PhaseConverting,
		Percent: 60,
		Message: "transcode finished",
	})

	playlist, err := p.uploadOutput(ctx, submission.ID, outputDir, result, progressKey)
	if err != nil {
		return ConvertResult{}, err
	}

	swapped, err := p.repo.CompleteTranscode(ctx, submission.ID, storage.TranscodeSwap{
		PlaylistKey: playlist.Key,
		PlaylistURL: playlist.URL,
	})
	if err != nil {
		return ConvertResult{}, err
	}

	p.setProgress(ctx, progressKey, progress.Record{
		Phase:   progress.PhaseCleaning,
		Percent: 85,
		Message: "removing original video",
	})
	// The raw object is orphaned after the swap. Removal is best effort:
	// a leak costs storage, a failure here must not undo the conversion.
	p.deleteObject(ctx, rawKey)

	p.logger.Info("submission converted",
		"submission_id", swapped.ID,
		"playlist_key", playlist.Key,
		"files", len(result.Files))
	return ConvertResult{PlaylistKey: playlist.Key, UploadedFiles: len(result.Files)}, nil
}

func (p *Pipeline) download(ctx context.Context, rawKey, workDir, progressKey string) (string, error) {
	p.setProgress(ctx, progressKey, progress.Record{
		Phase:   progress.PhaseDownloading,
		Percent: 5,
		Message: "fetching original video",
	})

	body, info, err := p.objects.Get(ctx, rawKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNoRawAsset, rawKey)
		}
		return "", fmt.Errorf("fetch raw video %s: %w", rawKey, err)
	}
	defer body.Close()

	inputPath := filepath.Join(workDir, "input"+filepath.Ext(rawKey))
	file, err := os.Create(inputPath)
	if err != nil {
		return "", fmt.Errorf("create local input file: %w", err)
	}
	defer file.Close()

	counter := objectstore.NewCountingReader(body, info.Size, func(read, total int64) {
		record := progress.Record{
			Phase:    progress.PhaseDownloading,
			Percent:  5,
			Message:  "fetching original video",
			Uploaded: read,
			Total:    total,
		}
		if total > 0 {
			record.Percent = 5 + int(read*15/total)
		}
		p.setProgress(ctx, progressKey, record)
	})
	if _, err := io.Copy(file, counter); err != nil {
		return "", fmt.Errorf("download raw video %s: %w", rawKey, err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("flush local input file: %w", err)
	}
	return inputPath, nil
}

func (p *Pipeline) uploadOutput(ctx context.Context, submissionID int64, outputDir string, result transcode.Result, progressKey string) (objectstore.ObjectRef, error) {
	prefix := objectstore.HLSPrefix(submissionID)
	var playlist objectstore.ObjectRef
	for i, localPath := range result.Files {
		rel, err := filepath.Rel(outputDir, localPath)
		if err != nil {
			return objectstore.ObjectRef{}, fmt.Errorf("resolve output file %s: %w", localPath, err)
		}
		key := prefix + "/" + filepath.ToSlash(rel)

		ref, err := p.uploadFile(ctx, key, localPath)
		if err != nil {
			return objectstore.ObjectRef{}, err
		}
		if localPath == result.PlaylistPath {
			playlist = ref
		}
		p.setProgress(ctx, progressKey, progress.Record{
			Phase:   progress.PhaseUploading,
			Percent: 60 + (i+1)*20/len(result.Files),
			Message: fmt.Sprintf("storing HLS files (%d/%d)", i+1, len(result.Files)),
		})
	}
	if playlist.Key == "" {
		return objectstore.ObjectRef{}, fmt.Errorf("conversion output is missing the master playlist")
	}
	return playlist, nil
}

func (p *Pipeline) uploadFile(ctx context.Context, key, localPath string) (objectstore.ObjectRef, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return objectstore.ObjectRef{}, fmt.Errorf("open output file %s: %w", localPath, err)
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		return objectstore.ObjectRef{}, fmt.Errorf("stat output file %s: %w", localPath, err)
	}
	ref, err := p.objects.Put(ctx, key, objectstore.ContentTypeForFile(localPath), stat.Size(), file)
	if err != nil {
		return objectstore.ObjectRef{}, fmt.Errorf("store HLS file %s: %w", key, err)
	}
	return ref, nil
}

func (p *Pipeline) setProgress(ctx context.Context, key string, record progress.Record) {
	if key == "" || p.progress == nil {
		return
	}
	p.progress.Set(ctx, key, record)
}

func (p *Pipeline) failProgress(ctx context.Context, key, message string) {
	if key == "" || p.progress == nil {
		return
	}
	p.progress.Set(ctx, key, progress.Record{
		Phase:   progress.PhaseError,
		Percent: 100,
		Error:   message,
	})
	p.forgetProgress(ctx, key)
}

func (p *Pipeline) forgetProgress(ctx context.Context, key string) {
	if key == "" || p.progress == nil {
		return
	}
	p.progress.Forget(ctx, key, p.cfg.progressGrace())
}

func (p *Pipeline) deleteObject(ctx context.Context, key string) {
	if err := p.objects.Delete(ctx, key); err != nil {
		p.logger.Warn("object not removed", "key", key, "error", err)
	}
}
