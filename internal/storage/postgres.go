package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stagetime/internal/models"
)

// PostgresConfig tunes the connection pool behind the Postgres repository.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

const submissionsSchema = `
CREATE TABLE IF NOT EXISTS submissions (
    id            BIGSERIAL PRIMARY KEY,
    owner_id      TEXT        NOT NULL,
    raw_key       TEXT,
    raw_url       TEXT,
    playlist_key  TEXT,
    playlist_url  TEXT,
    resolution    TEXT        NOT NULL DEFAULT 'raw',
    status        TEXT        NOT NULL DEFAULT 'completed',
    error         TEXT        NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS submissions_owner_idx ON submissions (owner_id);
`

const submissionColumns = `id, owner_id, raw_key, raw_url, playlist_key, playlist_url, resolution, status, error, created_at, updated_at, completed_at`

// NewPostgresRepository opens a pooled connection to Postgres and ensures the
// submissions schema exists.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &postgresRepository{pool: pool}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, submissionsSchema); err != nil {
		return fmt.Errorf("apply submissions schema: %w", err)
	}
	return nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres unreachable: %w", err)
	}
	return nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) CreateSubmission(ctx context.Context, params CreateSubmissionParams) (models.Submission, error) {
	var rawURL *string
	if params.RawURL != "" {
		rawURL = &params.RawURL
	}
	row := r.pool.QueryRow(ctx, `
INSERT INTO submissions (owner_id, raw_key, raw_url, resolution, status)
VALUES ($1, $2, $3, $4, $5)
RETURNING `+submissionColumns,
		params.OwnerID, params.RawKey, rawURL, models.ResolutionRaw, models.StatusCompleted)
	submission, err := scanSubmission(row)
	if err != nil {
		return models.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	return submission, nil
}

func (r *postgresRepository) GetSubmission(ctx context.Context, id int64) (models.Submission, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id)
	submission, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Submission{}, ErrNotFound
		}
		return models.Submission{}, fmt.Errorf("load submission %d: %w", id, err)
	}
	return submission, nil
}

func (r *postgresRepository) ListSubmissions(ctx context.Context, ownerID string) ([]models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions ORDER BY id`
	args := []any{}
	if owner := strings.TrimSpace(ownerID); owner != "" {
		query = `SELECT ` + submissionColumns + ` FROM submissions WHERE owner_id = $1 ORDER BY id`
		args = append(args, owner)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var out []models.Submission
	for rows.Next() {
		submission, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, submission)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return out, nil
}

// CompleteTranscode performs the pointer swap in a single UPDATE guarded by
// playlist_key IS NULL, so concurrent conversions of the same submission
// resolve to exactly one winner and readers never see a half-applied swap.
func (r *postgresRepository) CompleteTranscode(ctx context.Context, id int64, swap TranscodeSwap) (models.Submission, error) {
	var playlistURL *string
	if swap.PlaylistURL != "" {
		playlistURL = &swap.PlaylistURL
	}
	row := r.pool.QueryRow(ctx, `
UPDATE submissions
SET playlist_key = $2,
    playlist_url = $3,
    raw_key = NULL,
    raw_url = NULL,
    resolution = $4,
    status = $5,
    error = '',
    updated_at = now(),
    completed_at = now()
WHERE id = $1 AND playlist_key IS NULL
RETURNING `+submissionColumns,
		id, swap.PlaylistKey, playlistURL, models.ResolutionHLS, models.StatusCompleted)
	submission, err := scanSubmission(row)
	if err == nil {
		return submission, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Submission{}, fmt.Errorf("complete transcode for submission %d: %w", id, err)
	}
	// Distinguish a missing row from a lost race.
	if _, getErr := r.GetSubmission(ctx, id); getErr != nil {
		return models.Submission{}, getErr
	}
	return models.Submission{}, ErrAlreadyConverted
}

func (r *postgresRepository) DeleteSubmission(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM submissions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete submission %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSubmission(row pgx.Row) (models.Submission, error) {
	var submission models.Submission
	err := row.Scan(
		&submission.ID,
		&submission.OwnerID,
		&submission.RawKey,
		&submission.RawURL,
		&submission.PlaylistKey,
		&submission.PlaylistURL,
		&submission.Resolution,
		&submission.Status,
		&submission.Error,
		&submission.CreatedAt,
		&submission.UpdatedAt,
		&submission.CompletedAt,
	)
	if err != nil {
		return models.Submission{}, err
	}
	return submission, nil
}

var _ Repository = (*postgresRepository)(nil)
