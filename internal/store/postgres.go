package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"cvtailor/internal/models"
)

// ErrNotFound is returned when a job or document does not exist.
var ErrNotFound = errors.New("not found")

// ErrTerminal is returned when a terminal write finds no live row: the job
// already reached completed or error state (or does not exist). Terminal rows
// only change through an explicit retry claim.
var ErrTerminal = errors.New("job already terminal")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ClaimJobParams collects inputs for CreateOrClaimJob.
type ClaimJobParams struct {
	UserID         string
	CVID           string
	CVText         string
	JobDescription string
	JobTitle       string
	DescHash       string
	Metadata       map[string]any
	// Force claims the row even when it is actively processing (explicit
	// client retry). Stalled and terminal rows are always claimable.
	Force bool
	// StallThreshold is how old updated_at must be before a processing row
	// counts as abandoned.
	StallThreshold time.Duration
}

const claimJobSQL = `
	INSERT INTO optimization_jobs
		(id, user_id, cv_id, cv_text, job_description, job_title, desc_hash,
		 status, progress, stage, metadata, attempts, created_at, updated_at, started_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 'queued', $9, 1, NOW(), NOW(), NOW())
	ON CONFLICT (user_id, cv_id, desc_hash) DO UPDATE SET
		status = $8,
		progress = 0,
		stage = 'queued',
		cv_text = EXCLUDED.cv_text,
		job_description = EXCLUDED.job_description,
		job_title = EXCLUDED.job_title,
		result = NULL,
		error_code = NULL,
		error_message = NULL,
		attempts = optimization_jobs.attempts + 1,
		metadata = optimization_jobs.metadata || EXCLUDED.metadata
			|| jsonb_build_object('isRetry', true, 'attempt', optimization_jobs.attempts + 1),
		updated_at = NOW(),
		started_at = NOW(),
		completed_at = NULL
	WHERE optimization_jobs.status IN ('completed', 'error')
	   OR optimization_jobs.updated_at < NOW() - make_interval(secs => $10)
	   OR $11
	RETURNING id
`

// CreateOrClaimJob inserts a job for the (user, cv, description) key or, if a
// row already exists, claims it in the same statement when it is terminal,
// stalled, or the caller forces a retry. The conditional update makes the
// "already processing?" check atomic: when the claim loses, no row comes back
// and the existing active job is returned with claimed=false.
func (s *Store) CreateOrClaimJob(ctx context.Context, p ClaimJobParams) (models.Job, bool, error) {
	if p.StallThreshold <= 0 {
		p.StallThreshold = 5 * time.Minute
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal metadata: %w", err)
	}

	id := uuid.New().String()
	var claimedID string
	err = s.pool.QueryRow(ctx, claimJobSQL,
		id, p.UserID, p.CVID, p.CVText, p.JobDescription, p.JobTitle, p.DescHash,
		models.StatusProcessing, metaJSON, p.StallThreshold.Seconds(), p.Force,
	).Scan(&claimedID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Claim lost: another worker owns an active, recently-updated job.
		job, err := s.GetJobByKey(ctx, p.UserID, p.CVID, p.DescHash)
		if err != nil {
			return models.Job{}, false, err
		}
		return job, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}

	job, err := s.GetJob(ctx, claimedID)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

const jobColumns = `
	id, user_id, cv_id, cv_text, job_description, job_title, desc_hash,
	status, progress, stage, result, error_code, error_message, metadata,
	attempts, created_at, updated_at, started_at, completed_at
`

// GetJob fetches a job by id. A non-UUID id cannot match the UUID primary
// key, so it reports not-found instead of a database type error.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM optimization_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetJobByKey fetches a job by its logical (user, cv, description) key.
func (s *Store) GetJobByKey(ctx context.Context, userID, cvID, descHash string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM optimization_jobs
		WHERE user_id = $1 AND cv_id = $2 AND desc_hash = $3
	`, userID, cvID, descHash)
	return scanJob(row)
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var cvID, stage, title pgtype.Text
	var resultJSON, metaJSON []byte
	var errCode, errMsg pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(
		&job.ID, &job.UserID, &cvID, &job.CVText, &job.JobDescription, &title, &job.DescHash,
		&job.Status, &job.Progress, &stage, &resultJSON, &errCode, &errMsg, &metaJSON,
		&job.Attempts, &job.CreatedAt, &job.UpdatedAt, &startedAt, &completedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	job.CVID = cvID.String
	job.Stage = stage.String
	job.JobTitle = title.String
	if len(resultJSON) > 0 {
		var result models.OptimizationResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		job.Result = &result
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &job.Metadata); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	job.ErrorCode = textPtr(errCode)
	job.ErrorMessage = textPtr(errMsg)
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

// UpdateProgress writes a progress checkpoint with its stage label. The stage
// timestamp is merged into metadata rather than replacing it, and terminal
// rows are never touched.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int, stage string) error {
	checkpoint, err := json.Marshal(map[string]any{
		"checkpoint:" + stage: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE optimization_jobs
		SET progress = $2, stage = $3, status = $4,
			metadata = metadata || $5,
			updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'error')
	`, id, progress, stage, models.StatusProcessing, checkpoint)
	return err
}

// CompleteJob transitions a job to completed with its result. The result is
// required so a completed row can never lack one.
func (s *Store) CompleteJob(ctx context.Context, id string, result models.OptimizationResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE optimization_jobs
		SET status = $2, progress = 100, stage = 'done', result = $3,
			error_code = NULL, error_message = NULL,
			updated_at = NOW(), completed_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'error')
	`, id, models.StatusCompleted, resultJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

// FailJob transitions a job to error. partial, when non-nil, preserves output
// produced before the failure so the poller can surface it as a warning.
func (s *Store) FailJob(ctx context.Context, id, code, msg string, partial *models.OptimizationResult) error {
	var partialJSON []byte
	if partial != nil {
		var err error
		partialJSON, err = json.Marshal(partial)
		if err != nil {
			return fmt.Errorf("marshal partial result: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE optimization_jobs
		SET status = $2, error_code = $3, error_message = $4, result = $5,
			updated_at = NOW(), completed_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'error')
	`, id, models.StatusError, code, msg, partialJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

// CreateDocument inserts a document record.
func (s *Store) CreateDocument(ctx context.Context, doc models.Document) (models.Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, user_id, name, s3_key, content_type, text, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, doc.ID, doc.UserID, doc.Name, doc.S3Key, doc.ContentType, doc.Text, now)
	if err != nil {
		return models.Document{}, fmt.Errorf("insert document: %w", err)
	}
	return doc, nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (models.Document, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Document{}, ErrNotFound
	}
	var doc models.Document
	var contentType, text pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, name, s3_key, content_type, text, created_at, updated_at
		FROM documents WHERE id = $1
	`, id).Scan(&doc.ID, &doc.UserID, &doc.Name, &doc.S3Key, &contentType, &text, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, ErrNotFound
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("scan document: %w", err)
	}
	doc.ContentType = contentType.String
	doc.Text = text.String
	return doc, nil
}

// SetDocumentText caches extracted text for a document so the worker does not
// re-fetch the blob next time.
func (s *Store) SetDocumentText(ctx context.Context, id, text string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE documents SET text = $2, updated_at = NOW() WHERE id = $1
	`, id, text)
	return err
}

// ActiveJobs returns the count of live (non-terminal) jobs, for metrics.
func (s *Store) ActiveJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM optimization_jobs WHERE status NOT IN ('completed', 'error')
	`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
