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

	"session-analyzer/internal/jobstate"
	"session-analyzer/internal/models"
)

const jobColumns = `id, user_id, status, progress, error, video_metadata, subject, language, analysis_id, status_started_at, created_at, updated_at`

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	// ID is a preassigned uuid; empty means generate one.
	ID            string
	UserID        string
	VideoMetadata *models.VideoMetadata
	Subject       string
	Language      string
}

// NewJob builds the initial record for p.
func NewJob(p CreateJobParams, now time.Time) models.Job {
	var meta *models.VideoMetadata
	if p.VideoMetadata != nil {
		m := *p.VideoMetadata
		meta = &m
	}
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	return models.Job{
		ID:              id,
		UserID:          p.UserID,
		Status:          jobstate.Created,
		Progress:        0,
		VideoMetadata:   meta,
		Subject:         p.Subject,
		Language:        p.Language,
		StatusStartedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// CreateJob inserts a job in status created with zero progress.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.ID != "" && !ValidID(p.ID) {
		return models.Job{}, fmt.Errorf("create job: invalid id %q", p.ID)
	}
	job := NewJob(p, time.Now().UTC())
	meta, err := jsonOrNil(job.VideoMetadata)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal video metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, user_id, status, progress, video_metadata, subject, language, status_started_at, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6, $7, $7, $7)
	`, job.ID, job.UserID, job.Status.String(), meta, job.Subject, job.Language, job.CreatedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id. A non-empty userID restricts the lookup to that owner.
func (s *Store) GetJob(ctx context.Context, id, userID string) (models.Job, error) {
	if !ValidID(id) {
		return models.Job{}, ErrNotFound
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	args := []any{id}
	if userID != "" {
		query += ` AND user_id = $2`
		args = append(args, userID)
	}
	return scanJob(s.pool.QueryRow(ctx, query, args...))
}

// UpdateJob applies a partial update under the status ledger and progress
// rules. The row is locked for the read-apply-write so concurrent updates to
// the same job serialize.
func (s *Store) UpdateJob(ctx context.Context, id string, u models.JobUpdate) (models.Job, error) {
	if !ValidID(id) {
		return models.Job{}, ErrNotFound
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	current, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.Job{}, err
	}
	next, _ := u.Apply(current, time.Now().UTC())
	if err := writeJob(ctx, tx, next); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// ResetJob moves a job back to created with zero progress and no error. It is
// the only path that lowers status or progress and is reserved for restarts.
func (s *Store) ResetJob(ctx context.Context, id string) (models.Job, error) {
	if !ValidID(id) {
		return models.Job{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, progress = 0, error = NULL, status_started_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns, id, jobstate.Created.String())
	return scanJob(row)
}

// ListIncompleteJobs returns every non-terminal job, oldest first.
func (s *Store) ListIncompleteJobs(ctx context.Context) ([]models.Job, error) {
	statuses := make([]string, 0, len(jobstate.Incomplete()))
	for _, st := range jobstate.Incomplete() {
		statuses = append(statuses, st.String())
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = ANY($1) ORDER BY created_at ASC
	`, statuses)
	if err != nil {
		return nil, fmt.Errorf("query incomplete jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListUserJobs returns a user's newest jobs.
func (s *Store) ListUserJobs(ctx context.Context, userID string, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query user jobs: %w", err)
	}
	return collectJobs(rows)
}

// DeleteJob removes a job owned by userID.
func (s *Store) DeleteJob(ctx context.Context, id, userID string) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func writeJob(ctx context.Context, tx pgx.Tx, j models.Job) error {
	meta, err := jsonOrNil(j.VideoMetadata)
	if err != nil {
		return fmt.Errorf("marshal video metadata: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, progress = $3, error = $4, video_metadata = $5, analysis_id = $6, status_started_at = $7, updated_at = $8
		WHERE id = $1
	`, j.ID, j.Status.String(), j.Progress, j.Error, meta, j.AnalysisID, j.StatusStartedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job        models.Job
		status     string
		lastErr    pgtype.Text
		analysisID pgtype.Text
		metaJSON   []byte
	)
	if err := row.Scan(&job.ID, &job.UserID, &status, &job.Progress, &lastErr, &metaJSON, &job.Subject, &job.Language, &analysisID, &job.StatusStartedAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	st, err := jobstate.Parse(status)
	if err != nil {
		return models.Job{}, err
	}
	job.Status = st
	if len(metaJSON) > 0 {
		var meta models.VideoMetadata
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal video metadata: %w", err)
		}
		job.VideoMetadata = &meta
	}
	job.Error = textPtr(lastErr)
	job.AnalysisID = textPtr(analysisID)
	return job, nil
}
