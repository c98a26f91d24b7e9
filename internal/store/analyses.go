package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"session-analyzer/internal/models"
)

const analysisColumns = `id, job_id, user_id, subject, language, video_metadata, video_url, session_id, topic, transcript, scores, feedback, feedback_error, processing_status, created_at, updated_at`

// CreateAnalysis persists the result for a job. It is idempotent per job: a
// second call for the same job refreshes the inference fields and keeps the
// first id, so a re-driven job never produces two results.
func (s *Store) CreateAnalysis(ctx context.Context, a models.AnalysisResult) (models.AnalysisResult, error) {
	if !ValidID(a.JobID) {
		return models.AnalysisResult{}, fmt.Errorf("create analysis: invalid job id %q", a.JobID)
	}
	now := time.Now().UTC()
	meta, err := jsonOrNil(a.VideoMetadata)
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("marshal video metadata: %w", err)
	}
	scores, err := json.Marshal(a.Scores)
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("marshal scores: %w", err)
	}
	feedback, err := jsonOrNil(a.Feedback)
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("marshal feedback: %w", err)
	}
	status, err := json.Marshal(a.ProcessingStatus)
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("marshal processing status: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO analyses (id, job_id, user_id, subject, language, video_metadata, video_url, session_id, topic, transcript, scores, feedback, feedback_error, processing_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		ON CONFLICT (job_id) DO UPDATE SET
			video_metadata = EXCLUDED.video_metadata,
			video_url = EXCLUDED.video_url,
			session_id = EXCLUDED.session_id,
			topic = EXCLUDED.topic,
			transcript = EXCLUDED.transcript,
			scores = EXCLUDED.scores,
			processing_status = EXCLUDED.processing_status,
			updated_at = EXCLUDED.updated_at
		RETURNING `+analysisColumns,
		uuid.New().String(), a.JobID, a.UserID, a.Subject, a.Language, meta, a.VideoURL, a.SessionID, a.Topic, a.Transcript,
		scores, feedback, a.FeedbackError, status, now)
	return scanAnalysis(row)
}

// AttachFeedback enriches an existing result with the coaching report.
func (s *Store) AttachFeedback(ctx context.Context, id string, fb *models.Feedback, feedbackErr string, status models.ProcessingStatus) (models.AnalysisResult, error) {
	if !ValidID(id) {
		return models.AnalysisResult{}, ErrNotFound
	}
	feedback, err := jsonOrNil(fb)
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("marshal feedback: %w", err)
	}
	ps, err := json.Marshal(status)
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("marshal processing status: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE analyses
		SET feedback = $2, feedback_error = $3, processing_status = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING `+analysisColumns, id, feedback, feedbackErr, ps)
	return scanAnalysis(row)
}

// GetAnalysis fetches a result by id.
func (s *Store) GetAnalysis(ctx context.Context, id string) (models.AnalysisResult, error) {
	if !ValidID(id) {
		return models.AnalysisResult{}, ErrNotFound
	}
	return scanAnalysis(s.pool.QueryRow(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, id))
}

// ListUserAnalyses returns a user's newest results.
func (s *Store) ListUserAnalyses(ctx context.Context, userID string, limit int) ([]models.AnalysisResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+analysisColumns+` FROM analyses WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query user analyses: %w", err)
	}
	defer rows.Close()
	var out []models.AnalysisResult
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analyses: %w", err)
	}
	return out, nil
}

func scanAnalysis(row pgx.Row) (models.AnalysisResult, error) {
	var (
		a                                       models.AnalysisResult
		metaJSON, scoresJSON, fbJSON, statusRaw []byte
	)
	err := row.Scan(&a.ID, &a.JobID, &a.UserID, &a.Subject, &a.Language, &metaJSON, &a.VideoURL, &a.SessionID, &a.Topic, &a.Transcript,
		&scoresJSON, &fbJSON, &a.FeedbackError, &statusRaw, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AnalysisResult{}, ErrNotFound
		}
		return models.AnalysisResult{}, fmt.Errorf("scan analysis: %w", err)
	}
	if len(metaJSON) > 0 {
		var meta models.VideoMetadata
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return models.AnalysisResult{}, fmt.Errorf("unmarshal video metadata: %w", err)
		}
		a.VideoMetadata = &meta
	}
	if err := json.Unmarshal(scoresJSON, &a.Scores); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("unmarshal scores: %w", err)
	}
	if len(fbJSON) > 0 {
		var fb models.Feedback
		if err := json.Unmarshal(fbJSON, &fb); err != nil {
			return models.AnalysisResult{}, fmt.Errorf("unmarshal feedback: %w", err)
		}
		a.Feedback = &fb
	}
	if err := json.Unmarshal(statusRaw, &a.ProcessingStatus); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("unmarshal processing status: %w", err)
	}
	return a, nil
}
