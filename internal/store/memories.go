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

const memoryColumns = `id, user_id, total_sessions, metrics, weaknesses, dominant_emotions, frequent_dominant_emotion, subjects_covered, languages_covered, overall_score, applied_analyses, version, last_analysis_date, last_session_date, created_at, updated_at`

// GetMemory returns the aggregate for userID.
func (s *Store) GetMemory(ctx context.Context, userID string) (models.Memory, error) {
	return scanMemory(s.pool.QueryRow(ctx, `SELECT `+memoryColumns+` FROM memories WHERE user_id = $1`, userID))
}

// GetMemories returns the aggregates that exist for the given users.
func (s *Store) GetMemories(ctx context.Context, userIDs []string) ([]models.Memory, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+memoryColumns+` FROM memories WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()
	var out []models.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

// UpsertMemory writes the computed aggregate and increments total_sessions by
// one in a single statement. The write only lands if the stored version still
// equals expectedVersion (0 meaning "no row yet"); otherwise ErrVersionConflict
// is returned and nothing changes.
func (s *Store) UpsertMemory(ctx context.Context, m models.Memory, expectedVersion int64) (models.Memory, error) {
	metrics, err := json.Marshal(m.Metrics)
	if err != nil {
		return models.Memory{}, fmt.Errorf("marshal metrics: %w", err)
	}
	weaknesses, err := json.Marshal(m.Weaknesses)
	if err != nil {
		return models.Memory{}, fmt.Errorf("marshal weaknesses: %w", err)
	}
	emotions, err := json.Marshal(m.DominantEmotions)
	if err != nil {
		return models.Memory{}, fmt.Errorf("marshal emotions: %w", err)
	}
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO memories (id, user_id, total_sessions, metrics, weaknesses, dominant_emotions, frequent_dominant_emotion,
			subjects_covered, languages_covered, overall_score, applied_analyses, version, last_analysis_date, last_session_date, created_at, updated_at)
		VALUES ($1, $2, 1, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $11, $11, $11)
		ON CONFLICT (user_id) DO UPDATE SET
			total_sessions = memories.total_sessions + 1,
			metrics = EXCLUDED.metrics,
			weaknesses = EXCLUDED.weaknesses,
			dominant_emotions = EXCLUDED.dominant_emotions,
			frequent_dominant_emotion = EXCLUDED.frequent_dominant_emotion,
			subjects_covered = EXCLUDED.subjects_covered,
			languages_covered = EXCLUDED.languages_covered,
			overall_score = EXCLUDED.overall_score,
			applied_analyses = EXCLUDED.applied_analyses,
			version = memories.version + 1,
			last_analysis_date = EXCLUDED.last_analysis_date,
			last_session_date = EXCLUDED.last_session_date,
			updated_at = EXCLUDED.updated_at
		WHERE memories.version = $12
		RETURNING `+memoryColumns,
		uuid.New().String(), m.UserID, metrics, weaknesses, emotions, m.FrequentDominantEmotion,
		nonNil(m.SubjectsCovered), nonNil(m.LanguagesCovered), m.OverallScore, nonNil(m.AppliedAnalyses), now, expectedVersion)

	out, err := scanMemory(row)
	if errors.Is(err, ErrNotFound) {
		return models.Memory{}, ErrVersionConflict
	}
	return out, err
}

// DeleteMemory removes a user's aggregate.
func (s *Store) DeleteMemory(ctx context.Context, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE user_id = $1`, userID)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func scanMemory(row pgx.Row) (models.Memory, error) {
	var (
		m                                 models.Memory
		metricsRaw, weakRaw, emotionsRaw []byte
	)
	err := row.Scan(&m.ID, &m.UserID, &m.TotalSessions, &metricsRaw, &weakRaw, &emotionsRaw, &m.FrequentDominantEmotion,
		&m.SubjectsCovered, &m.LanguagesCovered, &m.OverallScore, &m.AppliedAnalyses, &m.Version,
		&m.LastAnalysisDate, &m.LastSessionDate, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Memory{}, ErrNotFound
		}
		return models.Memory{}, fmt.Errorf("scan memory: %w", err)
	}
	if err := json.Unmarshal(metricsRaw, &m.Metrics); err != nil {
		return models.Memory{}, fmt.Errorf("unmarshal metrics: %w", err)
	}
	if err := json.Unmarshal(weakRaw, &m.Weaknesses); err != nil {
		return models.Memory{}, fmt.Errorf("unmarshal weaknesses: %w", err)
	}
	if err := json.Unmarshal(emotionsRaw, &m.DominantEmotions); err != nil {
		return models.Memory{}, fmt.Errorf("unmarshal emotions: %w", err)
	}
	return m, nil
}
