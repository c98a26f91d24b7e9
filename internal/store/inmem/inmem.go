// Package inmem is an in-process implementation of the job, result and
// memory stores. It follows the same ledger, idempotency and
// compare-and-swap rules as the Postgres store and is used by tests and by
// single-process development setups.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"session-analyzer/internal/jobstate"
	"session-analyzer/internal/models"
	"session-analyzer/internal/store"
)

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu        sync.Mutex
	now       func() time.Time
	jobs      map[string]models.Job
	analyses  map[string]models.AnalysisResult
	byJob     map[string]string
	memories  map[string]models.Memory
	conflicts int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(map[string]models.Job),
		analyses: make(map[string]models.AnalysisResult),
		byJob:    make(map[string]string),
		memories: make(map[string]models.Memory),
	}
}

func (s *Store) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	if p.ID != "" && !store.ValidID(p.ID) {
		return models.Job{}, fmt.Errorf("create job: invalid id %q", p.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job := store.NewJob(p, s.now())
	s.jobs[job.ID] = copyJob(job)
	return copyJob(job), nil
}

// PutJob stores j as-is, bypassing the ledger. Intended for seeding tests.
func (s *Store) PutJob(j models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = copyJob(j)
}

func (s *Store) GetJob(_ context.Context, id, userID string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || (userID != "" && j.UserID != userID) {
		return models.Job{}, store.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *Store) UpdateJob(_ context.Context, id string, u models.JobUpdate) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	next, _ := u.Apply(copyJob(j), s.now())
	s.jobs[id] = next
	return copyJob(next), nil
}

func (s *Store) ResetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	now := s.now()
	j.Status = jobstate.Created
	j.Progress = 0
	j.Error = nil
	j.StatusStartedAt = now
	j.UpdatedAt = now
	s.jobs[id] = j
	return copyJob(j), nil
}

func (s *Store) ListIncompleteJobs(_ context.Context) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *Store) ListUserJobs(_ context.Context, userID string, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.UserID == userID {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit = store.ClampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteJob(_ context.Context, id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.UserID != userID {
		return false, nil
	}
	delete(s.jobs, id)
	return true, nil
}

func (s *Store) CreateAnalysis(_ context.Context, a models.AnalysisResult) (models.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if id, ok := s.byJob[a.JobID]; ok {
		existing := s.analyses[id]
		existing.VideoMetadata = a.VideoMetadata
		existing.VideoURL = a.VideoURL
		existing.SessionID = a.SessionID
		existing.Topic = a.Topic
		existing.Transcript = a.Transcript
		existing.Scores = a.Scores
		existing.ProcessingStatus = a.ProcessingStatus
		existing.UpdatedAt = now
		s.analyses[id] = existing
		return existing, nil
	}
	a.ID = uuid.New().String()
	a.CreatedAt = now
	a.UpdatedAt = now
	s.analyses[a.ID] = a
	s.byJob[a.JobID] = a.ID
	return a, nil
}

func (s *Store) AttachFeedback(_ context.Context, id string, fb *models.Feedback, feedbackErr string, status models.ProcessingStatus) (models.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return models.AnalysisResult{}, store.ErrNotFound
	}
	a.Feedback = fb
	a.FeedbackError = feedbackErr
	a.ProcessingStatus = status
	a.UpdatedAt = s.now()
	s.analyses[id] = a
	return a, nil
}

func (s *Store) GetAnalysis(_ context.Context, id string) (models.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return models.AnalysisResult{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) ListUserAnalyses(_ context.Context, userID string, limit int) ([]models.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AnalysisResult
	for _, a := range s.analyses {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit = store.ClampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AnalysisCount returns how many results are stored.
func (s *Store) AnalysisCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.analyses)
}

func (s *Store) GetMemory(_ context.Context, userID string) (models.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[userID]
	if !ok {
		return models.Memory{}, store.ErrNotFound
	}
	return copyMemory(m), nil
}

func (s *Store) GetMemories(_ context.Context, userIDs []string) ([]models.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Memory
	for _, id := range userIDs {
		if m, ok := s.memories[id]; ok {
			out = append(out, copyMemory(m))
		}
	}
	return out, nil
}

func (s *Store) UpsertMemory(_ context.Context, m models.Memory, expectedVersion int64) (models.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	existing, ok := s.memories[m.UserID]
	switch {
	case !ok:
		m.ID = uuid.New().String()
		m.TotalSessions = 1
		m.Version = 1
		m.CreatedAt = now
	case existing.Version != expectedVersion:
		s.conflicts++
		return models.Memory{}, store.ErrVersionConflict
	default:
		m.ID = existing.ID
		m.TotalSessions = existing.TotalSessions + 1
		m.Version = existing.Version + 1
		m.CreatedAt = existing.CreatedAt
	}
	m.LastAnalysisDate = &now
	m.LastSessionDate = &now
	m.UpdatedAt = now
	s.memories[m.UserID] = copyMemory(m)
	return copyMemory(m), nil
}

// Conflicts returns how many upserts were rejected for a stale version.
func (s *Store) Conflicts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conflicts
}

func (s *Store) DeleteMemory(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[userID]; !ok {
		return false, nil
	}
	delete(s.memories, userID)
	return true, nil
}

func copyJob(j models.Job) models.Job {
	if j.VideoMetadata != nil {
		m := *j.VideoMetadata
		j.VideoMetadata = &m
	}
	if j.Error != nil {
		e := *j.Error
		j.Error = &e
	}
	if j.AnalysisID != nil {
		id := *j.AnalysisID
		j.AnalysisID = &id
	}
	return j
}

func copyMemory(m models.Memory) models.Memory {
	metrics := make(map[string]models.MetricStats, len(m.Metrics))
	for k, v := range m.Metrics {
		metrics[k] = v
	}
	m.Metrics = metrics
	emotions := make(map[string]int, len(m.DominantEmotions))
	for k, v := range m.DominantEmotions {
		emotions[k] = v
	}
	m.DominantEmotions = emotions
	m.Weaknesses = append([]models.Weakness(nil), m.Weaknesses...)
	m.SubjectsCovered = append([]string(nil), m.SubjectsCovered...)
	m.LanguagesCovered = append([]string(nil), m.LanguagesCovered...)
	m.AppliedAnalyses = append([]string(nil), m.AppliedAnalyses...)
	return m
}
