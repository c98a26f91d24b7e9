package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"session-analyzer/internal/lock"
	"session-analyzer/internal/logger"
	"session-analyzer/internal/models"
	"session-analyzer/internal/store"
	"session-analyzer/internal/telemetry"
)

// Store is the persistence the aggregator needs. UpsertMemory must write
// only when the stored version equals expectedVersion and increment
// total_sessions in the same statement.
type Store interface {
	GetMemory(ctx context.Context, userID string) (models.Memory, error)
	UpsertMemory(ctx context.Context, m models.Memory, expectedVersion int64) (models.Memory, error)
}

// Aggregator serializes updates per user and commits them with a
// compare-and-swap upsert, retrying on version conflicts.
type Aggregator struct {
	store      Store
	locker     lock.Locker
	log        *logger.Logger
	maxRetries int
	now        func() time.Time
}

// NewAggregator builds an aggregator. locker may be nil, in which case
// concurrent updates rely on the version check and retries alone.
func NewAggregator(st Store, locker lock.Locker, log *logger.Logger, maxRetries int) *Aggregator {
	if log == nil {
		log = logger.Nop()
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Aggregator{
		store:      st,
		locker:     locker,
		log:        log,
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Update folds result into the user's Memory. Applying the same analysis
// twice is a no-op that returns the stored aggregate.
func (a *Aggregator) Update(ctx context.Context, userID string, result models.AnalysisResult) (models.Memory, error) {
	if userID == "" {
		return models.Memory{}, errors.New("memory update: empty user id")
	}
	if a.locker != nil {
		release, err := a.locker.Acquire(ctx, "memory:"+userID)
		if err != nil {
			return models.Memory{}, fmt.Errorf("memory update: %w", err)
		}
		defer release()
	}

	obs := ObservationFrom(result)
	var out models.Memory
	attempt := 0
	operation := func() error {
		attempt++
		prev, err := a.store.GetMemory(ctx, userID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			prev = models.NewMemory(userID)
		case err != nil:
			return backoff.Permanent(fmt.Errorf("load memory: %w", err))
		}
		if obs.AnalysisID != "" && prev.HasApplied(obs.AnalysisID) {
			out = prev
			return nil
		}

		saved, err := a.store.UpsertMemory(ctx, Apply(prev, obs, a.now()), prev.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			telemetry.MemoryConflicts.Inc()
			a.log.Debug("memory version conflict", "user_id", userID, "attempt", attempt)
			return err
		}
		if err != nil {
			return backoff.Permanent(fmt.Errorf("save memory: %w", err))
		}
		out = saved
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 10 * time.Millisecond
	exp.MaxInterval = 500 * time.Millisecond
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(a.maxRetries)), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return models.Memory{}, fmt.Errorf("memory update for %s after %d attempts: %w", userID, attempt, err)
	}
	telemetry.MemoryUpdates.Inc()
	return out, nil
}
