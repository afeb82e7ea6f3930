package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kilupskalvis/revec/internal/models"
	"github.com/kilupskalvis/revec/internal/store"
)

// Allocation is a candidate revision for one entity. Previous is the head the
// revision was computed from; committing must compare-and-set against it.
type Allocation struct {
	EntityID string
	Revision int64
	Previous *models.RevisionHead
}

// RevisionAllocator hands out per-entity revision numbers. It holds no state
// of its own: the store's head is the only counter, and the commit's
// compare-and-set decides which of two racing allocations wins.
type RevisionAllocator struct {
	store  store.RecordStore
	retry  RetryConfig
	logger *slog.Logger
}

// NewRevisionAllocator creates an allocator over st.
func NewRevisionAllocator(st store.RecordStore, retry RetryConfig, logger *slog.Logger) *RevisionAllocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RevisionAllocator{store: st, retry: retry.withDefaults(), logger: logger}
}

// NextRevision reads the entity head and proposes the next revision, 1 for
// an entity without records.
func (a *RevisionAllocator) NextRevision(ctx context.Context, entityID string) (Allocation, error) {
	head, err := a.store.GetHead(ctx, entityID)
	if err != nil {
		return Allocation{}, err
	}
	return Allocation{
		EntityID: entityID,
		Revision: head.Revision() + 1,
		Previous: head,
	}, nil
}

// Allocate proposes a revision and passes it to commit. When commit reports
// store.ErrConflict the head moved underneath us: a fresh revision is
// proposed after a backoff. Returns ErrConflictExceeded once the attempts are
// used up; nothing is written in that case.
func (a *RevisionAllocator) Allocate(ctx context.Context, entityID string, commit func(Allocation) error) (Allocation, error) {
	for attempt := 0; attempt < a.retry.MaxAttempts; attempt++ {
		alloc, err := a.NextRevision(ctx, entityID)
		if err != nil {
			return Allocation{}, err
		}

		err = commit(alloc)
		if err == nil {
			return alloc, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return Allocation{}, err
		}

		a.logger.Debug("revision conflict",
			slog.String("entity_id", entityID),
			slog.Int64("revision", alloc.Revision),
			slog.Int("attempt", attempt+1))

		if attempt < a.retry.MaxAttempts-1 {
			if err := sleep(ctx, a.retry.backoff(attempt)); err != nil {
				return Allocation{}, err
			}
		}
	}
	return Allocation{}, newError(CodeConflictExceeded, ErrConflictExceeded, nil,
		"entity_id", entityID,
		"attempts", a.retry.MaxAttempts)
}
