// Package engine implements revec's temporal vector storage operations on top
// of a record store and a current index: revision allocation, read-your-write
// stores, live and time-travel search, diffs, and retention.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/revec/internal/index"
	"github.com/kilupskalvis/revec/internal/models"
	"github.com/kilupskalvis/revec/internal/similarity"
	"github.com/kilupskalvis/revec/internal/store"
	"golang.org/x/sync/errgroup"
)

// Engine coordinates the record store and the current index. Writes to one
// entity are serialized in-process by a per-entity lock held across commit
// and index update; other processes are fenced by the head compare-and-set.
type Engine struct {
	store     store.RecordStore
	index     index.Index
	allocator *RevisionAllocator
	locks     keyedMutex

	clock     Clock
	logger    *slog.Logger
	retry     RetryConfig
	opts      Options
	dimension int
}

// New creates an engine. The index is used as is; call Reindex (or use Open)
// to rebuild it from the store.
func New(st store.RecordStore, idx index.Index, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store:     st,
		index:     idx,
		allocator: NewRevisionAllocator(st, opts.Retry, opts.Logger),
		clock:     opts.Clock,
		logger:    opts.Logger,
		retry:     opts.Retry,
		opts:      opts,
		dimension: st.Dimension(),
	}
}

// Open creates an engine and rebuilds the index from the store's current records.
func Open(ctx context.Context, st store.RecordStore, idx index.Index, opts Options) (*Engine, error) {
	e := New(st, idx, opts)
	if _, err := e.Reindex(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Close closes the index and the store.
func (e *Engine) Close() error {
	return errors.Join(e.index.Close(), e.store.Close())
}

// Dimension returns the collection's vector length.
func (e *Engine) Dimension() int {
	return e.dimension
}

// KeepHistory reports the default delete policy.
func (e *Engine) KeepHistory() bool {
	return !e.opts.PurgeByDefault
}

func (e *Engine) validateEntityID(entityID string) error {
	if err := store.ValidateEntityID(entityID); err != nil {
		return newError(CodeInvalidInput, ErrInvalidInput, err, "entity_id", entityID)
	}
	return nil
}

func (e *Engine) validateVector(vector []float32, kv ...any) error {
	if len(vector) != e.dimension {
		kv = append(kv, "expected", e.dimension, "actual", len(vector))
		return newError(CodeDimensionMismatch, ErrDimensionMismatch, nil, kv...)
	}
	for i, f := range vector {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			kv = append(kv, "position", i)
			return newError(CodeInvalidInput, ErrInvalidInput, fmt.Errorf("non-finite vector component %v", f), kv...)
		}
	}
	return nil
}

// now returns a timestamp that never precedes floor, so revisions of one
// entity carry non-decreasing creation times.
func (e *Engine) now(floor time.Time) time.Time {
	t := e.clock.Now().Round(0)
	if t.Before(floor) {
		return floor
	}
	return t
}

// Store appends a new revision for the entity and makes it current. It
// returns only after the index reflects the new revision. A vector of the
// wrong length fails with ErrDimensionMismatch before any state changes.
func (e *Engine) Store(ctx context.Context, entityID string, vector []float32, metadata models.Metadata) (models.RecordRef, error) {
	if err := e.validateEntityID(entityID); err != nil {
		return models.RecordRef{}, err
	}
	if err := e.validateVector(vector, "entity_id", entityID); err != nil {
		return models.RecordRef{}, err
	}

	unlock, err := e.locks.Lock(ctx, entityID)
	if err != nil {
		return models.RecordRef{}, classify("lock", err, "entity_id", entityID)
	}
	defer unlock()

	var rec *models.VectorRecord
	alloc, err := e.allocator.Allocate(ctx, entityID, func(a Allocation) error {
		var floor time.Time
		if a.Previous != nil {
			floor = a.Previous.UpdatedAt
		}
		rec = &models.VectorRecord{
			ID:        uuid.NewString(),
			EntityID:  entityID,
			Revision:  a.Revision,
			Vector:    append([]float32(nil), vector...),
			Metadata:  metadata.Clone(),
			CreatedAt: e.now(floor),
		}
		return e.retryTransient(ctx, "commit", func() error {
			return e.store.Commit(ctx, rec, a.Previous.Revision())
		})
	})
	if err != nil {
		return models.RecordRef{}, classify("commit", err, "entity_id", entityID)
	}

	if err := e.retryTransient(ctx, "index upsert", func() error {
		return e.index.Upsert(ctx, rec)
	}); err != nil {
		e.revert(ctx, rec, alloc.Previous, err)
		return models.RecordRef{}, newError(CodeBackendUnavailable, ErrBackendUnavailable, err,
			"entity_id", entityID,
			"revision", rec.Revision,
			"op", "index upsert")
	}

	e.logger.Debug("stored revision",
		slog.String("entity_id", entityID),
		slog.Int64("revision", rec.Revision))
	return rec.Ref(), nil
}

// revert undoes a commit whose index update failed, so callers never observe
// a revision the index does not serve.
func (e *Engine) revert(ctx context.Context, rec *models.VectorRecord, previous *models.RevisionHead, cause error) {
	ctx = context.WithoutCancel(ctx)
	err := e.retryTransient(ctx, "revert", func() error {
		return e.store.Revert(ctx, rec, previous)
	})
	if err != nil {
		e.logger.Error("failed to revert commit after index failure",
			slog.String("entity_id", rec.EntityID),
			slog.Int64("revision", rec.Revision),
			slog.Any("cause", cause),
			slog.Any("error", err))
		return
	}
	e.logger.Warn("reverted commit after index failure",
		slog.String("entity_id", rec.EntityID),
		slog.Int64("revision", rec.Revision),
		slog.Any("cause", cause))
}

// GetRevisions returns every retained revision of the entity in ascending
// order, including soft-deleted history. Unknown entities yield an empty list.
func (e *Engine) GetRevisions(ctx context.Context, entityID string) ([]*models.VectorRecord, error) {
	if err := e.validateEntityID(entityID); err != nil {
		return nil, err
	}
	var records []*models.VectorRecord
	err := e.retryTransient(ctx, "get revisions", func() error {
		var err error
		records, err = e.store.GetRevisions(ctx, entityID)
		return err
	})
	if err != nil {
		return nil, classify("get revisions", err, "entity_id", entityID)
	}
	if records == nil {
		records = []*models.VectorRecord{}
	}
	return records, nil
}

// queryContext applies the configured query timeout.
func (e *Engine) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.QueryTimeout > 0 {
		return context.WithTimeout(ctx, e.opts.QueryTimeout)
	}
	return context.WithCancel(ctx)
}

// prepareQuery validates q and returns it with normalized filters.
func (e *Engine) prepareQuery(q models.Query) (models.Query, error) {
	if err := e.validateVector(q.Vector); err != nil {
		return q, err
	}
	filters, err := q.Filters.Normalize()
	if err != nil {
		return q, newError(CodeInvalidInput, ErrInvalidInput, err)
	}
	q.Filters = filters
	return q, nil
}

func resultKey(r models.SearchResult) similarity.Key {
	return similarity.Key{Score: r.Score, CreatedAt: r.Record.CreatedAt, EntityID: r.Record.EntityID}
}

// Search returns the current, non-deleted records most similar to q.Vector.
// Index hits are re-validated against the store and re-scored exactly, so
// the ranking does not depend on the index implementation.
func (e *Engine) Search(ctx context.Context, q models.Query) ([]models.SearchResult, error) {
	q, err := e.prepareQuery(q)
	if err != nil {
		return nil, err
	}
	ctx, cancel := e.queryContext(ctx)
	defer cancel()

	limit := q.EffectiveLimit()
	fetch := limit * e.opts.Overfetch
	maxFetch := fetch * 64

	for {
		candidate := q
		candidate.Limit = fetch

		var hits []index.Hit
		err := e.retryTransient(ctx, "index search", func() error {
			var err error
			hits, err = e.index.Search(ctx, candidate)
			return err
		})
		if err != nil {
			return nil, classify("index search", err)
		}

		results, err := e.validateHits(ctx, q, hits)
		if err != nil {
			return nil, classify("validate hits", err)
		}
		// Stop when the index ran dry or enough hits survived validation.
		if len(results) >= limit || len(hits) < fetch || fetch >= maxFetch {
			if err := ctx.Err(); err != nil {
				return nil, classify("search", err)
			}
			return similarity.Rank(results, resultKey, limit), nil
		}
		fetch *= 4
	}
}

// validateHits loads each hit from the store and keeps the live ones that
// still satisfy the query.
func (e *Engine) validateHits(ctx context.Context, q models.Query, hits []index.Hit) ([]models.SearchResult, error) {
	results := make([]models.SearchResult, 0, len(hits))
	for _, hit := range hits {
		var rec *models.VectorRecord
		err := e.retryTransient(ctx, "get record", func() error {
			var err error
			rec, err = e.store.GetRecord(ctx, hit.EntityID, hit.Revision)
			return err
		})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !rec.Live() || !q.Filters.Matches(rec.Metadata) {
			continue
		}
		score := similarity.Cosine(q.Vector, rec.Vector)
		if score < q.Floor() {
			continue
		}
		results = append(results, models.SearchResult{Record: rec, Score: score})
	}
	return results, nil
}

// Reindex rebuilds the current index from the store and returns the number
// of indexed records. Concurrent writes during a rebuild may be lost from
// the index; run it when the engine is opened.
func (e *Engine) Reindex(ctx context.Context) (int, error) {
	start := time.Now()
	if err := e.retryTransient(ctx, "index clear", func() error {
		return e.index.Clear(ctx)
	}); err != nil {
		return 0, classify("index clear", err)
	}

	var current []*models.VectorRecord
	err := e.retryTransient(ctx, "scan current", func() error {
		current = current[:0]
		return e.store.ScanCurrent(ctx, func(rec *models.VectorRecord) error {
			current = append(current, rec)
			return nil
		})
	})
	if err != nil {
		return 0, classify("scan current", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, rec := range current {
		g.Go(func() error {
			return e.retryTransient(gctx, "index upsert", func() error {
				return e.index.Upsert(gctx, rec)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return 0, classify("index upsert", err)
	}

	e.logger.Info("rebuilt current index",
		slog.Int("records", len(current)),
		slog.Duration("elapsed", time.Since(start)))
	return len(current), nil
}
