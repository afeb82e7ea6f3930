package engine

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/kilupskalvis/revec/internal/models"
	"github.com/kilupskalvis/revec/internal/similarity"
	"github.com/kilupskalvis/revec/internal/store"
	"golang.org/x/sync/errgroup"
)

// minPartition is the smallest number of candidates scored by one goroutine.
const minPartition = 256

// latestVisible tracks, per entity, the highest revision seen so far. It is
// the single place where "the state of an entity as of T" is decided.
type latestVisible map[string]*models.VectorRecord

func (l latestVisible) observe(rec *models.VectorRecord) {
	if cur, ok := l[rec.EntityID]; !ok || rec.Revision > cur.Revision {
		l[rec.EntityID] = rec
	}
}

// visible returns the selected records that are not delete markers at asOf.
func (l latestVisible) visible(asOf time.Time) []*models.VectorRecord {
	out := make([]*models.VectorRecord, 0, len(l))
	for _, rec := range l {
		if rec.DeletedBy(asOf) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// SearchAt searches the collection as it was at asOf: for every entity the
// latest revision created at or before asOf, unless that revision had been
// deleted by then. Entities created after asOf are invisible.
func (e *Engine) SearchAt(ctx context.Context, q models.Query, asOf time.Time) ([]models.SearchResult, error) {
	q, err := e.prepareQuery(q)
	if err != nil {
		return nil, err
	}
	ctx, cancel := e.queryContext(ctx)
	defer cancel()

	var latest latestVisible
	err = e.retryTransient(ctx, "scan until", func() error {
		latest = make(latestVisible)
		return e.store.ScanUntil(ctx, asOf, func(rec *models.VectorRecord) error {
			latest.observe(rec)
			return nil
		})
	})
	if err != nil {
		return nil, classify("scan until", err)
	}

	candidates := latest.visible(asOf)
	if len(q.Filters) > 0 {
		filtered := candidates[:0]
		for _, rec := range candidates {
			if q.Filters.Matches(rec.Metadata) {
				filtered = append(filtered, rec)
			}
		}
		candidates = filtered
	}

	scores, err := scoreParallel(ctx, q.Vector, candidates)
	if err != nil {
		return nil, classify("score", err)
	}

	results := make([]models.SearchResult, 0, len(candidates))
	for i, rec := range candidates {
		if scores[i] < q.Floor() {
			continue
		}
		results = append(results, models.SearchResult{Record: rec, Score: scores[i]})
	}
	if err := ctx.Err(); err != nil {
		return nil, classify("search at", err)
	}
	return similarity.Rank(results, resultKey, q.EffectiveLimit()), nil
}

// scoreParallel computes cosine scores over partitions of records.
func scoreParallel(ctx context.Context, query []float32, records []*models.VectorRecord) ([]float64, error) {
	scores := make([]float64, len(records))
	workers := runtime.GOMAXPROCS(0)
	size := max(minPartition, (len(records)+workers-1)/workers)

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if (i-start)%64 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				scores[i] = similarity.Cosine(query, records[i].Vector)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

// RecordAt returns the entity's state as of asOf. Returns ErrRevisionNotFound
// when the entity did not exist yet or had been deleted by then.
func (e *Engine) RecordAt(ctx context.Context, entityID string, asOf time.Time) (*models.VectorRecord, error) {
	records, err := e.GetRevisions(ctx, entityID)
	if err != nil {
		return nil, err
	}
	latest := make(latestVisible, 1)
	for _, rec := range records {
		if !rec.CreatedAt.After(asOf) {
			latest.observe(rec)
		}
	}
	visible := latest.visible(asOf)
	if len(visible) == 0 {
		return nil, newError(CodeRevisionNotFound, ErrRevisionNotFound, nil,
			"entity_id", entityID,
			"as_of", asOf)
	}
	return visible[0], nil
}

// Diff compares two revisions of an entity: metadata field changes from a
// to b and the semantic drift 1 - cosine(a, b).
func (e *Engine) Diff(ctx context.Context, entityID string, a, b int64) (*models.RevisionDiff, error) {
	if err := e.validateEntityID(entityID); err != nil {
		return nil, err
	}
	recA, err := e.getRecord(ctx, entityID, a)
	if err != nil {
		return nil, err
	}
	recB, err := e.getRecord(ctx, entityID, b)
	if err != nil {
		return nil, err
	}
	return &models.RevisionDiff{
		EntityID:        entityID,
		RevisionA:       a,
		RevisionB:       b,
		ChangedMetadata: models.DiffMetadata(recA.Metadata, recB.Metadata),
		SemanticDrift:   1 - similarity.Cosine(recA.Vector, recB.Vector),
	}, nil
}

func (e *Engine) getRecord(ctx context.Context, entityID string, revision int64) (*models.VectorRecord, error) {
	var rec *models.VectorRecord
	err := e.retryTransient(ctx, "get record", func() error {
		var err error
		rec, err = e.store.GetRecord(ctx, entityID, revision)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(CodeRevisionNotFound, ErrRevisionNotFound, nil,
			"entity_id", entityID,
			"revision", revision)
	}
	if err != nil {
		return nil, classify("get record", err, "entity_id", entityID, "revision", revision)
	}
	return rec, nil
}
