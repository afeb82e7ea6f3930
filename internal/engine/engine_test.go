package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kilupskalvis/revec/internal/index"
	"github.com/kilupskalvis/revec/internal/models"
	"github.com/kilupskalvis/revec/internal/store"
	"github.com/kilupskalvis/revec/internal/weaviate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SequentialRevisions(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		ref := te.storeAt(t, i*10, "a", []float32{float32(i), 1}, "step", i)
		assert.Equal(t, int64(i), ref.Revision)
		assert.Equal(t, "a", ref.EntityID)
		assert.NotEmpty(t, ref.ID)
		assert.True(t, at(i*10).Equal(ref.CreatedAt))
	}

	revs, err := te.GetRevisions(ctx, "a")
	require.NoError(t, err)
	require.Len(t, revs, 5)
	for i, r := range revs {
		assert.Equal(t, int64(i+1), r.Revision)
		assert.Equal(t, i == 4, r.IsCurrent)
		assert.False(t, r.IsDeleted)
	}
}

func TestStore_DimensionMismatchChangesNothing(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.storeAt(t, 1, "a", []float32{1, 0})

	_, err := te.Store(ctx, "a", []float32{1, 0, 0}, models.Metadata{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, CodeDimensionMismatch, CodeOf(err))
	fields := FieldsOf(err)
	assert.Equal(t, 2, fields["expected"])
	assert.Equal(t, 3, fields["actual"])

	revs, err := te.GetRevisions(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, revs, 1)

	_, err = te.Store(ctx, "b", nil, models.Metadata{})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	head, err := te.store.GetHead(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestStore_InvalidInput(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	_, err := te.Store(ctx, "", []float32{1, 0}, models.Metadata{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = te.Store(ctx, "a", []float32{float32(math.NaN()), 0}, models.Metadata{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = te.Search(ctx, models.Query{Vector: []float32{1, 0}, Filters: models.Filter{"k": map[string]any{}}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = te.Search(ctx, models.Query{Vector: []float32{1}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSearch_OnlyCurrentAndLive(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	te.storeAt(t, 1, "a", []float32{1, 0})
	te.storeAt(t, 2, "a", []float32{1, 0.5})
	te.storeAt(t, 3, "b", []float32{1, 0.1})
	te.storeAt(t, 4, "c", []float32{1, 0.2})
	_, err := te.SoftDelete(ctx, "c")
	require.NoError(t, err)

	results, err := te.Search(ctx, models.Query{Vector: []float32{1, 0}})
	require.NoError(t, err)
	assert.Equal(t, []resultKeyT{{"b", 1}, {"a", 2}}, keys(results))
	for _, r := range results {
		assert.True(t, r.Record.Live())
	}
}

func TestSearch_RoundTrip(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	te.storeAt(t, 1, "other", []float32{0.2, 1})
	ref := te.storeAt(t, 2, "target", []float32{0.6, 0.8}, "kind", "doc")

	results, err := te.Search(ctx, models.Query{Vector: []float32{0.6, 0.8}, MinScore: models.Threshold(0.999)})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, ref.ID, results[0].Record.ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	v, ok := results[0].Record.Metadata.Get("kind")
	require.True(t, ok)
	assert.Equal(t, "doc", v)
}

func TestSearch_LimitFiltersAndMinScore(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		kind := "even"
		if i%2 == 1 {
			kind = "odd"
		}
		te.storeAt(t, i, fmt.Sprintf("e%02d", i), []float32{1, float32(i) / 10}, "kind", kind)
	}
	te.storeAt(t, 20, "opposite", []float32{-1, 0}, "kind", "even")

	results, err := te.Search(ctx, models.Query{Vector: []float32{1, 0}})
	require.NoError(t, err)
	assert.Len(t, results, models.DefaultLimit)
	assert.Equal(t, "e00", results[0].Record.EntityID)

	results, err = te.Search(ctx, models.Query{Vector: []float32{1, 0}, Filters: models.Filter{"kind": "odd"}, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"e01", "e03", "e05"}, entityIDs(results))

	results, err = te.Search(ctx, models.Query{Vector: []float32{1, 0}, Limit: 100, MinScore: models.Threshold(0)})
	require.NoError(t, err)
	assert.NotContains(t, entityIDs(results), "opposite")

	results, err = te.Search(ctx, models.Query{Vector: []float32{1, 0}, Limit: 100})
	require.NoError(t, err)
	require.Len(t, results, 13)
	assert.Equal(t, "opposite", results[12].Record.EntityID)
	assert.InDelta(t, -1.0, results[12].Score, 1e-9)
}

func TestSearch_TieBreakNewerFirst(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	te.storeAt(t, 1, "b", []float32{1, 0})
	te.storeAt(t, 1, "a", []float32{1, 0})
	te.storeAt(t, 2, "c", []float32{2, 0})

	results, err := te.Search(ctx, models.Query{Vector: []float32{1, 0}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, entityIDs(results))
}

func TestSearchAt_NowEqualsSearch(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	te.storeAt(t, 1, "a", []float32{1, 0}, "kind", "x")
	te.storeAt(t, 2, "b", []float32{0.5, 0.5}, "kind", "y")
	te.storeAt(t, 3, "a", []float32{0.9, 0.1}, "kind", "y")
	te.storeAt(t, 4, "c", []float32{0, 1}, "kind", "x")
	te.storeAt(t, 5, "d", []float32{-1, 0.2}, "kind", "x")
	te.clock.Set(at(6))
	_, err := te.SoftDelete(ctx, "b")
	require.NoError(t, err)
	_, err = te.HardDelete(ctx, "c")
	require.NoError(t, err)
	te.storeAt(t, 7, "e", []float32{0.3, 0.7}, "kind", "y")
	te.storeAt(t, 8, "b", []float32{0.4, 0.6}, "kind", "x")

	queries := []models.Query{
		{Vector: []float32{1, 0}},
		{Vector: []float32{0, 1}},
		{Vector: []float32{1, 0}, MinScore: models.Threshold(0.5)},
		{Vector: []float32{1, 1}, Filters: models.Filter{"kind": "x"}},
		{Vector: []float32{1, 0}, Limit: 2},
	}
	for i, q := range queries {
		live, err := te.Search(ctx, q)
		require.NoError(t, err)
		travel, err := te.SearchAt(ctx, q, te.clock.Now())
		require.NoError(t, err)

		assert.Equal(t, keys(live), keys(travel), "query %d", i)
		for j := range live {
			assert.InDelta(t, live[j].Score, travel[j].Score, 1e-12)
		}
	}
}

func TestSearchAt_ExcludesEntitiesCreatedLater(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	te.storeAt(t, 100, "early", []float32{1, 0})
	te.storeAt(t, 300, "late", []float32{1, 0})

	results, err := te.SearchAt(ctx, models.Query{Vector: []float32{1, 0}}, at(200))
	require.NoError(t, err)
	assert.Equal(t, []string{"early"}, entityIDs(results))

	results, err = te.SearchAt(ctx, models.Query{Vector: []float32{1, 0}}, at(50))
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = te.SearchAt(ctx, models.Query{Vector: []float32{1, 0}}, at(300))
	require.NoError(t, err)
	assert.Equal(t, []string{"late", "early"}, entityIDs(results))
}

func TestSearchAt_Concept42Scenario(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	te.storeAt(t, 100, "concept-42", []float32{1, 0})
	te.storeAt(t, 200, "concept-42", []float32{0, 1})
	query := models.Query{Vector: []float32{1, 0}}

	results, err := te.SearchAt(ctx, query, at(150))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "concept-42", results[0].Record.EntityID)
	assert.Equal(t, int64(1), results[0].Record.Revision)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)

	results, err = te.SearchAt(ctx, query, at(250))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "concept-42", results[0].Record.EntityID)
	assert.Equal(t, int64(2), results[0].Record.Revision)
	assert.InDelta(t, 0.0, results[0].Score, 1e-9)
}

func TestSearchAt_KeepsNegativeScores(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	te.storeAt(t, 100, "same", []float32{1, 0})
	te.storeAt(t, 100, "opposite", []float32{-1, 0})
	te.storeAt(t, 100, "concept-42", []float32{1, 0})
	te.storeAt(t, 200, "concept-42", []float32{-0.01, 1})
	query := models.Query{Vector: []float32{1, 0}, Limit: 10}

	results, err := te.SearchAt(ctx, query, at(250))
	require.NoError(t, err)
	assert.Equal(t, []string{"same", "concept-42", "opposite"}, entityIDs(results))
	assert.Equal(t, int64(2), results[1].Record.Revision)
	assert.InDelta(t, 0.0, results[1].Score, 0.02)
	assert.InDelta(t, -1.0, results[2].Score, 1e-9)

	live, err := te.Search(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, entityIDs(results), entityIDs(live))

	query.MinScore = models.Threshold(0)
	results, err = te.SearchAt(ctx, query, at(250))
	require.NoError(t, err)
	assert.Equal(t, []string{"same"}, entityIDs(results))
	live, err = te.Search(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, []string{"same"}, entityIDs(live))
}

func TestSearchAt_SoftDeleteVisibility(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	te.storeAt(t, 100, "a", []float32{1, 0})
	te.clock.Set(at(200))
	_, err := te.SoftDelete(ctx, "a")
	require.NoError(t, err)

	results, err := te.SearchAt(ctx, models.Query{Vector: []float32{1, 0}}, at(150))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, entityIDs(results), "deletion happened after the requested time")

	results, err = te.SearchAt(ctx, models.Query{Vector: []float32{1, 0}}, at(250))
	require.NoError(t, err)
	assert.Empty(t, results)

	// Re-storing continues the revision sequence and is visible again.
	ref := te.storeAt(t, 300, "a", []float32{1, 0})
	assert.Equal(t, int64(2), ref.Revision)
	results, err = te.SearchAt(ctx, models.Query{Vector: []float32{1, 0}}, at(300))
	require.NoError(t, err)
	assert.Equal(t, []resultKeyT{{"a", 2}}, keys(results))
	results, err = te.SearchAt(ctx, models.Query{Vector: []float32{1, 0}}, at(250))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_TimestampsNeverGoBackwards(t *testing.T) {
	te := newTestEngine(t)
	te.storeAt(t, 100, "a", []float32{1, 0})
	ref := te.storeAt(t, 50, "a", []float32{0, 1})
	assert.True(t, at(100).Equal(ref.CreatedAt))
}

func TestGetRevisions_Idempotent(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.storeAt(t, 1, "a", []float32{1, 0}, "v", 1)
	te.storeAt(t, 2, "a", []float32{0, 1}, "v", 2)

	first, err := te.GetRevisions(ctx, "a")
	require.NoError(t, err)
	second, err := te.GetRevisions(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	unknown, err := te.GetRevisions(ctx, "unknown")
	require.NoError(t, err)
	assert.NotNil(t, unknown)
	assert.Empty(t, unknown)
}

func TestStore_ConcurrentSameEntity(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	const m = 25

	var wg sync.WaitGroup
	errs := make([]error, m)
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = te.Store(ctx, "shared", []float32{1, float32(i)}, models.Metadata{})
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	revs, err := te.GetRevisions(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, revs, m)
	current := 0
	for i, r := range revs {
		assert.Equal(t, int64(i+1), r.Revision)
		if r.IsCurrent {
			current++
		}
	}
	assert.Equal(t, 1, current)
	assert.Zero(t, te.locks.held())
}

func TestStore_ConcurrentEnginesGapFreeOrConflict(t *testing.T) {
	st, err := store.NewMemoryStore(testDim)
	require.NoError(t, err)
	opts := Options{Logger: quietLogger(), Retry: RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}}
	engines := []*Engine{
		New(st, index.NewFlat(testDim), opts),
		New(st, index.NewFlat(testDim), opts),
		New(st, index.NewFlat(testDim), opts),
	}

	ctx := context.Background()
	const perEngine = 15
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for _, e := range engines {
		for i := 0; i < perEngine; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.Store(ctx, "contended", []float32{1, 0}, models.Metadata{})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					successes++
					return
				}
				assert.ErrorIs(t, err, ErrConflictExceeded)
			}()
		}
	}
	wg.Wait()

	revs, err := st.GetRevisions(ctx, "contended")
	require.NoError(t, err)
	require.Len(t, revs, successes, "every acknowledged write is stored, nothing else")
	for i, r := range revs {
		assert.Equal(t, int64(i+1), r.Revision)
		assert.Equal(t, i == len(revs)-1, r.IsCurrent)
	}
}

func TestStore_RetriesTransientCommitFailures(t *testing.T) {
	mem, err := store.NewMemoryStore(testDim)
	require.NoError(t, err)
	st := &flakyStore{RecordStore: mem, commitFailures: 2}
	e := New(st, index.NewFlat(testDim), Options{Logger: quietLogger(), Retry: fastRetry()})

	ref, err := e.Store(context.Background(), "a", []float32{1, 0}, models.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ref.Revision)

	st.commitFailures = 10
	_, err = e.Store(context.Background(), "a", []float32{1, 0}, models.Metadata{})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	revs, err := mem.GetRevisions(context.Background(), "a")
	require.NoError(t, err)
	assert.Len(t, revs, 1)
}

func TestStore_IndexFailureRevertsCommit(t *testing.T) {
	st, err := store.NewMemoryStore(testDim)
	require.NoError(t, err)
	idx := &flakyIndex{Index: index.NewFlat(testDim)}
	e := New(st, idx, Options{Logger: quietLogger(), Retry: fastRetry()})
	ctx := context.Background()

	_, err = e.Store(ctx, "a", []float32{1, 0}, models.Metadata{})
	require.NoError(t, err)

	idx.set(func(f *flakyIndex) { f.upsertErr = fmt.Errorf("%w: down", index.ErrUnavailable) })
	_, err = e.Store(ctx, "a", []float32{0, 1}, models.Metadata{})
	require.ErrorIs(t, err, ErrBackendUnavailable)

	revs, err := e.GetRevisions(ctx, "a")
	require.NoError(t, err)
	require.Len(t, revs, 1, "no partial write")
	assert.True(t, revs[0].IsCurrent)

	results, err := e.Search(ctx, models.Query{Vector: []float32{1, 0}})
	require.NoError(t, err)
	assert.Equal(t, []resultKeyT{{"a", 1}}, keys(results))

	// Transient failures within the retry limit are absorbed.
	idx.set(func(f *flakyIndex) {
		f.upsertErr = nil
		f.upsertFailures = 2
	})
	ref, err := e.Store(ctx, "a", []float32{0, 1}, models.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), ref.Revision)
}

func TestStore_FirstRevisionRevertedOnIndexFailure(t *testing.T) {
	st, err := store.NewMemoryStore(testDim)
	require.NoError(t, err)
	idx := &flakyIndex{Index: index.NewFlat(testDim), upsertErr: errors.New("index rejected record")}
	e := New(st, idx, Options{Logger: quietLogger(), Retry: fastRetry()})
	ctx := context.Background()

	_, err = e.Store(ctx, "a", []float32{1, 0}, models.Metadata{})
	require.ErrorIs(t, err, ErrBackendUnavailable)

	head, err := st.GetHead(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestSearch_DropsStaleIndexEntries(t *testing.T) {
	st, err := store.NewMemoryStore(testDim)
	require.NoError(t, err)
	idx := &flakyIndex{Index: index.NewFlat(testDim)}
	e := New(st, idx, Options{Logger: quietLogger(), Retry: fastRetry()})
	ctx := context.Background()

	_, err = e.Store(ctx, "a", []float32{1, 0}, models.Metadata{})
	require.NoError(t, err)
	_, err = e.Store(ctx, "b", []float32{1, 0.1}, models.Metadata{})
	require.NoError(t, err)

	idx.set(func(f *flakyIndex) { f.removeErr = fmt.Errorf("%w: down", index.ErrUnavailable) })
	_, err = e.SoftDelete(ctx, "a")
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	n, err := idx.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "index still holds the deleted entity")

	results, err := e.Search(ctx, models.Query{Vector: []float32{1, 0}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, entityIDs(results))

	// Retrying the delete once the index is back converges.
	idx.set(func(f *flakyIndex) { f.removeErr = nil })
	_, err = e.SoftDelete(ctx, "a")
	require.NoError(t, err)
	n, err = idx.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSearch_TimesOut(t *testing.T) {
	st, err := store.NewMemoryStore(testDim)
	require.NoError(t, err)
	idx := &flakyIndex{Index: index.NewFlat(testDim), blockSearch: true}
	e := New(st, idx, Options{Logger: quietLogger(), Retry: fastRetry(), QueryTimeout: 20 * time.Millisecond})

	results, err := e.Search(context.Background(), models.Query{Vector: []float32{1, 0}})
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, CodeTimedOut, CodeOf(err))
	assert.Nil(t, results)
}

func TestSearchAt_TimesOut(t *testing.T) {
	mem, err := store.NewMemoryStore(testDim)
	require.NoError(t, err)
	st := &flakyStore{RecordStore: mem, blockScans: true}
	e := New(st, index.NewFlat(testDim), Options{Logger: quietLogger(), Retry: fastRetry()})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	results, err := e.SearchAt(ctx, models.Query{Vector: []float32{1, 0}}, time.Now())
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Nil(t, results)
}

func TestDiff(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	te.storeAt(t, 1, "a", []float32{1, 0}, "stage", "draft", "owner", "ana")
	te.storeAt(t, 2, "a", []float32{0, 1}, "stage", "final", "reviewed", true)

	diff, err := te.Diff(ctx, "a", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "a", diff.EntityID)
	assert.InDelta(t, 1.0, diff.SemanticDrift, 1e-9)
	assert.Equal(t, []models.FieldChange{
		{Key: "stage", Kind: models.FieldModified, Before: "draft", After: "final"},
		{Key: "owner", Kind: models.FieldRemoved, Before: "ana"},
		{Key: "reviewed", Kind: models.FieldAdded, After: true},
	}, diff.ChangedMetadata)

	same, err := te.Diff(ctx, "a", 2, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, same.SemanticDrift, 1e-9)
	assert.Empty(t, same.ChangedMetadata)

	_, err = te.Diff(ctx, "a", 1, 7)
	assert.ErrorIs(t, err, ErrRevisionNotFound)
	assert.Equal(t, int64(7), FieldsOf(err)["revision"])
	_, err = te.Diff(ctx, "missing", 1, 2)
	assert.ErrorIs(t, err, ErrRevisionNotFound)
}

func TestRecordAt(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	te.storeAt(t, 100, "a", []float32{1, 0})
	te.storeAt(t, 200, "a", []float32{0, 1})

	rec, err := te.RecordAt(ctx, "a", at(150))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Revision)

	rec, err = te.RecordAt(ctx, "a", at(200))
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Revision)

	_, err = te.RecordAt(ctx, "a", at(99))
	assert.ErrorIs(t, err, ErrRevisionNotFound)
}

func TestOpen_ReindexesFromStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "revec.db")
	ctx := context.Background()

	st, err := store.NewBboltStore(dbPath, testDim)
	require.NoError(t, err)
	e := New(st, index.NewFlat(testDim), Options{Logger: quietLogger()})
	_, err = e.Store(ctx, "a", []float32{1, 0}, models.Metadata{})
	require.NoError(t, err)
	_, err = e.Store(ctx, "a", []float32{1, 1}, models.Metadata{})
	require.NoError(t, err)
	_, err = e.Store(ctx, "b", []float32{0, 1}, models.Metadata{})
	require.NoError(t, err)
	_, err = e.SoftDelete(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, e.Close())

	st, err = store.NewBboltStore(dbPath, testDim)
	require.NoError(t, err)
	e, err = Open(ctx, st, index.NewFlat(testDim), Options{Logger: quietLogger()})
	require.NoError(t, err)
	defer e.Close()

	results, err := e.Search(ctx, models.Query{Vector: []float32{1, 0}})
	require.NoError(t, err)
	assert.Equal(t, []resultKeyT{{"a", 2}}, keys(results))
}

func TestEngine_WithWeaviateIndex(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewMemoryStore(testDim)
	require.NoError(t, err)
	idx, err := weaviate.NewIndex(ctx, weaviate.NewMockClient(), "Concepts", testDim)
	require.NoError(t, err)
	e := New(st, idx, Options{Logger: quietLogger()})

	_, err = e.Store(ctx, "a", []float32{1, 0}, md(t, "kind", "doc"))
	require.NoError(t, err)
	_, err = e.Store(ctx, "a", []float32{0.8, 0.2}, md(t, "kind", "doc"))
	require.NoError(t, err)
	_, err = e.Store(ctx, "b", []float32{1, 0.1}, md(t, "kind", "img"))
	require.NoError(t, err)

	results, err := e.Search(ctx, models.Query{Vector: []float32{1, 0}, Filters: models.Filter{"kind": "doc"}})
	require.NoError(t, err)
	assert.Equal(t, []resultKeyT{{"a", 2}}, keys(results))

	live, err := e.Search(ctx, models.Query{Vector: []float32{1, 0}})
	require.NoError(t, err)
	travel, err := e.SearchAt(ctx, models.Query{Vector: []float32{1, 0}}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, keys(live), keys(travel))
}
