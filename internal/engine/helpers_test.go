package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kilupskalvis/revec/internal/index"
	"github.com/kilupskalvis/revec/internal/models"
	"github.com/kilupskalvis/revec/internal/store"
	"github.com/stretchr/testify/require"
)

const testDim = 2

// at returns the instant sec seconds after the test epoch.
func at(sec int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

// manualClock is a Clock the test moves by hand.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock(t time.Time) *manualClock {
	return &manualClock{t: t}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		BaseDelay:      time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
		JitterFraction: 0.2,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEngine struct {
	*Engine
	store *store.MemoryStore
	index *index.Flat
	clock *manualClock
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	st, err := store.NewMemoryStore(testDim)
	require.NoError(t, err)
	idx := index.NewFlat(testDim)
	clock := newManualClock(at(0))
	e := New(st, idx, Options{Clock: clock, Logger: quietLogger(), Retry: fastRetry()})
	t.Cleanup(func() { e.Close() })
	return &testEngine{Engine: e, store: st, index: idx, clock: clock}
}

// storeAt stores a revision with the clock set to sec.
func (te *testEngine) storeAt(t *testing.T, sec int, entityID string, vec []float32, kv ...any) models.RecordRef {
	t.Helper()
	te.clock.Set(at(sec))
	ref, err := te.Store(context.Background(), entityID, vec, md(t, kv...))
	require.NoError(t, err)
	return ref
}

func md(t *testing.T, kv ...any) models.Metadata {
	t.Helper()
	m, err := models.NewMetadata(kv...)
	require.NoError(t, err)
	return m
}

type resultKeyT struct {
	EntityID string
	Revision int64
}

func keys(results []models.SearchResult) []resultKeyT {
	out := make([]resultKeyT, len(results))
	for i, r := range results {
		out[i] = resultKeyT{r.Record.EntityID, r.Record.Revision}
	}
	return out
}

func entityIDs(results []models.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Record.EntityID
	}
	return out
}

var errInjected = fmt.Errorf("%w: injected", store.ErrUnavailable)

// flakyStore injects transient failures into a RecordStore.
type flakyStore struct {
	store.RecordStore
	mu             sync.Mutex
	commitFailures int
	blockScans     bool
}

func (f *flakyStore) Commit(ctx context.Context, rec *models.VectorRecord, expected int64) error {
	f.mu.Lock()
	fail := f.commitFailures > 0
	if fail {
		f.commitFailures--
	}
	f.mu.Unlock()
	if fail {
		return errInjected
	}
	return f.RecordStore.Commit(ctx, rec, expected)
}

func (f *flakyStore) ScanUntil(ctx context.Context, asOf time.Time, fn func(*models.VectorRecord) error) error {
	if f.blockScans {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.RecordStore.ScanUntil(ctx, asOf, fn)
}

// corruptStore reports broken current flags until SetCurrent repairs them.
type corruptStore struct {
	store.RecordStore
	mu           sync.Mutex
	extraCurrent map[string]int64 // entity -> revision also reported current
	noCurrent    map[string]bool  // entity reported without a current record
}

func (c *corruptStore) GetRevisions(ctx context.Context, entityID string) ([]*models.VectorRecord, error) {
	recs, err := c.RecordStore.GetRevisions(ctx, entityID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	extra, hasExtra := c.extraCurrent[entityID]
	for _, r := range recs {
		if hasExtra && r.Revision == extra {
			r.IsCurrent = true
		}
		if c.noCurrent[entityID] {
			r.IsCurrent = false
		}
	}
	return recs, nil
}

func (c *corruptStore) SetCurrent(ctx context.Context, entityID string, revision int64) error {
	c.mu.Lock()
	delete(c.extraCurrent, entityID)
	delete(c.noCurrent, entityID)
	c.mu.Unlock()
	return c.RecordStore.SetCurrent(ctx, entityID, revision)
}

// flakyIndex injects failures into an Index.
type flakyIndex struct {
	index.Index
	mu             sync.Mutex
	upsertErr      error
	upsertFailures int
	removeErr      error
	blockSearch    bool
}

func (f *flakyIndex) Upsert(ctx context.Context, rec *models.VectorRecord) error {
	f.mu.Lock()
	err := f.upsertErr
	if err == nil && f.upsertFailures > 0 {
		f.upsertFailures--
		err = fmt.Errorf("%w: injected", index.ErrUnavailable)
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Index.Upsert(ctx, rec)
}

func (f *flakyIndex) Remove(ctx context.Context, entityID string) error {
	f.mu.Lock()
	err := f.removeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Index.Remove(ctx, entityID)
}

func (f *flakyIndex) Search(ctx context.Context, q models.Query) ([]index.Hit, error) {
	if f.blockSearch {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.Index.Search(ctx, q)
}

func (f *flakyIndex) set(fn func(*flakyIndex)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}
