package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/kilupskalvis/revec/internal/models"
	"github.com/kilupskalvis/revec/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T) (*RevisionAllocator, *store.MemoryStore) {
	t.Helper()
	st, err := store.NewMemoryStore(testDim)
	require.NoError(t, err)
	return NewRevisionAllocator(st, fastRetry(), quietLogger()), st
}

func commitAllocation(ctx context.Context, st store.RecordStore) func(Allocation) error {
	return func(a Allocation) error {
		rec := &models.VectorRecord{
			ID:        a.EntityID + "-" + string(rune('0'+a.Revision)),
			EntityID:  a.EntityID,
			Revision:  a.Revision,
			Vector:    []float32{1, 0},
			CreatedAt: at(int(a.Revision)),
		}
		return st.Commit(ctx, rec, a.Previous.Revision())
	}
}

func TestNextRevision(t *testing.T) {
	alloc, st := newTestAllocator(t)
	ctx := context.Background()

	a, err := alloc.NextRevision(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Revision)
	assert.Nil(t, a.Previous)

	_, err = alloc.Allocate(ctx, "a", commitAllocation(ctx, st))
	require.NoError(t, err)

	a, err = alloc.NextRevision(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.Revision)
	require.NotNil(t, a.Previous)
	assert.Equal(t, int64(1), a.Previous.CurrentRevision)
}

func TestAllocate_RetriesWithFreshRevision(t *testing.T) {
	alloc, st := newTestAllocator(t)
	ctx := context.Background()
	commit := commitAllocation(ctx, st)

	var proposed []int64
	raced := false
	got, err := alloc.Allocate(ctx, "a", func(a Allocation) error {
		proposed = append(proposed, a.Revision)
		if !raced {
			// Another writer takes revision 1 first.
			raced = true
			require.NoError(t, commit(a))
		}
		return commit(a)
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, proposed)
	assert.Equal(t, int64(2), got.Revision)

	revs, err := st.GetRevisions(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, revs, 2)
}

func TestAllocate_ConflictExceeded(t *testing.T) {
	alloc, st := newTestAllocator(t)
	ctx := context.Background()

	calls := 0
	_, err := alloc.Allocate(ctx, "hot", func(Allocation) error {
		calls++
		return store.ErrConflict
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflictExceeded)
	assert.Equal(t, CodeConflictExceeded, CodeOf(err))
	assert.Equal(t, fastRetry().MaxAttempts, calls)

	fields := FieldsOf(err)
	assert.Equal(t, "hot", fields["entity_id"])
	assert.Equal(t, fastRetry().MaxAttempts, fields["attempts"])

	head, err := st.GetHead(ctx, "hot")
	require.NoError(t, err)
	assert.Nil(t, head, "nothing is written")
}

func TestAllocate_OtherErrorsStopImmediately(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	boom := errors.New("boom")

	calls := 0
	_, err := alloc.Allocate(context.Background(), "a", func(Allocation) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestAllocate_CanceledDuringBackoff(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := alloc.Allocate(ctx, "a", func(Allocation) error {
		cancel()
		return store.ErrConflict
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 10, MaxDelay: 40, JitterFraction: 0}.withDefaults()

	assert.EqualValues(t, 10, cfg.backoff(0))
	assert.EqualValues(t, 20, cfg.backoff(1))
	assert.EqualValues(t, 40, cfg.backoff(2))
	assert.EqualValues(t, 40, cfg.backoff(6))

	jittered := RetryConfig{BaseDelay: 100, MaxDelay: 100, JitterFraction: 0.5}.withDefaults()
	for range 50 {
		d := jittered.backoff(0)
		assert.GreaterOrEqual(t, int64(d), int64(50))
		assert.LessOrEqual(t, int64(d), int64(150))
	}
}

func TestRetryConfig_Defaults(t *testing.T) {
	cfg := RetryConfig{}.withDefaults()
	assert.Equal(t, DefaultRetryConfig(), cfg)

	cfg = RetryConfig{MaxAttempts: 2, JitterFraction: 3}.withDefaults()
	assert.Equal(t, 2, cfg.MaxAttempts)
	assert.Equal(t, DefaultRetryConfig().JitterFraction, cfg.JitterFraction)
}
