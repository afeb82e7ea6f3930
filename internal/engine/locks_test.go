package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	var k keyedMutex
	ctx := context.Background()

	unlockA, err := k.Lock(ctx, "a")
	require.NoError(t, err)
	unlockB, err := k.Lock(ctx, "b")
	require.NoError(t, err, "distinct keys do not contend")

	acquired := make(chan struct{})
	go func() {
		unlock, err := k.Lock(ctx, "a")
		if err == nil {
			unlock()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a locked key")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
	unlockB()
	assert.Zero(t, k.held())
}

func TestKeyedMutex_LockHonoursContext(t *testing.T) {
	var k keyedMutex
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, k.held(), "the abandoned waiter releases its reference")

	unlock()
	assert.Zero(t, k.held())
}

func TestStore_QueuedWriterHonoursDeadline(t *testing.T) {
	te := newTestEngine(t)
	te.storeAt(t, 1, "a", []float32{1, 0})

	unlock, err := te.locks.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = te.Store(ctx, "a", []float32{0, 1}, md(t))
	require.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, "a", FieldsOf(err)["entity_id"])

	_, err = te.SoftDelete(ctx, "a")
	require.ErrorIs(t, err, ErrTimedOut)

	unlock()
	assert.Zero(t, te.locks.held())

	revs, err := te.GetRevisions(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.True(t, revs[0].IsCurrent)
	assert.False(t, revs[0].IsDeleted)
}
