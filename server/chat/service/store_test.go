package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ops_chat/server/chat/repository"
)

func TestMessageStoreAppend(t *testing.T) {
	ctx := context.Background()
	log := repository.NewMemoryMessageLog()
	store := NewMessageStore(log)
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	t.Run("sequences start at one per room", func(t *testing.T) {
		a, err := store.Append(ctx, "general", "u1", "Alice", "hello")
		require.NoError(t, err)
		b, err := store.Append(ctx, "general", "u2", "Bob", "hi")
		require.NoError(t, err)
		c, err := store.Append(ctx, "drivers", "u1", "Alice", "route 5")
		require.NoError(t, err)

		assert.EqualValues(t, 1, a.Sequence)
		assert.EqualValues(t, 2, b.Sequence)
		assert.EqualValues(t, 1, c.Sequence)
		assert.Equal(t, fixed, a.CreatedAt)
		assert.Len(t, a.ID, 26)
		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("empty body is refused", func(t *testing.T) {
		_, err := store.Append(ctx, "general", "u1", "Alice", "")
		assert.ErrorIs(t, err, ErrEmptyMessage)
	})

	t.Run("sequence is recovered from the log after restart", func(t *testing.T) {
		restarted := NewMessageStore(log)
		m, err := restarted.Append(ctx, "general", "u1", "Alice", "back again")
		require.NoError(t, err)
		assert.EqualValues(t, 3, m.Sequence)
	})

	t.Run("history is the latest window oldest first", func(t *testing.T) {
		items, err := store.History(ctx, "general", 2)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "hi", items[0].Body)
		assert.Equal(t, "back again", items[1].Body)
	})

	t.Run("a conflicting writer forces a resync", func(t *testing.T) {
		other := NewMessageStore(log)
		_, err := other.Append(ctx, "general", "u3", "Carol", "from elsewhere")
		require.NoError(t, err)

		_, err = store.Append(ctx, "general", "u1", "Alice", "stale counter")
		assert.ErrorIs(t, err, repository.ErrDuplicateSequence)

		m, err := store.Append(ctx, "general", "u1", "Alice", "retry")
		require.NoError(t, err)
		assert.EqualValues(t, 5, m.Sequence)
	})
}

func TestMessageStoreConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	store := NewMessageStore(repository.NewMemoryMessageLog())

	const writers, each = 6, 40
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				_, err := store.Append(ctx, "general", "u1", "Alice", "x")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	items, err := store.History(ctx, "general", maxHistoryLimit)
	require.NoError(t, err)
	require.Len(t, items, writers*each)
	for i, m := range items {
		assert.EqualValues(t, i+1, m.Sequence)
	}
}
