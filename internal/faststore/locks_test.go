package faststore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordhub/coordhub/pkg/broker"
)

const testTTL = int64(30_000)

// setupTestClient creates a test client connected to a miniredis instance.
func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestExclusiveWriteThenRelease(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	lockID, err := client.RequestFileLock(ctx, "agentA", "ws", "/f", broker.LockKindWrite, testTTL, 0)
	require.NoError(t, err)
	require.NotEmpty(t, lockID)

	released, waiter, err := client.ReleaseFileLock(ctx, "agentA", "ws", "/f")
	require.NoError(t, err)
	assert.True(t, released)
	assert.Nil(t, waiter)

	// The path is free again for the next writer.
	next, err := client.RequestFileLock(ctx, "agentB", "ws", "/f", broker.LockKindWrite, testTTL, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, next)
}

func TestMutualExclusion(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	first, err := client.RequestFileLock(ctx, "agentA", "ws", "/f", broker.LockKindWrite, testTTL, 0)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	t.Run("second writer conflicts", func(t *testing.T) {
		second, err := client.RequestFileLock(ctx, "agentB", "ws", "/f", broker.LockKindWrite, testTTL, 0)
		require.NoError(t, err)
		assert.Empty(t, second)
	})

	t.Run("reader conflicts with exclusive holder", func(t *testing.T) {
		reader, err := client.RequestFileLock(ctx, "agentC", "ws", "/f", broker.LockKindRead, testTTL, 0)
		require.NoError(t, err)
		assert.Empty(t, reader)
	})

	t.Run("other paths are unaffected", func(t *testing.T) {
		other, err := client.RequestFileLock(ctx, "agentB", "ws", "/g", broker.LockKindWrite, testTTL, 0)
		require.NoError(t, err)
		assert.NotEmpty(t, other)
	})
}

func TestReaderSharing(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	for _, agent := range []string{"agentA", "agentB", "agentC"} {
		lockID, err := client.RequestFileLock(ctx, agent, "ws", "/f", broker.LockKindRead, testTTL, 0)
		require.NoError(t, err)
		assert.NotEmpty(t, lockID, "every reader on an unlocked path must succeed")
	}

	rec, err := client.GetLockRecord(ctx, "ws", "/f")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, broker.HolderKindReaders, rec.HolderKind)
	assert.ElementsMatch(t, []string{"agentA", "agentB", "agentC"}, rec.Readers)

	// Each release removes one reader; the record disappears with the last.
	for i, agent := range []string{"agentA", "agentB", "agentC"} {
		released, _, err := client.ReleaseFileLock(ctx, agent, "ws", "/f")
		require.NoError(t, err)
		assert.True(t, released)

		rec, err := client.GetLockRecord(ctx, "ws", "/f")
		require.NoError(t, err)
		if i < 2 {
			require.NotNil(t, rec)
			assert.Len(t, rec.Readers, 2-i)
		} else {
			assert.Nil(t, rec, "record must vanish after the last reader leaves")
		}
	}
}

func TestReentrantReader(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	first, err := client.RequestFileLock(ctx, "agentA", "ws", "/f", broker.LockKindRead, testTTL, 0)
	require.NoError(t, err)
	second, err := client.RequestFileLock(ctx, "agentA", "ws", "/f", broker.LockKindRead, testTTL, 0)
	require.NoError(t, err)
	assert.Equal(t, first, second, "re-reading the same file is a no-op success")

	rec, err := client.GetLockRecord(ctx, "ws", "/f")
	require.NoError(t, err)
	assert.Equal(t, []string{"agentA"}, rec.Readers)
}

func TestWriterBlocksOnReadersAndIsWoken(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	readerID, err := client.RequestFileLock(ctx, "agentA", "ws", "/f", broker.LockKindRead, testTTL, 0)
	require.NoError(t, err)
	require.NotEmpty(t, readerID)

	writerID, err := client.RequestFileLock(ctx, "agentB", "ws", "/f", broker.LockKindWrite, testTTL, 0)
	require.NoError(t, err)
	assert.Empty(t, writerID, "a writer cannot share with readers")

	released, waiter, err := client.ReleaseFileLock(ctx, "agentA", "ws", "/f")
	require.NoError(t, err)
	assert.True(t, released)
	require.NotNil(t, waiter, "release must signal exactly one waiter")
	assert.Equal(t, "agentB", waiter.AgentID)
	assert.Equal(t, broker.LockKindWrite, waiter.LockType)
	assert.NotZero(t, waiter.EnqueuedAtMs)

	// The retry consumes agentB's queue entry, so the next release has
	// nobody left to signal.
	retry, err := client.RequestFileLock(ctx, "agentB", "ws", "/f", broker.LockKindWrite, testTTL, 0)
	require.NoError(t, err)
	require.NotEmpty(t, retry)
	_, waiter, err = client.ReleaseFileLock(ctx, "agentB", "ws", "/f")
	require.NoError(t, err)
	assert.Nil(t, waiter)
}

// TestQueuedWaiterTakesPrecedenceOverNewcomer covers the window between a
// release and the signalled waiter's retry: the key is free but the queue
// is not, and a newcomer landing there must join the tail, not take the
// lock.
func TestQueuedWaiterTakesPrecedenceOverNewcomer(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	holderID, err := client.RequestFileLock(ctx, "agentA", "ws", "/f", broker.LockKindWrite, testTTL, 0)
	require.NoError(t, err)
	require.NotEmpty(t, holderID)

	queued, err := client.RequestFileLock(ctx, "agentB", "ws", "/f", broker.LockKindWrite, testTTL, 0)
	require.NoError(t, err)
	require.Empty(t, queued)

	released, waiter, err := client.ReleaseFileLock(ctx, "agentA", "ws", "/f")
	require.NoError(t, err)
	require.True(t, released)
	require.NotNil(t, waiter)
	require.Equal(t, "agentB", waiter.AgentID)

	// The key is now free with agentB still queued. A racing newcomer is
	// enqueued behind it instead of being granted.
	newcomer, err := client.RequestFileLock(ctx, "agentC", "ws", "/f", broker.LockKindWrite, testTTL, 0)
	require.NoError(t, err)
	assert.Empty(t, newcomer, "a newcomer must not jump the waiters queue")

	// The signalled waiter's retry is the one that gets served.
	retried, err := client.RequestFileLock(ctx, "agentB", "ws", "/f", broker.LockKindWrite, testTTL, 0)
	require.NoError(t, err)
	require.NotEmpty(t, retried)

	// And agentB's release signals the newcomer, preserving FIFO order.
	released, waiter, err = client.ReleaseFileLock(ctx, "agentB", "ws", "/f")
	require.NoError(t, err)
	require.True(t, released)
	require.NotNil(t, waiter)
	assert.Equal(t, "agentC", waiter.AgentID)

	granted, err := client.RequestFileLock(ctx, "agentC", "ws", "/f", broker.LockKindWrite, testTTL, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, granted)
}

// TestExpiredWaiterIsSkipped checks that a waiter that never retries stops
// blocking the queue once its entry outlives the lock timeout.
func TestExpiredWaiterIsSkipped(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	_, err := client.RequestFileLock(ctx, "agentA", "ws", "/f", broker.LockKindWrite, testTTL, 0)
	require.NoError(t, err)

	// agentB queues with a very short timeout, then walks away.
	shortTTL := int64(10)
	queued, err := client.RequestFileLock(ctx, "agentB", "ws", "/f", broker.LockKindWrite, shortTTL, 0)
	require.NoError(t, err)
	require.Empty(t, queued)

	time.Sleep(20 * time.Millisecond)

	// The stale entry is pruned at release, so nobody is signalled and a
	// newcomer acquires the free key directly.
	released, waiter, err := client.ReleaseFileLock(ctx, "agentA", "ws", "/f")
	require.NoError(t, err)
	require.True(t, released)
	assert.Nil(t, waiter)

	granted, err := client.RequestFileLock(ctx, "agentC", "ws", "/f", broker.LockKindWrite, testTTL, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, granted)
}

func TestReleaseAuthorization(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	lockID, err := client.RequestFileLock(ctx, "agentA", "ws", "/f", broker.LockKindExclusive, testTTL, 0)
	require.NoError(t, err)
	require.NotEmpty(t, lockID)

	t.Run("impostor release fails and leaves the lock", func(t *testing.T) {
		released, _, err := client.ReleaseFileLock(ctx, "agentB", "ws", "/f")
		require.NoError(t, err)
		assert.False(t, released)

		rec, err := client.GetLockRecord(ctx, "ws", "/f")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "agentA", rec.AgentID)
	})

	t.Run("non-reader release fails", func(t *testing.T) {
		_, err := client.RequestFileLock(ctx, "agentC", "ws", "/shared", broker.LockKindRead, testTTL, 0)
		require.NoError(t, err)
		released, _, err := client.ReleaseFileLock(ctx, "agentD", "ws", "/shared")
		require.NoError(t, err)
		assert.False(t, released)
	})

	t.Run("release of an unlocked path fails", func(t *testing.T) {
		released, _, err := client.ReleaseFileLock(ctx, "agentA", "ws", "/nothing")
		require.NoError(t, err)
		assert.False(t, released)
	})
}

func TestExpiredRecordIsTreatedAsAbsent(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	shortTTL := int64(10)
	lockID, err := client.RequestFileLock(ctx, "agentA", "ws", "/f", broker.LockKindWrite, shortTTL, 0)
	require.NoError(t, err)
	require.NotEmpty(t, lockID)

	time.Sleep(20 * time.Millisecond)

	// A new acquirer takes the expired lock.
	taken, err := client.RequestFileLock(ctx, "agentB", "ws", "/f", broker.LockKindWrite, testTTL, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, taken)

	rec, err := client.GetLockRecord(ctx, "ws", "/f")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "agentB", rec.AgentID)
}

func TestWaitersQueueCap(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	_, err := client.RequestFileLock(ctx, "holder", "ws", "/f", broker.LockKindWrite, testTTL, 2)
	require.NoError(t, err)

	// Two conflicts fill the queue.
	for _, agent := range []string{"w1", "w2"} {
		id, err := client.RequestFileLock(ctx, agent, "ws", "/f", broker.LockKindWrite, testTTL, 2)
		require.NoError(t, err)
		assert.Empty(t, id)
	}

	// The third is refused outright.
	_, err = client.RequestFileLock(ctx, "w3", "ws", "/f", broker.LockKindWrite, testTTL, 2)
	assert.ErrorIs(t, err, broker.ErrWaitersQueueFull)
}

func TestLockIDRoundTrips(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	writeID, err := client.RequestFileLock(ctx, "agentA", "ws", "/src/a.go", broker.LockKindWrite, testTTL, 0)
	require.NoError(t, err)
	parsed, err := broker.ParseLockID(writeID)
	require.NoError(t, err)
	assert.Equal(t, "ws", parsed.WorkspaceID)
	assert.Equal(t, "/src/a.go", parsed.FilePath)
	assert.Equal(t, broker.HolderKindExclusive, parsed.HolderKind)
	assert.False(t, parsed.Fallback)

	readID, err := client.RequestFileLock(ctx, "agentB", "ws", "/src/b.go", broker.LockKindRead, testTTL, 0)
	require.NoError(t, err)
	parsed, err = broker.ParseLockID(readID)
	require.NoError(t, err)
	assert.Equal(t, broker.HolderKindReaders, parsed.HolderKind)
	assert.Equal(t, "agentB", parsed.AgentID)
}
