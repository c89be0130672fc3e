//go:build unit

package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLockManager(t *testing.T, opts ...LockManagerOption) (*RedisLockManager, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	client, err := New(context.Background(), newStandaloneConfig(mr.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	locks, err := NewRedisLockManager(client, opts...)
	require.NoError(t, err)

	return locks, mr
}

func TestNewRedisLockManager_NilClient(t *testing.T) {
	t.Parallel()

	_, err := NewRedisLockManager(nil)
	require.ErrorIs(t, err, ErrNilClient)
}

func TestTryLock_SingleWinner(t *testing.T) {
	t.Parallel()

	locks, _ := newTestLockManager(t)

	var (
		winners atomic.Int32
		wg      sync.WaitGroup
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, acquired, err := locks.TryLock(context.Background(), "outbox-publish", time.Minute)
			assert.NoError(t, err)

			if acquired {
				winners.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestTryLock_DefaultExpiry(t *testing.T) {
	t.Parallel()

	locks, mr := newTestLockManager(t)

	_, acquired, err := locks.TryLock(context.Background(), "inbox-cleanup", 0)
	require.NoError(t, err)
	require.True(t, acquired)

	assert.Equal(t, DefaultLockExpiry, mr.TTL(DefaultKeyPrefix+"inbox-cleanup"))
}

func TestTryLock_RedisDown(t *testing.T) {
	t.Parallel()

	locks, mr := newTestLockManager(t)
	mr.Close()

	_, acquired, err := locks.TryLock(context.Background(), "outbox-publish", time.Minute)
	require.Error(t, err)
	assert.False(t, acquired)
}

func TestTryLock_Contention(t *testing.T) {
	t.Parallel()

	locks, _ := newTestLockManager(t)
	ctx := context.Background()

	handle, acquired, err := locks.TryLock(ctx, "outbox-publish", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = locks.TryLock(ctx, "outbox-publish", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired, "held lock must not be granted twice")

	other, acquired, err := locks.TryLock(ctx, "inbox-cleanup", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "different keys are independent")
	require.NoError(t, other.Unlock(ctx))

	require.NoError(t, handle.Unlock(ctx))

	handle, acquired, err = locks.TryLock(ctx, "outbox-publish", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
	require.NoError(t, handle.Unlock(ctx))
}

func TestTryLock_UsesKeyPrefixAndExpiry(t *testing.T) {
	t.Parallel()

	locks, mr := newTestLockManager(t, WithKeyPrefix("relay-a:"))
	ctx := context.Background()

	_, acquired, err := locks.TryLock(ctx, "outbox-cleanup", 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	assert.True(t, mr.Exists("relay-a:outbox-cleanup"))
	assert.Equal(t, 30*time.Second, mr.TTL("relay-a:outbox-cleanup"))

	mr.FastForward(31 * time.Second)

	_, acquired, err = locks.TryLock(ctx, "outbox-cleanup", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired, "an expired lock is free again")
}

func TestUnlock_ExpiredLockFails(t *testing.T) {
	t.Parallel()

	locks, mr := newTestLockManager(t)
	ctx := context.Background()

	handle, acquired, err := locks.TryLock(ctx, "job", time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	mr.FastForward(2 * time.Second)

	require.Error(t, handle.Unlock(ctx))
}

func TestLockValidation(t *testing.T) {
	t.Parallel()

	locks, _ := newTestLockManager(t)
	ctx := context.Background()
	_, _, err := locks.TryLock(ctx, " ", time.Second)
	require.ErrorIs(t, err, ErrEmptyLockKey)

	var nilManager *RedisLockManager

	_, _, err = nilManager.TryLock(ctx, "job", time.Second)
	require.ErrorIs(t, err, ErrNilLockManager)

	var nilHandle *lockHandle
	require.ErrorIs(t, nilHandle.Unlock(ctx), ErrNilLockHandle)
}

func TestLockKeyForLogs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"job\n"`, lockKeyForLogs("job\n"))

	long := lockKeyForLogs(string(make([]byte, 300)))
	assert.Contains(t, long, "...(truncated)")
}
