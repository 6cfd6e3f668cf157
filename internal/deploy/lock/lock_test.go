package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "blog", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "blog", time.Minute)
	assert.True(t, errors.Is(err, ErrLocked))

	other, err := l.Acquire(ctx, "shop", time.Minute)
	require.NoError(t, err)
	other()

	release()
	release() // idempotent

	again, err := l.Acquire(ctx, "blog", time.Minute)
	require.NoError(t, err)
	again()
}

func TestLocalLocker_Expiry(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "blog", 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	fresh, err := l.Acquire(ctx, "blog", time.Minute)
	require.NoError(t, err)

	// releasing the expired lease must not drop the new one
	stale()
	_, err = l.Acquire(ctx, "blog", time.Minute)
	assert.True(t, errors.Is(err, ErrLocked))
	fresh()
}

func TestRedisLocker(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	defer rdb.Close()

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}

	l := NewRedisLocker(rdb)
	key := "test-" + uuid.NewString()

	t.Run("Exclusive", func(t *testing.T) {
		release, err := l.Acquire(ctx, key, time.Minute)
		require.NoError(t, err)

		_, err = l.Acquire(ctx, key, time.Minute)
		assert.True(t, errors.Is(err, ErrLocked))

		release()
		again, err := l.Acquire(ctx, key, time.Minute)
		require.NoError(t, err)
		again()
	})

	t.Run("ReleaseKeepsForeignToken", func(t *testing.T) {
		release, err := l.Acquire(ctx, key, time.Minute)
		require.NoError(t, err)

		// simulate expiry and takeover by another process
		require.NoError(t, rdb.Set(ctx, l.prefix+key, "someone-else", time.Minute).Err())
		release()

		val, err := rdb.Get(ctx, l.prefix+key).Result()
		require.NoError(t, err)
		assert.Equal(t, "someone-else", val)
		require.NoError(t, rdb.Del(ctx, l.prefix+key).Err())
	})

	t.Run("NilClient", func(t *testing.T) {
		_, err := (&RedisLocker{}).Acquire(ctx, key, time.Minute)
		assert.Error(t, err)
	})
}
