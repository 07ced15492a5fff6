package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func runStoreSuite(t *testing.T, st Store, advance func(time.Duration)) {
	ctx := context.Background()

	t.Run("increment anchors window at first call", func(t *testing.T) {
		n, ttl, err := st.Increment(ctx, "ctr", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.InDelta(t, time.Minute.Seconds(), ttl.Seconds(), 1)

		advance(20 * time.Second)
		n, ttl, err = st.Increment(ctx, "ctr", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		assert.InDelta(t, (40 * time.Second).Seconds(), ttl.Seconds(), 1)

		advance(41 * time.Second)
		n, _, err = st.Increment(ctx, "ctr", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("put if absent", func(t *testing.T) {
		ok, err := st.PutIfAbsent(ctx, "once", "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = st.PutIfAbsent(ctx, "once", "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		v, found, err := st.Get(ctx, "once")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "a", v)

		advance(2 * time.Minute)
		ok, err = st.PutIfAbsent(ctx, "once", "c", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("compare and swap", func(t *testing.T) {
		require.NoError(t, st.Put(ctx, "cas", "v1", time.Minute))

		ok, err := st.CompareAndSwap(ctx, "cas", "wrong", "v2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = st.CompareAndSwap(ctx, "cas", "v1", "v2", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		v, _, err := st.Get(ctx, "cas")
		require.NoError(t, err)
		assert.Equal(t, "v2", v)

		ok, err = st.CompareAndSwap(ctx, "missing", "", "x", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, st.Put(ctx, "gone", "x", 0))
		require.NoError(t, st.Delete(ctx, "gone"))
		_, found, err := st.Get(ctx, "gone")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("increment on non counter", func(t *testing.T) {
		require.NoError(t, st.Put(ctx, "text", "hello", time.Minute))
		_, _, err := st.Increment(ctx, "text", time.Minute)
		assert.ErrorIs(t, err, ErrNotCounter)
	})
}

func TestMemoryStore(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	st := NewMemoryStoreWithClock(clock.Now)
	runStoreSuite(t, st, clock.Advance)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := NewRedisStore(client, "test:")
	runStoreSuite(t, st, mr.FastForward)

	assert.True(t, mr.Exists("test:ctr"))
}

func TestMemoryStoreConcurrentIncrement(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = st.Increment(ctx, "burst", time.Minute)
		}()
	}
	wg.Wait()

	v, ok, err := st.Get(ctx, "burst")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "50", v)
}

func TestMemoryStoreSweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	st := NewMemoryStoreWithClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "a", "1", time.Second))
	require.NoError(t, st.Put(ctx, "b", "1", 0))
	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, st.Sweep())
	assert.Equal(t, 1, st.Len())
}

func TestMemoryStoreCanceledContext(t *testing.T) {
	st := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := st.Increment(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
