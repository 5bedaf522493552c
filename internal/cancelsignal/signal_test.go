package cancelsignal

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/ostdata-archive/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, ttl, testutil.Logger())
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore(0, time.Hour) },
		"redis": func(t *testing.T) Store {
			s, _ := newRedisStore(t, time.Hour)
			return s
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			raised, err := store.IsRaised(ctx, "job-1")
			require.NoError(t, err)
			assert.False(t, raised)

			require.NoError(t, store.Raise(ctx, "job-1"))
			raised, err = store.IsRaised(ctx, "job-1")
			require.NoError(t, err)
			assert.True(t, raised)

			require.NoError(t, store.RaiseMany(ctx, []string{"job-2", "job-3"}))
			for _, id := range []string{"job-2", "job-3"} {
				raised, err := store.IsRaised(ctx, id)
				require.NoError(t, err)
				assert.True(t, raised, id)
			}

			raised, err = store.IsRaised(ctx, "job-4")
			require.NoError(t, err)
			assert.False(t, raised)

			require.NoError(t, store.RaiseMany(ctx, nil))
		})
	}
}

func TestRedisStore_KeyAndTTL(t *testing.T) {
	store, mr := newRedisStore(t, 2*time.Hour)

	require.NoError(t, store.Raise(context.Background(), "abc"))

	assert.True(t, mr.Exists("job_cancel:abc"))
	assert.Equal(t, 2*time.Hour, mr.TTL("job_cancel:abc"))

	mr.FastForward(3 * time.Hour)

	raised, err := store.IsRaised(context.Background(), "abc")
	require.NoError(t, err)
	assert.False(t, raised)
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	store := NewRedisStoreFromClient(client, time.Hour, testutil.Logger())
	defer store.Close()
	mr.Close()

	err = store.Raise(context.Background(), "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to raise cancel signal")

	_, err = store.IsRaised(context.Background(), "abc")
	require.Error(t, err)
}

func TestMemoryStore_Expiry(t *testing.T) {
	store := NewMemoryStore(10, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, store.Raise(ctx, "abc"))
	raised, _ := store.IsRaised(ctx, "abc")
	assert.True(t, raised)

	assert.Eventually(t, func() bool {
		raised, _ := store.IsRaised(ctx, "abc")
		return !raised
	}, time.Second, 5*time.Millisecond)
}

func TestRedisStore_HealthCheck(t *testing.T) {
	store, mr := newRedisStore(t, time.Hour)

	require.NoError(t, store.HealthCheck(context.Background()))

	mr.Close()
	err := store.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")
}
