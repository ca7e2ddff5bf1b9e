package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// requireRedisClient connects to a real Redis instance for the optional
// integration suite, skipping when one isn't reachable. Grounded on
// pkg/lane/redis_test_helpers_test.go:requireRedisClient.
func requireRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("PHONON_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis is not available at %s: %v", addr, err)
	}

	t.Cleanup(func() { _ = client.Close() })
	return client
}

func uniqueKeyPrefix(prefix string) string {
	return fmt.Sprintf("phonon:test:%s:%d:", prefix, time.Now().UnixNano())
}

func TestRedisCompareAndDeleteIntegration(t *testing.T) {
	client := requireRedisClient(t)
	s := NewRedis(client)
	ctx := context.Background()

	key := uniqueKeyPrefix("cad") + "lock"

	ok, err := s.SetNX(ctx, key, "token-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CompareAndDelete(ctx, key, "token-b")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.CompareAndDelete(ctx, key, "token-a")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.Get(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisHashIncrIntegration(t *testing.T) {
	client := requireRedisClient(t)
	s := NewRedis(client)
	ctx := context.Background()

	key := uniqueKeyPrefix("hincr") + "counters"
	require.NoError(t, client.Del(ctx, key).Err())

	v, err := s.HIncrBy(ctx, key, "a", 3)
	require.NoError(t, err)
	require.EqualValues(t, 3, v)

	v, err = s.HIncrBy(ctx, key, "a", 4)
	require.NoError(t, err)
	require.EqualValues(t, 7, v)

	require.NoError(t, client.Del(ctx, key).Err())
}
