package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buzzfeed/phonon"
	"github.com/buzzfeed/phonon/store"
)

func TestAcquireNonBlockingFailsFast(t *testing.T) {
	st := store.NewMemory(nil)
	ctx := context.Background()

	first, err := Acquire(ctx, st, "res", Config{TTL: time.Minute})
	require.NoError(t, err)
	defer first.Release(ctx)

	_, err = Acquire(ctx, st, "res", Config{TTL: time.Minute, BlockingTimeout: 0})
	require.ErrorIs(t, err, phonon.ErrAlreadyLocked)
}

func TestReleaseByNonOwnerIsNoOp(t *testing.T) {
	st := store.NewMemory(nil)
	ctx := context.Background()

	l, err := Acquire(ctx, st, "res", Config{TTL: time.Minute})
	require.NoError(t, err)

	impostor := &Lock{store: st, key: "res", token: "not-the-real-token"}
	require.NoError(t, impostor.Release(ctx))

	// The real owner must still be able to release afterward.
	require.NoError(t, l.Release(ctx))

	_, err = Acquire(ctx, st, "res", Config{TTL: time.Minute, BlockingTimeout: 0})
	require.NoError(t, err, "lease must be gone after the real owner released it")
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	st := store.NewMemory(nil)
	ctx := context.Background()

	first, err := Acquire(ctx, st, "res", Config{TTL: time.Minute})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, first.Release(ctx))
	}()

	second, err := Acquire(ctx, st, "res", Config{
		TTL:             time.Minute,
		BlockingTimeout: time.Second,
		RetryInterval:   5 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NotNil(t, second)
	wg.Wait()
}

func TestWithReleasesOnError(t *testing.T) {
	st := store.NewMemory(nil)
	ctx := context.Background()

	sentinel := require.New(t)
	err := With(ctx, st, "res", Config{TTL: time.Minute}, func(*Lock) error {
		return phonon.ErrArgument
	})
	sentinel.ErrorIs(err, phonon.ErrArgument)

	// The lease must have been released despite fn returning an error.
	l, err := Acquire(ctx, st, "res", Config{TTL: time.Minute, BlockingTimeout: 0})
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))
}

func TestLeaseExpiresOnItsOwn(t *testing.T) {
	st := store.NewMemory(nil)
	ctx := context.Background()

	_, err := Acquire(ctx, st, "res", Config{TTL: time.Millisecond})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	second, err := Acquire(ctx, st, "res", Config{TTL: time.Minute, BlockingTimeout: 0})
	require.NoError(t, err, "an expired lease must not block a new acquisition")
	require.NoError(t, second.Release(ctx))
}
