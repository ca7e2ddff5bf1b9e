package reference

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buzzfeed/phonon"
	"github.com/buzzfeed/phonon/clock"
	"github.com/buzzfeed/phonon/lock"
	"github.com/buzzfeed/phonon/store"
)

// fakeConn is a minimal Conn for exercising Reference in isolation, without
// pulling in package connection (which itself depends on reference for
// failure recovery).
type fakeConn struct {
	id       string
	st       store.Store
	clk      clock.Clock
	ns       string
	lockCfg  lock.Config
	session  int64
	registry map[string]struct{}
}

func newFakeConn(id string, st store.Store, clk clock.Clock) *fakeConn {
	return &fakeConn{
		id:       id,
		st:       st,
		clk:      clk,
		ns:       "phonon",
		lockCfg:  lock.Config{TTL: time.Minute, RetryInterval: time.Millisecond},
		session:  1000,
		registry: map[string]struct{}{},
	}
}

func (c *fakeConn) ID() string                     { return c.id }
func (c *fakeConn) Store() store.Store             { return c.st }
func (c *fakeConn) Clock() clock.Clock             { return c.clk }
func (c *fakeConn) Namespace() string              { return c.ns }
func (c *fakeConn) LockConfig() lock.Config        { return c.lockCfg }
func (c *fakeConn) SessionLengthMillis() int64     { return c.session }
func (c *fakeConn) AddToRegistry(ctx context.Context, resourceKey string) error {
	c.registry[resourceKey] = struct{}{}
	return nil
}
func (c *fakeConn) RemoveFromRegistry(ctx context.Context, resourceKey string) error {
	delete(c.registry, resourceKey)
	return nil
}

func TestPessimisticLastDereferenceRunsCallback(t *testing.T) {
	st := store.NewMemory(nil)
	mock := clock.NewMock(time.Now())
	ctx := context.Background()

	connA := newFakeConn("node-a", st, mock)
	refA, err := New(ctx, connA, "res-1", false)
	require.NoError(t, err)

	called := false
	isLast, err := refA.Dereference(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, isLast)
	require.True(t, called)
	require.NotContains(t, connA.registry, "res-1")

	_, err = st.Get(ctx, "res-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPessimisticNotLastSkipsCallback(t *testing.T) {
	st := store.NewMemory(nil)
	mock := clock.NewMock(time.Now())
	ctx := context.Background()

	connA := newFakeConn("node-a", st, mock)
	connB := newFakeConn("node-b", st, mock)

	refA, err := New(ctx, connA, "res-1", false)
	require.NoError(t, err)
	_, err = New(ctx, connB, "res-1", false)
	require.NoError(t, err)

	called := false
	isLast, err := refA.Dereference(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, isLast)
	require.False(t, called)

	n, err := st.HLen(ctx, "phonon_res-1.nodelist")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestConflictFreeRefcount(t *testing.T) {
	st := store.NewMemory(nil)
	mock := clock.NewMock(time.Now())
	ctx := context.Background()

	connA := newFakeConn("node-a", st, mock)
	connB := newFakeConn("node-b", st, mock)

	refA, err := New(ctx, connA, "res-1", true)
	require.NoError(t, err)
	refB, err := New(ctx, connB, "res-1", true)
	require.NoError(t, err)

	isLast, err := refA.Dereference(ctx, nil)
	require.NoError(t, err)
	require.False(t, isLast)

	isLast, err = refB.Dereference(ctx, nil)
	require.NoError(t, err)
	require.True(t, isLast)
}

func TestForceExpiryTreatsAsLastRegardlessOfCount(t *testing.T) {
	st := store.NewMemory(nil)
	mock := clock.NewMock(time.Now())
	ctx := context.Background()

	connA := newFakeConn("node-a", st, mock)
	connB := newFakeConn("node-b", st, mock)

	refA, err := New(ctx, connA, "res-1", false)
	require.NoError(t, err)
	_, err = New(ctx, connB, "res-1", false)
	require.NoError(t, err)

	refA.ForceExpiry()
	called := false
	isLast, err := refA.Dereference(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, isLast)
	require.True(t, called)

	// node-b's own interest is untouched; it can still see the resource gone
	// from the shared store since force-expiry deletes it regardless.
	_, err = st.Get(ctx, "res-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDereferenceIsOneShot(t *testing.T) {
	st := store.NewMemory(nil)
	mock := clock.NewMock(time.Now())
	ctx := context.Background()

	connA := newFakeConn("node-a", st, mock)
	refA, err := New(ctx, connA, "res-1", false)
	require.NoError(t, err)

	_, err = refA.Dereference(ctx, nil)
	require.NoError(t, err)

	_, err = refA.Dereference(ctx, nil)
	require.ErrorIs(t, err, phonon.ErrDereferenced)
}

func TestOnLastCallbackErrorStillCleansUpAndWrapsError(t *testing.T) {
	st := store.NewMemory(nil)
	mock := clock.NewMock(time.Now())
	ctx := context.Background()

	connA := newFakeConn("node-a", st, mock)
	refA, err := New(ctx, connA, "res-1", false)
	require.NoError(t, err)

	boom := phonon.ErrArgument
	isLast, err := refA.Dereference(ctx, func(context.Context) error {
		return boom
	})
	require.True(t, isLast)
	require.Error(t, err)
	require.ErrorIs(t, err, boom)

	// Cleanup still ran despite the callback failing.
	_, getErr := st.Get(ctx, "res-1")
	require.ErrorIs(t, getErr, store.ErrNotFound)
}

func TestIncrementAndGetTimesModified(t *testing.T) {
	st := store.NewMemory(nil)
	mock := clock.NewMock(time.Now())
	ctx := context.Background()

	connA := newFakeConn("node-a", st, mock)
	refA, err := New(ctx, connA, "res-1", false)
	require.NoError(t, err)

	n, err := refA.IncrementTimesModified(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = refA.IncrementTimesModified(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	got, err := refA.GetTimesModified(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, got)
}
