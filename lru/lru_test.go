package lru

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSession is a minimal Session used to drive Cache without depending on
// package update.
type fakeSession struct {
	key      string
	mu       *sync.Mutex
	ended    map[string]int
	expired  bool
	endErr   error
	mergeVal int
}

func newFakeSession(mu *sync.Mutex, ended map[string]int, key string) *fakeSession {
	return &fakeSession{key: key, mu: mu, ended: ended}
}

func (f *fakeSession) IsExpired() bool { return f.expired }

func (f *fakeSession) EndSession(ctx context.Context) error {
	f.mu.Lock()
	if f.ended != nil {
		f.ended[f.key]++
	}
	f.mu.Unlock()
	return f.endErr
}

func mergeFake(existing, incoming *fakeSession) *fakeSession {
	existing.mergeVal += incoming.mergeVal
	return existing
}

// mergeRefresh simulates Update.Refresh: merging an incoming observation
// into an existing entry also slides its soft expiration forward, reviving
// an entry that had gone soft-stale but not yet hard-expired.
func mergeRefresh(existing, incoming *fakeSession) *fakeSession {
	existing.mergeVal += incoming.mergeVal
	existing.expired = false
	return existing
}

// TestEvictsOldestAtCapacity mirrors spec.md scenario 5: LruCache(N=5), set
// keys a..f (6 distinct sessions). Expected: a.end_session() invoked exactly
// once; size == 5; b..f still present.
func TestEvictsOldestAtCapacity(t *testing.T) {
	var mu sync.Mutex
	ended := map[string]int{}
	ctx := context.Background()

	c := New(Config[*fakeSession]{
		MaxEntries: 5,
		Merge:      mergeFake,
	})

	keys := []string{"a", "b", "c", "d", "e", "f"}
	for _, k := range keys {
		sess := newFakeSession(&mu, ended, k)
		_, err := c.Set(ctx, k, sess)
		require.NoError(t, err)
	}

	require.Equal(t, 5, c.Len())
	mu.Lock()
	require.Equal(t, 1, ended["a"])
	for _, k := range []string{"b", "c", "d", "e", "f"} {
		require.Equal(t, 0, ended[k])
	}
	mu.Unlock()

	for _, k := range []string{"b", "c", "d", "e", "f"} {
		_, ok, err := c.Get(ctx, k)
		require.NoError(t, err)
		require.True(t, ok, "expected %s present", k)
	}
	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestGetMovesToFront verifies Get's newest-wins repositioning keeps a
// recently-touched entry from being evicted ahead of truly idle ones.
func TestGetMovesToFront(t *testing.T) {
	var mu sync.Mutex
	ctx := context.Background()
	c := New(Config[*fakeSession]{MaxEntries: 2, Merge: mergeFake})

	a := &fakeSession{mu: &mu}
	b := &fakeSession{mu: &mu}
	_, err := c.Set(ctx, "a", a)
	require.NoError(t, err)
	_, err = c.Set(ctx, "b", b)
	require.NoError(t, err)

	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	c2 := &fakeSession{mu: &mu}
	_, err = c.Set(ctx, "c", c2)
	require.NoError(t, err)

	_, ok, err = c.Get(ctx, "b")
	require.NoError(t, err)
	require.False(t, ok, "b should have been evicted, not a")

	_, ok, err = c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
}

// TestMergeOnSameKey verifies Set on an existing live key merges rather than
// evicting, per spec.md's entry.refresh(update) behavior.
func TestMergeOnSameKey(t *testing.T) {
	var mu sync.Mutex
	ctx := context.Background()
	c := New(Config[*fakeSession]{MaxEntries: 5, Merge: mergeFake})

	a1 := &fakeSession{mu: &mu, mergeVal: 3}
	a2 := &fakeSession{mu: &mu, mergeVal: 4}

	outcome, err := c.Set(ctx, "a", a1)
	require.NoError(t, err)
	require.Equal(t, Inserted, outcome)

	outcome, err = c.Set(ctx, "a", a2)
	require.NoError(t, err)
	require.Equal(t, Merged, outcome)
	require.Equal(t, 1, c.Len())

	got, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 7, got.mergeVal)
}

// TestSetRevivesSoftExpiredEntry verifies Set merges/refreshes an existing
// entry *before* checking expiry: an entry gone soft-stale (IsExpired true)
// but not yet hard-expired is revived by a legitimate peer update rather
// than forcibly ended, per spec.md 4.7's "expired (hard)" qualifier and
// original_source/phonon/cache.py's set() (refresh() before is_expired()).
func TestSetRevivesSoftExpiredEntry(t *testing.T) {
	var mu sync.Mutex
	ended := map[string]int{}
	ctx := context.Background()
	c := New(Config[*fakeSession]{MaxEntries: 5, Merge: mergeRefresh})

	stale := &fakeSession{key: "a", mu: &mu, ended: ended, expired: true, mergeVal: 3}
	outcome, err := c.Set(ctx, "a", stale)
	require.NoError(t, err)
	require.Equal(t, Inserted, outcome)

	incoming := &fakeSession{key: "a", mu: &mu, mergeVal: 4}
	outcome, err = c.Set(ctx, "a", incoming)
	require.NoError(t, err)
	require.Equal(t, Merged, outcome)

	mu.Lock()
	require.Equal(t, 0, ended["a"], "a soft-stale entry must not be ended when the incoming update revives it")
	mu.Unlock()

	got, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 7, got.mergeVal)
}

// TestSetReplacesStillExpiredAfterMerge verifies that an entry still
// expired (hard) after merging the incoming value is expired and replaced,
// and that the merged (not the pre-merge) state is what gets ended, so the
// incoming delta is not lost.
func TestSetReplacesStillExpiredAfterMerge(t *testing.T) {
	var mu sync.Mutex
	ended := map[string]int{}
	ctx := context.Background()
	c := New(Config[*fakeSession]{MaxEntries: 5, Merge: mergeFake})

	hardExpired := &fakeSession{key: "a", mu: &mu, ended: ended, expired: true, mergeVal: 3}
	outcome, err := c.Set(ctx, "a", hardExpired)
	require.NoError(t, err)
	require.Equal(t, Inserted, outcome)

	incoming := &fakeSession{key: "a", mu: &mu, ended: ended, mergeVal: 4}
	outcome, err = c.Set(ctx, "a", incoming)
	require.NoError(t, err)
	require.Equal(t, ReplacedByExpiry, outcome)

	mu.Lock()
	require.Equal(t, 1, ended["a"])
	mu.Unlock()

	got, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 4, got.mergeVal, "the fresh incoming value, not the merged one, seeds the new entry")
}

// TestFailedEvictionIsRecorded verifies an EndSession error during eviction
// is captured as LastFailed rather than propagated as a panic.
func TestFailedEvictionIsRecorded(t *testing.T) {
	var mu sync.Mutex
	ctx := context.Background()
	c := New(Config[*fakeSession]{MaxEntries: 1, Merge: mergeFake})

	failing := &fakeSession{mu: &mu, endErr: errors.New("boom")}
	_, err := c.Set(ctx, "a", failing)
	require.NoError(t, err)

	fresh := &fakeSession{mu: &mu}
	_, err = c.Set(ctx, "b", fresh)
	require.Error(t, err)

	failed, ok := c.LastFailed()
	require.True(t, ok)
	require.Equal(t, "a", failed.Key)
}

// TestAsyncEviction verifies Async mode offloads EndSession to the worker:
// Set reports EvictedOldest without waiting on the victim's EndSession.
func TestAsyncEviction(t *testing.T) {
	var mu sync.Mutex
	ctx := context.Background()
	c := New(Config[*fakeSession]{MaxEntries: 1, Merge: mergeFake, Async: true})
	defer c.Close()

	a := &fakeSession{mu: &mu}
	_, err := c.Set(ctx, "a", a)
	require.NoError(t, err)

	b := &fakeSession{mu: &mu}
	outcome, err := c.Set(ctx, "b", b)
	require.NoError(t, err)
	require.Equal(t, EvictedOldest, outcome)
}

// TestExpireAll ends every session and empties the cache.
func TestExpireAll(t *testing.T) {
	var mu sync.Mutex
	ctx := context.Background()
	c := New(Config[*fakeSession]{MaxEntries: 5, Merge: mergeFake})

	for i := 0; i < 3; i++ {
		_, err := c.Set(ctx, fmt.Sprintf("k%d", i), &fakeSession{mu: &mu})
		require.NoError(t, err)
	}
	require.NoError(t, c.ExpireAll(ctx))
	require.Equal(t, 0, c.Len())
}
