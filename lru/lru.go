// Package lru implements spec.md component C7: a bounded per-node cache that
// owns the lifetime of local update.Update/update.ConflictFreeUpdate
// objects, evicting via newest-wins ordering and expiring victims (soft or
// hard) by calling their EndSession exactly once.
//
// Grounded on original_source/phonon/process.py's LRUCache wrapper in
// structure (set/get/expire/expire_oldest/purge) and, for the underlying
// doubly-linked-list-plus-map eviction order, on
// other_examples/flux's generic LRU[T] (container/list + map, O(1)
// operations) — generalized here over any Session rather than a fixed
// value type, since phonon's two Update variants are the only two cache
// payload shapes the core needs, and a type parameter says that more
// plainly than an `any` field with runtime type assertions.
package lru

import (
	"container/list"
	"context"
	"sync"

	"github.com/buzzfeed/phonon/internal/logging"
	"github.com/buzzfeed/phonon/metrics"
)

// Session is the lifecycle an LruCache entry must support: whether it has
// expired (update.Update and update.ConflictFreeUpdate report true once
// either their soft or their hard expiration has passed), and how to end it (cache the merged state or execute,
// per update.Update/update.ConflictFreeUpdate's EndSession).
type Session interface {
	IsExpired() bool
	EndSession(ctx context.Context) error
}

// Outcome reports what Set did with an existing or new entry.
type Outcome int

const (
	// Inserted means the key was new and capacity allowed a plain insert.
	Inserted Outcome = iota
	// Merged means an existing, unexpired entry absorbed the new value via
	// Config.Merge and was repositioned as newest.
	Merged
	// ReplacedByExpiry means the existing entry for this key had already
	// hard-expired; it was expired (EndSession invoked) and replaced.
	ReplacedByExpiry
	// EvictedOldest means capacity was reached and the oldest entry was
	// expired to make room for the new one.
	EvictedOldest
)

// FailedEviction records a victim whose EndSession returned an error, so the
// failure is observable without crashing the cache or its worker.
type FailedEviction[T Session] struct {
	Key   string
	Value T
	Err   error
}

// Config controls a Cache's capacity and eviction behavior.
type Config[T Session] struct {
	// MaxEntries bounds the cache size. Must be positive.
	MaxEntries int
	// Merge combines an existing cache entry with a newly observed one for
	// the same key (spec.md 4.7's entry.refresh(update)). Required.
	Merge func(existing, incoming T) T
	// Async runs eviction's EndSession calls on a dedicated worker instead
	// of inline with the triggering Set/Get/expire call.
	Async bool
	// QueueSize bounds the async worker's pending-victim queue. Ignored
	// when Async is false. Defaults to 64.
	QueueSize int
	// Metrics records eviction counts and cache size, if non-nil.
	Metrics *metrics.Manager
}

func (c Config[T]) metrics() *metrics.Manager {
	if c.Metrics == nil {
		return metrics.NoOpManager()
	}
	return c.Metrics
}

type cacheEntry[T Session] struct {
	key   string
	value T
}

// Cache is the bounded local map described by spec.md component C7.
type Cache[T Session] struct {
	mu    sync.Mutex
	cfg   Config[T]
	ll    *list.List
	items map[string]*list.Element

	worker *worker[T]

	lastFailed *FailedEviction[T]
}

// New creates a Cache per cfg. If cfg.Async, a dedicated goroutine is
// started to drain evicted entries; call Close to stop it.
func New[T Session](cfg Config[T]) *Cache[T] {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	c := &Cache[T]{
		cfg:   cfg,
		ll:    list.New(),
		items: make(map[string]*list.Element),
	}
	if cfg.Async {
		c.worker = newWorker[T](cfg.QueueSize, c.recordFailure)
		c.worker.start()
	}
	return c
}

// Close stops the async worker, if any, draining it best-effort: queued
// victims not yet processed do not run, per spec.md's CONCURRENCY &
// RESOURCE MODEL ("drained best-effort on close").
func (c *Cache[T]) Close() {
	if c.worker != nil {
		c.worker.stop()
	}
}

// Len returns the current number of entries.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// LastFailed returns the most recent victim whose EndSession returned an
// error, and whether one has occurred.
func (c *Cache[T]) LastFailed() (FailedEviction[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastFailed == nil {
		return FailedEviction[T]{}, false
	}
	return *c.lastFailed, true
}

func (c *Cache[T]) recordFailure(key string, value T, err error) {
	c.mu.Lock()
	c.lastFailed = &FailedEviction[T]{Key: key, Value: value, Err: err}
	c.mu.Unlock()
	c.cfg.metrics().RecordLRUFailedEviction()
	logging.L().Warn("lru: eviction end_session failed", "key", key, "error", err)
}

// Set inserts or merges value under key, per spec.md 4.7:
//   - an existing entry first absorbs value via Config.Merge (sliding its
//     soft expiration forward, per Update.Refresh/ConflictFreeUpdate.Refresh)
//   - only if it is *still* expired (hard) after that merge is it expired
//     and replaced — a soft-stale-but-live entry is revived by the incoming
//     value rather than killed, matching original_source/phonon/cache.py's
//     set() (refresh() before is_expired())
//   - otherwise the merged entry moves to the newest position
//   - if the key is new, at capacity the oldest entry is expired to make
//     room
func (c *Cache[T]) Set(ctx context.Context, key string, value T) (Outcome, error) {
	c.mu.Lock()

	if elem, ok := c.items[key]; ok {
		existing := elem.Value.(*cacheEntry[T])
		merged := c.cfg.Merge(existing.value, value)
		if merged.IsExpired() {
			c.removeElement(elem)
			c.mu.Unlock()
			if err := c.endSession(ctx, key, merged); err != nil {
				return ReplacedByExpiry, err
			}
			return c.insertLocked(ctx, key, value, ReplacedByExpiry)
		}
		existing.value = merged
		c.ll.MoveToFront(elem)
		c.mu.Unlock()
		c.cfg.metrics().RecordLRUEviction("merged")
		return Merged, nil
	}

	if c.ll.Len() >= c.cfg.MaxEntries {
		oldest := c.ll.Back()
		victim := oldest.Value.(*cacheEntry[T])
		c.removeElement(oldest)
		c.mu.Unlock()
		if err := c.endSession(ctx, victim.key, victim.value); err != nil {
			return EvictedOldest, err
		}
		return c.insertLocked(ctx, key, value, EvictedOldest)
	}

	c.mu.Unlock()
	return c.insertLocked(ctx, key, value, Inserted)
}

func (c *Cache[T]) insertLocked(ctx context.Context, key string, value T, outcome Outcome) (Outcome, error) {
	c.mu.Lock()
	elem := c.ll.PushFront(&cacheEntry[T]{key: key, value: value})
	c.items[key] = elem
	size := c.ll.Len()
	c.mu.Unlock()
	if outcome == ReplacedByExpiry || outcome == EvictedOldest {
		c.cfg.metrics().RecordLRUEviction(outcomeLabel(outcome))
	}
	c.cfg.metrics().SetLRUSize(float64(size))
	return outcome, nil
}

func outcomeLabel(o Outcome) string {
	switch o {
	case ReplacedByExpiry:
		return "replaced_by_expiry"
	case EvictedOldest:
		return "evicted_oldest"
	case Merged:
		return "merged"
	default:
		return "inserted"
	}
}

// Get returns the entry for key, moving it to the newest position. If the
// entry's IsExpired reports true, it is expired instead and "not found" is
// reported.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		var zero T
		return zero, false, nil
	}
	entry := elem.Value.(*cacheEntry[T])
	if entry.value.IsExpired() {
		c.removeElement(elem)
		c.mu.Unlock()
		err := c.endSession(ctx, entry.key, entry.value)
		var zero T
		return zero, false, err
	}
	c.ll.MoveToFront(elem)
	value := entry.value
	c.mu.Unlock()
	return value, true, nil
}

// Expire ends the session for key, if present, and removes it.
func (c *Cache[T]) Expire(ctx context.Context, key string) error {
	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	entry := elem.Value.(*cacheEntry[T])
	c.removeElement(elem)
	c.mu.Unlock()
	return c.endSession(ctx, entry.key, entry.value)
}

// ExpireOldest ends the session for the least-recently set/get entry.
func (c *Cache[T]) ExpireOldest(ctx context.Context) error {
	c.mu.Lock()
	oldest := c.ll.Back()
	if oldest == nil {
		c.mu.Unlock()
		return nil
	}
	entry := oldest.Value.(*cacheEntry[T])
	c.removeElement(oldest)
	c.mu.Unlock()
	return c.endSession(ctx, entry.key, entry.value)
}

// ExpireAll ends every entry's session and empties the cache.
func (c *Cache[T]) ExpireAll(ctx context.Context) error {
	c.mu.Lock()
	var victims []cacheEntry[T]
	for e := c.ll.Front(); e != nil; e = e.Next() {
		victims = append(victims, *e.Value.(*cacheEntry[T]))
	}
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.mu.Unlock()

	var firstErr error
	for _, v := range victims {
		if err := c.endSession(ctx, v.key, v.value); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Purge scans for entries whose IsExpired reports true and expires each of
// them, leaving the rest untouched. Session does not separate soft from hard
// expiry, so for update.Update/update.ConflictFreeUpdate values Purge also
// expires entries that are past their soft expiration but not their hard
// one.
func (c *Cache[T]) Purge(ctx context.Context) error {
	c.mu.Lock()
	var expiredKeys []string
	for e := c.ll.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*cacheEntry[T])
		if entry.value.IsExpired() {
			expiredKeys = append(expiredKeys, entry.key)
		}
	}
	c.mu.Unlock()

	var firstErr error
	for _, key := range expiredKeys {
		if err := c.Expire(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Cache[T]) removeElement(elem *list.Element) {
	entry := elem.Value.(*cacheEntry[T])
	c.ll.Remove(elem)
	delete(c.items, entry.key)
}

// endSession runs value.EndSession either inline (sync mode) or by handing
// it to the async worker, per spec.md 4.7's "Async mode" / "In sync mode"
// split.
func (c *Cache[T]) endSession(ctx context.Context, key string, value T) error {
	if c.cfg.Async && c.worker != nil {
		c.worker.submit(ctx, key, value)
		return nil
	}
	if err := value.EndSession(ctx); err != nil {
		c.recordFailure(key, value, err)
		return err
	}
	return nil
}
