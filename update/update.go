// Package update implements spec.md components C5 and C6: the
// write-coalescing aggregation engine, in a pessimistic (lock-protected,
// arbitrary merge/cache/execute) and a conflict-free (lock-free, per-field
// commutative operations) variant.
//
// Grounded on original_source/phonon/update.py. BaseUpdate's session
// lifecycle (_end_session's dereference → expired-check → cache-or-execute
// dispatch) is shared between Update and ConflictFreeUpdate here exactly as
// it is there, via the package-private endSession helper. Where update.py
// extends behavior by subclassing BaseUpdate and overriding cache/merge/
// execute, this package instead takes those as explicit function values
// (Policy) or, for the conflict-free case, a declarative model.Field list —
// per spec.md DESIGN NOTES's note that Go favors composition over the
// override-a-virtual-method pattern. Pickled snapshots are replaced by
// explicit JSON encoding (phonon's shared store has no notion of a
// language-specific object graph).
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buzzfeed/phonon"
	"github.com/buzzfeed/phonon/clock"
	"github.com/buzzfeed/phonon/metrics"
	"github.com/buzzfeed/phonon/reference"
	"github.com/buzzfeed/phonon/store"
)

// Doc is the generic document payload an Update session aggregates.
type Doc map[string]any

// Config controls a session's lifetime and failure-recovery mode. Names and
// defaults mirror update.py's hard_session/soft_session/init_cache.
type Config struct {
	// HardSession is the absolute maximum lifetime of a session.
	HardSession time.Duration
	// SoftSession is refreshed on every Refresh call, extending the
	// session's life as long as peers keep observing updates for it.
	SoftSession time.Duration
	// InitCache caches the document immediately on session start, trading
	// some throughput for better crash recovery.
	InitCache bool
	// Metrics records cache/execute/force-expiry counts, if non-nil.
	Metrics *metrics.Manager
}

func (c Config) metrics() *metrics.Manager {
	if c.Metrics == nil {
		return metrics.NoOpManager()
	}
	return c.Metrics
}

// DefaultConfig mirrors update.py's TTL / .5*TTL defaults.
func DefaultConfig() Config {
	return Config{
		HardSession: phonon.DefaultLockTTLSeconds * time.Second,
		SoftSession: phonon.DefaultLockTTLSeconds * time.Second / 2,
	}
}

func resourceKeyFor(ns, collection, id string) string {
	return fmt.Sprintf("%s_Update.%s.%s", ns, collection, id)
}

// Policy supplies the pessimistic Update's behavior.
type Policy struct {
	// Merge combines a freshly observed document with one pulled from the
	// shared cache, returning the merged document.
	Merge func(observed, cached Doc) Doc
	// Execute performs the write-through to the backing store. It is called
	// with the fully merged document, under the resource's lock, exactly
	// once per session (on the last dereference, on forced expiry, or at
	// EndSession when the session has expired).
	Execute func(ctx context.Context, doc Doc) error
}

// Update is the pessimistic write-coalescing session (spec.md component C5).
type Update struct {
	conn   reference.Conn
	clk    clock.Clock
	ref    *reference.Reference
	policy Policy
	cfg    Config

	doc Doc

	hardExpiration time.Time
	softExpiration time.Time
}

// New starts (or joins) a pessimistic Update session over collection/id.
func New(ctx context.Context, conn reference.Conn, clk clock.Clock, collection, id string, doc Doc, policy Policy, cfg Config) (*Update, error) {
	if policy.Merge == nil || policy.Execute == nil {
		return nil, phonon.ErrArgument
	}
	if doc == nil {
		doc = Doc{}
	}
	resourceKey := resourceKeyFor(conn.Namespace(), collection, id)
	ref, err := reference.New(ctx, conn, resourceKey, false)
	if err != nil {
		return nil, err
	}
	now := clk.Now()
	u := &Update{
		conn:           conn,
		clk:            clk,
		ref:            ref,
		policy:         policy,
		cfg:            cfg,
		doc:            doc,
		hardExpiration: now.Add(cfg.HardSession),
		softExpiration: now.Add(cfg.SoftSession),
	}
	if cfg.InitCache {
		if err := u.cache(ctx); err != nil {
			return nil, err
		}
		// The snapshot now holds the document; clearing the local copy keeps
		// the next cache/execute from merging it in a second time.
		u.doc = Doc{}
	}
	return u, nil
}

// ResourceKey returns the shared-store key this session aggregates under.
func (u *Update) ResourceKey() string { return u.ref.ResourceKey() }

// IsExpired reports whether this session has passed its hard or soft
// expiration, per update.py's is_expired.
func (u *Update) IsExpired() bool {
	now := u.clk.Now()
	return now.After(u.hardExpiration) || now.After(u.softExpiration)
}

// Refresh merges a peer's observation into this session's document and
// extends the soft expiration, per update.py's refresh().
func (u *Update) Refresh(observed Doc) {
	u.softExpiration = u.clk.Now().Add(u.cfg.SoftSession)
	u.doc = u.policy.Merge(u.doc, observed)
}

// cache acquires the resource lock and writes this session's document to
// the shared cache, merging in whatever a peer has already cached if this
// is not the first write. Grounded on Update.__cache. Used only when no
// outer lock is already held (New's InitCache path); EndSession's sequence
// runs cacheLocked under its own single lock acquisition instead.
func (u *Update) cache(ctx context.Context) error {
	return u.ref.WithLock(ctx, func() error {
		return u.cacheLocked(ctx)
	})
}

// cacheLocked is cache's body, assuming the resource lock is already held.
// Increments times_modified on success.
func (u *Update) cacheLocked(ctx context.Context) error {
	u.cfg.metrics().RecordUpdateCache("pessimistic")
	if err := u.mergeCached(ctx); err != nil {
		return err
	}
	encoded, err := json.Marshal(u.doc)
	if err != nil {
		return err
	}
	if err := u.conn.Store().Set(ctx, u.ref.ResourceKey(), string(encoded)); err != nil {
		return phonon.NewStoreError("update.cache", err)
	}
	_, err = u.ref.IncrementTimesModified(ctx)
	return err
}

// executeLocked merges in any cached snapshot and runs the write-through,
// assuming the resource lock is already held. Grounded on Update.__execute.
func (u *Update) executeLocked(ctx context.Context) error {
	u.cfg.metrics().RecordUpdateExecute("pessimistic")
	if err := u.mergeCached(ctx); err != nil {
		return err
	}
	if err := u.policy.Execute(ctx, u.doc); err != nil {
		return &phonon.CallbackError{Phase: "execute", Err: err}
	}
	return nil
}

func (u *Update) mergeCached(ctx context.Context) error {
	timesModified, err := u.ref.GetTimesModified(ctx)
	if err != nil {
		return err
	}
	if timesModified == 0 {
		return nil
	}
	raw, err := u.conn.Store().Get(ctx, u.ref.ResourceKey())
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return phonon.NewStoreError("update.merge_cached", err)
	}
	var cached Doc
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return err
	}
	u.doc = u.policy.Merge(u.doc, cached)
	return nil
}

// ForceExpiry marks this session's Reference as the last one regardless of
// peers, then ends the session, so execute runs here and the resource's
// shared-store entries are deleted. Grounded on BaseUpdate.force_expiry.
func (u *Update) ForceExpiry(ctx context.Context) error {
	u.cfg.metrics().RecordUpdateForceExpiry("pessimistic")
	u.ref.ForceExpiry()
	return u.EndSession(ctx)
}

// EndSession indicates this session has ended on this node. The entire
// dereference → decide → cache-or-execute sequence runs under one
// acquisition of the resource lock (spec.md 4.5 steps 1-5; the source's
// `end_session` takes its lock the same way, around the whole body, rather
// than letting dereference and cache/execute each take and release their
// own), so no peer can observe this resource as last and execute against a
// partial view while this node is still mid-decision. If this was the
// resource's last live reference, execute runs and the resource's
// shared-store entries are removed. Otherwise, if the session has expired,
// execute still runs (so stale data isn't held indefinitely) and the cached
// snapshot and times_modified counter are reset; if neither, the document is
// cached for the next node to merge. Grounded on BaseUpdate._end_session.
func (u *Update) EndSession(ctx context.Context) error {
	return endSession(ctx, u.ref, u.conn.Store(), u.IsExpired(), u.executeLocked, u.cacheLocked, u.ref.WithLock)
}

// locker runs fn with some scope of mutual exclusion held across it. Update
// passes Reference.WithLock, so dereference/execute/cache all run under one
// lease; ConflictFreeUpdate passes a no-op, since C6 is lock-free by design
// (Open Question #4).
type locker func(ctx context.Context, fn func() error) error

func noLock(_ context.Context, fn func() error) error { return fn() }

// endSession implements BaseUpdate._end_session, shared between Update and
// ConflictFreeUpdate: both subclass it in update.py by passing in their own
// cache/execute closures. The whole dereference → decide → cache-or-execute
// body runs inside a single withLock call, so the decision and its
// consequence (cache vs. execute) are made under one lease rather than
// racing a concurrent peer's own end_session between them.
func endSession(ctx context.Context, ref *reference.Reference, st store.Store, isExpired bool, execute func(context.Context) error, cache func(context.Context) error, withLock locker) error {
	return withLock(ctx, func() error {
		isLast, err := ref.Dereference(ctx, execute)
		if err != nil {
			return err
		}
		if isLast {
			return nil
		}
		if isExpired {
			if err := execute(ctx); err != nil {
				return err
			}
			if err := st.Delete(ctx, ref.ResourceKey()); err != nil {
				return phonon.NewStoreError("update.force_execute", err)
			}
			return st.Set(ctx, ref.TimesModifiedKey(), "0")
		}
		return cache(ctx)
	})
}
