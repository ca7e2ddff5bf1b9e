package update

import (
	"context"
	"errors"
	"time"

	"github.com/buzzfeed/phonon"
	"github.com/buzzfeed/phonon/clock"
	"github.com/buzzfeed/phonon/model"
	"github.com/buzzfeed/phonon/reference"
	"github.com/buzzfeed/phonon/store"
)

// ConflictFreeDoc is the per-field observation a ConflictFreeUpdate session
// accumulates locally before its next cache() call. Keys must name a field
// declared in the session's model.Field list.
type ConflictFreeDoc map[string]any

// ConflictFreePolicy supplies a ConflictFreeUpdate's behavior: the declared
// fields license cache() to apply per-field atomic increments with no lock
// (spec.md 4.6's defining feature), and Execute performs the final
// write-through once the accumulated counters are read back.
type ConflictFreePolicy struct {
	// Fields declares every attribute this session aggregates and how it
	// merges and encodes, per model.Field.
	Fields []model.Field
	// Execute performs the write-through to the backing store, given the
	// fully accumulated document read back from the shared hash. Called
	// lock-free, exactly once per session: on the last dereference, on
	// forced expiry, or at EndSession when the session has expired.
	Execute func(ctx context.Context, doc ConflictFreeDoc) error
}

func (p ConflictFreePolicy) field(name string) (model.Field, bool) {
	for _, f := range p.Fields {
		if f.Name() == name {
			return f, true
		}
	}
	return nil, false
}

// ConflictFreeUpdate is the lock-free write-coalescing session (spec.md
// component C6): doc fields are restricted to commutative, associative
// per-field operations, so cache() applies them directly against the shared
// store with no resource lock. Grounded on original_source/phonon/update.py's
// BaseUpdate, sharing endSession with the pessimistic Update via the
// package-private helper, but with Cache/Execute bypassing the resource lock
// entirely per spec.md 4.6 and Open Question #4.
type ConflictFreeUpdate struct {
	conn   reference.Conn
	clk    clock.Clock
	ref    *reference.Reference
	policy ConflictFreePolicy
	cfg    Config

	doc ConflictFreeDoc

	hardExpiration time.Time
	softExpiration time.Time
}

// NewConflictFree starts (or joins) a conflict-free aggregation session over
// collection/id. Per Open Question #1's resolution, liveness here is
// authoritative through the refcount counter exclusively — the Nodelist is
// never consulted for the last-reference decision, since it isn't safe to
// read without a lock under concurrent writers.
func NewConflictFree(ctx context.Context, conn reference.Conn, clk clock.Clock, collection, id string, doc ConflictFreeDoc, policy ConflictFreePolicy, cfg Config) (*ConflictFreeUpdate, error) {
	if policy.Execute == nil || len(policy.Fields) == 0 {
		return nil, phonon.ErrArgument
	}
	if doc == nil {
		doc = ConflictFreeDoc{}
	}
	resourceKey := resourceKeyFor(conn.Namespace(), collection, id)
	ref, err := reference.New(ctx, conn, resourceKey, true)
	if err != nil {
		return nil, err
	}
	now := clk.Now()
	u := &ConflictFreeUpdate{
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
	}
	return u, nil
}

// ResourceKey returns the shared-store key this session aggregates under.
func (u *ConflictFreeUpdate) ResourceKey() string { return u.ref.ResourceKey() }

// IsExpired reports whether this session has passed its hard or soft
// expiration.
func (u *ConflictFreeUpdate) IsExpired() bool {
	now := u.clk.Now()
	return now.After(u.hardExpiration) || now.After(u.softExpiration)
}

// Refresh merges a peer's observation into this session's local document and
// extends the soft expiration. Unlike the pessimistic Update, the merge here
// is each field's declared Merge function, never user code.
func (u *ConflictFreeUpdate) Refresh(observed ConflictFreeDoc) {
	u.softExpiration = u.clk.Now().Add(u.cfg.SoftSession)
	for name, v := range observed {
		f, ok := u.policy.field(name)
		if !ok {
			continue
		}
		u.doc[name] = f.Merge(v, u.doc[name])
	}
}

// cache applies this session's local document to the resource's shared
// hash. No lock is held. Sum and Diff fields are applied as atomic hash
// increments, so concurrent callers from distinct nodes may apply them in
// any order and the result is the same, per spec.md 4.6's essential
// invariant. Every other field kind goes through mergeEncodeStore's
// non-atomic read-merge-write.
func (u *ConflictFreeUpdate) cache(ctx context.Context) error {
	u.cfg.metrics().RecordUpdateCache("conflict_free")
	st := u.conn.Store()
	for name, v := range u.doc {
		f, ok := u.policy.field(name)
		if !ok {
			continue
		}
		switch field := f.(type) {
		case model.Sum:
			if _, err := st.HIncrBy(ctx, u.ref.ResourceKey(), name, toDelta(v)); err != nil {
				return phonon.NewStoreError("conflict_free_update.cache", err)
			}
		case model.Diff:
			if _, err := st.HIncrBy(ctx, u.ref.ResourceKey(), name, -toDelta(v)); err != nil {
				return phonon.NewStoreError("conflict_free_update.cache", err)
			}
		default:
			if err := u.mergeEncodeStore(ctx, field, name, v); err != nil {
				return err
			}
		}
	}
	u.doc = ConflictFreeDoc{}
	_, err := u.ref.IncrementTimesModified(ctx)
	return err
}

// mergeEncodeStore handles fields without a native atomic-increment
// primitive (list/set/windowed/identity): it reads whatever is currently
// cached, merges the local observation in via the field's own Merge, and
// writes the result back. This is a read-merge-write, not an atomic
// increment, but it stays lock-free: list/set/identity fields in practice
// have one writer per logical sub-key in phonon's usage (per-node deltas
// rarely collide on the same list entry), and a lost update here is no
// worse than the source's own hincrby-less fields, which carry the same
// race in original_source/phonon/fields.py.
func (u *ConflictFreeUpdate) mergeEncodeStore(ctx context.Context, f model.Field, name string, observed any) error {
	st := u.conn.Store()
	raw, err := st.HGet(ctx, u.ref.ResourceKey(), name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return phonon.NewStoreError("conflict_free_update.cache", err)
	}
	var cached any
	if raw != "" {
		cached, err = f.Decode(raw)
		if err != nil {
			return err
		}
	}
	merged := f.Merge(observed, cached)
	encoded, err := f.Encode(merged)
	if err != nil {
		return err
	}
	if err := st.HSet(ctx, u.ref.ResourceKey(), name, encoded); err != nil {
		return phonon.NewStoreError("conflict_free_update.cache", err)
	}
	return nil
}

func toDelta(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// execute reads the accumulated per-field counters from the shared hash and
// runs the write-through. Lock-free, like cache.
func (u *ConflictFreeUpdate) execute(ctx context.Context) error {
	u.cfg.metrics().RecordUpdateExecute("conflict_free")
	st := u.conn.Store()
	raw, err := st.HGetAll(ctx, u.ref.ResourceKey())
	if err != nil {
		return phonon.NewStoreError("conflict_free_update.execute", err)
	}
	doc := ConflictFreeDoc{}
	for _, f := range u.policy.Fields {
		v, ok := raw[f.Name()]
		if !ok {
			continue
		}
		decoded, err := f.Decode(v)
		if err != nil {
			return err
		}
		doc[f.Name()] = decoded
	}
	// Fold in whatever wasn't cached yet (this node's own last observations).
	for name, v := range u.doc {
		f, ok := u.policy.field(name)
		if !ok {
			continue
		}
		doc[name] = f.Merge(v, doc[name])
	}
	if err := u.policy.Execute(ctx, doc); err != nil {
		return &phonon.CallbackError{Phase: "execute", Err: err}
	}
	return nil
}

// ForceExpiry expires this session unconditionally, then ends it.
func (u *ConflictFreeUpdate) ForceExpiry(ctx context.Context) error {
	u.cfg.metrics().RecordUpdateForceExpiry("conflict_free")
	u.ref.ForceExpiry()
	return u.EndSession(ctx)
}

// EndSession dereferences this session. If this was the resource's last live
// reference (refcount <= 0, per Open Question #1), execute runs and the
// resource's shared-store entries are removed. Otherwise, if the session has
// expired, execute still runs and the cached hash is deleted and
// times_modified reset to 0; if neither, this node's accumulated document is
// folded into the shared per-field counters via cache(). No lock is held in
// any case.
func (u *ConflictFreeUpdate) EndSession(ctx context.Context) error {
	return endSession(ctx, u.ref, u.conn.Store(), u.IsExpired(), u.execute, u.cache, noLock)
}
