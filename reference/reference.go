// Package reference implements spec.md component C4: distributed reference
// counting with liveness. A Reference represents one node's interest in one
// shared resource; Dereference determines whether this node was the last
// live holder and, if so, runs a caller-supplied cleanup exactly once.
//
// Grounded on original_source/phonon/reference.py, generalized from that
// file's single reflist-JSON-blob design into the nodelist-hash design
// spec.md 4.3/4.4 describe, and split into a pessimistic mode (liveness
// measured by Nodelist.Count) and a conflict-free mode (liveness measured by
// a plain refcount key), per Open Question #1's resolution in SPEC_FULL.md.
package reference

import (
	"context"
	"errors"
	"strconv"

	"github.com/buzzfeed/phonon"
	"github.com/buzzfeed/phonon/clock"
	"github.com/buzzfeed/phonon/internal/logging"
	"github.com/buzzfeed/phonon/lock"
	"github.com/buzzfeed/phonon/nodelist"
	"github.com/buzzfeed/phonon/store"
)

// Conn is the slice of connection.Connection that Reference depends on. A
// narrow interface here (rather than importing package connection directly)
// keeps connection free to depend on reference for failure recovery without
// an import cycle.
type Conn interface {
	ID() string
	Store() store.Store
	Clock() clock.Clock
	Namespace() string
	LockConfig() lock.Config
	SessionLengthMillis() int64
	AddToRegistry(ctx context.Context, resourceKey string) error
	RemoveFromRegistry(ctx context.Context, resourceKey string) error
}

// Reference tracks this node's interest in one shared resource.
type Reference struct {
	conn         Conn
	resourceKey  string
	nodelistKey  string
	timesModKey  string
	refcountKey  string
	conflictFree bool

	nl *nodelist.Nodelist

	forceExpiry  bool
	dereferenced bool
}

func keyed(ns, resourceKey, suffix string) string {
	if suffix == "" {
		return ns + "_" + resourceKey
	}
	return ns + "_" + resourceKey + "." + suffix
}

// New creates (or joins) a Reference to resourceKey: it registers this
// node's id in the resource's nodelist, increments the conflict-free
// refcount if applicable, and records the resource in the connection's
// local registry so failure recovery can find it later.
func New(ctx context.Context, conn Conn, resourceKey string, conflictFree bool) (*Reference, error) {
	if resourceKey == "" {
		return nil, phonon.ErrArgument
	}
	ns := conn.Namespace()
	r := &Reference{
		conn:         conn,
		resourceKey:  resourceKey,
		nodelistKey:  keyed(ns, resourceKey, "nodelist"),
		timesModKey:  keyed(ns, resourceKey, "times_modified"),
		refcountKey:  keyed(ns, resourceKey, "refcount"),
		conflictFree: conflictFree,
	}
	r.nl = nodelist.New(conn.Store(), conn.Clock(), r.nodelistKey, conn.SessionLengthMillis())

	if err := r.nl.RefreshSession(ctx, conn.ID()); err != nil {
		return nil, err
	}
	if conflictFree {
		if _, err := conn.Store().IncrBy(ctx, r.refcountKey, 1); err != nil {
			return nil, phonon.NewStoreError("reference.new", err)
		}
	}
	if err := conn.AddToRegistry(ctx, resourceKey); err != nil {
		return nil, err
	}
	return r, nil
}

// ResourceKey returns the resource this Reference tracks.
func (r *Reference) ResourceKey() string { return r.resourceKey }

// Lock scopes a lease over this resource. Callers must release it.
func (r *Reference) Lock(ctx context.Context) (*lock.Lock, error) {
	return lock.Acquire(ctx, r.conn.Store(), r.resourceKey, r.conn.LockConfig())
}

// WithLock runs fn with a scoped lease held over this resource.
func (r *Reference) WithLock(ctx context.Context, fn func() error) error {
	return lock.With(ctx, r.conn.Store(), r.resourceKey, r.conn.LockConfig(), func(*lock.Lock) error {
		return fn()
	})
}

// RefreshSession refreshes this node's nodelist timestamp and, in pessimistic
// mode, prunes any nodes that have gone stale. Conflict-free mode skips the
// prune (no lock is held, so a concurrent prune could race a concurrent
// refresh); its liveness is carried entirely by the refcount key instead.
func (r *Reference) RefreshSession(ctx context.Context) error {
	if err := r.nl.RefreshSession(ctx, r.conn.ID()); err != nil {
		return err
	}
	if r.conflictFree {
		return nil
	}
	return r.nl.RemoveExpired(ctx, nil)
}

// IncrementTimesModified bumps the per-resource modification counter that
// update.Update checks to decide whether a cached snapshot must be merged.
// The counter key carries no TTL; it is removed only by the last
// Dereference's cleanup.
func (r *Reference) IncrementTimesModified(ctx context.Context) (int64, error) {
	n, err := r.conn.Store().Incr(ctx, r.timesModKey)
	if err != nil {
		return 0, phonon.NewStoreError("reference.increment_times_modified", err)
	}
	return n, nil
}

// GetTimesModified reads the current modification count without mutating it.
func (r *Reference) GetTimesModified(ctx context.Context) (int64, error) {
	v, err := r.conn.Store().Get(ctx, r.timesModKey)
	if err == store.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, phonon.NewStoreError("reference.get_times_modified", err)
	}
	n, convErr := strconv.ParseInt(v, 10, 64)
	if convErr != nil {
		return 0, nil
	}
	return n, nil
}

// Count reports the number of live holders: the nodelist size in pessimistic
// mode, the refcount value in conflict-free mode.
func (r *Reference) Count(ctx context.Context) (int64, error) {
	if r.conflictFree {
		v, err := r.conn.Store().Get(ctx, r.refcountKey)
		if err == store.ErrNotFound {
			return 0, nil
		}
		if err != nil {
			return 0, phonon.NewStoreError("reference.count", err)
		}
		n, convErr := strconv.ParseInt(v, 10, 64)
		if convErr != nil {
			return 0, nil
		}
		return n, nil
	}
	return r.nl.Count(ctx)
}

// TimesModifiedKey returns the shared-store key backing
// IncrementTimesModified/GetTimesModified, for callers (package update) that
// need to reset it directly during a forced-expiry write.
func (r *Reference) TimesModifiedKey() string { return r.timesModKey }

// RemoveNode removes nodeID from this resource's nodelist unconditionally.
// It exists for connection's failure-recovery path, which must strip a dead
// peer out of a resource's nodelist after reclaiming it, without going
// through that peer's own (unreachable) Dereference call.
func (r *Reference) RemoveNode(ctx context.Context, nodeID string) error {
	return r.nl.RemoveNode(ctx, nodeID)
}

// ForceExpiry marks this Reference so Dereference treats it as the last
// holder unconditionally, regardless of the measured liveness count.
func (r *Reference) ForceExpiry() { r.forceExpiry = true }

// Dereference removes this node's interest in the resource and reports
// whether this was the last live holder. When it was, onLast runs exactly
// once, and the resource's shared-store entries (cached payload, nodelist,
// times_modified, refcount) are deleted afterward regardless of onLast's
// outcome — cleanup must not leak keys just because a caller's callback
// failed.
//
// Per Open Question #2's resolution, a forced expiry always removes this
// node from the nodelist/refcount first, exactly like a natural dereference;
// "forced" only changes whether isLast is computed or assumed true.
func (r *Reference) Dereference(ctx context.Context, onLast func(ctx context.Context) error) (isLast bool, err error) {
	if r.dereferenced {
		return false, phonon.ErrDereferenced
	}
	r.dereferenced = true

	if err := r.nl.RemoveNode(ctx, r.conn.ID()); err != nil {
		return false, err
	}
	if !r.conflictFree {
		if pruneErr := r.nl.RemoveExpired(ctx, nil); pruneErr != nil {
			logging.L().Warn("reference: prune during dereference failed", "resource", r.resourceKey, "error", pruneErr)
		}
	}

	var remaining int64
	if r.conflictFree {
		remaining, err = r.conn.Store().IncrBy(ctx, r.refcountKey, -1)
		if err != nil {
			return false, phonon.NewStoreError("reference.dereference", err)
		}
	} else {
		remaining, err = r.nl.Count(ctx)
		if err != nil {
			return false, err
		}
	}

	if regErr := r.conn.RemoveFromRegistry(ctx, r.resourceKey); regErr != nil {
		logging.L().Warn("reference: registry cleanup failed", "resource", r.resourceKey, "error", regErr)
	}

	isLast = r.forceExpiry || remaining <= 0
	if !isLast {
		return false, nil
	}

	var cbErr error
	if onLast != nil {
		if cbErr = onLast(ctx); cbErr != nil {
			logging.L().Warn("reference: on-last callback failed", "resource", r.resourceKey, "error", cbErr)
		}
	}

	if delErr := r.conn.Store().Delete(ctx, r.resourceKey, r.nodelistKey, r.timesModKey, r.refcountKey); delErr != nil {
		logging.L().Warn("reference: cleanup delete failed", "resource", r.resourceKey, "error", delErr)
	}

	if cbErr != nil {
		return true, &phonon.CallbackError{Phase: "on_last", Err: cbErr}
	}
	return true, nil
}

// IsDereferenced reports whether err is (or wraps) phonon.ErrDereferenced.
func IsDereferenced(err error) bool {
	return errors.Is(err, phonon.ErrDereferenced)
}
