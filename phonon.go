// Package phonon implements a distributed reference-counting and
// write-coalescing core backed by a shared key-value store (Redis).
//
// Many producer nodes observe events that update the same logical records.
// Writing every event straight to a database is prohibitive; writing from a
// single node loses the updates observed by its peers. phonon coordinates
// which node eventually performs that write, guarantees at-most-one write
// per logical update session under cooperative failure, and tolerates
// partial node failure by reclaiming references abandoned by dead peers.
//
// The package is organized around four subsystems, each with its own
// sub-package: connection (node identity, heartbeat, failure recovery),
// lock (lease-based mutual exclusion), reference/nodelist (distributed
// reference counting with liveness), and update (the aggregation engine
// itself, in pessimistic and conflict-free variants). See SPEC_FULL.md for
// the complete design.
package phonon

import "errors"

// DefaultNamespace prefixes every shared-store key phonon creates, so that
// multiple independent deployments can share one Redis instance.
const DefaultNamespace = "phonon"

// Default timing parameters, named directly after spec.md section 6.
const (
	DefaultHeartbeatIntervalSeconds = 10
	DefaultLockTTLSeconds           = 1800
	DefaultLockRetryIntervalMillis  = 500
	DefaultBlockingTimeoutMillis    = 500 * 1000
	// HeartbeatFailureMultiple is the number of missed heartbeat intervals
	// after which a node is considered failed. spec.md DESIGN NOTES lists
	// revisions using 3x-6x; this core fixes 3x (Open Question #3).
	HeartbeatFailureMultiple = 3
)

// Sentinel errors shared across phonon's sub-packages. Callers compare with
// errors.Is; they replace the source implementation's exception hierarchy
// (original_source/phonon/exceptions.py) with ordinary Go control flow, per
// spec.md DESIGN NOTES ("Exceptions for control flow").
var (
	// ErrAlreadyLocked is returned when a lock could not be acquired within
	// its blocking timeout. It is recoverable: the caller may retry.
	ErrAlreadyLocked = errors.New("phonon: already locked")

	// ErrArgument indicates a caller mistake: a missing required field or an
	// otherwise impossible request. Fatal to the caller.
	ErrArgument = errors.New("phonon: invalid argument")

	// ErrNotLast is a control signal, not a failure: dereference determined
	// this was not the last live reference to the resource.
	ErrNotLast = errors.New("phonon: not the last reference")

	// ErrForcedExpiry marks a session that ended via force_expiry rather
	// than natural dereference.
	ErrForcedExpiry = errors.New("phonon: forced expiry")

	// ErrDereferenced is returned by operations attempted against a
	// Reference or Update that has already completed its lifecycle.
	ErrDereferenced = errors.New("phonon: already dereferenced")
)

// StoreError wraps a failure talking to the shared key-value store. The
// heartbeat loop and the LRU expiry worker log and absorb StoreErrors rather
// than propagating them, per spec.md ERROR HANDLING DESIGN.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "phonon: store error during " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err as a StoreError for operation op. Returns nil if
// err is nil.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// CallbackError wraps a panic or error value surfaced from a user-supplied
// execute or on-last callback. It propagates to the caller of
// end_session after internal cleanup has run, per spec.md 4.4's failure
// semantics.
type CallbackError struct {
	Phase string // "execute" (update) or "on_last" (reference)
	Err   error
}

func (e *CallbackError) Error() string {
	return "phonon: user callback failed during " + e.Phase + ": " + e.Err.Error()
}
func (e *CallbackError) Unwrap() error { return e.Err }
