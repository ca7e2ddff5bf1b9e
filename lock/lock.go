// Package lock implements phonon's scoped mutual exclusion primitive
// (spec.md component C2): a lease-based lock over the shared store with
// bounded blocking, automatic expiry, and owner-only release.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/buzzfeed/phonon"
	"github.com/buzzfeed/phonon/internal/logging"
	"github.com/buzzfeed/phonon/metrics"
	"github.com/buzzfeed/phonon/store"
)

// Config controls how a single Acquire call behaves.
type Config struct {
	// TTL is the lease lifetime armed on successful acquisition. Lease
	// expiry is silent: a slow holder can lose its lease with no
	// notification, so long critical sections must re-verify state.
	TTL time.Duration
	// BlockingTimeout bounds how long Acquire retries before giving up.
	// Zero means a single non-blocking attempt.
	BlockingTimeout time.Duration
	// RetryInterval is the sleep between acquisition attempts.
	RetryInterval time.Duration
	// Metrics records acquisition outcomes and wait durations, if non-nil.
	Metrics *metrics.Manager
}

func (c Config) metrics() *metrics.Manager {
	if c.Metrics == nil {
		return metrics.NoOpManager()
	}
	return c.Metrics
}

// DefaultConfig mirrors spec.md section 6's defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             phonon.DefaultLockTTLSeconds * time.Second,
		BlockingTimeout: phonon.DefaultBlockingTimeoutMillis * time.Millisecond,
		RetryInterval:   phonon.DefaultLockRetryIntervalMillis * time.Millisecond,
	}
}

// Lock is an acquired lease over a single key. The zero value is not usable;
// obtain one through Acquire.
type Lock struct {
	store store.Store
	key   string
	token string
}

// Key returns the lock's underlying store key (without the ".lock" suffix).
func (l *Lock) Key() string { return l.key }

// Token returns this holder's owner token, chiefly useful for tests.
func (l *Lock) Token() string { return l.token }

func leaseKey(key string) string { return key + ".lock" }

// Acquire attempts to take the lease for key, retrying every
// cfg.RetryInterval until cfg.BlockingTimeout elapses or ctx is canceled.
// A zero BlockingTimeout makes this a single non-blocking attempt.
//
// Per spec.md 4.2, acquisition failure after the blocking timeout returns
// phonon.ErrAlreadyLocked — a recoverable error, not a fatal one.
func Acquire(ctx context.Context, st store.Store, key string, cfg Config) (*Lock, error) {
	if key == "" {
		return nil, phonon.ErrArgument
	}
	lk := leaseKey(key)
	token := uuid.NewString()
	m := cfg.metrics()

	start := time.Now()
	deadline := start.Add(cfg.BlockingTimeout)
	for attempt := 0; ; attempt++ {
		ok, err := st.SetNX(ctx, lk, token, cfg.TTL)
		if err != nil {
			return nil, phonon.NewStoreError("lock.acquire", err)
		}
		if ok {
			m.RecordLockAcquisition("acquired")
			m.RecordLockWait(time.Since(start))
			logging.L().Debug("lock acquired", "lock_key", lk, "owner_token", token, "attempt", attempt)
			return &Lock{store: st, key: key, token: token}, nil
		}

		if cfg.BlockingTimeout <= 0 || time.Now().After(deadline) {
			if cfg.BlockingTimeout > 0 {
				m.RecordLockTimeout()
				m.RecordLockAcquisition("timeout")
			} else {
				m.RecordLockAcquisition("already_locked")
			}
			return nil, phonon.ErrAlreadyLocked
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}
	}
}

// Release deletes the lease iff this Lock still owns it. A lease that has
// already expired or been taken over by another holder makes Release a
// no-op success, per spec.md 4.2.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	ok, err := l.store.CompareAndDelete(ctx, leaseKey(l.key), l.token)
	if err != nil {
		return phonon.NewStoreError("lock.release", err)
	}
	if !ok {
		logging.L().Debug("lock release no-op: lease expired or stolen", "lock_key", l.key, "owner_token", l.token)
	}
	return nil
}

// With acquires a scoped lock over key and guarantees Release runs on every
// exit path from fn — success, error, or panic — matching spec.md 4.2's
// scoped-acquisition pattern (the source's `with process.lock(key):`).
func With(ctx context.Context, st store.Store, key string, cfg Config, fn func(*Lock) error) (err error) {
	l, err := Acquire(ctx, st, key, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := l.Release(ctx); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	return fn(l)
}

// IsAlreadyLocked reports whether err is (or wraps) phonon.ErrAlreadyLocked.
func IsAlreadyLocked(err error) bool {
	return errors.Is(err, phonon.ErrAlreadyLocked)
}
