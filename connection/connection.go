// Package connection implements spec.md component C1: node identity, the
// heartbeat loop, the per-node registry of held resources, and failure
// recovery (reclaiming resources abandoned by dead peers).
//
// Grounded on original_source/phonon/process.py's Process class, restructured
// around an explicit *Connection value per spec.md DESIGN NOTES rather than
// process.py's class-level `Process.client` singleton: every caller supplies
// its own store.Store, clock.Clock, and Config, so tests never warn about a
// "connection already exists" and may run many Connections concurrently in
// one process. The heartbeat-and-recover loop itself follows the same
// lock-then-hset-then-recover shape as process.py's __update_heartbeat, and
// the reclamation quota follows spec.md's floor(orphan_count/active_count)
// policy (process.py uses a ceiling instead).
package connection

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buzzfeed/phonon"
	"github.com/buzzfeed/phonon/clock"
	"github.com/buzzfeed/phonon/internal/logging"
	"github.com/buzzfeed/phonon/lock"
	"github.com/buzzfeed/phonon/metrics"
	"github.com/buzzfeed/phonon/reference"
	"github.com/buzzfeed/phonon/store"
)

// Config controls a Connection's timing and failure-recovery behavior.
type Config struct {
	Namespace              string
	HeartbeatInterval      time.Duration
	RecoverFailedProcesses bool
	LockConfig             lock.Config
	SessionLength          time.Duration

	// Metrics records heartbeat and recovery counters, if non-nil. A nil
	// Metrics is equivalent to metrics.NoOpManager().
	Metrics *metrics.Manager
}

// DefaultConfig mirrors spec.md section 6's defaults.
func DefaultConfig() Config {
	return Config{
		Namespace:              phonon.DefaultNamespace,
		HeartbeatInterval:      phonon.DefaultHeartbeatIntervalSeconds * time.Second,
		RecoverFailedProcesses: true,
		LockConfig:             lock.DefaultConfig(),
		SessionLength:          phonon.DefaultLockTTLSeconds * time.Second / 2,
	}
}

// Connection represents this node's membership in the cluster: a stable
// identity, a heartbeat loop, and a registry of resources it currently holds
// (so a dead peer's resources can be found and reclaimed by others).
type Connection struct {
	st  store.Store
	clk clock.Clock
	cfg Config

	heartbeatKey string

	mu          sync.Mutex
	id          string
	registryKey string

	cancel context.CancelFunc
	done   chan struct{}
}

// Open creates a Connection with a fresh node identity. Call Start to begin
// the heartbeat loop and Close to stop it and release this node's heartbeat
// entry.
func Open(st store.Store, clk clock.Clock, cfg Config) *Connection {
	if cfg.Namespace == "" {
		cfg.Namespace = phonon.DefaultNamespace
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoOpManager()
	}
	id := uuid.NewString()
	c := &Connection{
		st:           st,
		clk:          clk,
		cfg:          cfg,
		heartbeatKey: cfg.Namespace + "_heartbeat",
		id:           id,
		registryKey:  registryKeyFor(cfg.Namespace, id),
	}
	return c
}

func registryKeyFor(namespace, nodeID string) string { return namespace + "_" + nodeID }

// ID returns this node's current identity. It may change across a call to
// RecoverFailedProcesses if this node observes its own previous identity as
// failed (see recoverSelf).
func (c *Connection) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Store returns the shared store this Connection was opened against.
func (c *Connection) Store() store.Store { return c.st }

// Clock returns the clock this Connection uses for timestamps.
func (c *Connection) Clock() clock.Clock { return c.clk }

// Namespace returns the shared-store key prefix this Connection uses.
func (c *Connection) Namespace() string { return c.cfg.Namespace }

// LockConfig returns the lock configuration new References should use.
func (c *Connection) LockConfig() lock.Config { return c.cfg.LockConfig }

// SessionLengthMillis returns the nodelist staleness threshold in
// milliseconds, for References to build their Nodelist against.
func (c *Connection) SessionLengthMillis() int64 {
	return c.cfg.SessionLength.Milliseconds()
}

// AddToRegistry records resourceKey as held by this node.
func (c *Connection) AddToRegistry(ctx context.Context, resourceKey string) error {
	c.mu.Lock()
	registryKey := c.registryKey
	c.mu.Unlock()
	if err := c.st.HSet(ctx, registryKey, resourceKey, "1"); err != nil {
		return phonon.NewStoreError("connection.add_to_registry", err)
	}
	return nil
}

// RemoveFromRegistry forgets that resourceKey is held by this node.
func (c *Connection) RemoveFromRegistry(ctx context.Context, resourceKey string) error {
	c.mu.Lock()
	registryKey := c.registryKey
	c.mu.Unlock()
	if err := c.st.HDel(ctx, registryKey, resourceKey); err != nil {
		return phonon.NewStoreError("connection.remove_from_registry", err)
	}
	return nil
}

// NewReference creates a Reference to resource, owned by this Connection.
func (c *Connection) NewReference(ctx context.Context, resourceKey string, conflictFree bool) (*reference.Reference, error) {
	return reference.New(ctx, c, resourceKey, conflictFree)
}

// Start launches the heartbeat loop as a background goroutine. It stops when
// ctx is canceled or Close is called.
func (c *Connection) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		for {
			if err := c.SendHeartbeat(loopCtx); err != nil {
				logging.L().Warn("heartbeat failed", "error", err)
			}
			select {
			case <-loopCtx.Done():
				return
			case <-c.clk.After(c.cfg.HeartbeatInterval):
			}
		}
	}()
}

// Close stops the heartbeat loop and removes this node's heartbeat entry.
// The local registry is discarded; resources it named remain in the shared
// store for peers to reclaim via RecoverFailedProcesses.
func (c *Connection) Close(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	if err := c.st.HDel(ctx, c.heartbeatKey, c.ID()); err != nil {
		return phonon.NewStoreError("connection.close", err)
	}
	return nil
}

// SendHeartbeat records this node's liveness and, if configured, runs one
// pass of failure recovery. It is best-effort: store errors are returned to
// the caller (the heartbeat loop logs and continues rather than crashing).
func (c *Connection) SendHeartbeat(ctx context.Context) error {
	now := clock.NowMillis(c.clk)
	err := lock.With(ctx, c.st, c.heartbeatKey, c.cfg.LockConfig, func(*lock.Lock) error {
		return c.st.HSet(ctx, c.heartbeatKey, c.ID(), strconv.FormatInt(now, 10))
	})
	if err != nil {
		c.cfg.Metrics.RecordHeartbeatFailure()
		return err
	}
	c.cfg.Metrics.RecordHeartbeatSent()

	if c.cfg.RecoverFailedProcesses {
		if err := c.RecoverFailedProcesses(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RecoverFailedProcesses partitions known nodes into failed and active by
// comparing each node's last heartbeat against
// phonon.HeartbeatFailureMultiple heartbeat intervals, then, for every
// failed node other than itself, reclaims a share of that node's abandoned
// registry into its own. If this node observes its own previous identity as
// failed (a stop-the-world pause long enough to miss its own threshold), it
// reassigns itself a fresh identity rather than mutating the old registry —
// the old entries are picked up by a peer on a later pass.
func (c *Connection) RecoverFailedProcesses(ctx context.Context) error {
	heartbeats, err := c.st.HGetAll(ctx, c.heartbeatKey)
	if err != nil {
		return phonon.NewStoreError("connection.recover_failed_processes", err)
	}

	now := clock.NowMillis(c.clk)
	threshold := int64(phonon.HeartbeatFailureMultiple) * c.cfg.HeartbeatInterval.Milliseconds()

	var failed []string
	for nodeID, raw := range heartbeats {
		ts, convErr := strconv.ParseInt(raw, 10, 64)
		if convErr != nil {
			continue
		}
		if now-ts >= threshold {
			failed = append(failed, nodeID)
		}
	}
	activeCount := len(heartbeats) - len(failed)

	for _, failedID := range failed {
		if failedID == c.ID() {
			c.recoverSelf()
			continue
		}
		if activeCount <= 0 {
			logging.L().Warn("no active node available to recover references", "failed_node", failedID)
			continue
		}
		if err := c.reclaim(ctx, failedID, activeCount, len(failed)); err != nil {
			if lock.IsAlreadyLocked(err) {
				logging.L().Warn("registry already locked, will retry on next heartbeat", "failed_node", failedID)
				continue
			}
			return err
		}
	}
	return nil
}

// recoverSelf reassigns this Connection a fresh node identity. The old
// registry is abandoned in the shared store under the previous id; no
// entries are mutated here, matching process.py's documented behavior.
func (c *Connection) recoverSelf() {
	c.mu.Lock()
	oldID := c.id
	c.id = uuid.NewString()
	c.registryKey = registryKeyFor(c.cfg.Namespace, c.id)
	c.mu.Unlock()
	c.cfg.Metrics.RecordProcessRecovered("self")
	logging.L().Warn("this node observed its own heartbeat as failed; reassigning identity", "old_id", oldID, "new_id", c.ID())
}

// reclaim takes ownership of a share of failedID's registry entries: each
// reclaimed resource becomes a Reference owned by this Connection, with the
// failed node removed from that resource's nodelist. If the failed node's
// registry is emptied, its heartbeat entry is removed too.
func (c *Connection) reclaim(ctx context.Context, failedID string, activeCount, orphanCount int) error {
	failedRegistryKey := registryKeyFor(c.cfg.Namespace, failedID)

	return lock.With(ctx, c.st, failedRegistryKey, c.cfg.LockConfig, func(*lock.Lock) error {
		keys, err := c.st.HKeys(ctx, failedRegistryKey)
		if err != nil {
			return phonon.NewStoreError("connection.reclaim", err)
		}
		if len(keys) == 0 {
			return nil
		}

		claim := int(math.Max(1, math.Floor(float64(orphanCount)/float64(activeCount))))
		if claim > len(keys) {
			claim = len(keys)
		}
		recovering := keys[:claim]

		for _, resourceKey := range recovering {
			ref, err := reference.New(ctx, c, resourceKey, false)
			if err != nil {
				return err
			}
			lockErr := ref.WithLock(ctx, func() error {
				return ref.RemoveNode(ctx, failedID)
			})
			if lockErr != nil {
				return lockErr
			}
		}

		if err := c.st.HDel(ctx, failedRegistryKey, recovering...); err != nil {
			return phonon.NewStoreError("connection.reclaim", err)
		}
		remaining, err := c.st.HLen(ctx, failedRegistryKey)
		if err != nil {
			return phonon.NewStoreError("connection.reclaim", err)
		}
		if remaining == 0 {
			if err := c.st.HDel(ctx, c.heartbeatKey, failedID); err != nil {
				return phonon.NewStoreError("connection.reclaim", err)
			}
		}
		c.cfg.Metrics.RecordProcessRecovered("reclaim")
		return nil
	})
}
