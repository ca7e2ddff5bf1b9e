// Package nodelist implements spec.md component C3: a per-resource mapping
// of node-id to last-refresh timestamp, with prune/refresh/count
// operations. It is the liveness ledger Reference (C4) builds on.
package nodelist

import (
	"context"
	"strconv"

	"github.com/buzzfeed/phonon"
	"github.com/buzzfeed/phonon/clock"
	"github.com/buzzfeed/phonon/internal/logging"
	"github.com/buzzfeed/phonon/store"
)

// Nodelist tracks which nodes currently hold a session on one resource.
type Nodelist struct {
	st            store.Store
	clk           clock.Clock
	key           string // "<ns>_<resource>.nodelist"
	sessionLength int64  // millis; a node older than this is expired
}

// New returns a Nodelist for the given fully-qualified hash key.
func New(st store.Store, clk clock.Clock, key string, sessionLengthMillis int64) *Nodelist {
	return &Nodelist{st: st, clk: clk, key: key, sessionLength: sessionLengthMillis}
}

// Key returns the underlying store hash key.
func (n *Nodelist) Key() string { return n.key }

// RefreshSession sets nodelist[nodeID] = now. Called on Reference creation
// and during heartbeat paths.
func (n *Nodelist) RefreshSession(ctx context.Context, nodeID string) error {
	now := clock.NowMillis(n.clk)
	if err := n.st.HSet(ctx, n.key, nodeID, strconv.FormatInt(now, 10)); err != nil {
		return phonon.NewStoreError("nodelist.refresh_session", err)
	}
	return nil
}

// FindExpired detects nodes whose last refresh is older than sessionLength.
// If nodeIDs is empty, every node currently in the nodelist is checked.
func (n *Nodelist) FindExpired(ctx context.Context, nodeIDs []string) ([]string, error) {
	var nodes map[string]string
	var err error
	if len(nodeIDs) > 0 {
		nodes, err = n.st.HMGet(ctx, n.key, nodeIDs...)
	} else {
		nodes, err = n.st.HGetAll(ctx, n.key)
	}
	if err != nil {
		return nil, phonon.NewStoreError("nodelist.find_expired", err)
	}

	now := clock.NowMillis(n.clk)
	var expired []string
	for nodeID, raw := range nodes {
		ts, convErr := strconv.ParseInt(raw, 10, 64)
		if convErr != nil {
			continue
		}
		if now-ts > n.sessionLength {
			expired = append(expired, nodeID)
		}
	}
	return expired, nil
}

// RemoveExpired re-checks each candidate against the current timestamps
// (a concurrent refresh must not lose the node) and removes whichever are
// still expired. If candidates is empty, every node is checked.
func (n *Nodelist) RemoveExpired(ctx context.Context, candidates []string) error {
	expired, err := n.FindExpired(ctx, candidates)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}
	if err := n.st.HDel(ctx, n.key, expired...); err != nil {
		return phonon.NewStoreError("nodelist.remove_expired", err)
	}
	logging.L().Debug("nodelist pruned expired nodes", "key", n.key, "nodes", expired)
	return nil
}

// RemoveNode removes a single node from the nodelist unconditionally.
func (n *Nodelist) RemoveNode(ctx context.Context, nodeID string) error {
	if err := n.st.HDel(ctx, n.key, nodeID); err != nil {
		return phonon.NewStoreError("nodelist.remove_node", err)
	}
	return nil
}

// Clear removes the entire nodelist hash.
func (n *Nodelist) Clear(ctx context.Context) error {
	if err := n.st.Delete(ctx, n.key); err != nil {
		return phonon.NewStoreError("nodelist.clear", err)
	}
	return nil
}

// GetLastUpdated returns the last refresh timestamp (epoch millis) for a
// node, and false if the node isn't present.
func (n *Nodelist) GetLastUpdated(ctx context.Context, nodeID string) (int64, bool, error) {
	v, err := n.st.HGet(ctx, n.key, nodeID)
	if err == store.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, phonon.NewStoreError("nodelist.get_last_updated", err)
	}
	ts, convErr := strconv.ParseInt(v, 10, 64)
	if convErr != nil {
		return 0, false, nil
	}
	return ts, true, nil
}

// GetAllNodes returns every node-id to last-refresh-millis pair currently
// tracked.
func (n *Nodelist) GetAllNodes(ctx context.Context) (map[string]int64, error) {
	raw, err := n.st.HGetAll(ctx, n.key)
	if err != nil {
		return nil, phonon.NewStoreError("nodelist.get_all_nodes", err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		ts, convErr := strconv.ParseInt(v, 10, 64)
		if convErr != nil {
			continue
		}
		out[k] = ts
	}
	return out, nil
}

// Count returns the number of nodes currently in the nodelist.
func (n *Nodelist) Count(ctx context.Context) (int64, error) {
	c, err := n.st.HLen(ctx, n.key)
	if err != nil {
		return 0, phonon.NewStoreError("nodelist.count", err)
	}
	return c, nil
}
