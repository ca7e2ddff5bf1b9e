package update

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buzzfeed/phonon/clock"
	"github.com/buzzfeed/phonon/model"
	"github.com/buzzfeed/phonon/store"
)

// TestConflictFreeConcurrentCacheIsOrderIndependent mirrors spec.md scenario
// 6: three concurrent cache() calls from distinct nodes with docs {a:1},
// {a:7}, {a:7} must leave the cached field at 15 regardless of interleaving,
// with no lock contention.
func TestConflictFreeConcurrentCacheIsOrderIndependent(t *testing.T) {
	st := store.NewMemory(nil)
	mock := clock.NewMock(time.Now())
	ctx := context.Background()

	policy := ConflictFreePolicy{
		Fields:  []model.Field{model.Sum{FieldName: "a"}},
		Execute: func(context.Context, ConflictFreeDoc) error { return nil },
	}
	cfg := DefaultConfig()

	docs := []ConflictFreeDoc{{"a": int64(1)}, {"a": int64(7)}, {"a": int64(7)}}
	var refs []*ConflictFreeUpdate
	for i, doc := range docs {
		conn := newFakeConn(string(rune('a'+i)), st, mock)
		u, err := NewConflictFree(ctx, conn, mock, "agg", "res", doc, policy, cfg)
		require.NoError(t, err)
		refs = append(refs, u)
	}

	// Every node caches without holding a lock; order must not matter.
	for _, u := range refs {
		require.NoError(t, u.cache(ctx))
	}

	v, err := st.HGet(ctx, refs[0].ResourceKey(), "a")
	require.NoError(t, err)
	require.Equal(t, "15", v)
}

// TestConflictFreeLastDereferenceExecutes verifies the refcount, not the
// nodelist, is authoritative for "last reference" in the conflict-free
// variant (Open Question #1's resolution).
func TestConflictFreeLastDereferenceExecutes(t *testing.T) {
	st := store.NewMemory(nil)
	mock := clock.NewMock(time.Now())
	ctx := context.Background()

	var executed ConflictFreeDoc
	policy := ConflictFreePolicy{
		Fields: []model.Field{model.Sum{FieldName: "a"}},
		Execute: func(ctx context.Context, doc ConflictFreeDoc) error {
			executed = doc
			return nil
		},
	}
	cfg := DefaultConfig()

	connA := newFakeConn("node-a", st, mock)
	connB := newFakeConn("node-b", st, mock)

	uA, err := NewConflictFree(ctx, connA, mock, "agg", "res", ConflictFreeDoc{"a": int64(3)}, policy, cfg)
	require.NoError(t, err)
	uB, err := NewConflictFree(ctx, connB, mock, "agg", "res", ConflictFreeDoc{"a": int64(4)}, policy, cfg)
	require.NoError(t, err)

	require.NoError(t, uA.EndSession(ctx))
	require.Nil(t, executed)

	require.NoError(t, uB.EndSession(ctx))
	require.NotNil(t, executed)
	require.EqualValues(t, 7, executed["a"])

	// Last dereference deletes the resource's shared-store entries.
	remaining, err := st.HGetAll(ctx, uB.ResourceKey())
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestConflictFreeDiffField(t *testing.T) {
	st := store.NewMemory(nil)
	mock := clock.NewMock(time.Now())
	ctx := context.Background()

	policy := ConflictFreePolicy{
		Fields:  []model.Field{model.Diff{FieldName: "balance"}},
		Execute: func(context.Context, ConflictFreeDoc) error { return nil },
	}
	cfg := DefaultConfig()
	conn := newFakeConn("node-a", st, mock)

	u, err := NewConflictFree(ctx, conn, mock, "acct", "1", ConflictFreeDoc{"balance": int64(10)}, policy, cfg)
	require.NoError(t, err)
	require.NoError(t, u.cache(ctx))

	v, err := st.HGet(ctx, u.ResourceKey(), "balance")
	require.NoError(t, err)
	require.Equal(t, "-10", v)
}
