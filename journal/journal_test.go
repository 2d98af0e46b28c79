package journal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcharbon70/agentkeeper/errs"
	"github.com/pcharbon70/agentkeeper/store"
)

func TestJournalAppendAndLoad(t *testing.T) {
	j := New(store.NewMemoryStore())
	ctx := context.Background()

	th, err := j.Append(ctx, "t1", []store.Entry{{Kind: "note"}}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, th.Rev)

	rev0 := uint64(0)
	_, err = j.Append(ctx, "t1", []store.Entry{{Kind: "note"}}, &rev0)
	assert.ErrorIs(t, err, errs.ErrConflict)

	loaded, found, err := j.Load(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, loaded.Entries, 1)
}

func TestJournalSubscriptionCheckpoint(t *testing.T) {
	j := New(store.NewMemoryStore())
	ctx := context.Background()

	_, found, err := j.ReadCheckpoint(ctx, "sub-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, j.RecordCheckpoint(ctx, "sub-1", 42))
	seq, found, err := j.ReadCheckpoint(ctx, "sub-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 42, seq)

	require.NoError(t, j.RecordCheckpoint(ctx, "sub-1", 43))
	seq, found, err = j.ReadCheckpoint(ctx, "sub-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 43, seq)

	require.NoError(t, j.DeleteCheckpoint(ctx, "sub-1"))
	_, found, err = j.ReadCheckpoint(ctx, "sub-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestJournalSubscriptionCheckpointsAreIndependent(t *testing.T) {
	j := New(store.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, j.RecordCheckpoint(ctx, "sub-a", 5))
	require.NoError(t, j.RecordCheckpoint(ctx, "sub-b", 9))

	seqA, _, err := j.ReadCheckpoint(ctx, "sub-a")
	require.NoError(t, err)
	seqB, _, err := j.ReadCheckpoint(ctx, "sub-b")
	require.NoError(t, err)

	assert.EqualValues(t, 5, seqA)
	assert.EqualValues(t, 9, seqB)
}

func TestJournalDLQPutListDelete(t *testing.T) {
	j := New(store.NewMemoryStore())
	ctx := context.Background()

	entries, err := j.DLQList(ctx, "sub-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, j.DLQPut(ctx, "sub-1", "e1", "step_panic", map[string]any{"kind": "boom"}))
	require.NoError(t, j.DLQPut(ctx, "sub-1", "e2", "undeliverable", map[string]any{"kind": "lost"}))

	entries, err = j.DLQList(ctx, "sub-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e1", entries[0].EntryID)
	assert.Equal(t, "step_panic", entries[0].Reason)
	assert.Equal(t, "e2", entries[1].EntryID)
	assert.Equal(t, "undeliverable", entries[1].Reason)

	require.NoError(t, j.DLQDelete(ctx, "sub-1", "e1"))
	entries, err = j.DLQList(ctx, "sub-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "e2", entries[0].EntryID)
}

func TestJournalDLQClear(t *testing.T) {
	j := New(store.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, j.DLQPut(ctx, "sub-1", "e1", "invalid_term", nil))
	require.NoError(t, j.DLQPut(ctx, "sub-1", "e2", "invalid_term", nil))
	require.NoError(t, j.DLQClear(ctx, "sub-1"))

	entries, err := j.DLQList(ctx, "sub-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestJournalDLQKeyedBySubscriptionAndEntry(t *testing.T) {
	j := New(store.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, j.DLQPut(ctx, "sub-1", "e1", "step_panic", nil))
	require.NoError(t, j.DLQPut(ctx, "sub-2", "e1", "step_panic", nil))

	entriesA, err := j.DLQList(ctx, "sub-1")
	require.NoError(t, err)
	entriesB, err := j.DLQList(ctx, "sub-2")
	require.NoError(t, err)

	require.Len(t, entriesA, 1)
	require.Len(t, entriesB, 1)

	require.NoError(t, j.DLQDelete(ctx, "sub-1", "e1"))
	entriesA, err = j.DLQList(ctx, "sub-1")
	require.NoError(t, err)
	entriesB, err = j.DLQList(ctx, "sub-2")
	require.NoError(t, err)
	assert.Empty(t, entriesA)
	assert.Len(t, entriesB, 1)
}
