package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcharbon70/agentkeeper/errs"
)

// RunConformance exercises the Store contract identically against any
// backend. Every backend's test file calls this with a fresh Store so the
// same assertions run for the in-memory, file, and SQL implementations
// (SPEC_FULL.md §4.1: "both backends MUST pass the identical conformance
// test suite").
func RunConformance(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("checkpoint round trip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := CheckpointKey{AgentModule: "Agent", LogicalKey: "u1"}

		_, found, err := s.GetCheckpoint(ctx, key)
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, s.PutCheckpoint(ctx, key, []byte("hello")))
		data, found, err := s.GetCheckpoint(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("hello"), data)

		require.NoError(t, s.PutCheckpoint(ctx, key, []byte("updated")))
		data, found, err = s.GetCheckpoint(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("updated"), data)
	})

	t.Run("checkpoint delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := CheckpointKey{AgentModule: "Agent", LogicalKey: "u2"}

		require.NoError(t, s.DeleteCheckpoint(ctx, key))
		require.NoError(t, s.PutCheckpoint(ctx, key, []byte("x")))
		require.NoError(t, s.DeleteCheckpoint(ctx, key))
		require.NoError(t, s.DeleteCheckpoint(ctx, key))

		_, found, err := s.GetCheckpoint(ctx, key)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("thread append assigns seq and rev", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		th, err := s.AppendThread(ctx, "t1", []Entry{{Kind: "note"}}, nil)
		require.NoError(t, err)
		require.Len(t, th.Entries, 1)
		assert.EqualValues(t, 1, th.Rev)
		assert.EqualValues(t, 0, th.Entries[0].Seq)
		assert.NotEmpty(t, th.Entries[0].ID)
		assert.NotZero(t, th.Entries[0].At)

		rev0 := uint64(0)
		th, err = s.AppendThread(ctx, "t1", []Entry{{Kind: "note"}}, &rev0)
		assert.ErrorIs(t, err, errs.ErrConflict)

		rev1 := uint64(1)
		th, err = s.AppendThread(ctx, "t1", []Entry{{Kind: "tool_call"}}, &rev1)
		require.NoError(t, err)
		assert.EqualValues(t, 2, th.Rev)

		loaded, found, err := s.LoadThread(ctx, "t1")
		require.NoError(t, err)
		require.True(t, found)
		require.Len(t, loaded.Entries, 2)
		assert.EqualValues(t, 0, loaded.Entries[0].Seq)
		assert.EqualValues(t, 1, loaded.Entries[1].Seq)
	})

	t.Run("thread load missing", func(t *testing.T) {
		s := newStore(t)
		_, found, err := s.LoadThread(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("thread delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.AppendThread(ctx, "t2", []Entry{{Kind: "note"}}, nil)
		require.NoError(t, err)
		require.NoError(t, s.DeleteThread(ctx, "t2"))
		require.NoError(t, s.DeleteThread(ctx, "t2"))

		_, found, err := s.LoadThread(ctx, "t2")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("append without expected rev always succeeds", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			_, err := s.AppendThread(ctx, "t3", []Entry{{Kind: "note"}}, nil)
			require.NoError(t, err)
		}
		th, found, err := s.LoadThread(ctx, "t3")
		require.NoError(t, err)
		require.True(t, found)
		assert.EqualValues(t, 5, th.Rev)
		for i, e := range th.Entries {
			assert.EqualValues(t, i, e.Seq)
		}
	})

	t.Run("binary frame round trip across many entries", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		want := make([]Entry, 0, 1000)
		for i := 0; i < 1000; i++ {
			want = append(want, Entry{
				Kind:    "note",
				Payload: map[string]any{"i": int64(i), "label": "entry"},
				Refs:    map[string]string{"prev": "x"},
			})
		}
		_, err := s.AppendThread(ctx, "t4", want, nil)
		require.NoError(t, err)

		loaded, found, err := s.LoadThread(ctx, "t4")
		require.NoError(t, err)
		require.True(t, found)
		require.Len(t, loaded.Entries, 1000)
		for i, e := range loaded.Entries {
			assert.EqualValues(t, i, e.Seq)
			assert.Equal(t, "note", e.Kind)
		}
	})
}
