package manager

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcharbon70/agentkeeper/agentruntime"
	"github.com/pcharbon70/agentkeeper/errs"
	"github.com/pcharbon70/agentkeeper/serialize"
	"github.com/pcharbon70/agentkeeper/store"
)

func echoStep(ctx context.Context, state agentruntime.AgentState, event agentruntime.Event) (agentruntime.AgentState, []agentruntime.Event, []agentruntime.Directive) {
	next := state.Clone()
	if event.Kind == "boom" {
		panic("kaboom")
	}
	if event.Kind == "work" {
		next.Status = agentruntime.StatusWorking
	}
	return next, nil, nil
}

func echoFactory(key string, initial agentruntime.AgentState) agentruntime.Config {
	return agentruntime.Config{Step: echoStep}
}

func newTestManager(t *testing.T, backing store.Store) *Manager {
	t.Helper()
	m := New(Config{
		Name:             "test",
		AgentModule:      "Agent",
		Factory:          echoFactory,
		Store:            backing,
		IdleTimeout:      IdleTimeoutInfinite,
		EvictionInterval: 10 * time.Millisecond,
		DelayedCleanup:   5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestManagerGetStartsAndLookupSeesIt(t *testing.T) {
	m := newTestManager(t, nil)

	h, err := m.Get(context.Background(), "session-1", GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, h.Runtime())

	found, ok := m.Lookup("session-1")
	require.True(t, ok)
	assert.Same(t, h.entry, found.entry)
}

func TestManagerGetIsIdempotentAcrossConcurrentCallers(t *testing.T) {
	m := newTestManager(t, nil)

	const n = 20
	results := make(chan *Handle, n)
	for i := 0; i < n; i++ {
		go func() {
			h, err := m.Get(context.Background(), "shared-key", GetOptions{})
			require.NoError(t, err)
			results <- h
		}()
	}

	first := <-results
	for i := 1; i < n; i++ {
		h := <-results
		assert.Same(t, first.entry, h.entry)
	}
	assert.Equal(t, 1, m.Stats().Count)
}

func TestManagerAttachDetachArmsIdleDeadline(t *testing.T) {
	m := New(Config{
		Name: "idle-test", AgentModule: "Agent", Factory: echoFactory,
		IdleTimeout: 20 * time.Millisecond, EvictionInterval: 5 * time.Millisecond, DelayedCleanup: 5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	h, err := m.Get(context.Background(), "idle-key", GetOptions{})
	require.NoError(t, err)

	h.Attach()
	time.Sleep(50 * time.Millisecond)
	_, ok := m.Lookup("idle-key")
	assert.True(t, ok, "attached entry must not be evicted")

	h.Detach()

	require.Eventually(t, func() bool {
		_, ok := m.Lookup("idle-key")
		return !ok
	}, time.Second, 5*time.Millisecond, "entry should be evicted after idle timeout")
}

func TestManagerStopGracefullyTearsDownAndDeregisters(t *testing.T) {
	backing := store.NewMemoryStore()
	m := newTestManager(t, backing)

	_, err := m.Get(context.Background(), "stop-key", GetOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Stop(context.Background(), "stop-key"))

	data, found, err := backing.GetCheckpoint(context.Background(), store.CheckpointKey{AgentModule: "Agent", LogicalKey: "stop-key"})
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEmpty(t, data)

	require.Eventually(t, func() bool {
		_, ok := m.Lookup("stop-key")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestManagerStopUnknownKeyErrors(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.Stop(context.Background(), "nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestManagerCrashPublishesEventAndDeregisters(t *testing.T) {
	m := New(Config{
		Name: "crash-test", AgentModule: "Agent", Factory: func(key string, initial agentruntime.AgentState) agentruntime.Config {
			return agentruntime.Config{Step: echoStep, PanicThreshold: 1, PanicWindow: 30 * time.Second}
		},
		EvictionInterval: 10 * time.Millisecond, DelayedCleanup: 5 * time.Millisecond,
		MaxRestarts: 1, RestartWindow: time.Minute,
	})
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	events, cancel := m.Subscribe()
	defer cancel()

	h, err := m.Get(context.Background(), "crash-key", GetOptions{})
	require.NoError(t, err)

	// First crash consumes the supervisor's one-restart budget; it comes
	// back up silently. A second crash within the restart window exhausts
	// the budget and the supervisor gives up for good.
	firstRoot := h.Runtime()
	require.NoError(t, firstRoot.Send(agentruntime.Event{Kind: "boom"}))
	require.Eventually(t, func() bool {
		rt := h.Runtime()
		return rt != firstRoot && rt.CurrentState().Status == agentruntime.StatusIdle
	}, time.Second, 5*time.Millisecond, "supervisor should have restarted the root runtime")
	require.NoError(t, h.Runtime().Send(agentruntime.Event{Kind: "boom"}))

	var started, crashed bool
	deadline := time.After(2 * time.Second)
	for !crashed {
		select {
		case ev := <-events:
			switch ev.Kind {
			case EventSessionStarted:
				started = true
			case EventSessionCrashed:
				crashed = true
				assert.Equal(t, "crash-key", ev.Key)
			}
		case <-deadline:
			t.Fatal("timed out waiting for session_crashed event")
		}
	}
	assert.True(t, started)

	require.Eventually(t, func() bool {
		_, ok := m.Lookup("crash-key")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestManagerStatsReflectsRegistrySize(t *testing.T) {
	m := newTestManager(t, nil)

	for i := 0; i < 3; i++ {
		_, err := m.Get(context.Background(), fmt.Sprintf("k-%d", i), GetOptions{})
		require.NoError(t, err)
	}

	stats := m.Stats()
	assert.Equal(t, 3, stats.Count)
	assert.Len(t, stats.Keys, 3)
}

func TestManagerCloseStopsAllEntries(t *testing.T) {
	m := New(Config{Name: "close-test", AgentModule: "Agent", Factory: echoFactory, EvictionInterval: 10 * time.Millisecond, DelayedCleanup: 5 * time.Millisecond})

	for i := 0; i < 3; i++ {
		_, err := m.Get(context.Background(), fmt.Sprintf("c-%d", i), GetOptions{})
		require.NoError(t, err)
	}

	require.NoError(t, m.Close(context.Background()))
	// Entries are removed by the delayed cleanup after each supervisor exits.
	require.Eventually(t, func() bool { return m.Stats().Count == 0 }, time.Second, 5*time.Millisecond)

	// Idempotent.
	require.NoError(t, m.Close(context.Background()))
}

func TestManagerRecoverPendingLogsNonTerminalCheckpoints(t *testing.T) {
	backing := store.NewMemoryStore()
	m := newTestManager(t, backing)

	state := agentruntime.NewAgentState()
	state.Status = agentruntime.StatusWorking
	data, err := serialize.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, backing.PutCheckpoint(context.Background(), store.CheckpointKey{AgentModule: "Agent", LogicalKey: "dangling"}, data))

	var logs bytes.Buffer
	m.logger = slog.New(slog.NewTextHandler(&logs, nil))

	require.NoError(t, m.RecoverPending(context.Background(), "Agent", []string{"dangling", "missing"}))
	assert.Contains(t, logs.String(), "key=dangling")
	assert.NotContains(t, logs.String(), "key=missing")
}
