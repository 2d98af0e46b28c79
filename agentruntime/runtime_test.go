package agentruntime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcharbon70/agentkeeper/journal"
	"github.com/pcharbon70/agentkeeper/store"
)

func incrementStep(ctx context.Context, state AgentState, event Event) (AgentState, []Event, []Directive) {
	next := state.Clone()
	switch event.Kind {
	case "work":
		next.Status = StatusWorking
		count, _ := next.Extra["count"].(int)
		count++
		next.Extra["count"] = count
		return next, []Event{{Kind: "worked", Payload: map[string]any{"count": count}}}, nil
	case "finish":
		next.Status = StatusCompleted
		return next, nil, nil
	case "boom":
		panic("kaboom")
	default:
		return next, nil, nil
	}
}

func TestRuntimeSendAndCall(t *testing.T) {
	r := Start(context.Background(), "a1", NewAgentState(), Config{Key: "u1", AgentModule: "Agent", Step: incrementStep})
	defer func() { _ = r.Stop(context.Background(), "test done") }()

	outputs, err := r.Call(context.Background(), Event{Kind: "work"}, time.Second)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.EqualValues(t, 1, outputs[0].Payload["count"])

	state := r.CurrentState()
	assert.Equal(t, StatusWorking, state.Status)
	assert.Equal(t, 1, state.Extra["count"])

	require.NoError(t, r.Send(Event{Kind: "finish"}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusCompleted, r.CurrentState().Status)
}

func TestRuntimeWaitForCompletion(t *testing.T) {
	r := Start(context.Background(), "a2", NewAgentState(), Config{Key: "u2", AgentModule: "Agent", Step: incrementStep})
	defer func() { _ = r.Stop(context.Background(), "test done") }()

	done := make(chan AgentState, 1)
	go func() {
		state, err := r.WaitForCompletion(context.Background())
		require.NoError(t, err)
		done <- state
	}()

	require.NoError(t, r.Send(Event{Kind: "work"}))
	require.NoError(t, r.Send(Event{Kind: "finish"}))

	select {
	case state := <-done:
		assert.Equal(t, StatusCompleted, state.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestRuntimeAttachDetach(t *testing.T) {
	r := Start(context.Background(), "a3", NewAgentState(), Config{Key: "u3", AgentModule: "Agent", Step: incrementStep})
	defer func() { _ = r.Stop(context.Background(), "test done") }()

	assert.EqualValues(t, 0, r.AttachCount())
	r.Attach()
	r.Attach()
	assert.EqualValues(t, 2, r.AttachCount())
	r.Detach()
	assert.EqualValues(t, 1, r.AttachCount())
}

func TestRuntimeHibernatePersistsCheckpointAndTerminates(t *testing.T) {
	backing := store.NewMemoryStore()
	r := Start(context.Background(), "a4", NewAgentState(), Config{
		Key: "u4", AgentModule: "Agent", Step: incrementStep, Store: backing,
	})

	_, err := r.Call(context.Background(), Event{Kind: "work"}, time.Second)
	require.NoError(t, err)

	require.NoError(t, r.Hibernate(context.Background()))
	assert.Equal(t, StatusTerminated, r.CurrentState().Status)

	data, found, err := backing.GetCheckpoint(context.Background(), store.CheckpointKey{AgentModule: "Agent", LogicalKey: "u4"})
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEmpty(t, data)
}

func TestRuntimeStopRunsTerminateHook(t *testing.T) {
	var gotReason string
	r := Start(context.Background(), "a5", NewAgentState(), Config{
		Key: "u5", AgentModule: "Agent", Step: incrementStep,
		OnTerminate: func(ctx context.Context, state AgentState, reason string) {
			gotReason = reason
		},
	})

	require.NoError(t, r.Stop(context.Background(), "shutdown"))
	assert.Equal(t, "shutdown", gotReason)
	assert.Equal(t, StatusTerminated, r.CurrentState().Status)

	// Idempotent: stopping again is a no-op success.
	require.NoError(t, r.Stop(context.Background(), "shutdown again"))
}

func TestRuntimeStepPanicRoutesToFailedAndDLQ(t *testing.T) {
	j := journal.New(store.NewMemoryStore())
	r := Start(context.Background(), "a6", NewAgentState(), Config{
		Key: "u6", AgentModule: "Agent", Step: incrementStep, Journal: j,
		PanicThreshold: 3, PanicWindow: 30 * time.Second,
	})
	defer func() { _ = r.Stop(context.Background(), "test done") }()

	require.NoError(t, r.Send(Event{Kind: "boom", Payload: map[string]any{"id": "e1"}}))
	time.Sleep(50 * time.Millisecond)

	state := r.CurrentState()
	assert.Equal(t, StatusFailed, state.Status)
	assert.Contains(t, state.Error, "step panicked")

	entries, err := j.DLQList(context.Background(), "a6")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "step_panic", entries[0].Reason)
	assert.Equal(t, "e1", entries[0].EntryID)
}

func illegalTransitionStep(ctx context.Context, state AgentState, event Event) (AgentState, []Event, []Directive) {
	next := state.Clone()
	if event.Kind == "illegal" {
		next.Status = StatusTerminated
	}
	return next, nil, nil
}

func TestRuntimeStepIllegalTransitionKeepsPriorStatus(t *testing.T) {
	r := Start(context.Background(), "a8", NewAgentState(), Config{Key: "u8", AgentModule: "Agent", Step: illegalTransitionStep})
	defer func() { _ = r.Stop(context.Background(), "test done") }()

	require.NoError(t, r.Send(Event{Kind: "illegal"}))
	time.Sleep(50 * time.Millisecond)

	state := r.CurrentState()
	assert.Equal(t, StatusIdle, state.Status)
	assert.Contains(t, state.Error, "illegal status transition")
}

func TestRuntimeRepeatedFailureEscalatesToStop(t *testing.T) {
	r := Start(context.Background(), "a7", NewAgentState(), Config{
		Key: "u7", AgentModule: "Agent", Step: incrementStep,
		PanicThreshold: 3, PanicWindow: 30 * time.Second,
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Send(Event{Kind: "boom"}))
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-r.doneCh:
	case <-time.After(time.Second):
		t.Fatal("runtime did not stop after repeated failures")
	}
	assert.Equal(t, StatusTerminated, r.CurrentState().Status)
}

func TestRuntimeSendToDeadRuntimeErrors(t *testing.T) {
	r := Start(context.Background(), "a8", NewAgentState(), Config{Key: "u8", AgentModule: "Agent", Step: incrementStep})
	require.NoError(t, r.Stop(context.Background(), "done"))

	err := r.Send(Event{Kind: "work"})
	assert.Error(t, err)

	_, err = r.Call(context.Background(), Event{Kind: "work"}, time.Second)
	assert.Error(t, err)
}
