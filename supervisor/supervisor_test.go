package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcharbon70/agentkeeper/agentruntime"
	"github.com/pcharbon70/agentkeeper/errs"
)

func noopStep(ctx context.Context, state agentruntime.AgentState, event agentruntime.Event) (agentruntime.AgentState, []agentruntime.Event, []agentruntime.Directive) {
	return state, nil, nil
}

func crashableStep(ctx context.Context, state agentruntime.AgentState, event agentruntime.Event) (agentruntime.AgentState, []agentruntime.Event, []agentruntime.Directive) {
	if event.Kind == "boom" {
		panic("kaboom")
	}
	return state, nil, nil
}

func TestSupervisorCleanRootExitTearsDownTree(t *testing.T) {
	factory := func(ctx context.Context) *agentruntime.Runtime {
		return agentruntime.Start(ctx, "root", agentruntime.NewAgentState(), agentruntime.Config{
			Key: "k1", AgentModule: "Agent", Step: noopStep,
		})
	}
	s := New("k1", factory)
	s.Start(context.Background())

	require.NoError(t, s.Root().Stop(context.Background(), "done"))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("supervisor did not tear down after clean root exit")
	}
	assert.NoError(t, s.Err())
}

func TestSupervisorRestartsRootWithinBudget(t *testing.T) {
	var starts int64

	factory := func(ctx context.Context) *agentruntime.Runtime {
		atomic.AddInt64(&starts, 1)
		return agentruntime.Start(ctx, "root", agentruntime.NewAgentState(), agentruntime.Config{
			Key: "k2", AgentModule: "Agent", Step: crashableStep,
			PanicThreshold: 1, PanicWindow: 30 * time.Second,
		})
	}
	s := New("k2", factory, WithMaxRestarts(2), WithRestartWindow(time.Second))
	s.Start(context.Background())
	require.EqualValues(t, 1, atomic.LoadInt64(&starts))

	require.NoError(t, s.Root().Send(agentruntime.Event{Kind: "boom"}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&starts) == 2
	}, time.Second, 5*time.Millisecond)

	select {
	case <-s.Done():
		t.Fatal("supervisor tore down while still within its restart budget")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSupervisorGivesUpAfterExceedingRestartBudget(t *testing.T) {
	factory := func(ctx context.Context) *agentruntime.Runtime {
		return agentruntime.Start(ctx, "root", agentruntime.NewAgentState(), agentruntime.Config{
			Key: "k3", AgentModule: "Agent", Step: crashableStep,
			PanicThreshold: 1, PanicWindow: 30 * time.Second,
		})
	}
	s := New("k3", factory, WithMaxRestarts(1), WithRestartWindow(time.Minute))
	s.Start(context.Background())

	require.NoError(t, s.Root().Send(agentruntime.Event{Kind: "boom"}))
	require.Eventually(t, func() bool {
		return s.Root().CurrentState().Error != ""
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Root().Send(agentruntime.Event{Kind: "boom"}))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("supervisor did not give up after exceeding its restart budget")
	}
	require.ErrorIs(t, s.Err(), errs.ErrMaxRestartsExceeded)
}

func TestSupervisorSpawnAndStopChild(t *testing.T) {
	factory := func(ctx context.Context) *agentruntime.Runtime {
		return agentruntime.Start(ctx, "root", agentruntime.NewAgentState(), agentruntime.Config{
			Key: "k4", AgentModule: "Agent", Step: noopStep,
		})
	}
	s := New("k4", factory)
	s.Start(context.Background())
	defer func() { _ = s.Root().Stop(context.Background(), "test done") }()

	require.NoError(t, s.SpawnChild("child-1", agentruntime.Config{
		Key: "k4/child-1", AgentModule: "Agent", Step: noopStep,
	}))
	assert.Contains(t, s.ChildIDs(), "child-1")

	err := s.SpawnChild("child-1", agentruntime.Config{Key: "k4/child-1", AgentModule: "Agent", Step: noopStep})
	assert.Error(t, err)

	require.NoError(t, s.StopChild("child-1", "shutdown"))

	require.Eventually(t, func() bool {
		return len(s.ChildIDs()) == 0
	}, time.Second, 5*time.Millisecond)

	err = s.StopChild("child-1", "already gone")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSupervisorChildCrashDoesNotAffectSiblingsOrRoot(t *testing.T) {
	factory := func(ctx context.Context) *agentruntime.Runtime {
		return agentruntime.Start(ctx, "root", agentruntime.NewAgentState(), agentruntime.Config{
			Key: "k5", AgentModule: "Agent", Step: noopStep,
		})
	}
	s := New("k5", factory)
	s.Start(context.Background())
	defer func() { _ = s.Root().Stop(context.Background(), "test done") }()

	require.NoError(t, s.SpawnChild("a", agentruntime.Config{
		Key: "k5/a", AgentModule: "Agent", Step: crashableStep,
		PanicThreshold: 1, PanicWindow: 30 * time.Second,
	}))
	require.NoError(t, s.SpawnChild("b", agentruntime.Config{
		Key: "k5/b", AgentModule: "Agent", Step: noopStep,
	}))

	childA := func() *agentruntime.Runtime {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.children["a"]
	}()
	require.NoError(t, childA.Send(agentruntime.Event{Kind: "boom"}))

	select {
	case <-childA.Done():
	case <-time.After(time.Second):
		t.Fatal("crashed child never exited")
	}

	assert.Contains(t, s.ChildIDs(), "b")
	select {
	case <-s.Done():
		t.Fatal("a child crash must not tear down the supervisor tree")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSupervisorEmitToParentAndPID(t *testing.T) {
	received := make(chan agentruntime.Event, 1)
	rootStep := func(ctx context.Context, state agentruntime.AgentState, event agentruntime.Event) (agentruntime.AgentState, []agentruntime.Event, []agentruntime.Directive) {
		if event.Kind == "from-child" {
			received <- event
		}
		return state, nil, nil
	}
	factory := func(ctx context.Context) *agentruntime.Runtime {
		return agentruntime.Start(ctx, "root", agentruntime.NewAgentState(), agentruntime.Config{
			Key: "k6", AgentModule: "Agent", Step: rootStep,
		})
	}
	s := New("k6", factory)
	s.Start(context.Background())
	defer func() { _ = s.Root().Stop(context.Background(), "test done") }()

	require.NoError(t, s.EmitToParent(agentruntime.Event{Kind: "from-child"}))

	select {
	case ev := <-received:
		assert.Equal(t, "from-child", ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("root never received forwarded event")
	}

	err := s.EmitToPID("no-such-child", agentruntime.Event{Kind: "x"})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
