package agentruntime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronReregistrationCancelsPriorSchedule(t *testing.T) {
	var heartbeats int64

	step := func(ctx context.Context, state AgentState, event Event) (AgentState, []Event, []Directive) {
		if event.Kind == "heartbeat" {
			atomic.AddInt64(&heartbeats, 1)
		}
		return state, nil, nil
	}

	r := Start(context.Background(), "a-cron", NewAgentState(), Config{Key: "u-cron", AgentModule: "Agent", Step: step})
	defer func() { _ = r.Stop(context.Background(), "test done") }()

	// robfig/cron fires @every schedules on whole seconds (sub-second
	// delays round up to 1s), so the cadences here are second-scale.
	require.NoError(t, r.scheduleCron("heartbeat", "@every 1s", Event{Kind: "heartbeat"}, ""))
	time.Sleep(2500 * time.Millisecond)

	first := atomic.LoadInt64(&heartbeats)
	assert.GreaterOrEqual(t, first, int64(2))

	require.NoError(t, r.scheduleCron("heartbeat", "@every 1h", Event{Kind: "heartbeat"}, ""))
	countAfterReregister := atomic.LoadInt64(&heartbeats)
	time.Sleep(1500 * time.Millisecond)

	// The old 1s ticker must be cancelled: no deliveries land in a window
	// longer than its period after re-registering with a much slower cadence.
	assert.Equal(t, countAfterReregister, atomic.LoadInt64(&heartbeats))
}

func TestCronUnresolvableTimezoneIsConfigurationError(t *testing.T) {
	r := Start(context.Background(), "a-cron-tz", NewAgentState(), Config{
		Key: "u-cron-tz", AgentModule: "Agent",
		Step: func(ctx context.Context, state AgentState, event Event) (AgentState, []Event, []Directive) {
			return state, nil, nil
		},
	})
	defer func() { _ = r.Stop(context.Background(), "test done") }()

	err := r.scheduleCron("job", "@every 1h", Event{Kind: "tick"}, "Not/A_Real_Zone")
	assert.Error(t, err)
}

func TestCronCancelledOnStop(t *testing.T) {
	r := Start(context.Background(), "a-cron-stop", NewAgentState(), Config{
		Key: "u-cron-stop", AgentModule: "Agent",
		Step: func(ctx context.Context, state AgentState, event Event) (AgentState, []Event, []Directive) {
			return state, nil, nil
		},
	})

	require.NoError(t, r.scheduleCron("job", "@every 10ms", Event{Kind: "tick"}, ""))
	require.NoError(t, r.Stop(context.Background(), "shutdown"))

	r.cron.mu.Lock()
	count := len(r.cron.jobs)
	r.cron.mu.Unlock()
	assert.Equal(t, 0, count)
}
