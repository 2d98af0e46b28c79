package agentruntime

import (
	"context"
	"sync"
)

// awaiterSet lets any number of callers block on a runtime reaching a
// terminal status (completed, failed, or terminated), mirroring the
// per-key channel-map pattern used elsewhere in this stack for human-input
// waits, generalized here to fan out to every registered waiter instead of
// a single consumer.
type awaiterSet struct {
	mu      sync.Mutex
	waiters map[chan AgentState]struct{}
}

func newAwaiterSet() *awaiterSet {
	return &awaiterSet{waiters: make(map[chan AgentState]struct{})}
}

// register adds a new waiter channel and returns it along with a cleanup
// function the caller must invoke once it stops listening.
func (a *awaiterSet) register() (ch chan AgentState, cleanup func()) {
	ch = make(chan AgentState, 1)
	a.mu.Lock()
	a.waiters[ch] = struct{}{}
	a.mu.Unlock()

	cleanup = func() {
		a.mu.Lock()
		delete(a.waiters, ch)
		a.mu.Unlock()
	}
	return ch, cleanup
}

// broadcast delivers state to every registered waiter, non-blocking (a
// waiter slow to drain its buffered slot simply misses the broadcast; it
// already observed a terminal state is sufficient since the status doesn't
// change again).
func (a *awaiterSet) broadcast(state AgentState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ch := range a.waiters {
		select {
		case ch <- state:
		default:
		}
	}
}

// WaitForCompletion blocks until the runtime reaches a terminal status
// (completed, failed, terminated) or ctx is cancelled.
func (r *Runtime) WaitForCompletion(ctx context.Context) (AgentState, error) {
	r.mu.RLock()
	current := r.state
	r.mu.RUnlock()

	if isTerminalStatus(current.Status) {
		return current, nil
	}

	ch, cleanup := r.awaiters.register()
	defer cleanup()

	select {
	case <-ctx.Done():
		return AgentState{}, ctx.Err()
	case state := <-ch:
		return state, nil
	}
}

func isTerminalStatus(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}
