package agentruntime

import (
	"github.com/pcharbon70/agentkeeper/errs"
)

// Status is one value of the AgentState.status state machine (SPEC_FULL.md
// §3, §4.3).
type Status string

const (
	StatusIdle        Status = "idle"
	StatusWorking     Status = "working"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
)

// legalTransitions enumerates every allowed edge in the status state
// machine. terminated has no outgoing edges; it is absorbing.
var legalTransitions = map[Status]map[Status]bool{
	StatusIdle: {
		StatusWorking:     true,
		StatusTerminating: true,
	},
	StatusWorking: {
		StatusCompleted:   true,
		StatusFailed:      true,
		StatusIdle:        true,
		StatusTerminating: true,
	},
	StatusCompleted: {
		StatusIdle:        true,
		StatusTerminating: true,
	},
	StatusFailed: {
		StatusIdle:        true,
		StatusTerminating: true,
	},
	StatusTerminating: {
		StatusTerminated: true,
	},
	StatusTerminated: {},
}

// ValidateTransition reports whether from -> to is a legal edge, returning
// an *errs.IllegalTransitionError (wrapping errs.ErrIllegalTransition) when
// it is not.
func ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if edges, ok := legalTransitions[from]; ok && edges[to] {
		return nil
	}
	return &errs.IllegalTransitionError{From: string(from), To: string(to)}
}

// AgentState is the durable, opaque-to-the-framework payload of one agent.
// Fields beyond Status are entirely user-defined; Extra carries them so the
// framework never needs to know an agent's schema.
type AgentState struct {
	Status Status         `cbor:"status"`
	Error  string         `cbor:"error,omitempty"`
	Extra  map[string]any `cbor:"extra"`
}

// NewAgentState returns a freshly built state in the idle status.
func NewAgentState() AgentState {
	return AgentState{Status: StatusIdle, Extra: map[string]any{}}
}

// Clone returns a deep-enough copy safe to hand to a Step invocation without
// aliasing the runtime's own copy of Extra.
func (s AgentState) Clone() AgentState {
	extra := make(map[string]any, len(s.Extra))
	for k, v := range s.Extra {
		extra[k] = v
	}
	return AgentState{Status: s.Status, Error: s.Error, Extra: extra}
}
