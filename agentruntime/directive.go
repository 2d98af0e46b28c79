package agentruntime

// DirectiveKind names one of the eight directive shapes a Step invocation
// may return (SPEC_FULL.md §4.3 step 3).
type DirectiveKind string

const (
	DirectiveEmitToParent DirectiveKind = "emit_to_parent"
	DirectiveEmitToPID    DirectiveKind = "emit_to_pid"
	DirectiveSpawnChild   DirectiveKind = "spawn_child"
	DirectiveStopSelf     DirectiveKind = "stop_self"
	DirectiveStopChild    DirectiveKind = "stop_child"
	DirectiveSetState     DirectiveKind = "set_state"
	DirectiveDeletePath   DirectiveKind = "delete_path"
	DirectiveScheduleCron DirectiveKind = "schedule_cron"
)

// Directive is one instruction a Step invocation asks the runtime to apply,
// in order, after computing the new state. Only the fields relevant to Kind
// are populated; the rest are zero.
type Directive struct {
	Kind DirectiveKind

	// EmitToParent / EmitToPID
	Event Event

	// EmitToPID / StopChild / SpawnChild(parent link only; unused on spawn)
	TargetPID string

	// SpawnChild
	ChildID     string
	ChildConfig Config

	// StopSelf / StopChild
	Reason string

	// SetState: stored in AgentState.Extra under Path as a single top-level
	// key (a dotted Path is not split into nested maps; nesting is the
	// caller's concern inside the value itself).
	Path  string
	Value any

	// DeletePath: removes Path from AgentState.Extra.

	// ScheduleCron
	CronJobID      string
	CronExpression string
	CronMessage    Event
	CronTimezone   string
}

// Event is one message delivered to or emitted from a runtime's inbox.
type Event struct {
	Kind    string
	Payload map[string]any
}

// ChildSpawner is implemented by a runtime's owning supervisor; it lets the
// event loop apply SpawnChild/StopChild directives without importing the
// supervisor package (which imports agentruntime), avoiding an import
// cycle.
type ChildSpawner interface {
	SpawnChild(id string, cfg Config) error
	StopChild(id string, reason string) error
}

// OutboundSink receives events a runtime emits to its parent or to an
// arbitrary addressed pid. Implemented by SessionSupervisor.
type OutboundSink interface {
	EmitToParent(event Event) error
	EmitToPID(pid string, event Event) error
}

// CronScheduler is implemented by the runtime itself; split out so cron.go
// stays a self-contained unit the event loop calls into.
type CronScheduler interface {
	scheduleCron(jobID, expression string, message Event, timezone string) error
	cancelAllCron()
}
