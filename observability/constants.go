package observability

import "time"

const (
	AttrKey       = "key"
	AttrAgentID   = "agent_id"
	AttrThreadID  = "thread_id"
	AttrEventKind = "event_kind"
	AttrStatus    = "status"
	AttrReason    = "reason"
	AttrErrorType = "error.type"

	SpanEventStep      = "agentruntime.step"
	SpanManagerGet     = "manager.get"
	SpanManagerStop    = "manager.stop"
	SpanRuntimeHibernate = "agentruntime.hibernate"

	DefaultServiceName   = "agentkeeper"
	DefaultSamplingRate  = 1.0
	DefaultMetricsPath   = "/metrics"
	DefaultSlowThreshold = 250 * time.Millisecond
)
