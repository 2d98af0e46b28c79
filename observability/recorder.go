package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalRecorder Recorder
	recorderMu     sync.RWMutex
)

// Recorder records the metrics the event loop and the manager's suspending
// operations produce. The event-kind/reason labels are always small, bounded
// vocabularies (never raw keys or user payload) so cardinality stays low.
type Recorder interface {
	// RecordStep records one AgentRuntime event-loop iteration.
	RecordStep(ctx context.Context, eventKind string, duration time.Duration, slow bool, err error)
	// RecordHibernate records a Hibernate call's outcome and latency.
	RecordHibernate(ctx context.Context, duration time.Duration, err error)
	// RecordGet records an InstanceManager.Get call, distinguishing a
	// registry hit from a cold-start miss.
	RecordGet(ctx context.Context, hit bool, duration time.Duration, err error)
	// RecordCrash records a session_crashed event with its reason.
	RecordCrash(ctx context.Context, reason string)
	// RecordDLQ records an entry landing in the dead-letter queue.
	RecordDLQ(ctx context.Context, reason string)
}

// PrometheusRecorder implements Recorder over OpenTelemetry metric
// instruments backed by the Prometheus exporter in Metrics.
type PrometheusRecorder struct {
	stepDuration    metric.Float64Histogram
	stepsTotal      metric.Int64Counter
	stepsSlowTotal  metric.Int64Counter
	stepErrorsTotal metric.Int64Counter

	hibernateDuration metric.Float64Histogram
	hibernateErrors   metric.Int64Counter

	getDuration  metric.Float64Histogram
	getHitsTotal metric.Int64Counter
	getMissTotal metric.Int64Counter

	crashesTotal metric.Int64Counter
	dlqTotal     metric.Int64Counter
}

// NewPrometheusRecorder creates instruments against the given meter. A nil
// meter yields a recorder whose instruments are all nil; every method on
// PrometheusRecorder tolerates that by no-op-ing on a nil instrument.
func NewPrometheusRecorder(meter metric.Meter) (*PrometheusRecorder, error) {
	if meter == nil {
		return &PrometheusRecorder{}, nil
	}

	var err error
	r := &PrometheusRecorder{}

	if r.stepDuration, err = meter.Float64Histogram("agentruntime.step.duration",
		metric.WithDescription("AgentRuntime event-loop step duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.stepsTotal, err = meter.Int64Counter("agentruntime.step.total"); err != nil {
		return nil, err
	}
	if r.stepsSlowTotal, err = meter.Int64Counter("agentruntime.step.slow_total"); err != nil {
		return nil, err
	}
	if r.stepErrorsTotal, err = meter.Int64Counter("agentruntime.step.errors_total"); err != nil {
		return nil, err
	}
	if r.hibernateDuration, err = meter.Float64Histogram("agentruntime.hibernate.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.hibernateErrors, err = meter.Int64Counter("agentruntime.hibernate.errors_total"); err != nil {
		return nil, err
	}
	if r.getDuration, err = meter.Float64Histogram("manager.get.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.getHitsTotal, err = meter.Int64Counter("manager.get.hits_total"); err != nil {
		return nil, err
	}
	if r.getMissTotal, err = meter.Int64Counter("manager.get.miss_total"); err != nil {
		return nil, err
	}
	if r.crashesTotal, err = meter.Int64Counter("manager.session_crashed_total"); err != nil {
		return nil, err
	}
	if r.dlqTotal, err = meter.Int64Counter("journal.dlq_total"); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PrometheusRecorder) RecordStep(ctx context.Context, eventKind string, duration time.Duration, slow bool, err error) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrEventKind, eventKind))
	if r.stepDuration != nil {
		r.stepDuration.Record(ctx, duration.Seconds(), attrs)
	}
	if r.stepsTotal != nil {
		r.stepsTotal.Add(ctx, 1, attrs)
	}
	if slow && r.stepsSlowTotal != nil {
		r.stepsSlowTotal.Add(ctx, 1, attrs)
	}
	if err != nil && r.stepErrorsTotal != nil {
		r.stepErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (r *PrometheusRecorder) RecordHibernate(ctx context.Context, duration time.Duration, err error) {
	if r == nil {
		return
	}
	if r.hibernateDuration != nil {
		r.hibernateDuration.Record(ctx, duration.Seconds())
	}
	if err != nil && r.hibernateErrors != nil {
		r.hibernateErrors.Add(ctx, 1)
	}
}

func (r *PrometheusRecorder) RecordGet(ctx context.Context, hit bool, duration time.Duration, err error) {
	if r == nil {
		return
	}
	if r.getDuration != nil {
		r.getDuration.Record(ctx, duration.Seconds())
	}
	switch {
	case hit && r.getHitsTotal != nil:
		r.getHitsTotal.Add(ctx, 1)
	case !hit && r.getMissTotal != nil:
		r.getMissTotal.Add(ctx, 1)
	}
	_ = err
}

func (r *PrometheusRecorder) RecordCrash(ctx context.Context, reason string) {
	if r == nil || r.crashesTotal == nil {
		return
	}
	r.crashesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrReason, reason)))
}

func (r *PrometheusRecorder) RecordDLQ(ctx context.Context, reason string) {
	if r == nil || r.dlqTotal == nil {
		return
	}
	r.dlqTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrReason, reason)))
}

// SetGlobalRecorder installs the process-wide default Recorder.
func SetGlobalRecorder(r Recorder) {
	recorderMu.Lock()
	defer recorderMu.Unlock()
	globalRecorder = r
}

// GetGlobalRecorder returns the process-wide Recorder, falling back to a
// no-op implementation when none has been installed.
func GetGlobalRecorder() Recorder {
	recorderMu.RLock()
	defer recorderMu.RUnlock()
	if globalRecorder == nil {
		return NoopRecorder{}
	}
	return globalRecorder
}

var _ Recorder = (*PrometheusRecorder)(nil)
