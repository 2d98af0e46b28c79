// Package agentruntime implements the single-agent event loop: an owned
// goroutine over a bounded channel inbox that owns one AgentState, applies
// directives a user Step function returns, and exposes a small handle
// (Runtime itself) for Send/Call/Attach/Detach/Hibernate/Stop.
package agentruntime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pcharbon70/agentkeeper/errs"
	"github.com/pcharbon70/agentkeeper/journal"
	"github.com/pcharbon70/agentkeeper/observability"
	"github.com/pcharbon70/agentkeeper/serialize"
	"github.com/pcharbon70/agentkeeper/store"
)

// StepFunc computes one event-loop iteration: given the current state and
// the next inbox event, it returns the new state, any events to emit, and
// any directives to apply. A panic inside StepFunc is recovered by the
// event loop and converted to errs.ErrStepPanic.
type StepFunc func(ctx context.Context, state AgentState, event Event) (newState AgentState, outputs []Event, directives []Directive)

// TerminateFunc runs once, inside the event-loop goroutine, when a runtime
// stops for any reason (hibernate is a separate path and does not invoke
// this hook).
type TerminateFunc func(ctx context.Context, state AgentState, reason string)

// Config configures a Runtime at Start time. Only Step is required.
type Config struct {
	Key         string
	AgentModule string

	Step        StepFunc
	OnTerminate TerminateFunc

	Store   store.Store
	Journal *journal.Journal

	Recorder observability.Recorder
	Tracer   *observability.Tracer

	Outbound OutboundSink
	Spawner  ChildSpawner

	InboxSize      int
	SlowThreshold  time.Duration
	PanicThreshold int
	PanicWindow    time.Duration
}

func (c *Config) setDefaults() {
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = observability.DefaultSlowThreshold
	}
	if c.PanicThreshold <= 0 {
		c.PanicThreshold = 3
	}
	if c.PanicWindow <= 0 {
		c.PanicWindow = 30 * time.Second
	}
}

type inboxMsg struct {
	event Event
	reply chan callReply
}

type callReply struct {
	outputs []Event
	err     error
}

type hibernateRequest struct {
	reply chan error
}

type stopRequest struct {
	reason string
	reply  chan struct{}
}

// Runtime is both the implementation and the handle of one agent's event
// loop: callers hold a *Runtime and call its methods directly rather than a
// separate opaque handle type, since Go's method set already gives the
// "small handle with a send endpoint and a cancel token" the source
// describes.
type Runtime struct {
	id     string
	key    string
	config Config
	logger *slog.Logger

	mu    sync.RWMutex
	state AgentState

	inbox       chan inboxMsg
	hibernateCh chan hibernateRequest
	stopCh      chan stopRequest
	doneCh      chan struct{}
	cancel      context.CancelFunc

	attachCount int64

	awaiters *awaiterSet
	cron     *cronRegistry

	failureMu    sync.Mutex
	failureTimes map[string][]time.Time
	tracer       *observability.Tracer
}

// Start constructs a runtime, begins its event loop on a new goroutine, and
// returns the handle. initial is the thawed-or-fresh starting state.
func Start(ctx context.Context, id string, initial AgentState, cfg Config) *Runtime {
	cfg.setDefaults()
	loopCtx, cancel := context.WithCancel(ctx)

	r := &Runtime{
		id:           id,
		key:          cfg.Key,
		config:       cfg,
		logger:       slog.Default().With("agent_id", id, "key", cfg.Key),
		state:        initial,
		inbox:        make(chan inboxMsg, cfg.InboxSize),
		hibernateCh:  make(chan hibernateRequest),
		stopCh:       make(chan stopRequest),
		doneCh:       make(chan struct{}),
		cancel:       cancel,
		awaiters:     newAwaiterSet(),
		cron:         newCronRegistry(),
		failureTimes: make(map[string][]time.Time),
		tracer:       cfg.Tracer,
	}

	go r.loop(loopCtx)
	return r
}

// ID returns the runtime's identifier.
func (r *Runtime) ID() string { return r.id }

// Done is closed once the event loop goroutine has exited, whether via
// Hibernate or Stop. A supervisor watches this to detect a crashed (or
// cleanly stopped) runtime; CurrentState().Error distinguishes the two.
func (r *Runtime) Done() <-chan struct{} { return r.doneCh }

func (r *Runtime) loop(ctx context.Context) {
	defer close(r.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.hibernateCh:
			err := r.doHibernate(ctx)
			req.reply <- err
			if err == nil {
				return
			}
		case req := <-r.stopCh:
			r.doStop(ctx, req.reason)
			close(req.reply)
			return
		case msg := <-r.inbox:
			r.processEvent(ctx, msg)
		}
	}
}

// Send is a non-blocking enqueue onto the inbox. Delivery is best-effort: a
// dead runtime causes Send to log and return an error, and a full inbox
// causes it to return an error, rather than block.
func (r *Runtime) Send(event Event) error {
	select {
	case <-r.doneCh:
		r.logger.Warn("send to dead runtime discarded", "event_kind", event.Kind)
		return fmt.Errorf("agentruntime: send to %q: %w", r.id, errs.ErrNotFound)
	default:
	}

	select {
	case r.inbox <- inboxMsg{event: event}:
		return nil
	default:
		return fmt.Errorf("agentruntime: inbox full for %q", r.id)
	}
}

// Call performs a synchronous round-trip: the event is processed by the
// next free iteration of the loop and Call returns the outputs that single
// Step invocation produced.
func (r *Runtime) Call(ctx context.Context, event Event, timeout time.Duration) ([]Event, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-r.doneCh:
		return nil, fmt.Errorf("agentruntime: call to %q: %w", r.id, errs.ErrNotFound)
	default:
	}

	reply := make(chan callReply, 1)
	select {
	case r.inbox <- inboxMsg{event: event, reply: reply}:
	default:
		return nil, fmt.Errorf("agentruntime: inbox full for %q", r.id)
	}

	select {
	case res := <-reply:
		return res.outputs, res.err
	case <-callCtx.Done():
		return nil, fmt.Errorf("agentruntime: call to %q: %w", r.id, errs.ErrTimeout)
	}
}

// Attach increments the attach count, used by callers tracking liveness
// interest; the InstanceManager keeps the authoritative count used for
// idle-eviction decisions in its own RegistryEntry.
func (r *Runtime) Attach() { atomic.AddInt64(&r.attachCount, 1) }

// Detach decrements the attach count.
func (r *Runtime) Detach() { atomic.AddInt64(&r.attachCount, -1) }

// AttachCount returns the current attach count.
func (r *Runtime) AttachCount() int64 { return atomic.LoadInt64(&r.attachCount) }

// Hibernate synchronously serializes state to Store under the configured
// checkpoint key, then transitions to terminated. If the Store write fails,
// the runtime is left running (not transitioned) so the caller can decide
// whether to force a Stop instead.
func (r *Runtime) Hibernate(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case <-r.doneCh:
		return fmt.Errorf("agentruntime: hibernate %q: %w", r.id, errs.ErrNotFound)
	case r.hibernateCh <- hibernateRequest{reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop performs a graceful shutdown, running the configured terminate hook.
// Stop on an already-dead runtime is a no-op success (idempotent).
func (r *Runtime) Stop(ctx context.Context, reason string) error {
	reply := make(chan struct{})
	select {
	case <-r.doneCh:
		return nil
	case r.stopCh <- stopRequest{reason: reason, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentState returns a snapshot of the runtime's AgentState.
func (r *Runtime) CurrentState() AgentState { return r.currentState() }

func (r *Runtime) currentState() AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Clone()
}

func (r *Runtime) currentStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Status
}

func (r *Runtime) transitionTo(to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ValidateTransition(r.state.Status, to); err != nil {
		return err
	}
	r.state.Status = to
	return nil
}

func (r *Runtime) checkpointKey() store.CheckpointKey {
	return store.CheckpointKey{AgentModule: r.config.AgentModule, LogicalKey: r.key}
}

func (r *Runtime) recorder() observability.Recorder {
	if r.config.Recorder != nil {
		return r.config.Recorder
	}
	return observability.GetGlobalRecorder()
}

func (r *Runtime) doHibernate(ctx context.Context) error {
	start := time.Now()
	state := r.currentState()

	var err error
	if r.config.Store != nil {
		var data []byte
		if data, err = serialize.Marshal(state); err == nil {
			err = r.config.Store.PutCheckpoint(ctx, r.checkpointKey(), data)
		}
	}
	r.recorder().RecordHibernate(ctx, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("agentruntime: hibernating %q: %w", r.id, err)
	}

	if cur := r.currentStatus(); cur != StatusTerminating {
		if terr := r.transitionTo(StatusTerminating); terr != nil {
			return terr
		}
	}
	if terr := r.transitionTo(StatusTerminated); terr != nil {
		return terr
	}
	r.cancelAllCron()
	r.awaiters.broadcast(r.currentState())
	return nil
}

func (r *Runtime) doStop(ctx context.Context, reason string) {
	if r.currentStatus() != StatusTerminated {
		_ = r.transitionTo(StatusTerminating)
	}
	if r.config.OnTerminate != nil {
		r.config.OnTerminate(ctx, r.currentState(), reason)
	}
	r.cancelAllCron()
	if r.currentStatus() != StatusTerminated {
		_ = r.transitionTo(StatusTerminated)
	}
	r.logger.Info("runtime stopped", "reason", reason)
	r.awaiters.broadcast(r.currentState())
}

func (r *Runtime) processEvent(ctx context.Context, msg inboxMsg) {
	start := time.Now()
	spanCtx, span := r.tracer.Start(ctx, observability.SpanEventStep, trace.WithAttributes(
		attribute.String(observability.AttrKey, r.key),
		attribute.String(observability.AttrEventKind, msg.event.Kind),
	))

	var (
		newState   AgentState
		outputs    []Event
		directives []Directive
		stepErr    error
	)

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				stepErr = fmt.Errorf("%w: %v", errs.ErrStepPanic, rec)
			}
		}()
		newState, outputs, directives = r.config.Step(spanCtx, r.currentState(), msg.event)
	}()

	if stepErr != nil {
		span.End()
		r.handleStepPanic(ctx, msg, stepErr)
		return
	}

	// A successful step ends this event kind's run of consecutive panics.
	r.failureMu.Lock()
	delete(r.failureTimes, msg.event.Kind)
	r.failureMu.Unlock()

	r.applyDirectives(ctx, directives, &newState)

	r.mu.Lock()
	prevStatus := r.state.Status
	if err := ValidateTransition(prevStatus, newState.Status); err != nil {
		r.logger.Error("step returned illegal status transition, keeping prior status",
			"event_kind", msg.event.Kind, "from", prevStatus, "to", newState.Status, "error", err)
		stepErr = err
		newState.Status = prevStatus
		if newState.Error == "" {
			newState.Error = err.Error()
		}
	}
	r.state = newState
	r.mu.Unlock()

	if newState.Status != prevStatus && isTerminalStatus(newState.Status) {
		r.awaiters.broadcast(newState)
	}

	for _, out := range outputs {
		if r.config.Outbound != nil {
			if err := r.config.Outbound.EmitToParent(out); err != nil {
				r.logger.Warn("emit output failed", "error", err)
			}
		}
	}

	duration := time.Since(start)
	slow := duration >= r.config.SlowThreshold
	if slow {
		span.SetAttributes(attribute.Bool("slow", true))
	}
	span.End()
	r.recorder().RecordStep(ctx, msg.event.Kind, duration, slow, stepErr)

	if msg.reply != nil {
		msg.reply <- callReply{outputs: outputs}
	}
}

func (r *Runtime) handleStepPanic(ctx context.Context, msg inboxMsg, stepErr error) {
	r.logger.Error("step panicked", "event_kind", msg.event.Kind, "error", stepErr)
	r.recorder().RecordStep(ctx, msg.event.Kind, 0, false, stepErr)

	if r.config.Journal != nil {
		entryID := msg.event.Kind
		if id, ok := msg.event.Payload["id"].(string); ok && id != "" {
			entryID = id
		}
		if err := r.config.Journal.DLQPut(ctx, r.id, entryID, "step_panic", msg.event.Payload); err != nil {
			r.logger.Warn("dlq put failed", "error", err)
		}
		r.recorder().RecordDLQ(ctx, "step_panic")
	}

	r.mu.Lock()
	r.state.Status = StatusFailed
	r.state.Error = stepErr.Error()
	r.mu.Unlock()
	r.awaiters.broadcast(r.currentState())

	if msg.reply != nil {
		msg.reply <- callReply{err: stepErr}
	}

	if r.recordPanic(msg.event.Kind) {
		r.logger.Error("repeated failure threshold exceeded, stopping", "event_kind", msg.event.Kind)
		go func() {
			_ = r.Stop(context.Background(), "repeated_failure")
		}()
	}
}

func (r *Runtime) recordPanic(eventKind string) bool {
	r.failureMu.Lock()
	defer r.failureMu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.config.PanicWindow)
	kept := r.failureTimes[eventKind][:0]
	for _, t := range r.failureTimes[eventKind] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	r.failureTimes[eventKind] = kept
	return len(kept) >= r.config.PanicThreshold
}

func (r *Runtime) applyDirectives(ctx context.Context, directives []Directive, newState *AgentState) {
	for _, d := range directives {
		switch d.Kind {
		case DirectiveEmitToParent:
			if r.config.Outbound != nil {
				if err := r.config.Outbound.EmitToParent(d.Event); err != nil {
					r.logger.Warn("emit to parent failed", "error", err)
				}
			}
		case DirectiveEmitToPID:
			if r.config.Outbound != nil {
				if err := r.config.Outbound.EmitToPID(d.TargetPID, d.Event); err != nil {
					r.logger.Warn("emit to pid failed", "pid", d.TargetPID, "error", err)
				}
			}
		case DirectiveSpawnChild:
			if r.config.Spawner != nil {
				if err := r.config.Spawner.SpawnChild(d.ChildID, d.ChildConfig); err != nil {
					r.logger.Warn("spawn child failed", "child_id", d.ChildID, "error", err)
				}
			}
		case DirectiveStopChild:
			if r.config.Spawner != nil {
				if err := r.config.Spawner.StopChild(d.TargetPID, d.Reason); err != nil {
					r.logger.Warn("stop child failed", "child_id", d.TargetPID, "error", err)
				}
			}
		case DirectiveStopSelf:
			reason := d.Reason
			go func() { _ = r.Stop(context.Background(), reason) }()
		case DirectiveSetState:
			if newState.Extra == nil {
				newState.Extra = map[string]any{}
			}
			newState.Extra[d.Path] = d.Value
		case DirectiveDeletePath:
			delete(newState.Extra, d.Path)
		case DirectiveScheduleCron:
			if err := r.scheduleCron(d.CronJobID, d.CronExpression, d.CronMessage, d.CronTimezone); err != nil {
				r.logger.Warn("schedule cron failed", "job_id", d.CronJobID, "error", err)
			}
		}
	}
}
