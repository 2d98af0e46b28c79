// Package supervisor implements the one-for-one supervision tree that owns
// a single root AgentRuntime plus any children it spawns via the
// spawn_child directive (SPEC_FULL.md §4.4). It is grounded on the
// register/supervise/recover-with-backoff idiom found in the retrieved
// kernel-threads supervisor reference: a child's failure is isolated from
// its siblings, and the root itself is granted a small restart budget
// before the whole tree gives up.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pcharbon70/agentkeeper/agentruntime"
	"github.com/pcharbon70/agentkeeper/errs"
	"github.com/pcharbon70/agentkeeper/observability"
)

// RuntimeFactory builds a fresh root AgentRuntime on Start and on every
// restart after a crash. It is called with the context passed to Start, both
// the first time and on every restart; each runtime derives its own
// cancellable loop context from it, so a restarted runtime doesn't inherit
// the prior incarnation's cancellation.
type RuntimeFactory func(ctx context.Context) *agentruntime.Runtime

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

// WithRestartWindow overrides the sliding window the restart budget is
// measured against. Default 5s.
func WithRestartWindow(d time.Duration) Option {
	return func(s *Supervisor) { s.restartWindow = d }
}

// WithMaxRestarts overrides how many root crashes are tolerated within the
// restart window before the supervisor exits with ErrMaxRestartsExceeded.
// Default 1.
func WithMaxRestarts(n int) Option {
	return func(s *Supervisor) { s.maxRestarts = n }
}

// WithRecorder attaches an observability.Recorder for crash accounting.
func WithRecorder(rec observability.Recorder) Option {
	return func(s *Supervisor) { s.recorder = rec }
}

// Supervisor owns exactly one root AgentRuntime (the agent identified by a
// manager key) plus the children it spawns. It implements
// agentruntime.ChildSpawner and agentruntime.OutboundSink so the root (and
// its children) can reach back into the tree without agentruntime ever
// importing this package.
type Supervisor struct {
	key     string
	factory RuntimeFactory

	mu       sync.Mutex
	root     *agentruntime.Runtime
	children map[string]*agentruntime.Runtime

	restartWindow time.Duration
	maxRestarts   int
	restarts      []time.Time

	recorder observability.Recorder
	logger   *slog.Logger

	doneCh  chan struct{}
	exitErr error
}

// New builds a Supervisor for key, ready to Start.
func New(key string, factory RuntimeFactory, opts ...Option) *Supervisor {
	s := &Supervisor{
		key:           key,
		factory:       factory,
		children:      make(map[string]*agentruntime.Runtime),
		restartWindow: 5 * time.Second,
		maxRestarts:   1,
		logger:        slog.Default().With("key", key),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the root runtime and the goroutine that supervises it.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.root = s.factory(ctx)
	s.mu.Unlock()
	go s.superviseRoot(ctx)
}

// Root returns the current root runtime handle. It changes identity across
// a restart, so callers that hold onto it across a crash must re-fetch.
func (s *Supervisor) Root() *agentruntime.Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// Done is closed once the supervisor has torn down the whole tree, either
// because the root exited cleanly or because it exhausted its restart
// budget.
func (s *Supervisor) Done() <-chan struct{} { return s.doneCh }

// Err is non-nil only when the supervisor gave up after exceeding its
// restart budget; it wraps errs.ErrMaxRestartsExceeded.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

func (s *Supervisor) superviseRoot(ctx context.Context) {
	defer close(s.doneCh)
	for {
		root := s.Root()
		select {
		case <-root.Done():
		case <-ctx.Done():
			_ = root.Stop(context.Background(), "supervisor_shutdown")
			s.stopChildren("supervisor_shutdown")
			return
		}

		state := root.CurrentState()
		if state.Error == "" {
			// Clean exit: Hibernate or an explicit Stop, not a crash.
			s.stopChildren("root_exited")
			return
		}

		if !s.allowRestart() {
			s.logger.Error("root runtime exceeded restart budget, tearing down tree", "error", state.Error)
			if s.recorder != nil {
				s.recorder.RecordCrash(ctx, "max_restarts_exceeded")
			}
			s.mu.Lock()
			s.exitErr = fmt.Errorf("supervisor %q: %w", s.key, errs.ErrMaxRestartsExceeded)
			s.mu.Unlock()
			s.stopChildren("max_restarts_exceeded")
			return
		}

		s.logger.Warn("restarting crashed root runtime", "error", state.Error)
		if s.recorder != nil {
			s.recorder.RecordCrash(ctx, "root_restarted")
		}
		s.mu.Lock()
		s.root = s.factory(ctx)
		s.mu.Unlock()
	}
}

// allowRestart applies the sliding-window restart budget and records this
// attempt if it is granted.
func (s *Supervisor) allowRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-s.restartWindow)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= s.maxRestarts {
		s.restarts = kept
		return false
	}
	s.restarts = append(kept, now)
	return true
}

func (s *Supervisor) stopChildren(reason string) {
	s.mu.Lock()
	children := make([]*agentruntime.Runtime, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()

	for _, c := range children {
		_ = c.Stop(context.Background(), reason)
	}
}

// SpawnChild implements agentruntime.ChildSpawner. A child's failure never
// restarts it or its siblings; the one-for-one strategy applies only to the
// root.
func (s *Supervisor) SpawnChild(id string, cfg agentruntime.Config) error {
	s.mu.Lock()
	if _, exists := s.children[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("supervisor %q: child %q already spawned", s.key, id)
	}
	if cfg.Outbound == nil {
		cfg.Outbound = s
	}
	if cfg.Spawner == nil {
		cfg.Spawner = s
	}
	s.mu.Unlock()

	child := agentruntime.Start(context.Background(), id, agentruntime.NewAgentState(), cfg)

	s.mu.Lock()
	s.children[id] = child
	s.mu.Unlock()

	go s.superviseChild(id, child)
	return nil
}

// StopChild implements agentruntime.ChildSpawner.
func (s *Supervisor) StopChild(id string, reason string) error {
	s.mu.Lock()
	child, ok := s.children[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor %q: child %q: %w", s.key, id, errs.ErrNotFound)
	}
	return child.Stop(context.Background(), reason)
}

// superviseChild just reaps the child's slot once it exits; children are
// not restarted automatically, matching the one-for-one isolation contract.
func (s *Supervisor) superviseChild(id string, child *agentruntime.Runtime) {
	<-child.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.children[id] == child {
		delete(s.children, id)
	}
}

// EmitToParent implements agentruntime.OutboundSink for children: it
// forwards the event to this supervisor's current root runtime.
func (s *Supervisor) EmitToParent(event agentruntime.Event) error {
	root := s.Root()
	if root == nil {
		return errs.ErrNotFound
	}
	return root.Send(event)
}

// EmitToPID implements agentruntime.OutboundSink, addressing either the
// root ("" or "root") or a named child.
func (s *Supervisor) EmitToPID(pid string, event agentruntime.Event) error {
	if pid == "" || pid == "root" {
		return s.EmitToParent(event)
	}
	s.mu.Lock()
	child, ok := s.children[pid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor %q: emit to %q: %w", s.key, pid, errs.ErrNotFound)
	}
	return child.Send(event)
}

// ChildIDs returns the currently live children's identifiers, for
// inspection/debugging.
func (s *Supervisor) ChildIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.children))
	for id := range s.children {
		ids = append(ids, id)
	}
	return ids
}
