// Package manager implements InstanceManager, the keyed-singleton registry
// and lifecycle controller that is the centerpiece of this module
// (SPEC_FULL.md §4.5): Get/Lookup/Stop/Attach/Detach/Stats/Close/
// RecoverPending over a map of opaque keys to supervised AgentRuntimes.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pcharbon70/agentkeeper/agentruntime"
	"github.com/pcharbon70/agentkeeper/errs"
	"github.com/pcharbon70/agentkeeper/observability"
	"github.com/pcharbon70/agentkeeper/serialize"
	"github.com/pcharbon70/agentkeeper/store"
	"github.com/pcharbon70/agentkeeper/supervisor"
)

const (
	defaultMaxConcurrentStarts = 64
	defaultEvictionInterval    = 500 * time.Millisecond
	defaultDelayedCleanup      = 50 * time.Millisecond
	defaultRestartWindow       = 5 * time.Second
	defaultMaxRestarts         = 1

	// IdleTimeoutInfinite disables idle eviction entirely.
	IdleTimeoutInfinite time.Duration = 0
)

// AgentFactory builds the agentruntime.Config used to (re)start the runtime
// for key given the state it should start from — either freshly built or
// thawed from Store. The Manager always sets Key on the returned Config, and
// fills in AgentModule/Store/Recorder/Tracer when the factory leaves them
// zero; it does not fill in a Journal.
type AgentFactory func(key string, initial agentruntime.AgentState) agentruntime.Config

// Config configures a Manager at construction time; immutable after New.
type Config struct {
	Name        string
	AgentModule string
	Factory     AgentFactory

	// IdleTimeout is how long a key may sit with zero attachments before
	// hibernation+stop. IdleTimeoutInfinite (zero) disables eviction.
	IdleTimeout time.Duration

	Store    store.Store
	Recorder observability.Recorder
	Tracer   *observability.Tracer

	// MaxConcurrentStarts bounds cold-start concurrency (default 64).
	MaxConcurrentStarts int
	// EvictionInterval is the idle-eviction ticker's resolution (default 500ms).
	EvictionInterval time.Duration
	// DelayedCleanup is how long a terminated entry is retained so
	// concurrent Lookups observe the transition (default 50ms).
	DelayedCleanup time.Duration
	// RestartWindow/MaxRestarts configure each key's SessionSupervisor.
	RestartWindow time.Duration
	MaxRestarts   int
}

func (c *Config) setDefaults() {
	if c.MaxConcurrentStarts <= 0 {
		c.MaxConcurrentStarts = defaultMaxConcurrentStarts
	}
	if c.EvictionInterval <= 0 {
		c.EvictionInterval = defaultEvictionInterval
	}
	if c.DelayedCleanup <= 0 {
		c.DelayedCleanup = defaultDelayedCleanup
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = defaultRestartWindow
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = defaultMaxRestarts
	}
}

// EventKind names one of the three broadcast lifecycle events.
type EventKind string

const (
	EventSessionStarted EventKind = "session_started"
	EventSessionStopped EventKind = "session_stopped"
	EventSessionCrashed EventKind = "session_crashed"
)

// Event is one lifecycle notification published to Manager subscribers.
type Event struct {
	Kind   EventKind
	Key    string
	Reason string
	At     time.Time
}

type registryEntry struct {
	key string

	mu           sync.Mutex
	sup          *supervisor.Supervisor
	monitorID    string
	status       agentruntime.Status
	createdAt    time.Time
	updatedAt    time.Time
	attachCount  int64
	idleDeadline *time.Time
	crashErr     string
	metadata     map[string]any
}

// Handle is a reference to one live keyed entry, returned by Get/Lookup.
type Handle struct {
	Key string

	mgr   *Manager
	entry *registryEntry
}

// Runtime returns the handle's current root AgentRuntime. Its identity can
// change across a supervisor restart; re-fetch rather than caching it.
func (h *Handle) Runtime() *agentruntime.Runtime { return h.entry.sup.Root() }

// Attach signals caller interest, clearing any pending idle deadline.
func (h *Handle) Attach() { h.mgr.Attach(h) }

// Detach signals the caller is done; once the count reaches zero the
// Manager arms an idle deadline.
func (h *Handle) Detach() { h.mgr.Detach(h) }

// Status returns the entry's current lifecycle status.
func (h *Handle) Status() agentruntime.Status {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	return h.entry.status
}

// GetOptions customizes a Get call's cold-start behavior.
type GetOptions struct {
	// InitialState is used to build a fresh agent when no checkpoint is
	// found. Defaults to agentruntime.NewAgentState().
	InitialState *agentruntime.AgentState
}

// Manager is the keyed-singleton registry and lifecycle controller.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*registryEntry

	starting *keyedMutex
	startSem chan struct{}

	subMu sync.Mutex
	subs  map[chan Event]struct{}

	stopEvict chan struct{}
	evictDone chan struct{}

	closeMu sync.Mutex
	closed  bool
}

// New builds a Manager and starts its idle-eviction loop.
func New(cfg Config) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:       cfg,
		logger:    slog.Default().With("manager", cfg.Name),
		entries:   make(map[string]*registryEntry),
		starting:  newKeyedMutex(),
		startSem:  make(chan struct{}, cfg.MaxConcurrentStarts),
		subs:      make(map[chan Event]struct{}),
		stopEvict: make(chan struct{}),
		evictDone: make(chan struct{}),
	}
	go m.runEvictionLoop()
	return m
}

// Lookup is a pure registry read: no side effects, no locking beyond the
// registry's own RWMutex, safe to call concurrently with any other
// operation.
func (m *Manager) Lookup(key string) (*Handle, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &Handle{Key: key, mgr: m, entry: e}, true
}

// Get returns the live handle for key, starting a fresh SessionSupervisor
// on a miss. Concurrent misses on the same key are serialized by a per-key
// lock (not a global one); the loser of the race receives the winner's
// handle instead of starting a second instance.
func (m *Manager) Get(ctx context.Context, key string, opts GetOptions) (handle *Handle, err error) {
	start := time.Now()
	hit := true
	defer func() {
		if m.cfg.Recorder != nil {
			m.cfg.Recorder.RecordGet(ctx, hit, time.Since(start), err)
		}
	}()

	if h, ok := m.Lookup(key); ok {
		return h, nil
	}
	hit = false

	unlock := m.starting.Lock(key)
	defer unlock()

	if h, ok := m.Lookup(key); ok {
		return h, nil
	}

	select {
	case m.startSem <- struct{}{}:
		defer func() { <-m.startSem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	initial := agentruntime.NewAgentState()
	if opts.InitialState != nil {
		initial = opts.InitialState.Clone()
	}

	if m.cfg.Store != nil {
		ckKey := store.CheckpointKey{AgentModule: m.cfg.AgentModule, LogicalKey: key}
		data, found, gerr := m.cfg.Store.GetCheckpoint(ctx, ckKey)
		if gerr != nil {
			return nil, fmt.Errorf("manager: loading checkpoint for %q: %w", key, gerr)
		}
		if found {
			var thawed agentruntime.AgentState
			if uerr := serialize.Unmarshal(data, &thawed); uerr != nil {
				return nil, fmt.Errorf("manager: decoding checkpoint for %q: %w", key, uerr)
			}
			initial = thawed
		}
	}

	runtimeCfg := m.cfg.Factory(key, initial)
	runtimeCfg.Key = key
	if runtimeCfg.AgentModule == "" {
		runtimeCfg.AgentModule = m.cfg.AgentModule
	}
	if runtimeCfg.Store == nil {
		runtimeCfg.Store = m.cfg.Store
	}
	if runtimeCfg.Recorder == nil {
		runtimeCfg.Recorder = m.cfg.Recorder
	}
	if runtimeCfg.Tracer == nil {
		runtimeCfg.Tracer = m.cfg.Tracer
	}

	sup := supervisor.New(key, func(startCtx context.Context) *agentruntime.Runtime {
		return agentruntime.Start(startCtx, uuid.NewString(), initial, runtimeCfg)
	}, supervisor.WithRestartWindow(m.cfg.RestartWindow), supervisor.WithMaxRestarts(m.cfg.MaxRestarts), supervisor.WithRecorder(m.cfg.Recorder))
	sup.Start(ctx)

	monitorID := uuid.NewString()
	now := time.Now()
	entry := &registryEntry{
		key:       key,
		sup:       sup,
		monitorID: monitorID,
		status:    agentruntime.StatusIdle,
		createdAt: now,
		updatedAt: now,
	}
	if m.cfg.IdleTimeout > IdleTimeoutInfinite {
		dl := now.Add(m.cfg.IdleTimeout)
		entry.idleDeadline = &dl
	}

	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()

	go m.monitor(key, monitorID, sup)
	m.publish(Event{Kind: EventSessionStarted, Key: key, At: now})

	return &Handle{Key: key, mgr: m, entry: entry}, nil
}

// Attach increments entry's attach count and clears any idle deadline.
func (m *Manager) Attach(h *Handle) {
	e := h.entry
	e.mu.Lock()
	e.attachCount++
	e.idleDeadline = nil
	e.updatedAt = time.Now()
	e.mu.Unlock()
}

// Detach decrements entry's attach count; at zero it arms a fresh idle
// deadline (unless idle eviction is disabled).
func (m *Manager) Detach(h *Handle) {
	e := h.entry
	e.mu.Lock()
	if e.attachCount > 0 {
		e.attachCount--
	}
	if e.attachCount <= 0 && m.cfg.IdleTimeout > IdleTimeoutInfinite {
		dl := time.Now().Add(m.cfg.IdleTimeout)
		e.idleDeadline = &dl
	}
	e.updatedAt = time.Now()
	e.mu.Unlock()
}

// Stop gracefully shuts down key: Hibernate first (when persistence is
// configured), falling back to a forced Stop after a 5s timeout. It returns
// once the supervisor has actually exited.
func (m *Manager) Stop(ctx context.Context, key string) error {
	h, ok := m.Lookup(key)
	if !ok {
		return fmt.Errorf("manager: stop %q: %w", key, errs.ErrNotFound)
	}
	e := h.entry

	e.mu.Lock()
	e.status = agentruntime.StatusTerminating
	e.mu.Unlock()

	root := e.sup.Root()
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if m.cfg.Store != nil {
		if err := root.Hibernate(stopCtx); err != nil {
			m.logger.Warn("hibernate failed during stop, stopping without checkpoint", "key", key, "error", err)
			_ = root.Stop(stopCtx, "manager_stop")
		}
	} else {
		_ = root.Stop(stopCtx, "manager_stop")
	}

	select {
	case <-e.sup.Done():
		return nil
	case <-stopCtx.Done():
		_ = root.Stop(context.Background(), "manager_stop_forced")
		<-e.sup.Done()
		return nil
	}
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	Count int
	Keys  []string
}

// Stats returns the current registry size and key set.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return Stats{Count: len(m.entries), Keys: keys}
}

// Subscribe registers a new lifecycle-event subscriber. The returned cancel
// func must be called to stop receiving and release the channel. Slow
// subscribers are dropped from a given publish rather than blocking it.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		delete(m.subs, ch)
		m.subMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) publish(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Warn("dropping lifecycle event for slow subscriber", "event_kind", ev.Kind, "key", ev.Key)
		}
	}
}

// monitor watches one key's supervisor for exit, distinguishes a clean
// shutdown from a crash, updates the registry entry, broadcasts the
// matching event, and schedules the delayed cleanup that finally removes
// the entry.
func (m *Manager) monitor(key, monitorID string, sup *supervisor.Supervisor) {
	<-sup.Done()

	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || e.monitorID != monitorID {
		return
	}

	crashErr := sup.Err()
	e.mu.Lock()
	e.status = agentruntime.StatusTerminated
	if crashErr != nil {
		e.crashErr = crashErr.Error()
	}
	e.mu.Unlock()

	now := time.Now()
	if crashErr != nil {
		if m.cfg.Recorder != nil {
			m.cfg.Recorder.RecordCrash(context.Background(), "max_restarts_exceeded")
		}
		m.publish(Event{Kind: EventSessionCrashed, Key: key, Reason: crashErr.Error(), At: now})
	} else {
		m.publish(Event{Kind: EventSessionStopped, Key: key, At: now})
	}

	m.scheduleCleanup(key, monitorID, sup)
}

// scheduleCleanup retains a terminated/terminating entry briefly so
// concurrent Lookups observe the transition rather than a silent
// not-found, verifying the supervisor is actually dead before deleting it
// (rescheduling otherwise).
func (m *Manager) scheduleCleanup(key, monitorID string, sup *supervisor.Supervisor) {
	time.AfterFunc(m.cfg.DelayedCleanup, func() {
		select {
		case <-sup.Done():
		default:
			m.scheduleCleanup(key, monitorID, sup)
			return
		}
		m.mu.Lock()
		if e, ok := m.entries[key]; ok && e.monitorID == monitorID {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	})
}

func (m *Manager) runEvictionLoop() {
	defer close(m.evictDone)
	ticker := time.NewTicker(m.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopEvict:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *Manager) evictIdle() {
	now := time.Now()
	m.mu.RLock()
	due := make([]*registryEntry, 0)
	for _, e := range m.entries {
		e.mu.Lock()
		if e.idleDeadline != nil && !now.Before(*e.idleDeadline) && e.attachCount <= 0 {
			due = append(due, e)
		}
		e.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, e := range due {
		m.evictEntry(e)
	}
}

func (m *Manager) evictEntry(e *registryEntry) {
	e.mu.Lock()
	e.status = agentruntime.StatusTerminating
	e.idleDeadline = nil
	e.mu.Unlock()

	root := e.sup.Root()
	if m.cfg.Store != nil {
		if err := root.Hibernate(context.Background()); err != nil {
			m.logger.Warn("hibernate failed during idle eviction, proceeding without checkpoint", "key", e.key, "error", err)
			m.publish(Event{Kind: EventSessionCrashed, Key: e.key, Reason: "hibernate_failed", At: time.Now()})
			_ = root.Stop(context.Background(), "idle_timeout")
		}
	} else {
		_ = root.Stop(context.Background(), "idle_timeout")
	}
}

// RecoverPending inspects each candidate key's checkpoint (if any) and logs
// loudly when one was left in a non-terminal status — e.g. a "working"
// checkpoint from a process that died before it could hibernate cleanly.
// It never resumes an agent on its own: the decision to Get() it back to
// life is left entirely to the caller's own reconciliation logic.
func (m *Manager) RecoverPending(ctx context.Context, agentModule string, candidateKeys []string) error {
	if m.cfg.Store == nil {
		return nil
	}
	for _, key := range candidateKeys {
		ckKey := store.CheckpointKey{AgentModule: agentModule, LogicalKey: key}
		data, found, err := m.cfg.Store.GetCheckpoint(ctx, ckKey)
		if err != nil {
			return fmt.Errorf("manager: recovering pending checkpoint for %q: %w", key, err)
		}
		if !found {
			continue
		}
		var state agentruntime.AgentState
		if err := serialize.Unmarshal(data, &state); err != nil {
			m.logger.Warn("pending checkpoint is not decodable, leaving as-is", "key", key, "error", err)
			continue
		}
		if state.Status != agentruntime.StatusTerminated && state.Status != agentruntime.StatusCompleted {
			m.logger.Warn("found pending checkpoint left in a non-terminal status", "key", key, "status", state.Status)
		}
	}
	return nil
}

// Close stops every live key concurrently (bounded by MaxConcurrentStarts)
// and shuts down the idle-eviction loop. Idempotent.
func (m *Manager) Close(ctx context.Context) error {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return nil
	}
	m.closed = true
	m.closeMu.Unlock()

	close(m.stopEvict)
	<-m.evictDone

	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrentStarts)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if err := m.Stop(gctx, key); err != nil {
				m.logger.Warn("stop failed during close", "key", key, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
