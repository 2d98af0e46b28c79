package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pcharbon70/agentkeeper/errs"
)

// MemoryStore is an in-memory Store backend: two maps — checkpoints, and
// threads by id, where each *Thread carries both its meta and its entry
// slice (there is no separate entries index) — each guarded by its own
// RWMutex so concurrent readers never block each other.
// Restart-unsafe; intended for tests and short-lived workloads.
type MemoryStore struct {
	checkpointsMu sync.RWMutex
	checkpoints   map[string][]byte

	threadsMu sync.RWMutex
	threads   map[string]*Thread
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string][]byte),
		threads:     make(map[string]*Thread),
	}
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, key CheckpointKey) ([]byte, bool, error) {
	s.checkpointsMu.RLock()
	defer s.checkpointsMu.RUnlock()
	data, ok := s.checkpoints[key.Filename()]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

func (s *MemoryStore) PutCheckpoint(_ context.Context, key CheckpointKey, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.checkpointsMu.Lock()
	defer s.checkpointsMu.Unlock()
	s.checkpoints[key.Filename()] = cp
	return nil
}

func (s *MemoryStore) DeleteCheckpoint(_ context.Context, key CheckpointKey) error {
	s.checkpointsMu.Lock()
	defer s.checkpointsMu.Unlock()
	delete(s.checkpoints, key.Filename())
	return nil
}

func (s *MemoryStore) LoadThread(_ context.Context, id string) (Thread, bool, error) {
	s.threadsMu.RLock()
	defer s.threadsMu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return Thread{}, false, nil
	}
	return t.Clone(), true, nil
}

func (s *MemoryStore) AppendThread(_ context.Context, id string, entries []Entry, expectedRev *uint64) (Thread, error) {
	s.threadsMu.Lock()
	defer s.threadsMu.Unlock()

	t, ok := s.threads[id]
	if !ok {
		now := nowMillis()
		t = &Thread{ID: id, CreatedAt: now, UpdatedAt: now, Metadata: map[string]any{}}
		s.threads[id] = t
	}

	if expectedRev != nil && t.Rev != *expectedRev {
		return Thread{}, &errs.ConflictError{ThreadID: id, Expected: *expectedRev, Actual: t.Rev}
	}

	now := nowMillis()
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.At == 0 {
			e.At = now
		}
		e.Seq = t.Rev
		t.Entries = append(t.Entries, e)
		t.Rev++
	}
	t.UpdatedAt = now

	return t.Clone(), nil
}

func (s *MemoryStore) DeleteThread(_ context.Context, id string) error {
	s.threadsMu.Lock()
	defer s.threadsMu.Unlock()
	delete(s.threads, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
