// Package journal implements the thin layer over store.Store that adds
// optimistic concurrency on append (inherited from the Store contract),
// per-subscription delivery checkpoints, and a dead-letter queue for
// entries that could not be routed (SPEC_FULL.md §4.2).
package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pcharbon70/agentkeeper/serialize"
	"github.com/pcharbon70/agentkeeper/store"
)

const (
	subscriptionCheckpointAgent = "__journal_subscription__"
	dlqCheckpointAgent          = "__journal_dlq__"
)

// DLQEntry is a dead-letter record: an entry that could not be routed or
// applied, preserved verbatim so an operator can inspect or replay it.
type DLQEntry struct {
	SubscriptionID string         `cbor:"subscription_id"`
	EntryID        string         `cbor:"entry_id"`
	Reason         string         `cbor:"reason"` // "step_panic", "invalid_term", "undeliverable"
	Payload        map[string]any `cbor:"payload"`
	FailedAt       int64          `cbor:"failed_at"` // milliseconds since epoch
}

// Journal wraps a store.Store with the concerns described above. A Journal
// is safe for concurrent use; DLQ put/list/delete operations share one
// journal-wide mutex, so they are serialized across all subscriptions.
type Journal struct {
	backing store.Store

	dlqMu sync.Mutex
}

// New wraps backing in a Journal.
func New(backing store.Store) *Journal {
	return &Journal{backing: backing}
}

// Append appends entries to thread id, enforcing expectedRev when non-nil.
func (j *Journal) Append(ctx context.Context, id string, entries []store.Entry, expectedRev *uint64) (store.Thread, error) {
	return j.backing.AppendThread(ctx, id, entries, expectedRev)
}

// Load returns the thread for id.
func (j *Journal) Load(ctx context.Context, id string) (store.Thread, bool, error) {
	return j.backing.LoadThread(ctx, id)
}

// RecordCheckpoint records the last-delivered seq for subscriptionID.
func (j *Journal) RecordCheckpoint(ctx context.Context, subscriptionID string, seq uint64) error {
	data, err := serialize.Marshal(seq)
	if err != nil {
		return err
	}
	key := store.CheckpointKey{AgentModule: subscriptionCheckpointAgent, LogicalKey: subscriptionID}
	return j.backing.PutCheckpoint(ctx, key, data)
}

// ReadCheckpoint returns the last-delivered seq recorded for subscriptionID.
func (j *Journal) ReadCheckpoint(ctx context.Context, subscriptionID string) (seq uint64, found bool, err error) {
	key := store.CheckpointKey{AgentModule: subscriptionCheckpointAgent, LogicalKey: subscriptionID}
	data, found, err := j.backing.GetCheckpoint(ctx, key)
	if err != nil || !found {
		return 0, found, err
	}
	if err := serialize.Unmarshal(data, &seq); err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

// DeleteCheckpoint removes the recorded delivery position for subscriptionID.
func (j *Journal) DeleteCheckpoint(ctx context.Context, subscriptionID string) error {
	key := store.CheckpointKey{AgentModule: subscriptionCheckpointAgent, LogicalKey: subscriptionID}
	return j.backing.DeleteCheckpoint(ctx, key)
}

// DLQPut appends an entry to subscriptionID's dead-letter queue.
func (j *Journal) DLQPut(ctx context.Context, subscriptionID, entryID, reason string, payload map[string]any) error {
	j.dlqMu.Lock()
	defer j.dlqMu.Unlock()

	entries, err := j.dlqLoadLocked(ctx, subscriptionID)
	if err != nil {
		return err
	}
	entries = append(entries, DLQEntry{
		SubscriptionID: subscriptionID,
		EntryID:        entryID,
		Reason:         reason,
		Payload:        payload,
		FailedAt:       time.Now().UnixMilli(),
	})
	return j.dlqSaveLocked(ctx, subscriptionID, entries)
}

// DLQList returns subscriptionID's dead-letter entries in insertion order.
func (j *Journal) DLQList(ctx context.Context, subscriptionID string) ([]DLQEntry, error) {
	j.dlqMu.Lock()
	defer j.dlqMu.Unlock()
	entries, err := j.dlqLoadLocked(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	out := make([]DLQEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// DLQDelete removes a single entry identified by (subscriptionID, entryID).
func (j *Journal) DLQDelete(ctx context.Context, subscriptionID, entryID string) error {
	j.dlqMu.Lock()
	defer j.dlqMu.Unlock()

	entries, err := j.dlqLoadLocked(ctx, subscriptionID)
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.EntryID != entryID {
			kept = append(kept, e)
		}
	}
	return j.dlqSaveLocked(ctx, subscriptionID, kept)
}

// DLQClear removes all dead-letter entries for subscriptionID.
func (j *Journal) DLQClear(ctx context.Context, subscriptionID string) error {
	key := store.CheckpointKey{AgentModule: dlqCheckpointAgent, LogicalKey: subscriptionID}
	return j.backing.DeleteCheckpoint(ctx, key)
}

func (j *Journal) dlqLoadLocked(ctx context.Context, subscriptionID string) ([]DLQEntry, error) {
	key := store.CheckpointKey{AgentModule: dlqCheckpointAgent, LogicalKey: subscriptionID}
	data, found, err := j.backing.GetCheckpoint(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("journal: loading DLQ for %q: %w", subscriptionID, err)
	}
	if !found {
		return nil, nil
	}
	var entries []DLQEntry
	if err := serialize.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, k int) bool { return entries[i].FailedAt < entries[k].FailedAt })
	return entries, nil
}

func (j *Journal) dlqSaveLocked(ctx context.Context, subscriptionID string, entries []DLQEntry) error {
	key := store.CheckpointKey{AgentModule: dlqCheckpointAgent, LogicalKey: subscriptionID}
	if len(entries) == 0 {
		return j.backing.DeleteCheckpoint(ctx, key)
	}
	data, err := serialize.Marshal(entries)
	if err != nil {
		return err
	}
	return j.backing.PutCheckpoint(ctx, key, data)
}
