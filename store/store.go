// Package store implements the pluggable checkpoint and thread-journal
// persistence layer (SPEC_FULL.md §4.1). Three backends satisfy the same
// Store interface and the same conformance suite: an in-memory backend for
// tests and short-lived workloads, a file backend for single-process
// durability, and a SQL backend for deployments sharing a relational
// database across manager processes.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/pcharbon70/agentkeeper/serialize"
)

// CheckpointKey identifies one checkpoint blob: the tuple (agent_module,
// logical_key) named in SPEC_FULL.md §4.1.
type CheckpointKey struct {
	AgentModule string
	LogicalKey  string
}

// Filename returns the sha256-url-safe-base64 checkpoint filename scheme
// from SPEC_FULL.md §6, without the ".bin" suffix.
func (k CheckpointKey) Filename() string {
	b, err := serialize.Marshal(k)
	if err != nil {
		// CheckpointKey is two strings; marshaling cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(b)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Entry is one immutable record in a Thread (SPEC_FULL.md §3).
type Entry struct {
	ID      string         `cbor:"id"`
	Seq     uint64         `cbor:"seq"`
	At      int64          `cbor:"at"` // milliseconds since epoch
	Kind    string         `cbor:"kind"`
	Payload map[string]any `cbor:"payload"`
	Refs    map[string]string `cbor:"refs"`
}

// Thread is an ordered, append-only sequence of Entries (SPEC_FULL.md §3).
type Thread struct {
	ID        string         `cbor:"id"`
	Rev       uint64         `cbor:"rev"`
	Entries   []Entry        `cbor:"entries"`
	CreatedAt int64          `cbor:"created_at"`
	UpdatedAt int64          `cbor:"updated_at"`
	Metadata  map[string]any `cbor:"metadata"`
}

// Clone returns a deep-enough copy safe to hand to a caller without letting
// them mutate the Store's internal state.
func (t Thread) Clone() Thread {
	out := t
	out.Entries = make([]Entry, len(t.Entries))
	copy(out.Entries, t.Entries)
	out.Metadata = cloneMap(t.Metadata)
	for i := range out.Entries {
		out.Entries[i].Payload = cloneMap(out.Entries[i].Payload)
		out.Entries[i].Refs = cloneStringMap(out.Entries[i].Refs)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Store is the contract every persistence backend implements.
type Store interface {
	// GetCheckpoint returns the stored bytes for key, or found=false if
	// absent. Absence is never an error.
	GetCheckpoint(ctx context.Context, key CheckpointKey) (data []byte, found bool, err error)

	// PutCheckpoint atomically writes data for key. On failure the prior
	// value (or absence) is left intact.
	PutCheckpoint(ctx context.Context, key CheckpointKey, data []byte) error

	// DeleteCheckpoint removes the checkpoint for key. Idempotent: absence
	// is success.
	DeleteCheckpoint(ctx context.Context, key CheckpointKey) error

	// LoadThread returns the thread for id, or found=false if absent.
	LoadThread(ctx context.Context, id string) (thread Thread, found bool, err error)

	// AppendThread atomically appends entries to thread id. When
	// expectedRev is non-nil, the append fails with errs.ErrConflict unless
	// the thread's current revision equals *expectedRev. Entries missing an
	// ID or At get one assigned; Seq is always assigned by the store.
	AppendThread(ctx context.Context, id string, entries []Entry, expectedRev *uint64) (Thread, error)

	// DeleteThread removes a thread. Idempotent: absence is success.
	DeleteThread(ctx context.Context, id string) error
}

// nowMillis is overridable in tests that need deterministic timestamps.
var nowMillis = func() int64 { return time.Now().UnixMilli() }
