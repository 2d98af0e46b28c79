package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/pcharbon70/agentkeeper/errs"
	"github.com/pcharbon70/agentkeeper/serialize"
)

// FileStore is a file-backed Store backend. Layout under BaseDir:
//
//	checkpoints/{sha256-url-safe-base64-of-key}.bin
//	threads/{thread_id}/meta.bin
//	threads/{thread_id}/entries.log
//
// Checkpoint writes use a .tmp sibling followed by rename so a crash mid
// write never corrupts the prior value. Per-thread appends are serialized
// with a mutex keyed on the thread id.
type FileStore struct {
	baseDir string

	threadLocksMu sync.Mutex
	threadLocks   map[string]*sync.Mutex
}

// NewFileStore creates a FileStore rooted at baseDir, creating the
// checkpoints/ and threads/ directories if absent.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "checkpoints"), 0o755); err != nil {
		return nil, fmt.Errorf("store: create checkpoints dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(baseDir, "threads"), 0o755); err != nil {
		return nil, fmt.Errorf("store: create threads dir: %w", err)
	}
	return &FileStore{
		baseDir:     baseDir,
		threadLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *FileStore) checkpointPath(key CheckpointKey) string {
	return filepath.Join(s.baseDir, "checkpoints", key.Filename()+".bin")
}

func (s *FileStore) threadDir(id string) string {
	return filepath.Join(s.baseDir, "threads", id)
}

func (s *FileStore) lockFor(id string) *sync.Mutex {
	s.threadLocksMu.Lock()
	defer s.threadLocksMu.Unlock()
	m, ok := s.threadLocks[id]
	if !ok {
		m = &sync.Mutex{}
		s.threadLocks[id] = m
	}
	return m
}

func (s *FileStore) GetCheckpoint(_ context.Context, key CheckpointKey) ([]byte, bool, error) {
	data, err := os.ReadFile(s.checkpointPath(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading checkpoint: %v", errs.ErrStorageIO, err)
	}
	return data, true, nil
}

func (s *FileStore) PutCheckpoint(_ context.Context, key CheckpointKey, data []byte) error {
	path := s.checkpointPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing checkpoint temp file: %v", errs.ErrStorageIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: renaming checkpoint temp file: %v", errs.ErrStorageIO, err)
	}
	return nil
}

func (s *FileStore) DeleteCheckpoint(_ context.Context, key CheckpointKey) error {
	err := os.Remove(s.checkpointPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: deleting checkpoint: %v", errs.ErrStorageIO, err)
	}
	return nil
}

type threadMeta struct {
	Rev       uint64         `cbor:"rev"`
	CreatedAt int64          `cbor:"created_at"`
	UpdatedAt int64          `cbor:"updated_at"`
	Metadata  map[string]any `cbor:"metadata"`
}

func (s *FileStore) readMeta(id string) (threadMeta, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.threadDir(id), "meta.bin"))
	if os.IsNotExist(err) {
		return threadMeta{}, false, nil
	}
	if err != nil {
		return threadMeta{}, false, fmt.Errorf("%w: reading thread meta: %v", errs.ErrStorageIO, err)
	}
	var m threadMeta
	if err := serialize.Unmarshal(data, &m); err != nil {
		return threadMeta{}, false, err
	}
	return m, true, nil
}

func (s *FileStore) writeMeta(id string, m threadMeta) error {
	dir := s.threadDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating thread dir: %v", errs.ErrStorageIO, err)
	}
	data, err := serialize.Marshal(m)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "meta.bin")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing thread meta temp file: %v", errs.ErrStorageIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: renaming thread meta temp file: %v", errs.ErrStorageIO, err)
	}
	return nil
}

func (s *FileStore) readEntries(id string) ([]Entry, error) {
	path := filepath.Join(s.threadDir(id), "entries.log")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading entries log: %v", errs.ErrStorageIO, err)
	}

	var entries []Entry
	cursor := 0
	for cursor < len(data) {
		if cursor+4 > len(data) {
			return nil, fmt.Errorf("%w: truncated frame size in entries log", errs.ErrInvalidTerm)
		}
		size := binary.BigEndian.Uint32(data[cursor : cursor+4])
		cursor += 4
		if cursor+int(size) > len(data) {
			return nil, fmt.Errorf("%w: truncated frame body in entries log", errs.ErrInvalidTerm)
		}
		var e Entry
		if err := serialize.Unmarshal(data[cursor:cursor+int(size)], &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
		cursor += int(size)
	}
	return entries, nil
}

func (s *FileStore) appendEntriesFrames(id string, entries []Entry) error {
	dir := s.threadDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating thread dir: %v", errs.ErrStorageIO, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "entries.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening entries log: %v", errs.ErrStorageIO, err)
	}
	defer f.Close()

	for _, e := range entries {
		body, err := serialize.Marshal(e)
		if err != nil {
			return err
		}
		var sizeBuf [4]byte
		binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(body)))
		if _, err := f.Write(sizeBuf[:]); err != nil {
			return fmt.Errorf("%w: writing frame size: %v", errs.ErrStorageIO, err)
		}
		if _, err := f.Write(body); err != nil {
			return fmt.Errorf("%w: writing frame body: %v", errs.ErrStorageIO, err)
		}
	}
	return nil
}

func (s *FileStore) LoadThread(_ context.Context, id string) (Thread, bool, error) {
	meta, found, err := s.readMeta(id)
	if err != nil || !found {
		return Thread{}, found, err
	}
	entries, err := s.readEntries(id)
	if err != nil {
		return Thread{}, false, err
	}
	return Thread{
		ID:        id,
		Rev:       meta.Rev,
		Entries:   entries,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
		Metadata:  meta.Metadata,
	}, true, nil
}

func (s *FileStore) AppendThread(ctx context.Context, id string, entries []Entry, expectedRev *uint64) (Thread, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	meta, found, err := s.readMeta(id)
	if err != nil {
		return Thread{}, err
	}
	now := nowMillis()
	if !found {
		meta = threadMeta{CreatedAt: now, Metadata: map[string]any{}}
	}

	if expectedRev != nil && meta.Rev != *expectedRev {
		return Thread{}, &errs.ConflictError{ThreadID: id, Expected: *expectedRev, Actual: meta.Rev}
	}

	assigned := make([]Entry, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.At == 0 {
			e.At = now
		}
		e.Seq = meta.Rev + uint64(i)
		assigned[i] = e
	}

	if err := s.appendEntriesFrames(id, assigned); err != nil {
		return Thread{}, err
	}

	meta.Rev += uint64(len(assigned))
	meta.UpdatedAt = now
	if err := s.writeMeta(id, meta); err != nil {
		return Thread{}, err
	}

	return s.loadThreadUnlocked(id, meta)
}

func (s *FileStore) loadThreadUnlocked(id string, meta threadMeta) (Thread, error) {
	entries, err := s.readEntries(id)
	if err != nil {
		return Thread{}, err
	}
	return Thread{
		ID:        id,
		Rev:       meta.Rev,
		Entries:   entries,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
		Metadata:  meta.Metadata,
	}, nil
}

func (s *FileStore) DeleteThread(_ context.Context, id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	err := os.RemoveAll(s.threadDir(id))
	if err != nil {
		return fmt.Errorf("%w: deleting thread dir: %v", errs.ErrStorageIO, err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
