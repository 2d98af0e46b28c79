package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	agentkeepererrs "github.com/pcharbon70/agentkeeper/errs"
	"github.com/pcharbon70/agentkeeper/serialize"
)

// SQLStore is a SQL-backed Store backend, dialect-aware for postgres/mysql/
// sqlite. AppendThread reads the thread's rev inside a transaction and
// returns ErrConflict when it differs from expectedRev; it takes no
// in-process mutex. The thread_meta UPDATE also carries `WHERE rev = ?`, but
// its row count is not checked: when another writer commits to the same
// thread between the read and this transaction's writes, the clash shows up
// as a failed insert (duplicate (thread_id, seq) or thread id) and is
// returned as ErrStorageIO, not ErrConflict.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore wraps an existing *sql.DB. dialect is one of "postgres",
// "mysql", "sqlite". The caller owns schema migration; see EnsureSchema.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("store: unsupported dialect %q", dialect)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// EnsureSchema creates the checkpoints/thread_meta/thread_entries tables if
// they do not already exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	blobType := "BLOB"
	if s.dialect == "postgres" {
		blobType = "BYTEA"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS checkpoints (
			filename VARCHAR(64) PRIMARY KEY,
			data %s NOT NULL
		)`, blobType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS thread_meta (
			id VARCHAR(255) PRIMARY KEY,
			rev BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			metadata %s
		)`, blobType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS thread_entries (
			thread_id VARCHAR(255) NOT NULL,
			seq BIGINT NOT NULL,
			data %s NOT NULL,
			PRIMARY KEY (thread_id, seq)
		)`, blobType),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: creating schema: %v", agentkeepererrs.ErrStorageIO, err)
		}
	}
	return nil
}

// rewritePlaceholders rewrites "?" placeholders to the dialect's native
// syntax, mirroring the convertToPostgresPlaceholders idiom used elsewhere
// in this stack's SQL layer.
func (s *SQLStore) rewritePlaceholders(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rewritePlaceholders(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rewritePlaceholders(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rewritePlaceholders(query), args...)
}

func (s *SQLStore) GetCheckpoint(ctx context.Context, key CheckpointKey) ([]byte, bool, error) {
	var data []byte
	err := s.queryRow(ctx, `SELECT data FROM checkpoints WHERE filename = ?`, key.Filename()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", agentkeepererrs.ErrStorageIO, err)
	}
	return data, true, nil
}

func (s *SQLStore) PutCheckpoint(ctx context.Context, key CheckpointKey, data []byte) error {
	var query string
	switch s.dialect {
	case "mysql":
		query = `INSERT INTO checkpoints (filename, data) VALUES (?, ?)
			ON DUPLICATE KEY UPDATE data = VALUES(data)`
	case "postgres":
		query = `INSERT INTO checkpoints (filename, data) VALUES (?, ?)
			ON CONFLICT (filename) DO UPDATE SET data = EXCLUDED.data`
	default: // sqlite
		query = `INSERT INTO checkpoints (filename, data) VALUES (?, ?)
			ON CONFLICT(filename) DO UPDATE SET data = excluded.data`
	}
	if _, err := s.exec(ctx, query, key.Filename(), data); err != nil {
		return fmt.Errorf("%w: %v", agentkeepererrs.ErrStorageIO, err)
	}
	return nil
}

func (s *SQLStore) DeleteCheckpoint(ctx context.Context, key CheckpointKey) error {
	if _, err := s.exec(ctx, `DELETE FROM checkpoints WHERE filename = ?`, key.Filename()); err != nil {
		return fmt.Errorf("%w: %v", agentkeepererrs.ErrStorageIO, err)
	}
	return nil
}

func (s *SQLStore) LoadThread(ctx context.Context, id string) (Thread, bool, error) {
	var rev uint64
	var createdAt, updatedAt int64
	var metaBytes []byte
	err := s.queryRow(ctx, `SELECT rev, created_at, updated_at, metadata FROM thread_meta WHERE id = ?`, id).
		Scan(&rev, &createdAt, &updatedAt, &metaBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, false, nil
	}
	if err != nil {
		return Thread{}, false, fmt.Errorf("%w: %v", agentkeepererrs.ErrStorageIO, err)
	}

	var metadata map[string]any
	if len(metaBytes) > 0 {
		if err := serialize.Unmarshal(metaBytes, &metadata); err != nil {
			return Thread{}, false, err
		}
	}

	rows, err := s.query(ctx, `SELECT data FROM thread_entries WHERE thread_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return Thread{}, false, fmt.Errorf("%w: %v", agentkeepererrs.ErrStorageIO, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return Thread{}, false, fmt.Errorf("%w: %v", agentkeepererrs.ErrStorageIO, err)
		}
		var e Entry
		if err := serialize.Unmarshal(data, &e); err != nil {
			return Thread{}, false, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return Thread{}, false, fmt.Errorf("%w: %v", agentkeepererrs.ErrStorageIO, err)
	}

	return Thread{
		ID: id, Rev: rev, Entries: entries,
		CreatedAt: createdAt, UpdatedAt: updatedAt, Metadata: metadata,
	}, true, nil
}

func (s *SQLStore) AppendThread(ctx context.Context, id string, entries []Entry, expectedRev *uint64) (Thread, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Thread{}, fmt.Errorf("%w: %v", agentkeepererrs.ErrStorageIO, err)
	}
	defer tx.Rollback()

	var rev uint64
	var createdAt, updatedAt int64
	err = tx.QueryRowContext(ctx, s.rewritePlaceholders(`SELECT rev, created_at, updated_at FROM thread_meta WHERE id = ?`), id).
		Scan(&rev, &createdAt, &updatedAt)
	now := nowMillis()
	exists := true
	switch {
	case errors.Is(err, sql.ErrNoRows):
		exists = false
		createdAt = now
	case err != nil:
		return Thread{}, fmt.Errorf("%w: %v", agentkeepererrs.ErrStorageIO, err)
	}

	if expectedRev != nil && rev != *expectedRev {
		return Thread{}, &agentkeepererrs.ConflictError{ThreadID: id, Expected: *expectedRev, Actual: rev}
	}

	for i, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.At == 0 {
			e.At = now
		}
		e.Seq = rev + uint64(i)
		body, err := serialize.Marshal(e)
		if err != nil {
			return Thread{}, err
		}
		if _, err := tx.ExecContext(ctx, s.rewritePlaceholders(
			`INSERT INTO thread_entries (thread_id, seq, data) VALUES (?, ?, ?)`),
			id, e.Seq, body); err != nil {
			return Thread{}, fmt.Errorf("%w: %v", agentkeepererrs.ErrStorageIO, err)
		}
	}

	newRev := rev + uint64(len(entries))
	metaBytes, err := serialize.Marshal(map[string]any{})
	if err != nil {
		return Thread{}, err
	}

	if exists {
		if _, err := tx.ExecContext(ctx, s.rewritePlaceholders(
			`UPDATE thread_meta SET rev = ?, updated_at = ? WHERE id = ? AND rev = ?`),
			newRev, now, id, rev); err != nil {
			return Thread{}, fmt.Errorf("%w: %v", agentkeepererrs.ErrStorageIO, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, s.rewritePlaceholders(
			`INSERT INTO thread_meta (id, rev, created_at, updated_at, metadata) VALUES (?, ?, ?, ?, ?)`),
			id, newRev, createdAt, now, metaBytes); err != nil {
			return Thread{}, fmt.Errorf("%w: %v", agentkeepererrs.ErrStorageIO, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Thread{}, fmt.Errorf("%w: %v", agentkeepererrs.ErrStorageIO, err)
	}

	return s.LoadThread(ctx, id)
}

func (s *SQLStore) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", agentkeepererrs.ErrStorageIO, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rewritePlaceholders(`DELETE FROM thread_entries WHERE thread_id = ?`), id); err != nil {
		return fmt.Errorf("%w: %v", agentkeepererrs.ErrStorageIO, err)
	}
	if _, err := tx.ExecContext(ctx, s.rewritePlaceholders(`DELETE FROM thread_meta WHERE id = ?`), id); err != nil {
		return fmt.Errorf("%w: %v", agentkeepererrs.ErrStorageIO, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", agentkeepererrs.ErrStorageIO, err)
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
