package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLStoreConformance(t *testing.T) {
	RunConformance(t, func(t *testing.T) Store {
		path := filepath.Join(t.TempDir(), "conformance.db")
		db, err := sql.Open("sqlite3", path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		s, err := NewSQLStore(db, "sqlite")
		require.NoError(t, err)
		require.NoError(t, s.EnsureSchema(context.Background()))
		return s
	})
}
