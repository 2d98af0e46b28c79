package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStoreConformance(t *testing.T) {
	RunConformance(t, func(t *testing.T) Store {
		s, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		return s
	})
}
