package store

import "testing"

func TestMemoryStoreConformance(t *testing.T) {
	RunConformance(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}
