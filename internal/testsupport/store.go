package testsupport

import (
	"context"
	"testing"

	"vectorflow/internal/config"
	"vectorflow/internal/history"
)

// MustOpenHistory opens the history store under cfg's data directory and
// registers cleanup.
func MustOpenHistory(t testing.TB, cfg *config.Config) *history.Store {
	t.Helper()

	store, err := history.Open(context.Background(), cfg.HistoryPath())
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
