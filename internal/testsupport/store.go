package testsupport

import (
	"context"
	"testing"
	"time"

	"conductor/internal/config"
	"conductor/internal/manifest"
)

// MustOpenStore opens a manifest.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *manifest.Store {
	t.Helper()

	store, err := manifest.Open(cfg)
	if err != nil {
		t.Fatalf("manifest.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewSession creates and persists a capturing session for tests.
func NewSession(t testing.TB, store *manifest.Store, sessionID string, startedAt time.Time) *manifest.Session {
	t.Helper()

	session := manifest.NewSession(sessionID, startedAt)
	if err := store.Create(context.Background(), session); err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return session
}
