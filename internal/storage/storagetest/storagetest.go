// Package storagetest opens migrated in-memory stores for tests.
package storagetest

import (
	"context"
	"testing"

	"councilbot/internal/storage"
	logx "councilbot/pkg/logx"
)

// New returns a migrated SQLite store that lives for the duration of t.
func New(t testing.TB) *storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}
