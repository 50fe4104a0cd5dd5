package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/cmdcenter/internal/bus"
	"github.com/basket/cmdcenter/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustRegister(t *testing.T, s *store.Store, project string) {
	t.Helper()
	if err := s.RegisterAgent(context.Background(), project, "claude", ""); err != nil {
		t.Fatalf("register agent %s: %v", project, err)
	}
}

func mustEnqueue(t *testing.T, s *store.Store, project, description string, priority store.Priority) string {
	t.Helper()
	id, err := s.Enqueue(context.Background(), project, description, priority, nil)
	if err != nil {
		t.Fatalf("enqueue %q: %v", description, err)
	}
	return id
}

func TestSchemaReopens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reopen.db")

	s, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	mustRegister(t, s, "alpha")
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	agent, err := s2.GetAgent(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("get agent after reopen: %v", err)
	}
	if agent == nil {
		t.Fatal("agent missing after reopen")
	}
}
