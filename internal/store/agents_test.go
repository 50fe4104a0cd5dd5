package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/cmdcenter/internal/store"
)

func TestRegisterAgentUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RegisterAgent(ctx, "alpha", "claude", `{"model":"default"}`); err != nil {
		t.Fatalf("register: %v", err)
	}
	agent, err := s.GetAgent(ctx, "alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agent.Status != store.AgentStatusIdle {
		t.Fatalf("status = %s, want idle", agent.Status)
	}
	if agent.Provider != "claude" {
		t.Fatalf("provider = %q", agent.Provider)
	}
	if agent.LastHeartbeat == nil {
		t.Fatal("registration did not count as heartbeat")
	}

	// Re-registration updates provider but keeps a working status.
	if err := s.SetAgentStatus(ctx, "alpha", store.AgentStatusWorking); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := s.RegisterAgent(ctx, "alpha", "gemini", ""); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	agent, err = s.GetAgent(ctx, "alpha")
	if err != nil {
		t.Fatalf("get after re-register: %v", err)
	}
	if agent.Provider != "gemini" {
		t.Fatalf("provider = %q, want gemini", agent.Provider)
	}
	if agent.Status != store.AgentStatusWorking {
		t.Fatalf("status = %s, want working preserved", agent.Status)
	}
}

func TestRegisterAgentValidation(t *testing.T) {
	s := openTestStore(t)
	if err := s.RegisterAgent(context.Background(), "  ", "claude", ""); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("blank project: got %v, want ErrValidation", err)
	}
}

func TestHeartbeat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Heartbeat(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("heartbeat unknown agent: got %v, want ErrNotFound", err)
	}

	mustRegister(t, s, "alpha")
	before, err := s.GetAgent(ctx, "alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := s.Heartbeat(ctx, "alpha"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	after, err := s.GetAgent(ctx, "alpha")
	if err != nil {
		t.Fatalf("get after heartbeat: %v", err)
	}
	if !after.LastHeartbeat.After(*before.LastHeartbeat) {
		t.Fatalf("heartbeat did not advance: %v -> %v", before.LastHeartbeat, after.LastHeartbeat)
	}
}

func TestSetAgentStatusValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")

	if err := s.SetAgentStatus(ctx, "alpha", store.AgentStatus("sleeping")); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("bad status: got %v, want ErrValidation", err)
	}
	if err := s.SetAgentStatus(ctx, "ghost", store.AgentStatusIdle); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown agent: got %v, want ErrNotFound", err)
	}
}

func TestListStaleWorking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")
	mustRegister(t, s, "beta")

	if err := s.SetAgentStatus(ctx, "alpha", store.AgentStatusWorking); err != nil {
		t.Fatalf("set alpha working: %v", err)
	}
	if err := s.SetAgentStatus(ctx, "beta", store.AgentStatusWorking); err != nil {
		t.Fatalf("set beta working: %v", err)
	}
	markStale(t, s, "alpha")

	stale, err := s.ListStaleWorking(ctx, time.Now().Add(-30*time.Second))
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].Project != "alpha" {
		t.Fatalf("stale agents = %v, want only alpha", stale)
	}
}
