package monitor_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/cmdcenter/internal/audit"
	"github.com/basket/cmdcenter/internal/bus"
	"github.com/basket/cmdcenter/internal/monitor"
	"github.com/basket/cmdcenter/internal/store"
)

func setup(t *testing.T) (*store.Store, *audit.Logger) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "monitor.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	logger, err := audit.New(s.DB(), []byte("monitor-test-key"), nil)
	if err != nil {
		t.Fatalf("new audit logger: %v", err)
	}
	return s, logger
}

func ageHeartbeat(t *testing.T, s *store.Store, project string) {
	t.Helper()
	old := time.Now().Add(-time.Hour).UTC()
	if _, err := s.DB().Exec(`UPDATE agents SET last_heartbeat = ? WHERE project = ?;`, old, project); err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}
}

func TestSweepReclaimsAndMarksStale(t *testing.T) {
	ctx := context.Background()
	s, auditLog := setup(t)

	if err := s.RegisterAgent(ctx, "alpha", "claude", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	taskID, err := s.Enqueue(ctx, "alpha", "long running work", store.PriorityNormal, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Claim(ctx, "alpha"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.SetAgentStatus(ctx, "alpha", store.AgentStatusWorking); err != nil {
		t.Fatalf("set status: %v", err)
	}
	ageHeartbeat(t, s, "alpha")

	m := monitor.New(monitor.Config{
		Store:     s,
		Audit:     auditLog,
		Staleness: 30 * time.Second,
	})
	m.Sweep(ctx)

	task, err := s.Get(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusPending {
		t.Fatalf("task status = %s, want pending after reclaim", task.Status)
	}
	if task.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", task.RetryCount)
	}

	agent, err := s.GetAgent(ctx, "alpha")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != store.AgentStatusIdle {
		t.Fatalf("agent status = %s, want idle after stale detection", agent.Status)
	}

	entries, err := auditLog.Query(ctx, audit.Filter{Action: audit.ActionAgentStale})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) != 1 || entries[0].ResourceID != "alpha" {
		t.Fatalf("stale audit entries = %v", entries)
	}

	events, err := s.PollEvents(ctx, 0, 100)
	if err != nil {
		t.Fatalf("poll events: %v", err)
	}
	var sawStale, sawReclaim bool
	for _, e := range events {
		switch e.Type {
		case bus.TopicAgentStale:
			sawStale = true
		case bus.TopicTaskReclaimed:
			sawReclaim = true
		}
	}
	if !sawStale || !sawReclaim {
		t.Fatalf("missing events: stale=%v reclaim=%v", sawStale, sawReclaim)
	}
}

func TestSweepLeavesHealthyAgentsAlone(t *testing.T) {
	ctx := context.Background()
	s, auditLog := setup(t)

	if err := s.RegisterAgent(ctx, "alpha", "claude", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.Enqueue(ctx, "alpha", "active work", store.PriorityNormal, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := s.Claim(ctx, "alpha")
	if err != nil || claimed == nil {
		t.Fatalf("claim: task=%v err=%v", claimed, err)
	}

	m := monitor.New(monitor.Config{Store: s, Audit: auditLog})
	m.Sweep(ctx)

	task, err := s.Get(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusInProgress {
		t.Fatalf("healthy agent's task moved to %s", task.Status)
	}
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	s, auditLog := setup(t)

	m := monitor.New(monitor.Config{
		Store:    s,
		Audit:    auditLog,
		Interval: 10 * time.Millisecond,
	})
	m.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	m.Stop()
}
