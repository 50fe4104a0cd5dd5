package retention_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/cmdcenter/internal/audit"
	"github.com/basket/cmdcenter/internal/retention"
	"github.com/basket/cmdcenter/internal/store"
)

func setup(t *testing.T) (*store.Store, *audit.Logger) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "retention.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	logger, err := audit.New(s.DB(), []byte("retention-test-key"), nil)
	if err != nil {
		t.Fatalf("new audit logger: %v", err)
	}
	return s, logger
}

func TestNewRejectsBadSchedule(t *testing.T) {
	s, auditLog := setup(t)
	if _, err := retention.New(retention.Config{
		Store:    s,
		Audit:    auditLog,
		Schedule: "not cron",
	}); err == nil {
		t.Fatal("bad schedule accepted")
	}
}

func TestSweepArchivesAgedData(t *testing.T) {
	ctx := context.Background()
	s, auditLog := setup(t)

	if err := s.RegisterAgent(ctx, "alpha", "claude", ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	// One old completed task, one recent.
	oldID, err := s.Enqueue(ctx, "alpha", "old work", store.PriorityNormal, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Claim(ctx, "alpha"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Complete(ctx, oldID, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	aged := time.Now().AddDate(0, 0, -120).UTC()
	if _, err := s.DB().Exec(`UPDATE tasks SET completed_at = ? WHERE id = ?;`, aged, oldID); err != nil {
		t.Fatalf("age task: %v", err)
	}
	recentID, err := s.Enqueue(ctx, "alpha", "recent work", store.PriorityNormal, nil)
	if err != nil {
		t.Fatalf("enqueue recent: %v", err)
	}

	// Two audit entries, one aged past the horizon.
	if _, err := auditLog.Append(ctx, audit.Entry{Action: audit.ActionTaskCompleted}); err != nil {
		t.Fatalf("append audit: %v", err)
	}
	if _, err := s.DB().Exec(`UPDATE audit_log SET timestamp = ?;`, aged); err != nil {
		t.Fatalf("age audit: %v", err)
	}
	if _, err := auditLog.Append(ctx, audit.Entry{Action: audit.ActionTaskCreated}); err != nil {
		t.Fatalf("append recent audit: %v", err)
	}

	sweeper, err := retention.New(retention.Config{
		Store:        s,
		Audit:        auditLog,
		DetailedDays: 90,
		MaxEventRows: 100000,
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	res, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.TasksArchived != 1 {
		t.Fatalf("tasks archived = %d, want 1", res.TasksArchived)
	}
	if res.AuditArchived != 1 {
		t.Fatalf("audit archived = %d, want 1", res.AuditArchived)
	}

	gone, err := s.Get(ctx, oldID)
	if err != nil {
		t.Fatalf("get old: %v", err)
	}
	if gone != nil {
		t.Fatal("aged task still live")
	}
	kept, err := s.Get(ctx, recentID)
	if err != nil || kept == nil {
		t.Fatalf("recent task missing: task=%v err=%v", kept, err)
	}

	// The surviving audit chain still verifies after archival.
	if err := auditLog.VerifyAll(ctx); err != nil {
		t.Fatalf("verify after sweep: %v", err)
	}
}

func TestSweepPrunesEventLog(t *testing.T) {
	ctx := context.Background()
	s, auditLog := setup(t)

	for i := 0; i < 20; i++ {
		if _, err := s.PublishEvent(ctx, store.Event{Type: "test.tick"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	sweeper, err := retention.New(retention.Config{
		Store:        s,
		Audit:        auditLog,
		MaxEventRows: 5,
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	res, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.EventsPruned != 15 {
		t.Fatalf("events pruned = %d, want 15", res.EventsPruned)
	}

	remaining, err := s.PollEvents(ctx, 0, 100)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(remaining) != 5 {
		t.Fatalf("%d events remain, want 5", len(remaining))
	}
}

func TestStartStop(t *testing.T) {
	s, auditLog := setup(t)
	sweeper, err := retention.New(retention.Config{Store: s, Audit: auditLog})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	sweeper.Start(context.Background())
	sweeper.Stop()
}
