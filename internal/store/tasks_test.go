package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/cmdcenter/internal/store"
)

func TestEnqueueValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")

	if _, err := s.Enqueue(ctx, "alpha", "   ", store.PriorityNormal, nil); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("empty description: got %v, want ErrValidation", err)
	}
	if _, err := s.Enqueue(ctx, "alpha", "do a thing", store.Priority("extreme"), nil); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("bad priority: got %v, want ErrValidation", err)
	}
	if _, err := s.Enqueue(ctx, "nope", "do a thing", store.PriorityNormal, nil); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("unknown project: got %v, want ErrValidation", err)
	}
}

func TestEnqueueDefaultsPriority(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")

	id, err := s.Enqueue(ctx, "alpha", "default priority", "", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Priority != store.PriorityNormal {
		t.Fatalf("priority = %s, want normal", task.Priority)
	}
	if task.Status != store.TaskStatusPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
}

func TestClaimPriorityOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")

	normal := mustEnqueue(t, s, "alpha", "normal work", store.PriorityNormal)
	urgent := mustEnqueue(t, s, "alpha", "urgent work", store.PriorityUrgent)
	high := mustEnqueue(t, s, "alpha", "high work", store.PriorityHigh)

	want := []string{urgent, high, normal}
	for i, expected := range want {
		task, err := s.Claim(ctx, "alpha")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if task == nil {
			t.Fatalf("claim %d: queue unexpectedly empty", i)
		}
		if task.ID != expected {
			t.Fatalf("claim %d: got task %s, want %s", i, task.ID, expected)
		}
		if task.Status != store.TaskStatusInProgress {
			t.Fatalf("claim %d: status = %s, want in_progress", i, task.Status)
		}
		if task.AssignedTo != "alpha" {
			t.Fatalf("claim %d: assigned_to = %q, want alpha", i, task.AssignedTo)
		}
		if task.StartedAt == nil {
			t.Fatalf("claim %d: started_at not set", i)
		}
	}
}

func TestClaimFIFOWithinPriority(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")

	first := mustEnqueue(t, s, "alpha", "first", store.PriorityNormal)
	time.Sleep(5 * time.Millisecond)
	second := mustEnqueue(t, s, "alpha", "second", store.PriorityNormal)

	task, err := s.Claim(ctx, "alpha")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task.ID != first {
		t.Fatalf("got %s, want older task %s", task.ID, first)
	}
	task, err = s.Claim(ctx, "alpha")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if task.ID != second {
		t.Fatalf("got %s, want %s", task.ID, second)
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	s := openTestStore(t)
	mustRegister(t, s, "alpha")

	task, err := s.Claim(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("claim on empty queue: %v", err)
	}
	if task != nil {
		t.Fatalf("claim on empty queue returned task %s", task.ID)
	}
}

func TestClaimRequiresRegisteredAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")
	id := mustEnqueue(t, s, "alpha", "recoverable work", store.PriorityNormal)

	// An unregistered agent has no heartbeat row, so nothing it claimed could
	// ever be reclaimed. The claim must be rejected up front.
	if _, err := s.Claim(ctx, "ghost-agent"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("claim by unregistered agent: got %v, want ErrValidation", err)
	}

	// The task is untouched and still claimable by a real agent.
	task, err := s.Get(ctx, id)
	if err != nil || task == nil {
		t.Fatalf("get: task=%v err=%v", task, err)
	}
	if task.Status != store.TaskStatusPending {
		t.Fatalf("status after rejected claim = %s, want pending", task.Status)
	}
	claimed, err := s.Claim(ctx, "alpha")
	if err != nil || claimed == nil || claimed.ID != id {
		t.Fatalf("claim by registered agent: task=%v err=%v", claimed, err)
	}

	// Every in_progress task now belongs to a registered agent, so a stale
	// enough cutoff reclaims all of them.
	markStale(t, s, "alpha")
	requeued, failed, err := s.ReclaimStale(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if requeued+failed != 1 {
		t.Fatalf("reclaimed %d+%d tasks, want 1", requeued, failed)
	}
}

func TestConcurrentClaimExactlyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")

	const taskCount = 20
	ids := make(map[string]bool, taskCount)
	for i := 0; i < taskCount; i++ {
		ids[mustEnqueue(t, s, "alpha", "parallel work", store.PriorityNormal)] = true
	}

	const workers = 8
	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			for {
				task, err := s.Claim(ctx, agent)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				claimed[task.ID]++
				mu.Unlock()
			}
		}("alpha")
	}
	wg.Wait()

	if len(claimed) != taskCount {
		t.Fatalf("claimed %d distinct tasks, want %d", len(claimed), taskCount)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("task %s claimed %d times", id, n)
		}
		if !ids[id] {
			t.Fatalf("claimed unknown task %s", id)
		}
	}
}

func TestCompleteIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")
	mustEnqueue(t, s, "alpha", "finish me", store.PriorityNormal)

	task, err := s.Claim(ctx, "alpha")
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}
	if err := s.Complete(ctx, task.ID, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	after, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != store.TaskStatusCompleted || after.Result != "done" {
		t.Fatalf("task = %s/%q, want completed/done", after.Status, after.Result)
	}
	firstCompletedAt := *after.CompletedAt

	if err := s.Complete(ctx, task.ID, "done again"); !errors.Is(err, store.ErrAlreadyTerminal) {
		t.Fatalf("second complete: got %v, want ErrAlreadyTerminal", err)
	}
	again, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get after repeat: %v", err)
	}
	if !again.CompletedAt.Equal(firstCompletedAt) {
		t.Fatalf("completed_at changed on repeated complete: %v -> %v", firstCompletedAt, again.CompletedAt)
	}
	if again.Result != "done" {
		t.Fatalf("result changed on repeated complete: %q", again.Result)
	}
}

func TestFailRequeuesBelowRetryCap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")
	mustEnqueue(t, s, "alpha", "break me", store.PriorityNormal)

	task, err := s.Claim(ctx, "alpha")
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}
	after, err := s.Fail(ctx, task.ID, "exploded")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if after.Status != store.TaskStatusPending {
		t.Fatalf("status after first fail = %s, want pending", after.Status)
	}
	if after.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", after.RetryCount)
	}
	if after.Error != "exploded" {
		t.Fatalf("error = %q, want recorded failure", after.Error)
	}
	if after.AssignedTo != "" {
		t.Fatalf("assigned_to = %q, want cleared", after.AssignedTo)
	}
}

func TestFailTerminalAtRetryCap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.SetMaxRetries(2)
	mustRegister(t, s, "alpha")
	id := mustEnqueue(t, s, "alpha", "doomed", store.PriorityNormal)

	// First failure consumes the retry and requeues.
	if task, err := s.Claim(ctx, "alpha"); err != nil || task == nil || task.ID != id {
		t.Fatalf("claim 1: task=%v err=%v", task, err)
	}
	after, err := s.Fail(ctx, id, "attempt 1")
	if err != nil {
		t.Fatalf("fail 1: %v", err)
	}
	if after.Status != store.TaskStatusPending {
		t.Fatalf("status after fail 1 = %s, want pending", after.Status)
	}

	// Second failure hits the cap.
	if task, err := s.Claim(ctx, "alpha"); err != nil || task == nil {
		t.Fatalf("claim 2: task=%v err=%v", task, err)
	}
	after, err = s.Fail(ctx, id, "attempt 2")
	if err != nil {
		t.Fatalf("fail 2: %v", err)
	}
	if after.Status != store.TaskStatusFailed {
		t.Fatalf("status after fail 2 = %s, want failed", after.Status)
	}
	if after.RetryCount != 2 {
		t.Fatalf("retry_count = %d, want 2", after.RetryCount)
	}
	if after.CompletedAt == nil {
		t.Fatal("terminal failure has no completed_at")
	}

	if _, err := s.Fail(ctx, id, "again"); !errors.Is(err, store.ErrAlreadyTerminal) {
		t.Fatalf("fail after terminal: got %v, want ErrAlreadyTerminal", err)
	}
	if err := s.Complete(ctx, id, "too late"); !errors.Is(err, store.ErrAlreadyTerminal) {
		t.Fatalf("complete after fail: got %v, want ErrAlreadyTerminal", err)
	}
}

func TestCompleteWrongState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")
	id := mustEnqueue(t, s, "alpha", "still pending", store.PriorityNormal)

	if err := s.Complete(ctx, id, "too early"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("complete pending: got %v, want ErrConflict", err)
	}
	if err := s.Complete(ctx, "missing-task", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("complete missing: got %v, want ErrNotFound", err)
	}
}

func TestCancelPendingOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")

	pending := mustEnqueue(t, s, "alpha", "cancel me", store.PriorityLow)
	if err := s.Cancel(ctx, pending); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	task, err := s.Get(ctx, pending)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != store.TaskStatusCancelled {
		t.Fatalf("status = %s, want cancelled", task.Status)
	}

	mustEnqueue(t, s, "alpha", "claim me", store.PriorityNormal)
	claimed, err := s.Claim(ctx, "alpha")
	if err != nil || claimed == nil {
		t.Fatalf("claim: task=%v err=%v", claimed, err)
	}
	if err := s.Cancel(ctx, claimed.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("cancel in_progress: got %v, want ErrConflict", err)
	}
}

func markStale(t *testing.T, s *store.Store, project string) {
	t.Helper()
	old := time.Now().Add(-time.Hour).UTC()
	if _, err := s.DB().Exec(`UPDATE agents SET last_heartbeat = ? WHERE project = ?;`, old, project); err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}
}

func TestReclaimStaleRequeues(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")
	id := mustEnqueue(t, s, "alpha", "orphan me", store.PriorityNormal)

	if _, err := s.Claim(ctx, "alpha"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	markStale(t, s, "alpha")

	requeued, failed, err := s.ReclaimStale(ctx, time.Now().Add(-30*time.Second))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if requeued != 1 || failed != 0 {
		t.Fatalf("reclaim = (%d, %d), want (1, 0)", requeued, failed)
	}

	task, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != store.TaskStatusPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
	if task.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", task.RetryCount)
	}
	if task.AssignedTo != "" || task.StartedAt != nil {
		t.Fatalf("assignment not cleared: assigned_to=%q started_at=%v", task.AssignedTo, task.StartedAt)
	}
}

func TestReclaimStaleFailsAtRetryCap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.SetMaxRetries(2)
	mustRegister(t, s, "alpha")
	id := mustEnqueue(t, s, "alpha", "doomed", store.PriorityNormal)

	// First cycle: claim then reclaim, retry 1 of 2.
	if _, err := s.Claim(ctx, "alpha"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	markStale(t, s, "alpha")
	requeued, failed, err := s.ReclaimStale(ctx, time.Now())
	if err != nil {
		t.Fatalf("first reclaim: %v", err)
	}
	if requeued != 1 || failed != 0 {
		t.Fatalf("first reclaim = (%d, %d), want (1, 0)", requeued, failed)
	}

	// Second cycle hits the cap and fails the task.
	if _, err := s.Claim(ctx, "alpha"); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	markStale(t, s, "alpha")
	requeued, failed, err = s.ReclaimStale(ctx, time.Now())
	if err != nil {
		t.Fatalf("second reclaim: %v", err)
	}
	if requeued != 0 || failed != 1 {
		t.Fatalf("second reclaim = (%d, %d), want (0, 1)", requeued, failed)
	}

	task, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != store.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if task.Error != store.ErrMaxRetries.Error() {
		t.Fatalf("error = %q, want %q", task.Error, store.ErrMaxRetries.Error())
	}
	if task.RetryCount != 2 {
		t.Fatalf("retry_count = %d, want 2", task.RetryCount)
	}
}

func TestReclaimIgnoresLiveAgents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")
	mustEnqueue(t, s, "alpha", "actively worked", store.PriorityNormal)

	if _, err := s.Claim(ctx, "alpha"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	requeued, failed, err := s.ReclaimStale(ctx, time.Now().Add(-30*time.Second))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if requeued != 0 || failed != 0 {
		t.Fatalf("reclaim touched live agent's task: (%d, %d)", requeued, failed)
	}
}

func TestStatsAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")
	mustRegister(t, s, "beta")

	mustEnqueue(t, s, "alpha", "a1", store.PriorityNormal)
	mustEnqueue(t, s, "beta", "b1", store.PriorityHigh)
	mustEnqueue(t, s, "beta", "b2", store.PriorityLow)

	task, err := s.Claim(ctx, "beta")
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}
	if err := s.Complete(ctx, task.ID, "ok"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats["pending"] != 2 || stats["completed"] != 1 || stats["total"] != 3 {
		t.Fatalf("stats = %v", stats)
	}

	betaTasks, err := s.List(ctx, store.TaskFilter{Project: "beta"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(betaTasks) != 2 {
		t.Fatalf("beta tasks = %d, want 2", len(betaTasks))
	}
	pending, err := s.List(ctx, store.TaskFilter{Status: store.TaskStatusPending})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending tasks = %d, want 2", len(pending))
	}
}

func TestArchiveTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")
	id := mustEnqueue(t, s, "alpha", "archive me", store.PriorityNormal)

	task, err := s.Claim(ctx, "alpha")
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}
	if err := s.Complete(ctx, task.ID, "ok"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	mustEnqueue(t, s, "alpha", "keep me", store.PriorityNormal)

	moved, err := s.ArchiveTerminal(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if moved != 1 {
		t.Fatalf("archived %d tasks, want 1", moved)
	}

	gone, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get archived: %v", err)
	}
	if gone != nil {
		t.Fatal("archived task still in live table")
	}

	var archived int
	if err := s.DB().QueryRow(`SELECT COUNT(1) FROM tasks_archive WHERE id = ?;`, id).Scan(&archived); err != nil {
		t.Fatalf("count archive: %v", err)
	}
	if archived != 1 {
		t.Fatalf("archive rows = %d, want 1", archived)
	}
}

func TestTaskMetadataRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")

	id, err := s.Enqueue(ctx, "alpha", "with metadata", store.PriorityNormal, map[string]any{
		"branch": "feature/retry",
		"depth":  float64(3),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Metadata["branch"] != "feature/retry" {
		t.Fatalf("metadata = %v", task.Metadata)
	}
	if task.Metadata["depth"] != float64(3) {
		t.Fatalf("metadata depth = %v", task.Metadata["depth"])
	}
}
