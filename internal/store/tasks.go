package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/cmdcenter/internal/bus"
	"github.com/google/uuid"
)

const taskColumns = `id, project, description, priority, status, COALESCE(assigned_to, ''),
	created_at, started_at, completed_at, COALESCE(result, ''), COALESCE(error, ''),
	retry_count, COALESCE(metadata, '')`

func scanTask(scan func(dest ...any) error, task *Task) error {
	var startedAt, completedAt sql.NullTime
	var metadata string
	if err := scan(
		&task.ID,
		&task.Project,
		&task.Description,
		&task.Priority,
		&task.Status,
		&task.AssignedTo,
		&task.CreatedAt,
		&startedAt,
		&completedAt,
		&task.Result,
		&task.Error,
		&task.RetryCount,
		&metadata,
	); err != nil {
		return err
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &task.Metadata); err != nil {
			return fmt.Errorf("decode task metadata: %w", err)
		}
	}
	return nil
}

// priorityRankSQL orders pending tasks for claim selection. The tie-break
// (rank, created_at, id) is total, so concurrent claimers converge on one
// ordering even under retries.
const priorityRankSQL = `CASE priority
	WHEN 'urgent' THEN 0
	WHEN 'high' THEN 1
	WHEN 'normal' THEN 2
	ELSE 3
END`

// Enqueue inserts a pending task and returns its ID.
func (s *Store) Enqueue(ctx context.Context, project, description string, priority Priority, metadata map[string]any) (string, error) {
	if strings.TrimSpace(description) == "" {
		return "", fmt.Errorf("enqueue: empty description: %w", ErrValidation)
	}
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return "", fmt.Errorf("enqueue: unknown priority %q: %w", priority, ErrValidation)
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE project = ?;`, project).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("enqueue: unknown project %q: %w", project, ErrValidation)
	}
	if err != nil {
		return "", fmt.Errorf("enqueue: check project: %w", err)
	}

	var metadataJSON any
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("enqueue: encode metadata: %w", err)
		}
		metadataJSON = string(raw)
	}

	taskID := uuid.NewString()
	now := time.Now().UTC()
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, project, description, priority, status, created_at, retry_count, metadata)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?);
		`, taskID, project, description, priority, TaskStatusPending, now, metadataJSON)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}

	s.emitTaskEvent(ctx, bus.TopicTaskCreated, EventLevelInfo, &Task{
		ID: taskID, Project: project, Priority: priority, Status: TaskStatusPending,
	}, "")
	return taskID, nil
}

// Claim atomically assigns the best pending task to agentID and returns it.
// Selection order is priority rank, then creation time, then task ID. The
// whole claim is one conditional UPDATE so two concurrent callers can never
// receive the same task; an empty queue returns (nil, nil). The agent must
// be registered: reclamation finds orphans through the agent's heartbeat
// row, so a claim under an unknown id would be unrecoverable.
func (s *Store) Claim(ctx context.Context, agentID string) (*Task, error) {
	if agentID == "" {
		return nil, fmt.Errorf("claim: empty agent id: %w", ErrValidation)
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE project = ?;`, agentID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim: unknown agent %q: %w", agentID, ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("claim: check agent: %w", err)
	}

	now := time.Now().UTC()
	var task Task
	err = retryOnBusy(ctx, 5, func() error {
		row := s.db.QueryRowContext(ctx, `
			UPDATE tasks
			SET status = ?, assigned_to = ?, started_at = ?
			WHERE id = (
				SELECT id FROM tasks
				WHERE status = ?
				ORDER BY `+priorityRankSQL+`, created_at ASC, id ASC
				LIMIT 1
			)
			RETURNING `+taskColumns+`;
		`, TaskStatusInProgress, agentID, now, TaskStatusPending)
		return scanTask(row.Scan, &task)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	s.emitTaskEvent(ctx, bus.TopicTaskAssigned, EventLevelInfo, &task, "")
	return &task, nil
}

// Complete transitions an in_progress task to completed. Completing a task
// that already reached a terminal state returns ErrAlreadyTerminal and leaves
// the row untouched.
func (s *Store) Complete(ctx context.Context, taskID, result string) error {
	now := time.Now().UTC()
	var task Task
	err := retryOnBusy(ctx, 5, func() error {
		row := s.db.QueryRowContext(ctx, `
			UPDATE tasks
			SET status = ?, completed_at = ?, result = ?
			WHERE id = ? AND status = ?
			RETURNING `+taskColumns+`;
		`, TaskStatusCompleted, now, result, taskID, TaskStatusInProgress)
		return scanTask(row.Scan, &task)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return s.classifyMissedTransition(ctx, "complete", taskID)
	}
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}

	s.emitTaskEvent(ctx, bus.TopicTaskCompleted, EventLevelInfo, &task, "")
	return nil
}

// Fail records an agent-reported failure on an in_progress task. Below the
// retry cap the task returns to pending with retry_count+1 and the failure
// recorded in error; at the cap it becomes terminally failed. The whole
// transition is one conditional UPDATE, with the CASE arms evaluated against
// the pre-update row.
func (s *Store) Fail(ctx context.Context, taskID, errMsg string) (*Task, error) {
	now := time.Now().UTC()
	var task Task
	err := retryOnBusy(ctx, 5, func() error {
		row := s.db.QueryRowContext(ctx, `
			UPDATE tasks
			SET status       = CASE WHEN retry_count + 1 >= ? THEN ? ELSE ? END,
				error        = ?,
				retry_count  = retry_count + 1,
				completed_at = CASE WHEN retry_count + 1 >= ? THEN ? ELSE NULL END,
				assigned_to  = CASE WHEN retry_count + 1 >= ? THEN assigned_to ELSE NULL END,
				started_at   = CASE WHEN retry_count + 1 >= ? THEN started_at ELSE NULL END
			WHERE id = ? AND status = ?
			RETURNING `+taskColumns+`;
		`, s.maxRetries, TaskStatusFailed, TaskStatusPending, errMsg,
			s.maxRetries, now, s.maxRetries, s.maxRetries,
			taskID, TaskStatusInProgress)
		return scanTask(row.Scan, &task)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.classifyMissedTransition(ctx, "fail", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("fail task: %w", err)
	}

	if task.Status == TaskStatusFailed {
		s.emitTaskEvent(ctx, bus.TopicTaskFailed, EventLevelError, &task, errMsg)
	} else {
		s.emitTaskEvent(ctx, bus.TopicTaskFailed, EventLevelWarn, &task, errMsg)
	}
	return &task, nil
}

// Cancel transitions a pending task to cancelled. In-progress tasks cannot be
// cancelled; release them through Fail or reclamation instead.
func (s *Store) Cancel(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	var task Task
	err := retryOnBusy(ctx, 5, func() error {
		row := s.db.QueryRowContext(ctx, `
			UPDATE tasks
			SET status = ?, completed_at = ?
			WHERE id = ? AND status = ?
			RETURNING `+taskColumns+`;
		`, TaskStatusCancelled, now, taskID, TaskStatusPending)
		return scanTask(row.Scan, &task)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return s.classifyMissedTransition(ctx, "cancel", taskID)
	}
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}

	s.emitTaskEvent(ctx, bus.TopicTaskCancelled, EventLevelInfo, &task, "")
	return nil
}

// classifyMissedTransition explains a conditional update that matched no row:
// the task is gone, already terminal, or in a state the operation does not
// accept.
func (s *Store) classifyMissedTransition(ctx context.Context, op, taskID string) error {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("%s task: %w", op, err)
	}
	if task == nil {
		return fmt.Errorf("%s task %s: %w", op, taskID, ErrNotFound)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%s task %s: %w", op, taskID, ErrAlreadyTerminal)
	}
	return fmt.Errorf("%s task %s in status %s: %w", op, taskID, task.Status, ErrConflict)
}

// ReclaimStale returns orphaned in_progress tasks to pending. A task is
// orphaned when its assigned agent's last heartbeat is older than staleBefore.
// Each reclaim increments retry_count; a task reaching the retry cap
// transitions to failed with error "max retries exceeded" instead. Returns
// (requeued, failed) counts.
func (s *Store) ReclaimStale(ctx context.Context, staleBefore time.Time) (int, int, error) {
	type candidate struct {
		id         string
		project    string
		agent      string
		retryCount int
	}

	var requeued, failed []candidate
	err := retryOnBusy(ctx, 5, func() error {
		requeued = requeued[:0]
		failed = failed[:0]

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reclaim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT t.id, t.project, t.assigned_to, t.retry_count
			FROM tasks t
			JOIN agents a ON a.project = t.assigned_to
			WHERE t.status = ?
			  AND a.last_heartbeat IS NOT NULL
			  AND a.last_heartbeat < ?;
		`, TaskStatusInProgress, staleBefore.UTC())
		if err != nil {
			return fmt.Errorf("query stale tasks: %w", err)
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.project, &c.agent, &c.retryCount); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale task: %w", err)
			}
			candidates = append(candidates, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate stale tasks: %w", err)
		}

		now := time.Now().UTC()
		for _, c := range candidates {
			newRetry := c.retryCount + 1
			if newRetry >= s.maxRetries {
				res, err := tx.ExecContext(ctx, `
					UPDATE tasks
					SET status = ?, error = ?, completed_at = ?, retry_count = ?,
						assigned_to = NULL, started_at = NULL
					WHERE id = ? AND status = ?;
				`, TaskStatusFailed, ErrMaxRetries.Error(), now, newRetry, c.id, TaskStatusInProgress)
				if err != nil {
					return fmt.Errorf("fail exhausted task: %w", err)
				}
				if n, _ := res.RowsAffected(); n == 1 {
					c.retryCount = newRetry
					failed = append(failed, c)
				}
				continue
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, retry_count = ?, assigned_to = NULL, started_at = NULL
				WHERE id = ? AND status = ?;
			`, TaskStatusPending, newRetry, c.id, TaskStatusInProgress)
			if err != nil {
				return fmt.Errorf("requeue stale task: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				c.retryCount = newRetry
				requeued = append(requeued, c)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, 0, err
	}

	for _, c := range requeued {
		s.emitTaskEvent(ctx, bus.TopicTaskReclaimed, EventLevelWarn, &Task{
			ID: c.id, Project: c.project, AssignedTo: c.agent,
			Status: TaskStatusPending, RetryCount: c.retryCount,
		}, "")
	}
	for _, c := range failed {
		s.emitTaskEvent(ctx, bus.TopicTaskFailed, EventLevelError, &Task{
			ID: c.id, Project: c.project, AssignedTo: c.agent,
			Status: TaskStatusFailed, RetryCount: c.retryCount,
		}, ErrMaxRetries.Error())
	}
	return len(requeued), len(failed), nil
}

// Get returns the task with the given ID, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// TaskFilter narrows List results.
type TaskFilter struct {
	Project string
	Status  TaskStatus
	Limit   int
}

// List returns tasks ordered by priority rank then creation time.
func (s *Store) List(ctx context.Context, filter TaskFilter) ([]Task, error) {
	conditions := []string{"1=1"}
	args := []any{}
	if filter.Project != "" {
		conditions = append(conditions, "project = ?")
		args = append(args, filter.Project)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE `+strings.Join(conditions, " AND ")+`
		ORDER BY `+priorityRankSQL+`, created_at ASC, id ASC
		LIMIT ?;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// Stats returns task counts by status plus a total.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]int{
		string(TaskStatusPending):    0,
		string(TaskStatusInProgress): 0,
		string(TaskStatusCompleted):  0,
		string(TaskStatusFailed):     0,
		string(TaskStatusCancelled):  0,
	}
	total := 0
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan task stats: %w", err)
		}
		stats[status] = count
		total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task stats: %w", err)
	}
	stats["total"] = total
	return stats, nil
}

// ArchiveTerminal moves terminal tasks completed before cutoff to the archive
// table. Tasks are never deleted from the live table without archiving.
func (s *Store) ArchiveTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	var moved int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin archive tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks_archive (id, project, description, priority, status, assigned_to,
				created_at, started_at, completed_at, result, error, retry_count, metadata)
			SELECT id, project, description, priority, status, assigned_to,
				created_at, started_at, completed_at, result, error, retry_count, metadata
			FROM tasks
			WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?;
		`, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("copy tasks to archive: %w", err)
		}
		moved, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("archive rows affected: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM tasks
			WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?;
		`, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, cutoff.UTC()); err != nil {
			return fmt.Errorf("delete archived tasks: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// emitTaskEvent records a durable lifecycle event and fans it out on the
// in-process bus. Best-effort: the task transition has already committed.
func (s *Store) emitTaskEvent(ctx context.Context, topic string, level EventLevel, task *Task, errText string) {
	data := map[string]any{"status": string(task.Status)}
	if task.RetryCount > 0 {
		data["retry_count"] = task.RetryCount
	}
	if errText != "" {
		data["error"] = errText
	}
	_, _ = s.PublishEvent(ctx, Event{
		Type:    topic,
		Project: task.Project,
		Agent:   task.AssignedTo,
		TaskID:  task.ID,
		Level:   level,
		Data:    data,
	})
}
