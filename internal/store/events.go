package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const maxPollLimit = 1000

// PublishEvent appends an immutable event with a fresh monotonic id and fans
// it out on the in-process bus. The durable row is the source of truth for
// polling readers.
func (s *Store) PublishEvent(ctx context.Context, e Event) (int64, error) {
	if e.Type == "" {
		return 0, fmt.Errorf("publish event: empty type: %w", ErrValidation)
	}
	if e.Level == "" {
		e.Level = EventLevelInfo
	}
	switch e.Level {
	case EventLevelDebug, EventLevelInfo, EventLevelWarn, EventLevelError:
	default:
		return 0, fmt.Errorf("publish event: unknown level %q: %w", e.Level, ErrValidation)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var dataJSON any
	if len(e.Data) > 0 {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return 0, fmt.Errorf("publish event: encode data: %w", err)
		}
		dataJSON = string(raw)
	}

	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO events (timestamp, type, project, agent, task_id, level, data)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, e.Timestamp.UTC(), e.Type, nullable(e.Project), nullable(e.Agent), nullable(e.TaskID), e.Level, dataJSON)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("publish event: %w", err)
	}

	if s.bus != nil {
		e.ID = id
		s.bus.Publish(e.Type, e)
	}
	return id, nil
}

// PollEvents returns events with id > sinceID in ascending id order, up to
// limit. The read is repeatable: re-polling with the same cursor returns the
// same rows, so a reader that resumes from max(lastSeenID)+1 never skips one.
func (s *Store) PollEvents(ctx context.Context, sinceID int64, limit int) ([]Event, error) {
	if limit <= 0 || limit > maxPollLimit {
		limit = maxPollLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, type, COALESCE(project, ''), COALESCE(agent, ''),
			COALESCE(task_id, ''), level, COALESCE(data, '')
		FROM events
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?;
	`, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("poll events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var data string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &e.Project, &e.Agent, &e.TaskID, &e.Level, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if data != "" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// LatestEventID returns the highest event id, or 0 for an empty log.
func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM events;`).Scan(&id); err != nil {
		return 0, fmt.Errorf("latest event id: %w", err)
	}
	return id, nil
}

// PruneEvents deletes the oldest events beyond keep rows. Pollers that lag
// behind the prune horizon lose history; the cursor contract only promises
// no gaps among surviving rows.
func (s *Store) PruneEvents(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	var pruned int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM events
			WHERE id <= (SELECT COALESCE(MAX(id), 0) FROM events) - ?;
		`, keep)
		if err != nil {
			return err
		}
		pruned, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return pruned, nil
}

// nullable maps "" to NULL so optional correlation columns stay NULL rather
// than empty string.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
