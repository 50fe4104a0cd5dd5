package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/cmdcenter/internal/bus"
)

const agentColumns = `project, COALESCE(provider, ''), status, last_heartbeat,
	COALESCE(config, ''), created_at, updated_at`

func scanAgent(scan func(dest ...any) error, rec *AgentRecord) error {
	var heartbeat sql.NullTime
	if err := scan(&rec.Project, &rec.Provider, &rec.Status, &heartbeat,
		&rec.Config, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return err
	}
	if heartbeat.Valid {
		t := heartbeat.Time
		rec.LastHeartbeat = &t
	}
	return nil
}

// RegisterAgent upserts the agent registry row for a project. Registration
// counts as a heartbeat; a fresh agent starts idle, re-registration keeps the
// existing status.
func (s *Store) RegisterAgent(ctx context.Context, project, provider, config string) error {
	if strings.TrimSpace(project) == "" {
		return fmt.Errorf("register agent: empty project: %w", ErrValidation)
	}
	now := time.Now().UTC()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (project, provider, status, last_heartbeat, config, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(project) DO UPDATE SET
				provider = excluded.provider,
				last_heartbeat = excluded.last_heartbeat,
				config = excluded.config,
				updated_at = excluded.updated_at;
		`, project, provider, AgentStatusIdle, now, config, now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	_, _ = s.PublishEvent(ctx, Event{
		Type:    bus.TopicAgentRegistered,
		Project: project,
		Agent:   project,
		Data:    map[string]any{"provider": provider},
	})
	return nil
}

// Heartbeat records liveness for an agent. Unknown projects get ErrNotFound
// so a crashed-and-wiped registry is visible to the agent immediately.
func (s *Store) Heartbeat(ctx context.Context, project string) error {
	now := time.Now().UTC()
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET last_heartbeat = ?, updated_at = ? WHERE project = ?;
		`, now, now, project)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("heartbeat: agent %q: %w", project, ErrNotFound)
	}
	return nil
}

// SetAgentStatus moves an agent between idle and working.
func (s *Store) SetAgentStatus(ctx context.Context, project string, status AgentStatus) error {
	switch status {
	case AgentStatusIdle, AgentStatusWorking:
	default:
		return fmt.Errorf("set agent status: unknown status %q: %w", status, ErrValidation)
	}
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, updated_at = ? WHERE project = ?;
		`, status, time.Now().UTC(), project)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set agent status: agent %q: %w", project, ErrNotFound)
	}
	return nil
}

// GetAgent returns the registry row for a project, or nil if not registered.
func (s *Store) GetAgent(ctx context.Context, project string) (*AgentRecord, error) {
	var rec AgentRecord
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE project = ?;`, project)
	if err := scanAgent(row.Scan, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &rec, nil
}

// ListAgents returns all registered agents ordered by project.
func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY project ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		var rec AgentRecord
		if err := scanAgent(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return out, nil
}

// ListStaleWorking returns agents marked working whose last heartbeat is
// older than staleBefore. Used by the heartbeat monitor.
func (s *Store) ListStaleWorking(ctx context.Context, staleBefore time.Time) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?
		ORDER BY project ASC;
	`, AgentStatusWorking, staleBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		var rec AgentRecord
		if err := scanAgent(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scan stale agent: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale agents: %w", err)
	}
	return out, nil
}
