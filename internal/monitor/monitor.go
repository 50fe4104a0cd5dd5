// Package monitor runs the heartbeat monitor: a periodic sweep that detects
// agents whose heartbeats have gone stale, returns their orphaned tasks to
// the queue, and records what happened.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/cmdcenter/internal/audit"
	"github.com/basket/cmdcenter/internal/bus"
	"github.com/basket/cmdcenter/internal/otel"
	"github.com/basket/cmdcenter/internal/store"
)

// Config holds the dependencies for the heartbeat monitor.
type Config struct {
	Store   *store.Store
	Audit   *audit.Logger
	Metrics *otel.Metrics
	Logger  *slog.Logger

	// Interval between sweeps; defaults to 15 seconds if zero.
	Interval time.Duration
	// Staleness is how old a heartbeat may be before the agent counts as
	// dead; defaults to 30 seconds if zero.
	Staleness time.Duration
}

// Monitor periodically reclaims tasks from stale agents.
type Monitor struct {
	store     *store.Store
	audit     *audit.Logger
	metrics   *otel.Metrics
	logger    *slog.Logger
	interval  time.Duration
	staleness time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Monitor with the given config.
func New(cfg Config) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	staleness := cfg.Staleness
	if staleness <= 0 {
		staleness = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:     cfg.Store,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		logger:    logger,
		interval:  interval,
		staleness: staleness,
	}
}

// Start begins the sweep loop in a background goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("heartbeat monitor started", "interval", m.interval, "staleness", m.staleness)
}

// Stop cancels the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("heartbeat monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one staleness pass. Overlapping sweeps are skipped: a slow
// database never stacks reclaim transactions.
func (m *Monitor) Sweep(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Warn("heartbeat sweep still running, skipping tick")
		return
	}
	defer m.running.Store(false)

	staleBefore := time.Now().Add(-m.staleness)

	stale, err := m.store.ListStaleWorking(ctx, staleBefore)
	if err != nil {
		m.logger.Error("heartbeat sweep: list stale agents", "error", err)
		return
	}
	for _, agent := range stale {
		m.markStale(ctx, agent)
	}

	requeued, failed, err := m.store.ReclaimStale(ctx, staleBefore)
	if err != nil {
		m.logger.Error("heartbeat sweep: reclaim tasks", "error", err)
		return
	}
	if requeued == 0 && failed == 0 && len(stale) == 0 {
		return
	}

	if m.metrics != nil {
		m.metrics.StaleAgents.Add(ctx, int64(len(stale)))
		m.metrics.TasksReclaimed.Add(ctx, int64(requeued))
		m.metrics.TasksFailed.Add(ctx, int64(failed))
	}
	m.logger.Info("heartbeat sweep",
		"stale_agents", len(stale),
		"requeued", requeued,
		"failed", failed,
	)
}

// markStale flips a dead agent back to idle and records the detection. The
// status change keeps the registry honest; the agent re-registers when it
// comes back.
func (m *Monitor) markStale(ctx context.Context, agent store.AgentRecord) {
	if err := m.store.SetAgentStatus(ctx, agent.Project, store.AgentStatusIdle); err != nil {
		m.logger.Error("heartbeat sweep: reset agent status", "project", agent.Project, "error", err)
	}

	var lastSeen string
	if agent.LastHeartbeat != nil {
		lastSeen = agent.LastHeartbeat.UTC().Format(time.RFC3339)
	}
	if _, err := m.store.PublishEvent(ctx, store.Event{
		Type:    bus.TopicAgentStale,
		Project: agent.Project,
		Agent:   agent.Project,
		Level:   store.EventLevelWarn,
		Data:    map[string]any{"last_heartbeat": lastSeen},
	}); err != nil {
		m.logger.Error("heartbeat sweep: publish stale event", "project", agent.Project, "error", err)
	}

	if m.audit != nil {
		if _, err := m.audit.Append(ctx, audit.Entry{
			ActorType:    audit.ActorSystem,
			Action:       audit.ActionAgentStale,
			ResourceType: "agent",
			ResourceID:   agent.Project,
			Metadata:     map[string]any{"last_heartbeat": lastSeen},
		}); err != nil {
			m.logger.Error("heartbeat sweep: audit stale agent", "project", agent.Project, "error", err)
		}
	}

	m.logger.Warn("agent heartbeat stale", "project", agent.Project, "last_heartbeat", lastSeen)
}
