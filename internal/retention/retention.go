// Package retention runs the scheduled data-retention sweep: terminal tasks
// and audit entries older than the detailed-retention horizon move to archive
// tables, and the event log is pruned to its row cap. Nothing is deleted
// without an archived copy except event rows, which are explicitly bounded.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/cmdcenter/internal/audit"
	"github.com/basket/cmdcenter/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention sweeper.
type Config struct {
	Store  *store.Store
	Audit  *audit.Logger
	Logger *slog.Logger

	// Schedule is a 5-field cron expression; defaults to "0 3 * * *".
	Schedule string
	// DetailedDays is how many days of terminal tasks and audit entries stay
	// in the live tables; defaults to 90.
	DetailedDays int
	// MaxEventRows caps the event log; defaults to 100000.
	MaxEventRows int
}

// Sweeper archives aged data on a cron schedule.
type Sweeper struct {
	store        *store.Store
	audit        *audit.Logger
	logger       *slog.Logger
	schedule     cronlib.Schedule
	detailedDays int
	maxEventRows int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SweepResult reports what one sweep moved.
type SweepResult struct {
	TasksArchived int64
	AuditArchived int64
	EventsPruned  int64
}

// New creates a Sweeper, validating the cron expression.
func New(cfg Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 3 * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", expr, err)
	}

	detailedDays := cfg.DetailedDays
	if detailedDays <= 0 {
		detailedDays = 90
	}
	maxEventRows := cfg.MaxEventRows
	if maxEventRows <= 0 {
		maxEventRows = 100000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:        cfg.Store,
		audit:        cfg.Audit,
		logger:       logger,
		schedule:     schedule,
		detailedDays: detailedDays,
		maxEventRows: maxEventRows,
	}, nil
}

// Start begins the schedule loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started",
		"detailed_days", s.detailedDays,
		"max_event_rows", s.maxEventRows,
	)
}

// Stop cancels the schedule loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one retention pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := time.Now().AddDate(0, 0, -s.detailedDays)

	tasks, err := s.store.ArchiveTerminal(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("archive terminal tasks: %w", err)
	}
	res.TasksArchived = tasks

	if s.audit != nil {
		entries, err := s.audit.ArchiveBefore(ctx, cutoff)
		if err != nil {
			return res, fmt.Errorf("archive audit entries: %w", err)
		}
		res.AuditArchived = entries
	}

	pruned, err := s.store.PruneEvents(ctx, s.maxEventRows)
	if err != nil {
		return res, fmt.Errorf("prune events: %w", err)
	}
	res.EventsPruned = pruned

	s.logger.Info("retention sweep",
		"tasks_archived", res.TasksArchived,
		"audit_archived", res.AuditArchived,
		"events_pruned", res.EventsPruned,
		"cutoff", cutoff.UTC().Format(time.RFC3339),
	)
	return res, nil
}
