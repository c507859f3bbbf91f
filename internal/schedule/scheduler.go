// Package schedule fires agents on their cron expressions by launching
// runs through the lifecycle manager.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	"github.com/shinrai-ai/shinrai/internal/model"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ValidateExpr reports whether expr is a parseable cron expression.
func ValidateExpr(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("schedule: parse %q: %w", expr, err)
	}
	return nil
}

// NextRunTime returns the first firing of expr strictly after now.
func NextRunTime(expr string, now time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule: parse %q: %w", expr, err)
	}
	return sched.Next(now), nil
}

// Launcher starts a run for an agent. *runner.Runner implements it.
type Launcher interface {
	Launch(ctx context.Context, agentID, trigger string, payload map[string]any) (uuid.UUID, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Launcher    Launcher
	Descriptors []model.AgentDescriptor
	Logger      *slog.Logger
	Interval    time.Duration // tick interval; defaults to 1 minute if zero
}

// entry is the scheduling state for one agent.
type entry struct {
	agentID string
	sched   cronlib.Schedule
	next    time.Time
}

// Scheduler ticks at a fixed interval and launches a run for every agent
// whose cron schedule has come due since the previous tick. Agents without
// a schedule, and disabled agents, are skipped at construction.
type Scheduler struct {
	launcher Launcher
	logger   *slog.Logger
	interval time.Duration
	entries  []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler from the schedulable descriptors.
// Returns an error if any enabled descriptor carries a malformed cron
// expression; a bad schedule should fail startup, not silently never fire.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now()
	var entries []*entry
	for _, d := range cfg.Descriptors {
		if !d.Enabled || d.Schedule == "" {
			continue
		}
		sched, err := cronParser.Parse(d.Schedule)
		if err != nil {
			return nil, fmt.Errorf("schedule: agent %q: parse %q: %w", d.ID, d.Schedule, err)
		}
		entries = append(entries, &entry{
			agentID: d.ID,
			sched:   sched,
			next:    sched.Next(now),
		})
	}

	return &Scheduler{
		launcher: cfg.Launcher,
		logger:   logger,
		interval: interval,
		entries:  entries,
	}, nil
}

// Start begins the scheduler loop in a background goroutine. It respects
// the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "entries", len(s.entries))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick launches a run for every due entry and advances its next firing.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		runID, err := s.launcher.Launch(ctx, e.agentID, "scheduled", nil)
		if err != nil {
			s.logger.Error("scheduled launch failed", "agent_id", e.agentID, "error", err)
		} else {
			s.logger.Info("scheduled run launched", "agent_id", e.agentID, "run_id", runID)
		}
		e.next = e.sched.Next(now)
	}
}
