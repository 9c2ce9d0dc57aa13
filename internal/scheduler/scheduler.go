package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"

	"github.com/rendis/prodtrack/internal/engine"
	"github.com/rendis/prodtrack/internal/identity"
	"github.com/rendis/prodtrack/internal/store"
	"github.com/rendis/prodtrack/pkg/schema"
)

// Defaults for the stall sweep.
const (
	DefaultCron       = "0 * * * *"
	DefaultStallAfter = 72 * time.Hour
)

// Config configures a StallSweeper.
type Config struct {
	// Cron is a five-field cron expression for when sweeps run.
	Cron string
	// StallAfter is how long an in-progress workflow may sit untouched
	// before it is reported.
	StallAfter time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
}

// StallSweeper periodically reports in-progress workflows that have not been
// updated for StallAfter. Each idle period is reported once: a workflow_stalled
// event is emitted the first time it is seen idle and again only after it is
// touched and goes idle again.
type StallSweeper struct {
	workflows  store.WorkflowStore
	activity   store.ActivityStore
	audit      engine.AuditRecorder
	parser     cron.Parser
	schedule   cron.Schedule
	stallAfter time.Duration
	clock      clock.Clock
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	sweeping atomic.Bool

	reportedMu sync.Mutex
	reported   map[string]time.Time // workflow ID -> UpdatedAt already reported
}

// NewStallSweeper creates a sweeper. It fails if cfg.Cron does not parse.
func NewStallSweeper(workflows store.WorkflowStore, activity store.ActivityStore, audit engine.AuditRecorder, cfg Config) (*StallSweeper, error) {
	if cfg.Cron == "" {
		cfg.Cron = DefaultCron
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = DefaultStallAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &StallSweeper{
		workflows:  workflows,
		activity:   activity,
		audit:      audit,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		stallAfter: cfg.StallAfter,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		reported:   make(map[string]time.Time),
	}
	schedule, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", cfg.Cron, err)
	}
	s.schedule = schedule
	return s, nil
}

// Start launches the background sweep loop. An initial sweep runs
// immediately.
func (s *StallSweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("stall sweeper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sweepCtx)
	s.logger.Info("stall sweeper started", slog.Duration("stall_after", s.stallAfter))
	return nil
}

func (s *StallSweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.tick(ctx)

	for {
		now := s.clock.Now()
		timer := s.clock.Timer(s.NextRun(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *StallSweeper) tick(ctx context.Context) {
	n, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("stall sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Info("stalled workflows reported", slog.Int("count", n))
	}
}

// Sweep reports every newly stalled workflow and returns how many were
// reported. Overlapping sweeps are skipped.
func (s *StallSweeper) Sweep(ctx context.Context) (int, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.sweeping.Store(false)

	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.stallAfter)
	inProgress := schema.WorkflowStatusInProgress
	stalled, err := s.workflows.ListWorkflows(ctx, store.WorkflowFilter{
		Status:        &inProgress,
		UpdatedBefore: &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("list stalled workflows: %w", err)
	}

	reported := 0
	for _, wf := range stalled {
		already, err := s.alreadyReported(ctx, wf)
		if err != nil {
			s.logger.Error("failed to check stall history",
				slog.String("workflow_id", wf.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if already {
			continue
		}

		idle := now.Sub(wf.UpdatedAt).Milliseconds()
		s.audit.RecordEvent(ctx, &store.ActivityEvent{
			Actor:       identity.SystemActor,
			SubjectType: schema.SubjectWorkflow,
			SubjectID:   wf.ID,
			Action:      schema.ActionWorkflowStalled,
			Timestamp:   now,
			DurationMs:  &idle,
			Metadata: map[string]any{
				"scheduleId":  wf.ScheduleID,
				"assigneeId":  wf.AssigneeID,
				"currentStep": wf.CurrentStep,
				"totalSteps":  wf.TotalSteps,
				"idleSince":   wf.UpdatedAt,
			},
		})
		s.markReported(wf)
		reported++
	}
	return reported, nil
}

// alreadyReported checks the in-memory record first and then the activity
// log, so a restart does not repeat reports for the same idle period.
func (s *StallSweeper) alreadyReported(ctx context.Context, wf *store.Workflow) (bool, error) {
	s.reportedMu.Lock()
	at, ok := s.reported[wf.ID]
	s.reportedMu.Unlock()
	if ok && at.Equal(wf.UpdatedAt) {
		return true, nil
	}
	if s.activity == nil {
		return false, nil
	}

	since := wf.UpdatedAt
	prior, err := s.activity.ListActivity(ctx, store.ActivityFilter{
		SubjectID: wf.ID,
		Action:    schema.ActionWorkflowStalled,
		Since:     &since,
		Limit:     1,
	}, store.SortDescending)
	if err != nil {
		return false, err
	}
	if len(prior) > 0 {
		s.markReported(wf)
		return true, nil
	}
	return false, nil
}

func (s *StallSweeper) markReported(wf *store.Workflow) {
	s.reportedMu.Lock()
	defer s.reportedMu.Unlock()
	s.reported[wf.ID] = wf.UpdatedAt
}

// NextRun returns the next sweep time after from.
func (s *StallSweeper) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// CalculateNextRun computes the next run time for an arbitrary cron expression.
func (s *StallSweeper) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the sweeper.
func (s *StallSweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("stall sweeper stopped")
	return nil
}
