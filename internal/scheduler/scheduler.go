// Package scheduler triggers stored workflows on cron expressions. It
// polls the job table once a minute and runs every job whose schedule
// has come due since its last trigger.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/pkg/schema"
)

// WorkflowRunner runs a workflow by definition. Satisfied by a thin
// wrapper over the engine (avoids an import cycle with run wiring).
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, wf *schema.Workflow, input string) error
}

// JobStore is the slice of the persistence layer the scheduler needs.
type JobStore interface {
	ListScheduledJobs(ctx context.Context) ([]*store.ScheduledJob, error)
	TouchScheduledJob(ctx context.Context, id string, at time.Time) error
	GetWorkflow(ctx context.Context, name string) (*store.StoredWorkflow, error)
}

// Scheduler polls the store for due scheduled jobs and runs them.
type Scheduler struct {
	store  JobStore
	runner WorkflowRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	wg     sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// cronParser accepts standard five-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// New creates a Scheduler over the given store and runner.
func New(s JobStore, runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cronParser,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled jobs and launches a run for each that is due.
// Jobs run in their own goroutines; the inflight set keeps a job that
// outlives its tick from being started again by the next one.
func (s *Scheduler) tick(ctx context.Context) {
	jobs, err := s.store.ListScheduledJobs(ctx)
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		due, err := s.isDue(job, now)
		if err != nil {
			s.logger.Error("bad cron expression",
				slog.String("job_id", job.ID),
				slog.String("cron", job.CronExpr),
				slog.String("error", err.Error()))
			continue
		}
		if !due {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue // still running from an earlier tick (dedup)
		}
		s.wg.Add(1)
		go func(job *store.ScheduledJob) {
			defer s.wg.Done()
			defer s.releaseJob(job.ID)
			if err := s.runJob(ctx, job, now); err != nil {
				s.logger.Error("failed to run scheduled job",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
		}(job)
	}
}

// isDue reports whether the job's schedule has fired since its last
// trigger. New jobs are due once their first scheduled time passes.
func (s *Scheduler) isDue(job *store.ScheduledJob, now time.Time) (bool, error) {
	schedule, err := s.parser.Parse(job.CronExpr)
	if err != nil {
		return false, err
	}
	since := job.CreatedAt
	if job.LastRun != nil {
		since = *job.LastRun
	}
	return !schedule.Next(since).After(now), nil
}

// runJob loads the job's workflow definition, runs it, and records the
// trigger time.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("workflow", job.Workflow),
	)

	stored, err := s.store.GetWorkflow(ctx, job.Workflow)
	if err != nil {
		return fmt.Errorf("load workflow %q: %w", job.Workflow, err)
	}
	wf, err := schema.Parse(stored.Definition)
	if err != nil {
		return fmt.Errorf("parse workflow %q: %w", job.Workflow, err)
	}

	if err := s.store.TouchScheduledJob(ctx, job.ID, now); err != nil {
		s.logger.Warn("failed to record job trigger",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}

	if err := s.runner.RunWorkflow(ctx, wf, job.Input); err != nil {
		s.logger.Error("scheduled run failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// NextRun computes the next trigger time for a cron expression. It also
// serves as the validation point for expressions entering the job table.
func NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// NextRun computes the next trigger time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	return NextRun(cronExpr, from)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.wg.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
