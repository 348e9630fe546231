// Package scheduler triggers recurring workflow runs from cron
// expressions. Jobs are registered in memory; each firing builds a fresh
// workflow through the job's source and hands it to the runner.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tasklace/tasklace/pkg/schema"
)

// Runner executes one workflow run. Satisfied by a thin adapter over the
// engine so the scheduler never depends on engine internals.
type Runner interface {
	Run(ctx context.Context, wf *schema.Workflow, input map[string]any) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, wf *schema.Workflow, input map[string]any) error

func (f RunnerFunc) Run(ctx context.Context, wf *schema.Workflow, input map[string]any) error {
	return f(ctx, wf, input)
}

// Job is one recurring trigger. Source must return a fresh workflow on
// every call since a workflow instance runs exactly once.
type Job struct {
	ID     string
	Cron   string
	Input  map[string]any
	Source func() (*schema.Workflow, error)
}

// JobStatus is a read-only snapshot of a registered job.
type JobStatus struct {
	ID            string
	Cron          string
	Enabled       bool
	NextRunAt     time.Time
	LastRunAt     time.Time
	LastRunStatus string
}

type jobState struct {
	job      *Job
	schedule cron.Schedule
	enabled  bool

	nextRunAt     time.Time
	lastRunAt     time.Time
	lastRunStatus string
}

// Scheduler fires registered jobs when their cron schedule is due.
type Scheduler struct {
	runner   Runner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	jobs   map[string]*jobState
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithInterval sets the tick interval. Defaults to one minute, matching
// cron's resolution.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler dispatching runs through the given runner.
func New(runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   slog.Default(),
		interval: time.Minute,
		now:      time.Now,
		jobs:     make(map[string]*jobState),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job and computes its first firing time.
func (s *Scheduler) Add(job *Job) error {
	if job == nil || job.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "job has no ID")
	}
	if job.Source == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "job %s has no workflow source", job.ID)
	}
	schedule, err := s.parser.Parse(job.Cron)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "job %s has invalid cron expression %q", job.ID, job.Cron).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %s already registered", job.ID)
	}
	s.jobs[job.ID] = &jobState{
		job:       job,
		schedule:  schedule,
		enabled:   true,
		nextRunAt: schedule.Next(s.now().UTC()),
	}
	return nil
}

// Remove unregisters a job. Removing an unknown job is a no-op.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// SetEnabled pauses or resumes a job without losing its schedule.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %s not registered", id)
	}
	st.enabled = enabled
	return nil
}

// Jobs returns a snapshot of all registered jobs, sorted by ID.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, st := range s.jobs {
		out = append(out, JobStatus{
			ID:            st.job.ID,
			Cron:          st.job.Cron,
			Enabled:       st.enabled,
			NextRunAt:     st.nextRunAt,
			LastRunAt:     st.lastRunAt,
			LastRunStatus: st.lastRunStatus,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start launches the background loop. An initial tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "interval", s.interval.String())
	return nil
}

// Stop cancels the loop and waits for it to drain.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue fires every enabled job whose next run time has passed and
// returns how many fired. Exported so callers can trigger a sweep outside
// the ticker, e.g. at startup.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now().UTC()

	s.mu.Lock()
	var due []*jobState
	for _, st := range s.jobs {
		if st.enabled && !st.nextRunAt.After(now) {
			due = append(due, st)
		}
	}
	s.mu.Unlock()

	fired := 0
	for _, st := range due {
		if !s.tryAcquire(st.job.ID) {
			continue
		}
		s.runJob(ctx, st, now)
		s.release(st.job.ID)
		fired++
	}
	return fired
}

func (s *Scheduler) runJob(ctx context.Context, st *jobState, now time.Time) {
	s.logger.Info("running scheduled job", "job_id", st.job.ID, "cron", st.job.Cron)

	status := "success"
	wf, err := st.job.Source()
	if err == nil {
		err = s.runner.Run(ctx, wf, st.job.Input)
	}
	if err != nil {
		status = "error"
		s.logger.Error("scheduled job failed", "job_id", st.job.ID, "error", err.Error())
	}

	s.mu.Lock()
	st.lastRunAt = now
	st.lastRunStatus = status
	st.nextRunAt = st.schedule.Next(now)
	s.mu.Unlock()
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// NextRun computes when a cron expression next fires after from.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}
