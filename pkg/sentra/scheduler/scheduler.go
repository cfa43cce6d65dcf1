// Package scheduler runs the periodic maintenance jobs of Sentra (message
// cache sweeps, history pruning). Uses robfig/cron for schedule parsing
// and execution.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is the work of one job. The context is cancelled on Stop or when
// the job timeout elapses.
type JobFunc func(ctx context.Context) error

// Job is a named maintenance job.
type Job struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	RunCount  int       `json:"run_count"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	NextRunAt time.Time `json:"next_run_at,omitempty"`

	fn JobFunc
}

// Scheduler manages named jobs on cron schedules.
type Scheduler struct {
	jobs map[string]*Job

	// cron is created on Start; jobs added before Start are registered then.
	cron *cron.Cron

	// cronIDs maps job names to their cron entry IDs for removal.
	cronIDs map[string]cron.EntryID

	// running guards against overlapping runs of the same job.
	running map[string]bool

	jobTimeout time.Duration
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New creates a Scheduler. Jobs are bounded by a 5 minute timeout.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:       make(map[string]*Job),
		cronIDs:    make(map[string]cron.EntryID),
		running:    make(map[string]bool),
		jobTimeout: 5 * time.Minute,
		logger:     logger.With("component", "scheduler"),
		ctx:        context.Background(),
	}
}

func newCron() *cron.Cron {
	return cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
}

// Add registers fn under name on the given cron schedule ("@every 10m",
// "@hourly", "0 3 * * *"). An empty schedule disables the job.
func (s *Scheduler) Add(name, schedule string, fn JobFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("job needs a name and a function")
	}
	if schedule == "" {
		s.logger.Info("job disabled (empty schedule)", "job", name)
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", name, schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	job := &Job{Name: name, Schedule: schedule, fn: fn}
	s.jobs[name] = job

	if s.cron != nil {
		if err := s.schedule(job); err != nil {
			delete(s.jobs, name)
			return err
		}
	}
	s.logger.Debug("job added", "job", name, "schedule", schedule)
	return nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; !exists {
		return fmt.Errorf("job %q not found", name)
	}
	if entryID, ok := s.cronIDs[name]; ok {
		s.cron.Remove(entryID)
		delete(s.cronIDs, name)
	}
	delete(s.jobs, name)
	s.logger.Info("job removed", "job", name)
	return nil
}

// Jobs returns a snapshot of the registered jobs sorted by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for name, j := range s.jobs {
		cp := *j
		cp.fn = nil
		if id, ok := s.cronIDs[name]; ok {
			cp.NextRunAt = s.cron.Entry(id).Next
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Start registers every job with a fresh cron runner and starts it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = newCron()

	for _, job := range s.jobs {
		if err := s.schedule(job); err != nil {
			s.logger.Warn("skipping job with invalid schedule",
				"job", job.Name, "schedule", job.Schedule, "error", err)
		}
	}
	s.cron.Start()

	s.logger.Info("scheduler started",
		"jobs", len(s.jobs),
		"cron_entries", len(s.cron.Entries()),
	)
	return nil
}

// Stop cancels running jobs, halts the cron runner and waits up to 10s
// for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		done := c.Stop()
		select {
		case <-done.Done():
		case <-time.After(10 * time.Second):
			s.logger.Warn("scheduler stop timed out")
		}
	}
	s.logger.Info("scheduler stopped")
}

// RunNow executes the named job immediately on the calling goroutine.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	return s.execute(job)
}

// schedule must be called with s.mu held.
func (s *Scheduler) schedule(job *Job) error {
	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		_ = s.execute(job)
	})
	if err != nil {
		return err
	}
	s.cronIDs[job.Name] = entryID
	return nil
}

func (s *Scheduler) execute(job *Job) (err error) {
	s.mu.Lock()
	if s.running[job.Name] {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "job", job.Name)
		return fmt.Errorf("job %q already running", job.Name)
	}
	s.running[job.Name] = true
	job.RunCount++
	job.LastRunAt = time.Now()
	parent := s.ctx
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("scheduled job panicked", "job", job.Name, "panic", r)
		}

		s.mu.Lock()
		delete(s.running, job.Name)
		job.LastError = ""
		if err != nil {
			job.LastError = err.Error()
		}
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(parent, s.jobTimeout)
	defer cancel()

	start := time.Now()
	err = job.fn(ctx)
	if err != nil {
		s.logger.Error("scheduled job failed", "job", job.Name, "error", err)
		return err
	}
	s.logger.Debug("scheduled job done", "job", job.Name, "duration", time.Since(start))
	return nil
}
