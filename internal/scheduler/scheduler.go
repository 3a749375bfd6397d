// Package scheduler runs the day-cadence migration jobs (daily progress check,
// proposal sweep) on cron expressions, with a per-job file lock against
// overlapping daemons and a concurrency cap inside one process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hopover/hopover/internal/lock"
)

// Job statuses recorded after each firing.
const (
	StatusOK                 = "ok"
	StatusFailed             = "failed"
	StatusSkippedLocked      = "skipped_locked"
	StatusSkippedConcurrency = "skipped_concurrency"
)

// Job defines a schedulable unit of work.
type Job struct {
	Name string                          // Unique job identifier, also the lock file name.
	Spec string                          // Standard 5-field cron expression or descriptor.
	Run  func(ctx context.Context) error // Work to do on each firing.
}

// Status is the outcome of the last firing of a job.
type Status struct {
	Name     string
	Status   string
	Error    string
	Started  time.Time
	Duration time.Duration
}

// Config holds scheduler settings.
type Config struct {
	Enabled       bool   `json:"enabled" envconfig:"SCHEDULER_ENABLED"`
	DailyCheck    string `json:"dailyCheck" envconfig:"SCHEDULER_DAILY_CHECK"`
	GateSweep     string `json:"gateSweep" envconfig:"SCHEDULER_GATE_SWEEP"`
	Timezone      string `json:"timezone" envconfig:"SCHEDULER_TIMEZONE"`
	MaxConcurrent int    `json:"maxConcurrent" envconfig:"SCHEDULER_MAX_CONCURRENT"`
	LockDir       string `json:"lockDir" envconfig:"SCHEDULER_LOCK_DIR"`
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Enabled:       false,
		DailyCheck:    "0 9 * * *",
		GateSweep:     "*/5 * * * *",
		Timezone:      "Local",
		MaxConcurrent: 2,
		LockDir:       filepath.Join(home, ".hopover", "locks"),
	}
}

// Scheduler owns job registration, cron dispatch and concurrency control.
type Scheduler struct {
	cfg    Config
	loc    *time.Location
	slots  chan struct{}
	mu     sync.RWMutex
	jobs   map[string]*Job
	status map[string]Status
}

// New creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.LockDir == "" {
		cfg.LockDir = def.LockDir
	}
	if cfg.Timezone == "" {
		cfg.Timezone = def.Timezone
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", cfg.Timezone, err)
	}
	return &Scheduler{
		cfg:    cfg,
		loc:    loc,
		slots:  make(chan struct{}, cfg.MaxConcurrent),
		jobs:   make(map[string]*Job),
		status: make(map[string]Status),
	}, nil
}

// Register adds or replaces a job. The cron expression is validated here.
func (s *Scheduler) Register(job *Job) error {
	if job == nil || job.Name == "" || job.Run == nil {
		return errors.New("scheduler job needs a name and a run func")
	}
	if _, err := cron.ParseStandard(job.Spec); err != nil {
		return fmt.Errorf("scheduler job %s: invalid cron %q: %w", job.Name, job.Spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	slog.Info("Scheduler job registered", "name", job.Name, "spec", job.Spec)
	return nil
}

// Jobs returns the registered job names in order.
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Next returns the next firing of a job after t.
func (s *Scheduler) Next(name string, t time.Time) (time.Time, error) {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}, fmt.Errorf("scheduler job %s not registered", name)
	}
	sched, err := cron.ParseStandard(job.Spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(t.In(s.loc)), nil
}

// LastStatus returns the outcome of the job's last firing.
func (s *Scheduler) LastStatus(name string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.status[name]
	return st, ok
}

// Run starts the cron loop. Blocks until ctx is cancelled, then waits for
// running jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(s.loc), cron.WithLogger(cronLogger{}))

	s.mu.RLock()
	for _, job := range s.jobs {
		job := job
		if _, err := c.AddFunc(job.Spec, func() { s.fire(ctx, job) }); err != nil {
			s.mu.RUnlock()
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
	}
	n := len(s.jobs)
	s.mu.RUnlock()

	c.Start()
	slog.Info("Scheduler started", "jobs", n, "timezone", s.loc.String())
	<-ctx.Done()
	<-c.Stop().Done()
	slog.Info("Scheduler stopped")
	return ctx.Err()
}

// RunNow fires a job immediately, subject to the same lock and cap.
func (s *Scheduler) RunNow(ctx context.Context, name string) (Status, error) {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return Status{}, fmt.Errorf("scheduler job %s not registered", name)
	}
	return s.fire(ctx, job), nil
}

// fire runs one job if neither another process nor the concurrency cap
// prevents it.
func (s *Scheduler) fire(ctx context.Context, job *Job) Status {
	st := Status{Name: job.Name, Started: time.Now()}

	if err := os.MkdirAll(s.cfg.LockDir, 0o700); err != nil {
		st.Status, st.Error = StatusFailed, err.Error()
		return s.record(st)
	}
	fl := lock.NewFileLock(filepath.Join(s.cfg.LockDir, job.Name+".lock"))
	acquired, err := fl.TryLock()
	if err != nil {
		slog.Warn("Scheduler lock error", "job", job.Name, "error", err)
		st.Status, st.Error = StatusFailed, err.Error()
		return s.record(st)
	}
	if !acquired {
		slog.Debug("Scheduler job skipped: lock held by another process", "job", job.Name, "holder", lock.Holder(fl.Path()))
		st.Status = StatusSkippedLocked
		return s.record(st)
	}
	defer fl.Unlock()

	if !s.takeSlot() {
		slog.Warn("Scheduler job skipped: concurrency limit", "job", job.Name)
		st.Status = StatusSkippedConcurrency
		return s.record(st)
	}
	defer s.freeSlot()

	slog.Info("Scheduler running job", "job", job.Name)
	err = job.Run(ctx)
	st.Duration = time.Since(st.Started)
	if err != nil {
		slog.Error("Scheduler job failed", "job", job.Name, "error", err)
		st.Status, st.Error = StatusFailed, err.Error()
	} else {
		st.Status = StatusOK
	}
	return s.record(st)
}

func (s *Scheduler) record(st Status) Status {
	s.mu.Lock()
	s.status[st.Name] = st
	s.mu.Unlock()
	return st
}

// cronLogger routes cron's internal logging through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

// takeSlot reserves one of the MaxConcurrent run slots without blocking.
func (s *Scheduler) takeSlot() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) freeSlot() { <-s.slots }

// Running returns how many jobs are executing right now.
func (s *Scheduler) Running() int { return len(s.slots) }
