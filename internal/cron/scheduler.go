// Package cron runs the periodic maintenance jobs (event repair, orphan
// cleanup, retention) on standard 5-field cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow)
// plus the @daily / @every descriptors.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one named periodic action. An empty Spec disables it.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type Config struct {
	Jobs   []Job
	Logger *slog.Logger
	// Timeout bounds a single run; defaults to 1 minute.
	Timeout time.Duration
}

// Scheduler fires Jobs on their schedules. A job still running when its
// next tick arrives is skipped for that tick.
type Scheduler struct {
	cron    *cronlib.Cron
	logger  *slog.Logger
	timeout time.Duration

	jobs    map[string]Job
	entries map[string]cronlib.EntryID

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler validates every job spec up front so a typo fails startup
// instead of silently never running.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	s := &Scheduler{
		logger:  logger.With("component", "cron"),
		timeout: timeout,
		jobs:    make(map[string]Job, len(cfg.Jobs)),
		entries: make(map[string]cronlib.EntryID, len(cfg.Jobs)),
		ctx:     context.Background(),
	}
	s.cron = cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithChain(cronlib.Recover(cronLogger{s.logger}), cronlib.SkipIfStillRunning(cronLogger{s.logger})),
		cronlib.WithLogger(cronLogger{s.logger}),
	)
	for _, job := range cfg.Jobs {
		if job.Name == "" || job.Run == nil {
			return nil, fmt.Errorf("cron: job needs a name and a run func")
		}
		if _, dup := s.jobs[job.Name]; dup {
			return nil, fmt.Errorf("cron: duplicate job %q", job.Name)
		}
		s.jobs[job.Name] = job
		if job.Spec == "" {
			s.logger.Info("cron: job disabled", "job", job.Name)
			continue
		}
		id, err := s.cron.AddFunc(job.Spec, func() { s.run(job) })
		if err != nil {
			return nil, fmt.Errorf("cron: job %q: invalid schedule %q: %w", job.Name, job.Spec, err)
		}
		s.entries[job.Name] = id
	}
	return s, nil
}

// Start begins firing jobs. Runs see ctx, so cancelling it aborts them.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("cron scheduler started", "jobs", len(s.entries))
}

// Stop halts the schedule and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// RunNow runs a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("cron: unknown job %q", name)
	}
	return s.exec(ctx, job)
}

// Next reports the next fire time of every scheduled job.
func (s *Scheduler) Next() map[string]time.Time {
	out := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// Names lists every job, scheduled or not, in name order.
func (s *Scheduler) Names() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) run(job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	_ = s.exec(ctx, job)
}

func (s *Scheduler) exec(ctx context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("cron: job failed", "job", job.Name, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("cron: job finished", "job", job.Name, "duration", time.Since(start))
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// cronLogger routes the cron library's own logging into slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
