package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/KafClaw/agentcore/internal/bus"
	"github.com/KafClaw/agentcore/internal/config"
)

// Channel is the route channel of scheduled submissions.
const Channel = "scheduler"

// Job is a task submitted on a cron schedule.
type Job struct {
	Name  string    // Unique job identifier.
	Cron  *Schedule // Parsed schedule.
	Task  string    // Task text submitted to the inbox.
	Route bus.Route // Where the reply goes.
}

// JobStore records job runs. *timeline.TimelineService satisfies it.
type JobStore interface {
	UpsertScheduledJob(jobName string, runAt time.Time, runErr error) error
}

// Scheduler manages job registration, tick dispatch, and concurrency control.
type Scheduler struct {
	cfg   config.SchedulerConfig
	bus   *bus.MessageBus
	store JobStore
	sem   *Semaphore

	mu       sync.RWMutex
	jobs     map[string]*Job
	lastFire map[string]time.Time
}

// New creates a Scheduler. Store may be nil.
func New(cfg config.SchedulerConfig, b *bus.MessageBus, store JobStore) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	return &Scheduler{
		cfg:      cfg,
		bus:      b,
		store:    store,
		sem:      NewSemaphore(cfg.MaxConcurrent),
		jobs:     make(map[string]*Job),
		lastFire: make(map[string]time.Time),
	}
}

// LoadJobs parses and registers every configured job. Nothing is
// registered if any schedule is invalid.
func (s *Scheduler) LoadJobs(jobs []config.JobConfig) error {
	parsed := make([]*Job, 0, len(jobs))
	for _, jc := range jobs {
		if jc.Name == "" || jc.Task == "" {
			return fmt.Errorf("scheduler job %q: name and task are required", jc.Name)
		}
		cron, err := ParseSchedule(jc.Schedule)
		if err != nil {
			return fmt.Errorf("scheduler job %q: %w", jc.Name, err)
		}
		route := bus.Route{Channel: jc.Channel, ChatID: jc.ChatID, SenderID: Channel}
		if route.Channel == "" {
			route.Channel = Channel
		}
		if route.ChatID == "" {
			route.ChatID = Channel + ":" + jc.Name
		}
		parsed = append(parsed, &Job{Name: jc.Name, Cron: cron, Task: jc.Task, Route: route})
	}
	for _, j := range parsed {
		s.Register(j)
	}
	return nil
}

// Register adds a job, replacing one with the same name.
func (s *Scheduler) Register(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	slog.Info("Scheduler job registered", "name", job.Name, "schedule", job.Cron.String())
}

// Unregister removes a job by name.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
	delete(s.lastFire, name)
}

// Jobs returns the registered jobs sorted by name.
func (s *Scheduler) Jobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run starts the tick loop. Blocks until context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler started", "tick", s.cfg.TickInterval, "jobs", len(s.Jobs()))
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler stopped")
			return ctx.Err()
		case t := <-ticker.C:
			s.tick(ctx, t)
		}
	}
}

// tick dispatches every job matching now. A job fires at most once per
// minute however short the tick interval.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	minute := now.Truncate(time.Minute)

	s.mu.Lock()
	var due []*Job
	for name, job := range s.jobs {
		if !job.Cron.Matches(now) || s.lastFire[name].Equal(minute) {
			continue
		}
		s.lastFire[name] = minute
		due = append(due, job)
	}
	s.mu.Unlock()

	for _, job := range due {
		s.dispatch(ctx, job, minute)
	}
}

// dispatch publishes the job as a bus.InboundMessage if a slot is free.
func (s *Scheduler) dispatch(ctx context.Context, job *Job, tick time.Time) {
	if !s.sem.TryAcquire() {
		slog.Warn("Scheduler job skipped: concurrency limit", "job", job.Name)
		s.logJobRun(job.Name, tick, fmt.Errorf("skipped: concurrency limit"))
		return
	}

	slog.Info("Scheduler dispatching job", "job", job.Name)

	go func() {
		defer s.sem.Release()

		route := job.Route
		route.TraceID = fmt.Sprintf("sched-%s-%d", job.Name, tick.Unix())
		err := s.bus.PublishInbound(ctx, &bus.InboundMessage{
			Route:          route,
			IdempotencyKey: route.TraceID,
			Content:        job.Task,
			Metadata: map[string]any{
				"scheduler_job":  job.Name,
				"scheduler_tick": tick.Format(time.RFC3339),
			},
			Timestamp: tick,
		})
		if err != nil {
			slog.Warn("Scheduler publish failed", "job", job.Name, "error", err)
		}
		s.logJobRun(job.Name, tick, err)
	}()
}

// logJobRun persists the run to the scheduled_jobs table (best-effort).
func (s *Scheduler) logJobRun(name string, tick time.Time, runErr error) {
	if s.store == nil {
		return
	}
	if err := s.store.UpsertScheduledJob(name, tick, runErr); err != nil {
		slog.Debug("Scheduler job log failed", "job", name, "error", err)
	}
}
