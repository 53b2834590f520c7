// Package scheduler runs the periodic billing tasks on a cron clock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one periodic job. Spec is a standard five-field cron expression
// or a descriptor such as @hourly, evaluated in Location (UTC when nil).
type Task struct {
	Name     string
	Spec     string
	Location *time.Location
	Run      func(ctx context.Context) error
}

type entry struct {
	task Task
	id   cron.EntryID
}

type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]entry
}

func New(logger *slog.Logger) *Scheduler {
	logger = logger.With("component", "scheduler")
	adapter := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]entry),
	}
}

// Register validates the task's schedule and adds it. Tasks can be added
// before or after Start.
func (s *Scheduler) Register(task Task) error {
	if task.Name == "" {
		return errors.New("task name is required")
	}
	if task.Run == nil {
		return fmt.Errorf("task %s has no run function", task.Name)
	}
	if task.Location == nil {
		task.Location = time.UTC
	}

	schedule, err := cron.ParseStandard("CRON_TZ=" + task.Location.String() + " " + task.Spec)
	if err != nil {
		return fmt.Errorf("task %s: invalid schedule %q: %w", task.Name, task.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("task %s already registered", task.Name)
	}

	id := s.cron.Schedule(schedule, cron.FuncJob(func() {
		_ = s.execute(s.ctx, task)
	}))
	s.tasks[task.Name] = entry{task: task, id: id}
	s.logger.Info("task registered", "task", task.Name, "spec", task.Spec, "location", task.Location.String())
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, e := range s.tasks {
		s.logger.Info("task scheduled", "task", name, "next_run", s.cron.Entry(e.id).Next)
	}
}

// Stop halts the clock. The returned context is done once running tasks
// have returned.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Shutdown stops the clock and waits for running tasks until ctx expires,
// then cancels their context and waits for them to return. Tasks that
// detach from that context run to completion.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	done := s.Stop()
	defer s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done.Done()
		return ctx.Err()
	}
}

// RunNow executes a registered task synchronously and returns its error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s is not registered", name)
	}
	return s.execute(ctx, e.task)
}

// Next returns the next scheduled firing of name, or the zero time when the
// scheduler is not running.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	e, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(e.id).Next
}

func (s *Scheduler) execute(ctx context.Context, task Task) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
		if err != nil {
			s.logger.Error("task failed", "task", task.Name, "duration_ms", time.Since(start).Milliseconds(), "error", err)
			return
		}
		s.logger.Info("task finished", "task", task.Name, "duration_ms", time.Since(start).Milliseconds())
	}()
	return task.Run(ctx)
}

// cronLogger routes robfig/cron's logging into slog. Its chatty Info
// messages go to debug.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
