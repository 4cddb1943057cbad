// Package scheduler runs periodic maintenance jobs (tunnel resync, workdir
// sweep) on cron schedules.
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

// Task is a named job run on a cron schedule. Standard five-field specs and
// descriptors such as "@every 15m" are accepted.
type Task struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// TaskInfo describes a registered task.
type TaskInfo struct {
	Name    string
	Spec    string
	NextRun time.Time
	LastRun time.Time
}

type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.RWMutex
	tasks   map[string]*registered
	runCtx  context.Context
	stopCh  chan struct{}
	stopped sync.Once
}

type registered struct {
	task    Task
	entry   cron.EntryID
	lastRun time.Time
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		logger: logger,
		tasks:  make(map[string]*registered),
		runCtx: context.Background(),
		stopCh: make(chan struct{}),
	}
}

// Add registers a task. Names must be unique.
func (s *Scheduler) Add(task Task) error {
	if task.Run == nil {
		return fmt.Errorf("task %q has no run function", task.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.Name]; ok {
		return fmt.Errorf("task %q already registered", task.Name)
	}
	reg := &registered{task: task}
	id, err := s.cron.AddFunc(task.Spec, func() { s.run(s.context(), reg) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for task %q: %w", task.Spec, task.Name, err)
	}
	reg.entry = id
	s.tasks[task.Name] = reg
	s.logger.Info("task scheduled", "task", task.Name, "spec", task.Spec)
	return nil
}

// RunNow runs a registered task immediately on the calling goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	reg, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	return s.run(ctx, reg)
}

// Tasks lists registered tasks sorted by name.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, reg := range s.tasks {
		out = append(out, TaskInfo{
			Name:    reg.task.Name,
			Spec:    reg.task.Spec,
			NextRun: s.cron.Entry(reg.entry).Next,
			LastRun: reg.lastRun,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start runs the scheduler until ctx is canceled or Stop is called, then
// waits for running tasks to finish.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "tasks", len(s.Tasks()))

	select {
	case <-ctx.Done():
	case <-s.stopCh:
	}
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Stop halts the scheduler. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runCtx
}

func (s *Scheduler) run(ctx context.Context, reg *registered) error {
	start := time.Now()
	err := reg.task.Run(ctx)

	s.mu.Lock()
	reg.lastRun = start
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("task failed", "task", reg.task.Name, "duration", time.Since(start), "err", err)
		return err
	}
	s.logger.Debug("task finished", "task", reg.task.Name, "duration", time.Since(start))
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
