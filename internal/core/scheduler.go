package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrTaskNotFound is returned by stores for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskRunning is returned when the overlap policy refuses a run.
	ErrTaskRunning = errors.New("task is already running")
	// ErrSchedulerStopped is returned for runs requested after Stop.
	ErrSchedulerStopped = errors.New("scheduler is stopped")
)

// Store abstracts the persistence layer used by the scheduler and coordinator.
type Store interface {
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListEnabledTasks(ctx context.Context) ([]*Task, error)

	BeginAttempt(ctx context.Context, taskID int64, attempt int, startedAt time.Time) (int64, error)
	FinishAttempt(ctx context.Context, logID int64, endedAt time.Time, res ExecutionResult) error
	InsertSkipped(ctx context.Context, taskID int64, at time.Time, reason string) (int64, error)
	RecoverStaleRuns(ctx context.Context, before, now time.Time, message string) (int64, error)
}

// Runner runs a task to its terminal result.
type Runner interface {
	RunWithRetry(ctx context.Context, task *Task) (ExecutionResult, error)
}

// OverlapPolicy decides whether runs of the same task may overlap.
type OverlapPolicy string

const (
	// OverlapAllow lets scheduled fires and manual runs overlap freely.
	OverlapAllow OverlapPolicy = "allow"
	// OverlapSkip refuses a run while another run of the same task is in flight.
	OverlapSkip OverlapPolicy = "skip"
)

// ParseOverlapPolicy maps a config value to a policy, defaulting to allow.
func ParseOverlapPolicy(v string) (OverlapPolicy, error) {
	switch OverlapPolicy(v) {
	case "", OverlapAllow:
		return OverlapAllow, nil
	case OverlapSkip:
		return OverlapSkip, nil
	default:
		return "", fmt.Errorf("unknown overlap policy %q", v)
	}
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Location   *time.Location
	Overlap    OverlapPolicy
	StaleAfter time.Duration
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	Paused    bool `json:"paused"`
	Scheduled int  `json:"scheduled"`
	Running   int  `json:"running"`
}

// Scheduler holds one cron entry per enabled task and dispatches fires to the runner.
type Scheduler struct {
	store    Store
	runner   Runner
	logger   *slog.Logger
	location *time.Location
	overlap  OverlapPolicy
	stale    time.Duration

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[int64]cron.EntryID

	paused atomic.Bool

	runMu   sync.Mutex
	running map[int64]int
	stopped bool

	inflight  sync.WaitGroup
	startOnce sync.Once
	ctx       context.Context
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(store Store, runner Runner, logger *slog.Logger, opts SchedulerOptions) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Overlap == "" {
		opts.Overlap = OverlapAllow
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(opts.Location),
	)
	return &Scheduler{
		store:    store,
		runner:   runner,
		logger:   logger,
		location: opts.Location,
		overlap:  opts.Overlap,
		stale:    opts.StaleAfter,
		cron:     c,
		entries:  make(map[int64]cron.EntryID),
		running:  make(map[int64]int),
	}
}

// Start reconciles interrupted runs, schedules every enabled task and starts
// the timer loop, in that order. ctx is used for background executions.
// Start may be called only once.
func (s *Scheduler) Start(ctx context.Context) error {
	err := errors.New("scheduler already started")
	s.startOnce.Do(func() {
		s.ctx = ctx
		if _, err = RecoverInterrupted(ctx, s.store, s.logger, s.stale, time.Now()); err != nil {
			return
		}
		if err = s.LoadEnabled(ctx); err != nil {
			return
		}
		s.cron.Start()
		s.logger.Info("scheduler started", "scheduled", s.ScheduledCount(), "overlap", s.overlap)
	})
	return err
}

// Stop discards every timer and waits for in-flight executions until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.runMu.Lock()
	s.stopped = true
	s.runMu.Unlock()

	cronDone := s.cron.Stop()

	s.entryMu.Lock()
	for id, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.entryMu.Unlock()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadEnabled schedules every enabled task from the store.
func (s *Scheduler) LoadEnabled(ctx context.Context) error {
	tasks, err := s.store.ListEnabledTasks(ctx)
	if err != nil {
		return fmt.Errorf("list enabled tasks: %w", err)
	}
	for _, task := range tasks {
		s.ScheduleTask(task)
	}
	return nil
}

// ScheduleTask replaces any timer for the task with one bound to its current
// expression. Disabled tasks and invalid expressions end up unscheduled.
func (s *Scheduler) ScheduleTask(task *Task) bool {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	s.removeLocked(task.ID)

	if !task.Enabled {
		return false
	}
	schedule, err := ParseCron(task.Cron)
	if err != nil {
		s.logger.Warn("task not scheduled", "task_id", task.ID, "cron", task.Cron, "err", err)
		return false
	}
	taskID := task.ID
	s.entries[taskID] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.fire(taskID)
	}))
	s.logger.Debug("task scheduled", "task_id", taskID, "cron", task.Cron)
	return true
}

// UnscheduleTask stops and discards the task's timer. Idempotent.
func (s *Scheduler) UnscheduleTask(taskID int64) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	s.removeLocked(taskID)
}

// RescheduleTask re-reads the task and schedules it, or unschedules it when
// it no longer exists. Call it after every task mutation.
func (s *Scheduler) RescheduleTask(ctx context.Context, taskID int64) error {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, ErrTaskNotFound) {
		s.UnscheduleTask(taskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task %d: %w", taskID, err)
	}
	s.ScheduleTask(task)
	return nil
}

// IsScheduled reports whether the task currently has a timer.
func (s *Scheduler) IsScheduled(taskID int64) bool {
	s.entryMu.RLock()
	defer s.entryMu.RUnlock()
	_, ok := s.entries[taskID]
	return ok
}

// ScheduledCount returns the number of live timers.
func (s *Scheduler) ScheduledCount() int {
	s.entryMu.RLock()
	defer s.entryMu.RUnlock()
	return len(s.entries)
}

// NextRun returns the next fire time of a scheduled task.
func (s *Scheduler) NextRun(taskID int64) (time.Time, bool) {
	s.entryMu.RLock()
	entryID, ok := s.entries[taskID]
	s.entryMu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(entryID)
	if entry.Schedule == nil {
		return time.Time{}, false
	}
	return entry.Schedule.Next(time.Now().In(s.location)), true
}

// Pause makes every subsequent fire a no-op. Runs already executing continue.
func (s *Scheduler) Pause() {
	if !s.paused.Swap(true) {
		s.logger.Info("scheduler paused")
	}
}

// Resume re-enables fires. Ticks dropped while paused are not replayed.
func (s *Scheduler) Resume() {
	if s.paused.Swap(false) {
		s.logger.Info("scheduler resumed")
	}
}

// Paused reports the global pause flag.
func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() SchedulerStatus {
	s.runMu.Lock()
	running := 0
	for _, n := range s.running {
		running += n
	}
	s.runMu.Unlock()
	return SchedulerStatus{
		Paused:    s.Paused(),
		Scheduled: s.ScheduledCount(),
		Running:   running,
	}
}

// RunTaskNow runs the task through the retry coordinator and waits for the
// terminal result. It bypasses the timer and the pause flag.
func (s *Scheduler) RunTaskNow(ctx context.Context, taskID int64) (ExecutionResult, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return ExecutionResult{}, err
	}
	if !s.track() {
		return ExecutionResult{}, ErrSchedulerStopped
	}
	defer s.inflight.Done()
	release, ok := s.acquire(task.ID)
	if !ok {
		return ExecutionResult{}, ErrTaskRunning
	}
	defer release()
	return s.runner.RunWithRetry(ctx, task)
}

// LaunchTaskNow starts a run in the background and returns immediately.
func (s *Scheduler) LaunchTaskNow(ctx context.Context, taskID int64) (*Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !s.track() {
		return nil, ErrSchedulerStopped
	}
	release, ok := s.acquire(task.ID)
	if !ok {
		s.inflight.Done()
		return nil, ErrTaskRunning
	}
	go func() {
		defer s.inflight.Done()
		defer release()
		defer s.recoverRun(task.ID)
		if _, err := s.runner.RunWithRetry(s.ctxOrBackground(), task); err != nil {
			s.logger.Error("manual run", "task_id", task.ID, "err", err)
		}
	}()
	return task, nil
}

func (s *Scheduler) fire(taskID int64) {
	if s.paused.Load() {
		s.logger.Debug("scheduler paused, dropping tick", "task_id", taskID)
		return
	}
	if !s.track() {
		s.logger.Debug("scheduler stopped, dropping tick", "task_id", taskID)
		return
	}
	go func() {
		defer s.inflight.Done()
		defer s.recoverRun(taskID)
		s.runScheduled(taskID, time.Now())
	}()
}

func (s *Scheduler) runScheduled(taskID int64, firedAt time.Time) {
	ctx := s.ctxOrBackground()
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, ErrTaskNotFound) {
		s.UnscheduleTask(taskID)
		return
	}
	if err != nil {
		s.logger.Error("fetch task for scheduled run", "task_id", taskID, "err", err)
		return
	}
	if !task.Enabled {
		return
	}
	release, ok := s.acquire(task.ID)
	if !ok {
		s.logger.Info("skipping run because task is already running", "task_id", task.ID)
		if _, err := s.store.InsertSkipped(ctx, task.ID, firedAt.UTC(), "previous run still in progress"); err != nil {
			s.logger.Error("record skipped run", "task_id", task.ID, "err", err)
		}
		return
	}
	defer release()
	if _, err := s.runner.RunWithRetry(ctx, task); err != nil {
		s.logger.Error("scheduled run", "task_id", task.ID, "err", err)
	}
}

func (s *Scheduler) recoverRun(taskID int64) {
	if r := recover(); r != nil {
		s.logger.Error("run panicked", "task_id", taskID, "panic", r, "stack", string(debug.Stack()))
	}
}

// track registers an in-flight run unless Stop has begun. Stop sets the flag
// under the same lock, so no Add can race with its Wait.
func (s *Scheduler) track() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.stopped {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Scheduler) acquire(taskID int64) (func(), bool) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.overlap == OverlapSkip && s.running[taskID] > 0 {
		return nil, false
	}
	s.running[taskID]++
	var once sync.Once
	return func() {
		once.Do(func() {
			s.runMu.Lock()
			defer s.runMu.Unlock()
			if s.running[taskID]--; s.running[taskID] <= 0 {
				delete(s.running, taskID)
			}
		})
	}, true
}

func (s *Scheduler) removeLocked(taskID int64) {
	if entryID, ok := s.entries[taskID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, taskID)
	}
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
