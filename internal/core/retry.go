package core

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Coordinator runs a task with its retry policy, logging every attempt.
type Coordinator struct {
	store  Store
	exec   Executor
	relay  *Relay
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewCoordinator wires the retry coordinator. relay may be nil.
func NewCoordinator(store Store, exec Executor, relay *Relay, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		exec:   exec,
		relay:  relay,
		logger: logger,
		sleep:  sleepContext,
	}
}

// RetryDelay is the wait before the attempt following attempt: linear in the
// attempt number, no jitter, no cap.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(attempt+1)
}

// RunWithRetry executes attempt 0 immediately and retries failures (never
// timeouts) up to task.RetryCount more times. Only the terminal result is
// returned. Storage errors abort the run and are returned.
func (c *Coordinator) RunWithRetry(ctx context.Context, task *Task) (ExecutionResult, error) {
	var res ExecutionResult
	// Log rows must be closed even when the run is being cancelled.
	writeCtx := context.WithoutCancel(ctx)
	for attempt := 0; ; attempt++ {
		logID, err := c.store.BeginAttempt(writeCtx, task.ID, attempt, time.Now().UTC())
		if err != nil {
			return res, fmt.Errorf("begin attempt %d: %w", attempt, err)
		}

		res = c.execute(ctx, task, attempt)
		res.LogID = logID
		res.Attempt = attempt

		if err := c.store.FinishAttempt(writeCtx, logID, time.Now().UTC(), res); err != nil {
			return res, fmt.Errorf("finish attempt %d: %w", attempt, err)
		}
		c.logger.Info("attempt finished",
			"task_id", task.ID, "log_id", logID, "attempt", attempt,
			"status", res.Status, "duration_ms", res.DurationMS)

		if res.Status != LogStatusFailure || attempt >= task.RetryCount {
			break
		}
		delay := RetryDelay(task.RetryDelay(), attempt)
		c.logger.Debug("retrying task", "task_id", task.ID, "next_attempt", attempt+1, "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			c.finished(task, res)
			return res, fmt.Errorf("retry wait: %w", err)
		}
	}
	c.finished(task, res)
	return res, nil
}

func (c *Coordinator) execute(ctx context.Context, task *Task, attempt int) (res ExecutionResult) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("execution panicked", "task_id", task.ID, "attempt", attempt, "panic", r)
			res = ExecutionResult{
				Status:       LogStatusFailure,
				ErrorMessage: ptrString(fmt.Sprint(r)),
				ErrorStack:   ptrString(string(debug.Stack())),
			}
		}
		res.DurationMS = time.Since(started).Milliseconds()
	}()
	return c.exec.Execute(ctx, task, attempt)
}

func (c *Coordinator) finished(task *Task, res ExecutionResult) {
	if c.relay != nil {
		c.relay.taskFinished(task, res)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
