package core

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store used by the core tests.
type memStore struct {
	mu    sync.Mutex
	tasks map[int64]*Task
	logs  []*ExecutionLog
}

func newMemStore(tasks ...*Task) *memStore {
	s := &memStore{tasks: map[int64]*Task{}}
	for _, t := range tasks {
		s.put(t)
	}
	return s
}

func (s *memStore) put(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
}

func (s *memStore) remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

func (s *memStore) GetTask(_ context.Context, id int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) ListEnabledTasks(context.Context) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Enabled {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) BeginAttempt(_ context.Context, taskID int64, attempt int, startedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := int64(len(s.logs) + 1)
	s.logs = append(s.logs, &ExecutionLog{
		ID:        id,
		TaskID:    taskID,
		Attempt:   attempt,
		StartTime: startedAt,
		Status:    LogStatusRunning,
		CreatedAt: startedAt,
	})
	return id, nil
}

func (s *memStore) FinishAttempt(_ context.Context, logID int64, endedAt time.Time, res ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logs[logID-1]
	l.Status = res.Status
	l.EndTime = &endedAt
	d := res.DurationMS
	l.DurationMS = &d
	l.ExitCode = res.ExitCode
	l.Stdout = res.Stdout
	l.Stderr = res.Stderr
	l.ErrorMessage = res.ErrorMessage
	l.ErrorStack = res.ErrorStack
	return nil
}

func (s *memStore) InsertSkipped(_ context.Context, taskID int64, at time.Time, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := int64(len(s.logs) + 1)
	s.logs = append(s.logs, &ExecutionLog{
		ID:           id,
		TaskID:       taskID,
		StartTime:    at,
		EndTime:      &at,
		Status:       LogStatusSkipped,
		ErrorMessage: &reason,
	})
	return id, nil
}

func (s *memStore) RecoverStaleRuns(_ context.Context, before, now time.Time, message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, l := range s.logs {
		if l.Status == LogStatusRunning && l.StartTime.Before(before) {
			l.Status = LogStatusFailure
			end := now
			l.EndTime = &end
			d := now.Sub(l.StartTime).Milliseconds()
			l.DurationMS = &d
			msg := message
			l.ErrorMessage = &msg
			n++
		}
	}
	return n, nil
}

func (s *memStore) snapshot() []ExecutionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExecutionLog, len(s.logs))
	for i, l := range s.logs {
		out[i] = *l
	}
	return out
}

// scriptedExecutor returns queued results in order, repeating the last one.
type scriptedExecutor struct {
	mu       sync.Mutex
	results  []ExecutionResult
	calls    int
	attempts []int
	block    chan struct{}
	started  chan struct{}
}

func (e *scriptedExecutor) Execute(ctx context.Context, task *Task, attempt int) ExecutionResult {
	e.mu.Lock()
	e.calls++
	e.attempts = append(e.attempts, attempt)
	idx := e.calls - 1
	if idx >= len(e.results) {
		idx = len(e.results) - 1
	}
	res := e.results[idx]
	block, started := e.block, e.started
	e.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	return res
}

func (e *scriptedExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func shellTestTask(id int64, command string) *Task {
	raw, _ := json.Marshal(ShellConfig{Command: command})
	return &Task{
		ID:        id,
		Name:      "task",
		Cron:      "* * * * *",
		Kind:      TaskKindShell,
		RawConfig: raw,
		Enabled:   true,
	}
}
