package core

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"cronie/internal/eventbus"
)

func newTestCoordinator(store Store, exec Executor) (*Coordinator, *[]time.Duration) {
	c := NewCoordinator(store, exec, nil, testLogger())
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	c.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	return c, &delays
}

func TestRetryDelayIsLinear(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt, want := range []time.Duration{100, 200, 300, 400} {
		if got := RetryDelay(base, attempt); got != want*time.Millisecond {
			t.Errorf("RetryDelay(%d) = %v, want %v", attempt, got, want*time.Millisecond)
		}
	}
}

func TestRunWithRetryExhaustsAttempts(t *testing.T) {
	task := shellTestTask(1, "false")
	task.RetryCount = 2
	task.RetryDelayMS = 50
	store := newMemStore(task)
	exec := &scriptedExecutor{results: []ExecutionResult{{Status: LogStatusFailure, ExitCode: ptrInt(1)}}}
	c, delays := newTestCoordinator(store, exec)

	res, err := c.RunWithRetry(context.Background(), task)
	if err != nil {
		t.Fatalf("RunWithRetry: %v", err)
	}
	if res.Status != LogStatusFailure || res.Attempt != 2 {
		t.Fatalf("terminal result = %+v", res)
	}
	logs := store.snapshot()
	if len(logs) != 3 {
		t.Fatalf("expected 3 log rows, got %d", len(logs))
	}
	for i, l := range logs {
		if l.Attempt != i || l.Status != LogStatusFailure || l.EndTime == nil {
			t.Fatalf("log %d = %+v", i, l)
		}
	}
	if res.LogID != logs[2].ID {
		t.Fatalf("result log id = %d, want %d", res.LogID, logs[2].ID)
	}
	want := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}
	if len(*delays) != len(want) || (*delays)[0] != want[0] || (*delays)[1] != want[1] {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
}

func TestRunWithRetryStopsOnSuccess(t *testing.T) {
	task := shellTestTask(1, "flaky")
	task.RetryCount = 5
	store := newMemStore(task)
	exec := &scriptedExecutor{results: []ExecutionResult{
		{Status: LogStatusFailure},
		{Status: LogStatusSuccess, ExitCode: ptrInt(0)},
	}}
	c, _ := newTestCoordinator(store, exec)

	res, err := c.RunWithRetry(context.Background(), task)
	if err != nil {
		t.Fatalf("RunWithRetry: %v", err)
	}
	if res.Status != LogStatusSuccess || res.Attempt != 1 {
		t.Fatalf("terminal result = %+v", res)
	}
	if n := len(store.snapshot()); n != 2 {
		t.Fatalf("expected 2 log rows, got %d", n)
	}
}

func TestRunWithRetryDoesNotRetryTimeout(t *testing.T) {
	task := shellTestTask(1, "slow")
	task.RetryCount = 3
	store := newMemStore(task)
	exec := &scriptedExecutor{results: []ExecutionResult{{Status: LogStatusTimeout}}}
	c, delays := newTestCoordinator(store, exec)

	res, err := c.RunWithRetry(context.Background(), task)
	if err != nil {
		t.Fatalf("RunWithRetry: %v", err)
	}
	if res.Status != LogStatusTimeout || exec.callCount() != 1 || len(*delays) != 0 {
		t.Fatalf("timeout was retried: result=%+v calls=%d", res, exec.callCount())
	}
}

type panickingExecutor struct{}

func (panickingExecutor) Execute(context.Context, *Task, int) ExecutionResult {
	panic("boom")
}

func TestRunWithRetryRecordsPanic(t *testing.T) {
	task := shellTestTask(1, "x")
	store := newMemStore(task)
	c, _ := newTestCoordinator(store, panickingExecutor{})

	res, err := c.RunWithRetry(context.Background(), task)
	if err != nil {
		t.Fatalf("RunWithRetry: %v", err)
	}
	if res.Status != LogStatusFailure || res.ErrorMessage == nil || *res.ErrorMessage != "boom" {
		t.Fatalf("result = %+v", res)
	}
	logs := store.snapshot()
	if len(logs) != 1 || logs[0].ErrorStack == nil || !strings.Contains(*logs[0].ErrorStack, "goroutine") {
		t.Fatalf("panic stack not stored: %+v", logs)
	}
}

func TestRunWithRetryCancelledDuringBackoff(t *testing.T) {
	task := shellTestTask(1, "false")
	task.RetryCount = 3
	task.RetryDelayMS = 10
	store := newMemStore(task)
	exec := &scriptedExecutor{results: []ExecutionResult{{Status: LogStatusFailure}}}
	c := NewCoordinator(store, exec, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.RunWithRetry(ctx, task)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if res.Status != LogStatusFailure {
		t.Fatalf("result = %+v", res)
	}
	logs := store.snapshot()
	if len(logs) != 1 || logs[0].Status != LogStatusFailure {
		t.Fatalf("expected first attempt closed, got %+v", logs)
	}
}

func TestRunWithRetryPublishesFinished(t *testing.T) {
	task := shellTestTask(11, "true")
	task.Name = "nightly"
	store := newMemStore(task)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	relay := NewRelay(bus, testLogger(), 0)
	exec := &scriptedExecutor{results: []ExecutionResult{{Status: LogStatusSuccess}}}
	c := NewCoordinator(store, exec, relay, testLogger())

	if _, err := c.RunWithRetry(context.Background(), task); err != nil {
		t.Fatalf("RunWithRetry: %v", err)
	}
	select {
	case e := <-events:
		ev, ok := e.Data.(TaskFinishedEvent)
		if e.Type != EventTaskFinished || !ok || ev.TaskID != 11 || ev.TaskName != "nightly" {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no task.finished event")
	}
}
