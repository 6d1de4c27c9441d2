package core

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"cronie/internal/eventbus"
)

// Event types published on the bus.
const (
	EventSessionStart = "terminal.session-start"
	EventStdout       = "terminal.stdout"
	EventStderr       = "terminal.stderr"
	EventSessionExit  = "terminal.exit"
	EventTaskFinished = "task.finished"
)

// SessionStartEvent announces a new shell session.
type SessionStartEvent struct {
	SessionID string `json:"session_id"`
	TaskID    int64  `json:"task_id"`
	TaskName  string `json:"task_name"`
	Command   string `json:"command"`
}

// OutputEvent carries one chunk of stdout or stderr as read from the pipe.
type OutputEvent struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// SessionExitEvent is published exactly once per session.
type SessionExitEvent struct {
	SessionID string    `json:"session_id"`
	ExitCode  *int      `json:"code"`
	Status    LogStatus `json:"status"`
}

// TaskFinishedEvent carries the terminal result of a run (after retries).
type TaskFinishedEvent struct {
	TaskID   int64           `json:"task_id"`
	TaskName string          `json:"task_name"`
	Result   ExecutionResult `json:"result"`
}

// SessionInfo describes a live shell session.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	TaskID    int64     `json:"task_id"`
	TaskName  string    `json:"task_name"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
}

// Relay tracks live shell sessions and streams their output to the bus.
type Relay struct {
	bus    eventbus.Bus
	logger *slog.Logger
	grace  time.Duration

	mu       sync.Mutex
	sessions map[string]*liveSession
}

type liveSession struct {
	info   SessionInfo
	handle *processHandle
}

// NewRelay creates a relay publishing to bus. A nil bus disables publishing.
func NewRelay(bus eventbus.Bus, logger *slog.Logger, killGrace time.Duration) *Relay {
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}
	return &Relay{
		bus:      bus,
		logger:   logger,
		grace:    killGrace,
		sessions: make(map[string]*liveSession),
	}
}

// NewSessionID mints a session identifier of the form task-<id>-<unix ms>.
func (r *Relay) NewSessionID(taskID int64, now time.Time) string {
	base := fmt.Sprintf("task-%d-%d", taskID, now.UnixMilli())
	r.mu.Lock()
	defer r.mu.Unlock()
	id := base
	for n := 2; ; n++ {
		if _, taken := r.sessions[id]; !taken {
			break
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
	// Reserve the id until the process is attached or the session ends.
	r.sessions[id] = &liveSession{info: SessionInfo{SessionID: id, TaskID: taskID, StartedAt: now}}
	return id
}

// KillSession terminates the process behind a session: SIGTERM first, SIGKILL
// after the grace period. It returns false when the session is unknown.
// Completion is observed through the exit event, not by this call.
func (r *Relay) KillSession(sessionID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok || s.handle == nil {
		return false
	}
	r.logger.Info("killing session", "session_id", sessionID, "task_id", s.info.TaskID)
	s.handle.Terminate()
	return true
}

// Sessions lists live sessions ordered by start time.
func (r *Relay) Sessions() []SessionInfo {
	r.mu.Lock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.handle != nil {
			out = append(out, s.info)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (r *Relay) sessionStarted(info SessionInfo) {
	r.mu.Lock()
	if s, ok := r.sessions[info.SessionID]; ok {
		info.StartedAt = s.info.StartedAt
		s.info = info
	}
	r.mu.Unlock()
	r.publishLifecycle(EventSessionStart, SessionStartEvent{
		SessionID: info.SessionID,
		TaskID:    info.TaskID,
		TaskName:  info.TaskName,
		Command:   info.Command,
	})
}

func (r *Relay) attach(sessionID string, handle *processHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.handle = handle
	}
}

func (r *Relay) output(sessionID, eventType string, data []byte) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: eventType, Data: OutputEvent{SessionID: sessionID, Data: string(data)}})
}

func (r *Relay) sessionExited(sessionID string, exitCode *int, status LogStatus) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	r.publishLifecycle(EventSessionExit, SessionExitEvent{SessionID: sessionID, ExitCode: exitCode, Status: status})
}

func (r *Relay) taskFinished(task *Task, res ExecutionResult) {
	r.publishLifecycle(EventTaskFinished, TaskFinishedEvent{TaskID: task.ID, TaskName: task.Name, Result: res})
}

// publishLifecycle publishes an event no subscriber may miss.
func (r *Relay) publishLifecycle(eventType string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.PublishReliable(eventbus.Event{Type: eventType, Data: data})
}

// processHandle is a two-phase cancellation token for a child process.
type processHandle struct {
	proc  *os.Process
	grace time.Duration

	mu         sync.Mutex
	terminated bool
	expired    bool
	done       chan struct{}
}

func newProcessHandle(proc *os.Process, grace time.Duration) *processHandle {
	return &processHandle{proc: proc, grace: grace, done: make(chan struct{})}
}

// Terminate sends the graceful signal and arms forced termination after the
// grace period. It returns true only for the call that initiated termination
// of a still-running process.
func (h *processHandle) Terminate() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminateLocked()
}

// Expire terminates the process because its deadline passed. The expired
// mark is set before the signal is sent, so a caller that observes the exit
// also observes the mark.
func (h *processHandle) Expire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.canTerminateLocked() {
		return false
	}
	h.expired = true
	return h.terminateLocked()
}

// Expired reports whether Expire initiated termination.
func (h *processHandle) Expired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expired
}

func (h *processHandle) canTerminateLocked() bool {
	return !h.terminated && !h.exitedLocked() && processAlive(h.proc)
}

func (h *processHandle) terminateLocked() bool {
	if !h.canTerminateLocked() {
		return false
	}
	h.terminated = true
	_ = sendTermination(h.proc)
	go func() {
		timer := time.NewTimer(h.grace)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-timer.C:
			_ = sendKill(h.proc)
		}
	}()
	return true
}

func (h *processHandle) exited() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.exitedLocked() {
		close(h.done)
	}
}

func (h *processHandle) exitedLocked() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
