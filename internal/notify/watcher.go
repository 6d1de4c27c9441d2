package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cronie/internal/core"
	"cronie/internal/eventbus"

	"golang.org/x/time/rate"
)

const (
	watcherBuffer = 64
	sendTimeout   = 10 * time.Second
	maxBodyRunes  = 500
)

// Watcher turns failed task runs into notifications.
type Watcher struct {
	bus      eventbus.Bus
	notifier Notifier
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewWatcher builds a watcher allowing at most perMinute notifications per
// minute, with bursts of the same size. perMinute <= 0 disables the limit.
func NewWatcher(bus eventbus.Bus, notifier Notifier, perMinute int, logger *slog.Logger) *Watcher {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return &Watcher{bus: bus, notifier: notifier, limiter: limiter, logger: logger}
}

// Run consumes events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	events, unsubscribe := w.bus.Subscribe(watcherBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Type != core.EventTaskFinished {
				continue
			}
			finished, ok := e.Data.(core.TaskFinishedEvent)
			if !ok {
				continue
			}
			w.handle(ctx, finished)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, e core.TaskFinishedEvent) {
	status := e.Result.Status
	if status != core.LogStatusFailure && status != core.LogStatusTimeout {
		return
	}
	if !w.limiter.Allow() {
		w.logger.Warn("notification suppressed by rate limit", "task_id", e.TaskID)
		return
	}

	title := fmt.Sprintf("%s failed", e.TaskName)
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := w.notifier.Send(sendCtx, title, failureBody(e)); err != nil {
		w.logger.Error("send notification", "task_id", e.TaskID, "err", err)
		return
	}
	w.logger.Debug("notification sent", "task_id", e.TaskID, "status", status)
}

func failureBody(e core.TaskFinishedEvent) string {
	res := e.Result
	parts := []string{fmt.Sprintf("status: %s, attempt %d", res.Status, res.Attempt+1)}
	if res.ExitCode != nil {
		parts = append(parts, fmt.Sprintf("exit code: %d", *res.ExitCode))
	}
	if res.HTTPStatus != nil {
		parts = append(parts, fmt.Sprintf("http status: %d", *res.HTTPStatus))
	}
	if res.ErrorMessage != nil {
		parts = append(parts, *res.ErrorMessage)
	}
	if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
		parts = append(parts, stderr)
	}
	body := strings.Join(parts, "\n")
	if r := []rune(body); len(r) > maxBodyRunes {
		body = string(r[:maxBodyRunes]) + "..."
	}
	return body
}
