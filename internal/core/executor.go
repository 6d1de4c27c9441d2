package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// DefaultKillGrace is the delay between SIGTERM and SIGKILL.
	DefaultKillGrace = 5 * time.Second
	// DefaultOutputLimit caps captured stdout and stderr, per stream, in bytes.
	DefaultOutputLimit = 1 << 20
	// DefaultHTTPBodyLimit caps the captured HTTP response body, in characters.
	DefaultHTTPBodyLimit = 10000

	truncatedMarker = "\n[output truncated]"
)

// Executor runs a single attempt of a task.
type Executor interface {
	Execute(ctx context.Context, task *Task, attempt int) ExecutionResult
}

// EngineOptions tunes the execution engine. Zero values select defaults.
type EngineOptions struct {
	KillGrace     time.Duration
	OutputLimit   int
	HTTPBodyLimit int
	HTTPClient    *http.Client
	// Shell is the argv prefix the command string is appended to.
	Shell []string
}

// Engine executes shell and HTTP tasks.
type Engine struct {
	relay  *Relay
	logger *slog.Logger
	opts   EngineOptions
	client *http.Client
}

// NewEngine creates an engine reporting live shell output through relay.
func NewEngine(relay *Relay, logger *slog.Logger, opts EngineOptions) *Engine {
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = DefaultOutputLimit
	}
	if opts.HTTPBodyLimit <= 0 {
		opts.HTTPBodyLimit = DefaultHTTPBodyLimit
	}
	if len(opts.Shell) == 0 {
		opts.Shell = defaultShell()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			// Health checks report the status they got; redirects are not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if relay == nil {
		relay = NewRelay(nil, logger, opts.KillGrace)
	}
	return &Engine{
		relay:  relay,
		logger: logger,
		opts:   opts,
		client: client,
	}
}

// Execute runs one attempt and returns its result. It never returns an error:
// every failure is folded into the result. DurationMS is wall-clock time from
// invocation to resolution.
func (e *Engine) Execute(ctx context.Context, task *Task, attempt int) ExecutionResult {
	started := time.Now()
	var res ExecutionResult

	cfg, err := task.DecodeConfig()
	if err != nil {
		res = failureResult(err.Error())
	} else {
		switch c := cfg.(type) {
		case ShellConfig:
			res = e.runShell(ctx, task, c)
		case HTTPConfig:
			res = e.runHTTP(ctx, task, c)
		default:
			res = failureResult(fmt.Sprintf("%v: %s", ErrUnknownKind, task.Kind))
		}
	}

	res.Attempt = attempt
	res.DurationMS = time.Since(started).Milliseconds()
	return res
}

func (e *Engine) runShell(ctx context.Context, task *Task, c ShellConfig) (res ExecutionResult) {
	sessionID := e.relay.NewSessionID(task.ID, time.Now())
	res.SessionID = sessionID

	exitSent := false
	defer func() {
		// Consumers must always see the session end, even if we panic.
		if !exitSent {
			e.relay.sessionExited(sessionID, nil, LogStatusFailure)
		}
	}()

	cmd := e.command(c.Command)
	cmd.Dir = c.WorkingDirectory
	cmd.Env = mergeEnv(os.Environ(), c.EnvVars)
	configureProcess(cmd)
	cmd.WaitDelay = e.opts.KillGrace

	stdout := newCaptureWriter(e.relay, sessionID, EventStdout, e.opts.OutputLimit)
	stderr := newCaptureWriter(e.relay, sessionID, EventStderr, e.opts.OutputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.relay.sessionStarted(SessionInfo{
		SessionID: sessionID,
		TaskID:    task.ID,
		TaskName:  task.Name,
		Command:   c.Command,
	})

	if err := cmd.Start(); err != nil {
		res.Status = LogStatusFailure
		res.ErrorMessage = ptrString(fmt.Sprintf("failed to start command: %v", err))
		exitSent = true
		e.relay.sessionExited(sessionID, nil, res.Status)
		return res
	}

	handle := newProcessHandle(cmd.Process, e.opts.KillGrace)
	e.relay.attach(sessionID, handle)

	var watchdog *time.Timer
	if timeout := task.Timeout(); timeout > 0 {
		watchdog = time.AfterFunc(timeout, func() {
			if handle.Expire() {
				e.logger.Warn("task exceeded timeout, sending termination",
					"task_id", task.ID, "session_id", sessionID, "timeout", timeout)
			}
		})
	}
	stopCancel := context.AfterFunc(ctx, func() {
		handle.Terminate()
	})

	waitErr := cmd.Wait()
	handle.exited()
	stopCancel()
	if watchdog != nil {
		watchdog.Stop()
	}

	code := exitCodeOf(cmd.ProcessState)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if code >= 0 {
		res.ExitCode = ptrInt(code)
	}

	switch {
	case handle.Expired():
		res.Status = LogStatusTimeout
		res.ErrorMessage = ptrString("Task timed out")
	case code != 0:
		res.Status = LogStatusFailure
		res.ErrorMessage = ptrString(fmt.Sprintf("Process exited with code %d", code))
	case waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay):
		res.Status = LogStatusFailure
		res.ErrorMessage = ptrString(waitErr.Error())
	default:
		res.Status = LogStatusSuccess
	}

	exitSent = true
	e.relay.sessionExited(sessionID, res.ExitCode, res.Status)
	return res
}

func (e *Engine) runHTTP(ctx context.Context, task *Task, c HTTPConfig) ExecutionResult {
	reqCtx := ctx
	cancel := func() {}
	if timeout := task.Timeout(); timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	var body io.Reader
	if c.Body != "" {
		body = strings.NewReader(c.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, c.RequestMethod(), c.URL, body)
	if err != nil {
		return failureResult(fmt.Sprintf("build request: %v", err))
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if isTimeout(reqCtx, err) {
			return ExecutionResult{Status: LogStatusTimeout, ErrorMessage: ptrString("HTTP request timed out")}
		}
		return failureResult(err.Error())
	}
	defer resp.Body.Close()

	text, err := readCapped(resp.Body, e.opts.HTTPBodyLimit)
	if err != nil {
		if isTimeout(reqCtx, err) {
			return ExecutionResult{Status: LogStatusTimeout, ErrorMessage: ptrString("HTTP request timed out")}
		}
		return failureResult(fmt.Sprintf("read response: %v", err))
	}

	status := resp.StatusCode
	res := ExecutionResult{HTTPStatus: ptrInt(status), HTTPBody: ptrString(text)}
	if c.Accepts(status) {
		res.Status = LogStatusSuccess
		return res
	}
	expected := "2xx/3xx"
	if c.ExpectedStatus != 0 {
		expected = fmt.Sprintf("%d", c.ExpectedStatus)
	}
	res.Status = LogStatusFailure
	res.ErrorMessage = ptrString(fmt.Sprintf("HTTP %d (expected %s)", status, expected))
	return res
}

func (e *Engine) command(command string) *exec.Cmd {
	args := append(append([]string(nil), e.opts.Shell[1:]...), command)
	return exec.Command(e.opts.Shell[0], args...) // #nosec G204
}

func defaultShell() []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/C"}
	}
	// Line-buffer the child's stdio so output streams as it is produced.
	if stdbuf, err := exec.LookPath("stdbuf"); err == nil {
		return []string{stdbuf, "-oL", "-eL", "/bin/sh", "-c"}
	}
	return []string{"/bin/sh", "-c"}
}

// mergeEnv overlays task variables on the base environment.
func mergeEnv(base []string, overrides map[string]string) []string {
	vars := make(map[string]string, len(base)+len(overrides)+1)
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		vars[k] = v
	}
	for k, v := range overrides {
		vars[k] = v
	}
	if _, ok := overrides["PYTHONUNBUFFERED"]; !ok {
		vars["PYTHONUNBUFFERED"] = "1"
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

func failureResult(msg string) ExecutionResult {
	return ExecutionResult{Status: LogStatusFailure, ErrorMessage: ptrString(msg)}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// readCapped reads at most limit characters of r.
func readCapped(r io.Reader, limit int) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, int64(limit)*utf8.UTFMax))
	if err != nil {
		return "", err
	}
	return truncateRunes(string(data), limit), nil
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

// captureWriter buffers a bounded copy of a stream and relays every chunk.
type captureWriter struct {
	relay     *Relay
	sessionID string
	eventType string
	limit     int

	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
}

func newCaptureWriter(relay *Relay, sessionID, eventType string, limit int) *captureWriter {
	return &captureWriter{relay: relay, sessionID: sessionID, eventType: eventType, limit: limit}
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.relay.output(w.sessionID, w.eventType, p)

	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
			w.truncated = true
		} else {
			w.buf.Write(p)
		}
	} else if len(p) > 0 {
		w.truncated = true
	}
	return len(p), nil
}

func (w *captureWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := strings.ToValidUTF8(w.buf.String(), "")
	if w.truncated {
		s += truncatedMarker
	}
	return s
}
