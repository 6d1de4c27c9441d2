package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var (
	// ErrInvalidConfig marks a task configuration that does not match its kind.
	ErrInvalidConfig = errors.New("invalid task config")
	// ErrUnknownKind marks a task kind the engine cannot execute.
	ErrUnknownKind = errors.New("unknown task type")
)

// TaskConfig is the kind-specific part of a task. Implemented by ShellConfig,
// HTTPConfig and PluginConfig.
type TaskConfig interface {
	Kind() TaskKind
	validate() error
}

// ShellConfig configures a shell task.
type ShellConfig struct {
	Command          string            `json:"command"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	EnvVars          map[string]string `json:"envVars,omitempty"`
}

func (ShellConfig) Kind() TaskKind { return TaskKindShell }

func (c ShellConfig) validate() error {
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidConfig)
	}
	for k := range c.EnvVars {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("%w: invalid environment variable name %q", ErrInvalidConfig, k)
		}
	}
	return nil
}

// HTTPConfig configures an HTTP health check.
type HTTPConfig struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	ExpectedStatus int               `json:"expectedStatus,omitempty"`
}

func (HTTPConfig) Kind() TaskKind { return TaskKindHTTP }

func (c HTTPConfig) validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url scheme must be http or https", ErrInvalidConfig)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url host is required", ErrInvalidConfig)
	}
	if c.ExpectedStatus != 0 && (c.ExpectedStatus < 100 || c.ExpectedStatus > 599) {
		return fmt.Errorf("%w: expectedStatus out of range", ErrInvalidConfig)
	}
	return nil
}

// RequestMethod returns the upper-cased method, defaulting to GET.
func (c HTTPConfig) RequestMethod() string {
	m := strings.ToUpper(strings.TrimSpace(c.Method))
	if m == "" {
		return http.MethodGet
	}
	return m
}

// Accepts reports whether a response status counts as success. With an
// expected status set, only that exact status is accepted.
func (c HTTPConfig) Accepts(status int) bool {
	if c.ExpectedStatus != 0 {
		return status == c.ExpectedStatus
	}
	return status >= 200 && status < 400
}

// PluginConfig is reserved; the engine does not execute plugin tasks.
type PluginConfig struct {
	Raw json.RawMessage `json:"-"`
}

func (PluginConfig) Kind() TaskKind { return TaskKindPlugin }

func (PluginConfig) validate() error { return nil }

// DecodeTaskConfig decodes raw JSON into the variant selected by kind and
// validates it. Unknown fields are rejected.
func DecodeTaskConfig(kind TaskKind, raw json.RawMessage) (TaskConfig, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	var cfg TaskConfig
	switch kind {
	case TaskKindShell:
		var c ShellConfig
		if err := strictUnmarshal(raw, &c); err != nil {
			return nil, err
		}
		cfg = c
	case TaskKindHTTP:
		var c HTTPConfig
		if err := strictUnmarshal(raw, &c); err != nil {
			return nil, err
		}
		cfg = c
	case TaskKindPlugin:
		cfg = PluginConfig{Raw: append(json.RawMessage(nil), raw...)}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EncodeTaskConfig renders a typed configuration in its stored form.
func EncodeTaskConfig(cfg TaskConfig) (json.RawMessage, error) {
	if p, ok := cfg.(PluginConfig); ok {
		if len(p.Raw) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p.Raw, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode task config: %w", err)
	}
	return data, nil
}

func strictUnmarshal(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
