package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cronie/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func shellTask(name, command string) *core.Task {
	return &core.Task{
		Name:      name,
		Cron:      "*/5 * * * *",
		Kind:      core.TaskKindShell,
		RawConfig: json.RawMessage(`{"command":` + mustJSON(command) + `}`),
		Enabled:   true,
		Tags:      []string{"ops", " nightly "},
		TimeoutMS: 30000,
	}
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func insertTask(t *testing.T, s *Store, task *core.Task) int64 {
	t.Helper()
	id, err := s.InsertTask(context.Background(), task)
	if err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	return id
}

func TestOpenRunsMigrationsOnce(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	s, err = Open(ctx, dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 applied migrations, got %d", n)
	}
}

func TestInsertAndGetTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := insertTask(t, s, shellTask("backup", "echo hi"))
	got, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Name != "backup" || got.Kind != core.TaskKindShell || !got.Enabled {
		t.Fatalf("unexpected task: %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[1] != "nightly" {
		t.Fatalf("tags = %v", got.Tags)
	}
	cfg, err := got.DecodeConfig()
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if cfg.(core.ShellConfig).Command != "echo hi" {
		t.Fatalf("config = %+v", cfg)
	}

	if _, err := s.GetTask(ctx, id+100); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestInsertTaskRejectsInvalidConfig(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	bad := shellTask("bad", "echo")
	bad.RawConfig = json.RawMessage(`{"url":"http://example.com"}`)
	if _, err := s.InsertTask(ctx, bad); !errors.Is(err, core.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	unknown := shellTask("unknown", "echo")
	unknown.Kind = "python"
	if _, err := s.InsertTask(ctx, unknown); !errors.Is(err, core.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}

	tasks, err := s.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %d", len(tasks))
	}
}

func TestInsertTaskKeepsInvalidCron(t *testing.T) {
	s := openTestStore(t)
	task := shellTask("later", "true")
	task.Cron = "not a cron"
	id := insertTask(t, s, task)
	got, err := s.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Cron != "not a cron" {
		t.Fatalf("cron = %q", got.Cron)
	}
}

func TestUpdateTaskPatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := insertTask(t, s, shellTask("job", "echo one"))

	name := "renamed"
	enabled := false
	cfg := json.RawMessage(`{"command":"echo two","envVars":{"A":"1"}}`)
	got, err := s.UpdateTask(ctx, id, TaskPatch{Name: &name, Enabled: &enabled, Config: &cfg})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if got.Name != "renamed" || got.Enabled {
		t.Fatalf("patch not applied: %+v", got)
	}
	if got.Cron != "*/5 * * * *" {
		t.Fatalf("untouched field changed: %q", got.Cron)
	}

	stored, _ := s.GetTask(ctx, id)
	if string(stored.RawConfig) != string(cfg) {
		t.Fatalf("stored config = %s", stored.RawConfig)
	}

	kind := core.TaskKindHTTP
	if _, err := s.UpdateTask(ctx, id, TaskPatch{Kind: &kind}); !errors.Is(err, core.ErrInvalidConfig) {
		t.Fatalf("expected kind/config mismatch to fail, got %v", err)
	}
	if _, err := s.UpdateTask(ctx, id+1, TaskPatch{Name: &name}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestToggleAndReorderTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := insertTask(t, s, shellTask("a", "true"))
	b := insertTask(t, s, shellTask("b", "true"))
	c := insertTask(t, s, shellTask("c", "true"))

	toggled, err := s.ToggleTask(ctx, b)
	if err != nil {
		t.Fatalf("ToggleTask: %v", err)
	}
	if toggled.Enabled {
		t.Fatal("expected task disabled after toggle")
	}
	enabled, err := s.ListEnabledTasks(ctx)
	if err != nil {
		t.Fatalf("ListEnabledTasks: %v", err)
	}
	if len(enabled) != 2 {
		t.Fatalf("expected 2 enabled tasks, got %d", len(enabled))
	}

	if err := s.ReorderTasks(ctx, []int64{b, c, a}); err != nil {
		t.Fatalf("ReorderTasks: %v", err)
	}
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	want := []int64{b, c, a}
	for i, task := range tasks {
		if task.ID != want[i] {
			t.Fatalf("order[%d] = %d, want %d", i, task.ID, want[i])
		}
	}

	if _, err := s.ToggleTask(ctx, 999); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if err := s.ReorderTasks(ctx, []int64{a, 999}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestDeleteTaskCascadesLogs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := insertTask(t, s, shellTask("doomed", "true"))
	if _, err := s.BeginAttempt(ctx, id, 0, time.Now()); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}

	if err := s.DeleteTask(ctx, id); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	n, err := s.CountLogs(ctx, core.LogFilter{})
	if err != nil {
		t.Fatalf("CountLogs: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected logs to cascade, %d left", n)
	}
	if err := s.DeleteTask(ctx, id); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestSettingsLastWriteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "theme"); !errors.Is(err, ErrSettingNotFound) {
		t.Fatalf("expected ErrSettingNotFound, got %v", err)
	}
	if err := s.SetSetting(ctx, "theme", "dark"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting(ctx, "theme", "light"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	got, err := s.GetSetting(ctx, "theme")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got != "light" {
		t.Fatalf("theme = %q, want light", got)
	}
	all, err := s.ListSettings(ctx)
	if err != nil {
		t.Fatalf("ListSettings: %v", err)
	}
	if len(all) != 1 || all["theme"] != "light" {
		t.Fatalf("settings = %v", all)
	}
}
