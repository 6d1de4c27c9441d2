package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CRONIE_STATE_DIR", t.TempDir())
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != defaultAddr || cfg.Mode != ModeHTTP || cfg.Log.Format != "text" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Engine.KillGrace != 5*time.Second || cfg.Engine.StaleAfter != time.Hour {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
	if cfg.Engine.OutputLimit != 1<<20 || cfg.Engine.HTTPBodyLimit != 10000 {
		t.Fatalf("unexpected limits: %+v", cfg.Engine)
	}
	if cfg.NATS.URL != "" || cfg.NATS.Subject != "cronie" {
		t.Fatalf("unexpected nats defaults: %+v", cfg.NATS)
	}
	if cfg.Location() != time.Local {
		t.Fatal("expected local time zone by default")
	}
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CRONIE_STATE_DIR", dir)
	t.Setenv("CRONIE_ADDR", "127.0.0.1:9000")
	t.Setenv("CRONIE_USE_UTC", "true")
	t.Setenv("CRONIE_KILL_GRACE", "2s")
	t.Setenv("CRONIE_MODE", "both")

	cfg, err := Load([]string{"-addr", "127.0.0.1:9100", "-use-utc=false", "-overlap", "skip"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9100" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.UseUTC {
		t.Fatal("explicit -use-utc=false should win over env")
	}
	if cfg.Engine.KillGrace != 2*time.Second {
		t.Fatalf("kill grace = %v", cfg.Engine.KillGrace)
	}
	if cfg.Mode != ModeBoth || cfg.Engine.Overlap != "skip" || cfg.StateDir != dir {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("CRONIE_STATE_DIR", t.TempDir())
	if _, err := Load([]string{"-mode", "grpc"}); err == nil {
		t.Fatal("expected invalid mode error")
	}
	if _, err := Load([]string{"-log-format", "xml"}); err == nil {
		t.Fatal("expected invalid log format error")
	}
	if _, err := Load([]string{"-no-such-flag"}); err == nil {
		t.Fatal("expected unknown flag error")
	}
}
