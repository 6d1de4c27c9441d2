package core

import (
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	valid := []string{"* * * * *", "*/5 * * * *", "0 9 * * 1-5", " 30 2 1 * * "}
	for _, expr := range valid {
		if _, err := ParseCron(expr); err != nil {
			t.Errorf("ParseCron(%q): %v", expr, err)
		}
	}
	invalid := []string{"", "   ", "@every 1m", "@daily", "* * * *", "0 0 * * * *", "61 * * * *", "not cron"}
	for _, expr := range invalid {
		if _, err := ParseCron(expr); err == nil {
			t.Errorf("ParseCron(%q) succeeded, want error", expr)
		}
	}
}

func TestNextOccurrences(t *testing.T) {
	schedule, err := ParseCron("0 * * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	base := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	got := NextOccurrences(schedule, base, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 occurrences, got %d", len(got))
	}
	for i, want := range []int{11, 12, 13} {
		if got[i].Hour() != want || got[i].Minute() != 0 {
			t.Errorf("occurrence %d = %v, want %02d:00", i, got[i], want)
		}
	}
}
