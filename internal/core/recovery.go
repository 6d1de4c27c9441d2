package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultStaleAfter is how long a running log row may exist before it is
	// presumed orphaned by a crash.
	DefaultStaleAfter = time.Hour
	// InterruptedMessage is written to reconciled log rows.
	InterruptedMessage = "Task was interrupted (app crash or restart)"
)

// RecoverInterrupted marks running log rows started before now-staleAfter as
// failed. It must complete before any timer is created.
func RecoverInterrupted(ctx context.Context, store Store, logger *slog.Logger, staleAfter time.Duration, now time.Time) (int64, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	now = now.UTC()
	n, err := store.RecoverStaleRuns(ctx, now.Add(-staleAfter), now, InterruptedMessage)
	if err != nil {
		return 0, fmt.Errorf("recover stale runs: %w", err)
	}
	if n > 0 {
		logger.Warn("reconciled interrupted runs", "count", n, "stale_after", staleAfter)
	}
	return n, nil
}
