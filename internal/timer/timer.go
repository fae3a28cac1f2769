// Package timer suspends a run for a duration that survives restarts. The
// wake time is recorded once; every later resume waits only for what is left.
package timer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/broker-notify/internal/eventlog"
)

// Clock is the time source of the timer.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

type wakeRecord struct {
	WakeTime time.Time `json:"wake_time"`
}

// Timer is a durable sleep backed by the event log.
type Timer struct {
	clock  Clock
	logger *zap.Logger
}

func New(clock Clock, logger *zap.Logger) *Timer {
	if clock == nil {
		clock = SystemClock
	}
	return &Timer{clock: clock, logger: logger}
}

// Suspend blocks until the wake time recorded for stepID. The first call
// records now+d; later calls (after a restart) reuse the recorded value, so
// the total delay is measured from the original schedule. Cancellation of
// ctx returns early without changing the record.
func (t *Timer) Suspend(ctx context.Context, log *eventlog.Log, stepID string, d time.Duration) error {
	var rec wakeRecord
	ok, err := log.Get(ctx, stepID, &rec)
	if err != nil {
		return fmt.Errorf("read timer %s: %w", stepID, err)
	}
	if !ok {
		rec.WakeTime = t.clock.Now().UTC().Add(d)
		if err := log.Put(ctx, stepID, rec); err != nil {
			return fmt.Errorf("record timer %s: %w", stepID, err)
		}
	}

	remaining := rec.WakeTime.Sub(t.clock.Now())
	if remaining <= 0 {
		t.logger.Debug("timer already elapsed", zap.String("step", stepID))
		return nil
	}

	t.logger.Info("suspending run",
		zap.String("run_id", log.RunID()),
		zap.String("step", stepID),
		zap.Time("wake_time", rec.WakeTime),
		zap.Duration("remaining", remaining),
	)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.clock.After(remaining):
		return nil
	}
}

// WakeTime returns the wake time recorded for stepID, if any.
func WakeTime(ctx context.Context, log *eventlog.Log, stepID string) (time.Time, bool, error) {
	var rec wakeRecord
	ok, err := log.Get(ctx, stepID, &rec)
	return rec.WakeTime, ok, err
}
