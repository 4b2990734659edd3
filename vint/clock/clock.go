// Package clock abstracts single-shot timers so silence detection and
// error recovery can be driven deterministically in tests.
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock schedules callbacks.
type Clock = clockwork.Clock

// Timer is a cancellable single-shot timer.
type Timer = clockwork.Timer

// Manual is a clock that only moves when Advance is called. Callbacks that
// fall due run on their own goroutines.
type Manual interface {
	Clock
	Advance(d time.Duration)
	// BlockUntilContext waits until at least n timers are scheduled.
	BlockUntilContext(ctx context.Context, n int) error
}

// Real returns the wall clock.
func Real() Clock { return clockwork.NewRealClock() }

// NewManual returns a Manual clock reading start.
func NewManual(start time.Time) Manual { return clockwork.NewFakeClockAt(start) }
