package maintenance

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidSchedule = errors.New("invalid maintenance schedule")
	ErrInvalidDuration = errors.New("invalid maintenance duration")
	ErrInvalidTimezone = errors.New("invalid maintenance timezone")
)

// Window is a recurring time range during which an otherwise gated
// update may actually be applied: a cron schedule marking window starts,
// a duration, and an IANA timezone the schedule is evaluated in.
type Window struct {
	Schedule string
	Duration string
	Timezone string
}

// Validate checks all three parts parse. An entirely empty window is
// valid and means "no gating".
func (w Window) Validate() error {
	if w.IsZero() {
		return nil
	}
	if _, err := cron.ParseStandard(w.Schedule); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, w.Schedule, err)
	}
	if _, err := time.ParseDuration(w.Duration); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDuration, w.Duration)
	}
	if w.Timezone != "" {
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidTimezone, w.Timezone)
		}
	}
	return nil
}

// IsZero reports whether no window is configured.
func (w Window) IsZero() bool {
	return w.Schedule == ""
}

// ActiveAt reports whether now falls inside a window occurrence.
func (w Window) ActiveAt(now time.Time) (bool, error) {
	if w.IsZero() {
		return true, nil
	}

	sched, err := cron.ParseStandard(w.Schedule)
	if err != nil {
		return false, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, w.Schedule, err)
	}
	dur, err := time.ParseDuration(w.Duration)
	if err != nil {
		return false, fmt.Errorf("%w: %q", ErrInvalidDuration, w.Duration)
	}
	loc := time.UTC
	if w.Timezone != "" {
		loc, err = time.LoadLocation(w.Timezone)
		if err != nil {
			return false, fmt.Errorf("%w: %q", ErrInvalidTimezone, w.Timezone)
		}
	}

	// A window started within the last `dur` is still open exactly when
	// the next activation after (now - dur) is not in the future.
	local := now.In(loc)
	start := sched.Next(local.Add(-dur))
	return !start.After(local), nil
}
