package action

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an action. Terminal states are never
// left; the denormalized Action.Status always mirrors the latest appended
// ActionStatus entry.
type Status string

const (
	// StatusWaitForConfirmation is an optional pre-running state used
	// when the originating filter requires explicit confirmation.
	StatusWaitForConfirmation Status = "wait_for_confirmation"
	// StatusPending means the action exists but the device has not
	// picked it up yet.
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	// StatusCanceling means cancellation was requested and the device
	// has not acknowledged it yet.
	StatusCanceling Status = "canceling"

	StatusFinished Status = "finished"
	StatusError    Status = "error"
	StatusCanceled Status = "canceled"
)

// Type controls how aggressively the device applies the update.
type Type string

const (
	TypeForced       Type = "forced"
	TypeSoft         Type = "soft"
	TypeDownloadOnly Type = "downloadonly"
	// TypeTimeForced behaves like soft until ForcedTime passes, then
	// like forced.
	TypeTimeForced Type = "timeforced"
)

var (
	ErrNotFound           = errors.New("action not found")
	ErrInvalidTransition  = errors.New("invalid action status transition")
	ErrAlreadyTerminal    = errors.New("action already in terminal status")
	ErrMissingForcedTime  = errors.New("timeforced action requires a forced time")
	ErrUnknownStatus      = errors.New("unknown action status")
	ErrUnknownActionType  = errors.New("unknown action type")
)

var validTransitions = map[Status][]Status{
	StatusWaitForConfirmation: {StatusRunning, StatusCanceled, StatusCanceling},
	StatusPending:             {StatusRunning, StatusFinished, StatusError, StatusCanceled, StatusCanceling},
	StatusRunning:             {StatusFinished, StatusError, StatusCanceling},
	// The device may still complete or fail while a cancel is in flight.
	StatusCanceling: {StatusCanceled, StatusFinished, StatusError},
}

// IsTerminal reports whether no further transition may leave the status.
func IsTerminal(s Status) bool {
	switch s {
	case StatusFinished, StatusError, StatusCanceled:
		return true
	}
	return false
}

// IsOpen reports whether the status counts against the single-assignment
// invariant (at most one such action per target).
func IsOpen(s Status) bool {
	switch s {
	case StatusWaitForConfirmation, StatusPending, StatusRunning:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal transition.
// Same-state is not a transition.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidType reports whether t is a known action type.
func ValidType(t Type) bool {
	switch t {
	case TypeForced, TypeSoft, TypeDownloadOnly, TypeTimeForced:
		return true
	}
	return false
}

// ParseStatus converts a wire string into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusWaitForConfirmation, StatusPending, StatusRunning,
		StatusCanceling, StatusFinished, StatusError, StatusCanceled:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// ParseType converts a wire string into a Type.
func ParseType(s string) (Type, error) {
	if t := Type(s); ValidType(t) {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownActionType, s)
}

// Action links one target to one distribution set assignment. Actions are
// never deleted; superseded or canceled actions stay for audit.
type Action struct {
	ID                 int64  `json:"id,string"`
	Tenant             string `json:"tenant"`
	TargetID           int64  `json:"target_id,string"`
	DistributionSetID  int64  `json:"distribution_set_id,string"`
	RolloutID          *int64 `json:"rollout_id,string,omitempty"`
	RolloutGroupID     *int64 `json:"rollout_group_id,string,omitempty"`

	Status Status `json:"status"`
	Active bool   `json:"active"`
	Type   Type   `json:"type"`

	ForcedTime *time.Time `json:"forced_time,omitempty"`
	Weight     *int       `json:"weight,omitempty"`

	// Maintenance window gating: cron schedule, window duration and an
	// IANA timezone. All empty when the action is unscheduled.
	MaintenanceSchedule string `json:"maintenance_schedule,omitempty"`
	MaintenanceDuration string `json:"maintenance_duration,omitempty"`
	MaintenanceTimezone string `json:"maintenance_timezone,omitempty"`

	InitiatedBy string    `json:"initiated_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EffectivelyForced reports whether the device should apply the update
// without asking, taking timeforced promotion into account.
func (a *Action) EffectivelyForced(now time.Time) bool {
	switch a.Type {
	case TypeForced:
		return true
	case TypeTimeForced:
		return a.ForcedTime != nil && !now.Before(*a.ForcedTime)
	}
	return false
}

// HasMaintenanceWindow reports whether applying the update is gated by a
// schedule.
func (a *Action) HasMaintenanceWindow() bool {
	return a.MaintenanceSchedule != ""
}

// Entry is one append-only audit record. The action's denormalized
// status is updated in the same transaction as the append.
type Entry struct {
	ID         int64     `json:"id,string"`
	ActionID   int64     `json:"action_id,string"`
	Status     Status    `json:"status"`
	Messages   []string  `json:"messages,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	CreatedAt  time.Time `json:"created_at"`
}
