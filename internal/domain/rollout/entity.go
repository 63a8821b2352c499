package rollout

import (
	"errors"
	"time"

	"github.com/fleetrail/fleetrail/internal/domain/action"
)

// Status is the rollout lifecycle state.
type Status string

const (
	StatusCreating        Status = "creating"
	StatusReady           Status = "ready"
	StatusApprovalPending Status = "approval_pending"
	StatusApproved        Status = "approved"
	StatusDenied          Status = "denied"
	StatusStarting        Status = "starting"
	StatusRunning         Status = "running"
	StatusPaused          Status = "paused"
	StatusFinished        Status = "finished"
	StatusDeleting        Status = "deleting"
	StatusDeleted         Status = "deleted"
)

// GroupStatus is the lifecycle state of one rollout group.
type GroupStatus string

const (
	GroupScheduled GroupStatus = "scheduled"
	GroupRunning   GroupStatus = "running"
	GroupFinished  GroupStatus = "finished"
	GroupError     GroupStatus = "error"
)

var (
	ErrNotFound          = errors.New("rollout not found")
	ErrGroupNotFound     = errors.New("rollout group not found")
	ErrInvalidTransition = errors.New("invalid rollout status transition")
	ErrNoGroups          = errors.New("rollout needs at least one group")
	ErrInvalidGroupSpec  = errors.New("invalid rollout group specification")
)

var validTransitions = map[Status][]Status{
	StatusCreating:        {StatusReady, StatusDeleting},
	StatusReady:           {StatusApprovalPending, StatusStarting, StatusFinished, StatusDeleting},
	StatusApprovalPending: {StatusApproved, StatusDenied, StatusDeleting},
	StatusApproved:        {StatusStarting, StatusDeleting},
	StatusDenied:          {StatusDeleting},
	StatusStarting:        {StatusRunning, StatusFinished, StatusDeleting},
	StatusRunning:         {StatusPaused, StatusFinished, StatusDeleting},
	StatusPaused:          {StatusRunning, StatusDeleting},
	StatusDeleting:        {StatusDeleted},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the rollout is done for good.
func IsTerminal(s Status) bool {
	return s == StatusFinished || s == StatusDeleted || s == StatusDenied
}

// ConditionType selects how a group threshold is interpreted.
type ConditionType string

const (
	// ConditionPercent compares against percent of the group's total.
	ConditionPercent ConditionType = "percent"
	// ConditionCount compares against an absolute action count.
	ConditionCount ConditionType = "count"
)

// Condition is a group success or error threshold.
type Condition struct {
	Type  ConditionType `json:"type"`
	Value int64         `json:"value"`
}

// Met evaluates the condition against a tally out of total.
//
// Success semantics: met once count/total reaches the percentage (or the
// absolute count). Error semantics with a zero percent threshold mean any
// single error trips the condition, which is why a zero count never
// satisfies either form.
func (c Condition) Met(count, total int64) bool {
	if count <= 0 {
		return false
	}
	switch c.Type {
	case ConditionCount:
		return count >= c.Value
	default:
		if total <= 0 {
			return false
		}
		return count*100 >= c.Value*total
	}
}

// Valid reports whether the condition is well-formed.
func (c Condition) Valid() bool {
	switch c.Type {
	case ConditionPercent:
		return c.Value >= 0 && c.Value <= 100
	case ConditionCount:
		return c.Value >= 1
	}
	return false
}

// Rollout is a staged campaign assigning one distribution set to a
// filtered target population, group by group.
type Rollout struct {
	ID                int64  `json:"id,string"`
	Tenant            string `json:"tenant"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	DistributionSetID int64  `json:"distribution_set_id,string"`

	// TargetFilter is the opaque filter expression selecting the
	// population. Compiled through filter.Compiler, never parsed here.
	TargetFilter string `json:"target_filter"`

	Status     Status      `json:"status"`
	ActionType action.Type `json:"action_type"`
	Weight     *int        `json:"weight,omitempty"`
	ForcedTime *time.Time  `json:"forced_time,omitempty"`

	// TotalTargets is the population size snapshotted at creation.
	TotalTargets int64 `json:"total_targets"`
	GroupCount   int   `json:"group_count"`

	RequiresApproval bool   `json:"requires_approval"`
	ApprovalRemark   string `json:"approval_remark,omitempty"`
	ApprovedBy       string `json:"approved_by,omitempty"`

	InitiatedBy string     `json:"initiated_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// StartableFrom lists the states an administrative start accepts.
func (r *Rollout) Startable() bool {
	return r.Status == StatusReady && !r.RequiresApproval || r.Status == StatusApproved
}

// Group is an ordered subset of a rollout's targets with its own
// thresholds. Success action is always "start next group"; error action
// is always "pause the rollout".
type Group struct {
	ID        int64  `json:"id,string"`
	RolloutID int64  `json:"rollout_id,string"`
	Tenant    string `json:"tenant"`
	Name      string `json:"name"`
	Ordinal   int    `json:"ordinal"`

	// TargetFilter further restricts the rollout filter for this group.
	// Empty means percentage-based selection from the remaining pool.
	TargetFilter     string  `json:"target_filter,omitempty"`
	TargetPercentage float64 `json:"target_percentage"`

	SuccessCondition Condition `json:"success_condition"`
	ErrorCondition   Condition `json:"error_condition"`

	Status       GroupStatus `json:"status"`
	TotalTargets int64       `json:"total_targets"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Quota computes how many targets out of the rollout population this
// group should receive when percentage based. Rounds half up; callers
// give the final group the whole remainder.
func (g *Group) Quota(populationTotal int64) int64 {
	if g.TargetPercentage <= 0 {
		return 0
	}
	return int64(g.TargetPercentage*float64(populationTotal)/100.0 + 0.5)
}
