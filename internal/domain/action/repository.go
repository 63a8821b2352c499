package action

import "context"

// GroupCounts is the per-status tally for one rollout group. Each target
// counts once, by its newest action in the group, so a retry action
// supersedes an earlier errored attempt in the tally.
type GroupCounts struct {
	Total    int64
	Finished int64
	Error    int64
}

// Repository persists actions and their append-only status entries.
//
// AppendEntry must update the denormalized status/active fields and
// insert the audit row in one transaction so observers never see one
// without the other.
type Repository interface {
	FindByID(ctx context.Context, id int64) (*Action, error)
	Create(ctx context.Context, a *Action, initial *Entry) error

	// AppendEntry appends an audit entry and atomically updates the
	// action's denormalized status and active flag.
	AppendEntry(ctx context.Context, a *Action, e *Entry) error

	// ListActiveByTarget returns the target's active actions ordered by
	// weight descending (nil weight last), then ID ascending.
	ListActiveByTarget(ctx context.Context, targetID int64) ([]*Action, error)
	CountActiveByTarget(ctx context.Context, targetID int64) (int64, error)
	FindActiveByTargetAndSet(ctx context.Context, targetID, distributionSetID int64) (*Action, error)

	// FindOldestOpenByTarget returns the open action the device should
	// work on next, or nil.
	FindOldestOpenByTarget(ctx context.Context, targetID int64) (*Action, error)

	// UpdateAssignmentMeta rewrites weight/type/forced time of an
	// existing active action in place (multi-assignment re-assign).
	UpdateAssignmentMeta(ctx context.Context, a *Action) error

	CountsByRolloutGroup(ctx context.Context, groupID int64) (GroupCounts, error)

	// ListLatestErroredByRolloutGroup returns the group's actions that are
	// the newest for their target and ended in error. These are the
	// targets a resumed rollout retries.
	ListLatestErroredByRolloutGroup(ctx context.Context, groupID int64, limit int) ([]*Action, error)

	// ExistsForTargetAndSet reports whether the target ever had an action
	// for the distribution set, in any state.
	ExistsForTargetAndSet(ctx context.Context, targetID, distributionSetID int64) (bool, error)

	// ListNonTerminalByRollout pages through the rollout's actions that
	// still need cancellation during rollout deletion.
	ListNonTerminalByRollout(ctx context.Context, rolloutID int64, limit int) ([]*Action, error)
	CountNonTerminalByRollout(ctx context.Context, rolloutID int64) (int64, error)

	ListEntries(ctx context.Context, actionID int64) ([]*Entry, error)
}
