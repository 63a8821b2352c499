package rollout

import "context"

// Repository persists rollouts. TransitionStatus implementations must be
// conditional updates (status must still be one of from) so concurrent
// writers cannot double-apply a transition.
type Repository interface {
	FindByID(ctx context.Context, id int64) (*Rollout, error)
	Save(ctx context.Context, r *Rollout) error

	// ListByStatus returns rollouts in any of the given states ordered
	// by weight descending (nil last) then ID ascending, so higher
	// weight rollouts get tick capacity first.
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Rollout, error)

	// TransitionStatus atomically moves the rollout from one of the
	// given states to the target state. Returns false without error if
	// the rollout was no longer in an accepted state.
	TransitionStatus(ctx context.Context, id int64, from []Status, to Status) (bool, error)
}

// GroupRepository persists rollout groups.
type GroupRepository interface {
	FindByID(ctx context.Context, id int64) (*Group, error)
	Save(ctx context.Context, g *Group) error

	// ListByRollout returns the rollout's groups ordered by ordinal.
	ListByRollout(ctx context.Context, rolloutID int64) ([]*Group, error)

	TransitionStatus(ctx context.Context, id int64, from []GroupStatus, to GroupStatus) (bool, error)

	// SetTotalTargets stores the materialized group size snapshot.
	SetTotalTargets(ctx context.Context, id int64, total int64) error
}
