package target

import "context"

// Predicate is a compiled target filter. It can be pushed down to the
// registry's SQL queries or evaluated against a single loaded target.
// The grammar that produces predicates is deliberately outside the core;
// see the filter package for the compiler interface.
type Predicate interface {
	// SQL returns a condition over the targets table plus bind args.
	SQL() (string, []any)

	// Matches evaluates the predicate in memory.
	Matches(t *Target) bool
}

// Registry is the authoritative record of every device.
//
// The paged queries use keyset pagination (afterID) with ascending target
// ID ordering so that repeated scans over an unchanged population are
// deterministic. Calls are row-level consistent only; callers must not
// assume a consistent snapshot across calls.
type Registry interface {
	FindByControllerID(ctx context.Context, tenant, controllerID string) (*Target, error)
	FindByID(ctx context.Context, id int64) (*Target, error)
	Save(ctx context.Context, t *Target) error

	// IsCompatible reports whether the target's type permits the given
	// distribution set. Targets without a type accept everything.
	IsCompatible(ctx context.Context, targetID, distributionSetID int64) (bool, error)

	// CountMatchingFilterExcludingAssigned counts targets matching the
	// predicate that have no relation to the distribution set yet: not
	// assigned to it, not running it, and without any action for it.
	// Targets type-incompatible with the set are excluded as well.
	CountMatchingFilterExcludingAssigned(ctx context.Context, tenant string, distributionSetID int64, pred Predicate) (int64, error)

	// PageMatchingFilterExcludingAssigned returns the next page of such
	// targets with ID > afterID, ordered by ID ascending.
	PageMatchingFilterExcludingAssigned(ctx context.Context, tenant string, distributionSetID int64, pred Predicate, afterID int64, limit int) ([]*Target, error)

	// SetAssignedDistributionSet updates the denormalized assignment
	// pointer and update status. A nil set ID clears the assignment.
	SetAssignedDistributionSet(ctx context.Context, targetID int64, distributionSetID *int64, status UpdateStatus) error

	UpdateStatus(ctx context.Context, targetID int64, status UpdateStatus) error
}
