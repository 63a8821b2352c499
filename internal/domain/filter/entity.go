package filter

import (
	"context"
	"errors"
	"time"

	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/domain/target"
)

var (
	ErrNotFound     = errors.New("target filter not found")
	ErrInvalidQuery = errors.New("invalid filter query")
)

// Query is a saved, named target filter. When AutoAssignDistributionSetID
// is set the auto-assignment checker applies the filter's distribution
// set to every newly matching target.
type Query struct {
	ID     int64  `json:"id,string"`
	Tenant string `json:"tenant"`
	Name   string `json:"name"`

	// Expression is the opaque filter predicate string.
	Expression string `json:"expression"`

	AutoAssignDistributionSetID *int64       `json:"auto_assign_distribution_set_id,string,omitempty"`
	AutoAssignActionType        *action.Type `json:"auto_assign_action_type,omitempty"`
	AutoAssignWeight            *int         `json:"auto_assign_weight,omitempty"`
	ConfirmationRequired        bool         `json:"confirmation_required"`
	AutoAssignInitiatedBy       string       `json:"auto_assign_initiated_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AutoAssignEnabled reports whether the checker should process this
// filter.
func (q *Query) AutoAssignEnabled() bool {
	return q.AutoAssignDistributionSetID != nil
}

// ActionTypeOrDefault returns the configured auto-assign action type,
// falling back to forced.
func (q *Query) ActionTypeOrDefault() action.Type {
	if q.AutoAssignActionType != nil {
		return *q.AutoAssignActionType
	}
	return action.TypeForced
}

// Compiler turns a filter expression into an executable predicate. The
// grammar is a swappable module behind this interface; the core only
// ever sees compiled predicates.
type Compiler interface {
	Compile(expression string) (target.Predicate, error)
}

// Repository persists saved filters.
type Repository interface {
	FindByID(ctx context.Context, id int64) (*Query, error)
	FindByName(ctx context.Context, tenant, name string) (*Query, error)
	Save(ctx context.Context, q *Query) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, tenant string, limit int) ([]*Query, error)

	// ListAutoAssign returns every filter (across tenants) with an
	// auto-assign distribution set attached.
	ListAutoAssign(ctx context.Context, limit int) ([]*Query, error)
}
