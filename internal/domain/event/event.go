package event

import (
	"context"
	"time"

	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/domain/rollout"
)

// Kind is the stable discriminant of a lifecycle event. Consumers switch
// on it; new kinds are additive and versioned via SchemaVersion.
type Kind string

const (
	KindActionCreated        Kind = "action.created"
	KindActionStatusChanged  Kind = "action.status_changed"
	KindRolloutStatusChanged Kind = "rollout.status_changed"
	KindRolloutGroupCreated  Kind = "rollout.group_created"
)

// SchemaVersion of the current payload shapes.
const SchemaVersion = 1

// Lifecycle is one notification to downstream consumers. Delivery is
// at-least-once, best-effort ordered.
type Lifecycle struct {
	Kind          Kind      `json:"kind"`
	SchemaVersion int       `json:"schema_version"`
	Tenant        string    `json:"tenant"`
	OccurredAt    time.Time `json:"occurred_at"`
	Payload       any       `json:"payload"`
}

// ActionCreated is the payload for KindActionCreated.
type ActionCreated struct {
	ActionID          int64  `json:"action_id,string"`
	TargetID          int64  `json:"target_id,string"`
	DistributionSetID int64  `json:"distribution_set_id,string"`
	RolloutID         *int64 `json:"rollout_id,string,omitempty"`
	InitiatedBy       string `json:"initiated_by"`
}

// ActionStatusChanged is the payload for KindActionStatusChanged.
type ActionStatusChanged struct {
	ActionID int64         `json:"action_id,string"`
	TargetID int64         `json:"target_id,string"`
	From     action.Status `json:"from"`
	To       action.Status `json:"to"`
}

// RolloutStatusChanged is the payload for KindRolloutStatusChanged.
type RolloutStatusChanged struct {
	RolloutID int64          `json:"rollout_id,string"`
	From      rollout.Status `json:"from"`
	To        rollout.Status `json:"to"`
}

// RolloutGroupCreated is the payload for KindRolloutGroupCreated.
type RolloutGroupCreated struct {
	RolloutID    int64 `json:"rollout_id,string"`
	GroupID      int64 `json:"group_id,string"`
	Ordinal      int   `json:"ordinal"`
	TotalTargets int64 `json:"total_targets"`
}

// NewLifecycle stamps a lifecycle event with the current schema version.
func NewLifecycle(kind Kind, tenant string, payload any) Lifecycle {
	return Lifecycle{
		Kind:          kind,
		SchemaVersion: SchemaVersion,
		Tenant:        tenant,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	}
}

// Publisher delivers lifecycle events to downstream consumers.
// Fire-and-forget from the core's perspective; the outbox processor is
// the only caller that inspects errors (for retry bookkeeping).
type Publisher interface {
	Publish(ctx context.Context, ev Lifecycle) error
}

// NopPublisher drops everything. Used in tests and when eventing is
// disabled by configuration.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Lifecycle) error { return nil }
