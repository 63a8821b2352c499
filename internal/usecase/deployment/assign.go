package deployment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetrail/fleetrail/internal/config"
	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/domain/distribution"
	"github.com/fleetrail/fleetrail/internal/domain/event"
	"github.com/fleetrail/fleetrail/internal/domain/target"
	"github.com/fleetrail/fleetrail/internal/metrics"
	"github.com/fleetrail/fleetrail/internal/outbox"
	"github.com/fleetrail/fleetrail/internal/quota"
	"github.com/fleetrail/fleetrail/pkg/db"
	"github.com/fleetrail/fleetrail/pkg/maintenance"
	"github.com/fleetrail/fleetrail/pkg/snowflake"
)

var (
	ErrWeightRequired    = errors.New("weight is required while multi-assignment is enabled")
	ErrWeightNotAllowed  = errors.New("weight is only accepted while multi-assignment is enabled")
	ErrIncompatibleType  = errors.New("distribution set type is not compatible with the target type")
	ErrInvalidActionType = errors.New("invalid action type")
)

// Request asks for one target/distribution-set assignment.
type Request struct {
	Tenant            string
	ControllerID      string
	DistributionSetID int64

	Type       action.Type
	Weight     *int
	ForcedTime *time.Time

	MaintenanceSchedule string
	MaintenanceDuration string
	MaintenanceTimezone string

	// ConfirmationRequired parks the action in wait_for_confirmation
	// instead of pending.
	ConfirmationRequired bool

	InitiatedBy    string
	RolloutID      *int64
	RolloutGroupID *int64
}

// OutcomeKind classifies what happened to one request.
type OutcomeKind string

const (
	OutcomeCreated OutcomeKind = "created"
	// OutcomeUpdated means an active action for the same pair already
	// existed and its assignment metadata was rewritten in place.
	OutcomeUpdated OutcomeKind = "updated"
	// OutcomeSkipped means the pair was already assigned and nothing
	// changed.
	OutcomeSkipped OutcomeKind = "skipped"
)

// Outcome is the per-request result of an assignment batch.
type Outcome struct {
	ControllerID      string
	DistributionSetID int64
	Kind              OutcomeKind
	ActionID          int64
}

// AssignUseCase applies distribution sets to targets. One batch runs in
// one transaction; a quota or validation failure rejects the whole batch.
type AssignUseCase struct {
	tx      db.TxRunner
	targets target.Registry
	sets    distribution.Repository
	actions action.Repository
	outbox  outbox.Appender
	ids     *snowflake.Node
	cfg     *config.Config
	logger  *zap.Logger
}

func NewAssignUseCase(
	tx db.TxRunner,
	targets target.Registry,
	sets distribution.Repository,
	actions action.Repository,
	ob outbox.Appender,
	ids *snowflake.Node,
	cfg *config.Config,
	logger *zap.Logger,
) *AssignUseCase {
	return &AssignUseCase{
		tx:      tx,
		targets: targets,
		sets:    sets,
		actions: actions,
		outbox:  ob,
		ids:     ids,
		cfg:     cfg,
		logger:  logger,
	}
}

// Assign processes a batch of assignment requests atomically. Duplicate
// (target, set) pairs within the batch collapse to the last occurrence.
func (uc *AssignUseCase) Assign(ctx context.Context, requests []Request) ([]Outcome, error) {
	requests = dedupe(requests)

	if err := quota.CheckBatchSize(len(requests), uc.cfg.QuotaMaxTargetsPerCall); err != nil {
		return nil, err
	}
	if err := uc.validate(requests); err != nil {
		return nil, err
	}

	var outcomes []Outcome
	err := uc.tx.InTx(ctx, func(ctx context.Context) error {
		outcomes = outcomes[:0]
		for _, req := range requests {
			outcome, err := uc.assignOne(ctx, req)
			if err != nil {
				return fmt.Errorf("assign %s to target %s: %w", req.Type, req.ControllerID, err)
			}
			outcomes = append(outcomes, outcome)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (uc *AssignUseCase) validate(requests []Request) error {
	for _, req := range requests {
		if !action.ValidType(req.Type) {
			return fmt.Errorf("%w: %q", ErrInvalidActionType, req.Type)
		}
		if req.Type == action.TypeTimeForced && req.ForcedTime == nil {
			return action.ErrMissingForcedTime
		}
		if uc.cfg.MultiAssignmentEnabled {
			if uc.cfg.MultiAssignmentWeightRequired && req.Weight == nil {
				return ErrWeightRequired
			}
		} else if req.Weight != nil {
			return ErrWeightNotAllowed
		}
		if req.MaintenanceSchedule != "" {
			w := maintenance.Window{
				Schedule: req.MaintenanceSchedule,
				Duration: req.MaintenanceDuration,
				Timezone: req.MaintenanceTimezone,
			}
			if err := w.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (uc *AssignUseCase) assignOne(ctx context.Context, req Request) (Outcome, error) {
	t, err := uc.targets.FindByControllerID(ctx, req.Tenant, req.ControllerID)
	if err != nil {
		return Outcome{}, err
	}
	if t == nil {
		return Outcome{}, target.ErrNotFound
	}

	set, err := uc.sets.FindByID(ctx, req.DistributionSetID)
	if err != nil {
		return Outcome{}, err
	}
	if set == nil {
		return Outcome{}, distribution.ErrNotFound
	}
	if !set.Assignable() {
		return Outcome{}, distribution.ErrIncomplete
	}

	compatible, err := uc.targets.IsCompatible(ctx, t.ID, set.ID)
	if err != nil {
		return Outcome{}, err
	}
	if !compatible {
		return Outcome{}, ErrIncompatibleType
	}

	existing, err := uc.actions.FindActiveByTargetAndSet(ctx, t.ID, set.ID)
	if err != nil {
		return Outcome{}, err
	}
	if existing != nil {
		if !uc.cfg.MultiAssignmentEnabled {
			// Re-assigning the current set is a no-op.
			return Outcome{ControllerID: req.ControllerID, DistributionSetID: set.ID, Kind: OutcomeSkipped, ActionID: existing.ID}, nil
		}
		existing.Type = req.Type
		existing.Weight = req.Weight
		existing.ForcedTime = req.ForcedTime
		if err := uc.actions.UpdateAssignmentMeta(ctx, existing); err != nil {
			return Outcome{}, err
		}
		if err := uc.refreshAssignedSet(ctx, t.ID); err != nil {
			return Outcome{}, err
		}
		return Outcome{ControllerID: req.ControllerID, DistributionSetID: set.ID, Kind: OutcomeUpdated, ActionID: existing.ID}, nil
	}

	activeCount, err := uc.actions.CountActiveByTarget(ctx, t.ID)
	if err != nil {
		return Outcome{}, err
	}
	if err := quota.CheckTargetActions(t.ControllerID, activeCount, 1, uc.cfg.QuotaMaxActionsPerTarget); err != nil {
		return Outcome{}, err
	}

	if !uc.cfg.MultiAssignmentEnabled {
		if err := uc.cancelActive(ctx, t.ID); err != nil {
			return Outcome{}, err
		}
	}

	now := time.Now().UTC()
	status := action.StatusPending
	if req.ConfirmationRequired {
		status = action.StatusWaitForConfirmation
	}

	a := &action.Action{
		ID:                  uc.ids.GenerateID(),
		Tenant:              req.Tenant,
		TargetID:            t.ID,
		DistributionSetID:   set.ID,
		RolloutID:           req.RolloutID,
		RolloutGroupID:      req.RolloutGroupID,
		Status:              status,
		Active:              true,
		Type:                req.Type,
		ForcedTime:          req.ForcedTime,
		Weight:              req.Weight,
		MaintenanceSchedule: req.MaintenanceSchedule,
		MaintenanceDuration: req.MaintenanceDuration,
		MaintenanceTimezone: req.MaintenanceTimezone,
		InitiatedBy:         req.InitiatedBy,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	initial := &action.Entry{
		Status:     status,
		Messages:   []string{"assignment initiated by " + req.InitiatedBy},
		OccurredAt: now,
		CreatedAt:  now,
	}
	if err := uc.actions.Create(ctx, a, initial); err != nil {
		return Outcome{}, err
	}
	metrics.ActionsCreated.Inc()

	if err := uc.refreshAssignedSet(ctx, t.ID); err != nil {
		return Outcome{}, err
	}

	err = uc.outbox.Append(ctx, event.NewLifecycle(event.KindActionCreated, req.Tenant, event.ActionCreated{
		ActionID:          a.ID,
		TargetID:          t.ID,
		DistributionSetID: set.ID,
		RolloutID:         req.RolloutID,
		InitiatedBy:       req.InitiatedBy,
	}))
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{ControllerID: req.ControllerID, DistributionSetID: set.ID, Kind: OutcomeCreated, ActionID: a.ID}, nil
}

// cancelActive supersedes the target's previous assignments in
// single-assignment mode. Actions not yet picked up cancel immediately;
// running ones move to canceling and wait for the device.
func (uc *AssignUseCase) cancelActive(ctx context.Context, targetID int64) error {
	active, err := uc.actions.ListActiveByTarget(ctx, targetID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, a := range active {
		from := a.Status
		switch a.Status {
		case action.StatusPending, action.StatusWaitForConfirmation:
			a.Status = action.StatusCanceled
			a.Active = false
		case action.StatusRunning:
			a.Status = action.StatusCanceling
		default:
			continue
		}
		entry := &action.Entry{
			Status:     a.Status,
			Messages:   []string{"superseded by newer assignment"},
			OccurredAt: now,
			CreatedAt:  now,
		}
		if err := uc.actions.AppendEntry(ctx, a, entry); err != nil {
			return err
		}
		err = uc.outbox.Append(ctx, event.NewLifecycle(event.KindActionStatusChanged, a.Tenant, event.ActionStatusChanged{
			ActionID: a.ID,
			TargetID: a.TargetID,
			From:     from,
			To:       a.Status,
		}))
		if err != nil {
			return err
		}
	}
	return nil
}

// refreshAssignedSet re-derives the target's assigned distribution set
// pointer from its open actions. The highest weight open action wins
// (nil weight last, then oldest ID); with none left the pointer clears
// to the installed set.
func (uc *AssignUseCase) refreshAssignedSet(ctx context.Context, targetID int64) error {
	winner, err := uc.actions.FindOldestOpenByTarget(ctx, targetID)
	if err != nil {
		return err
	}
	if winner != nil {
		return uc.targets.SetAssignedDistributionSet(ctx, targetID, &winner.DistributionSetID, target.StatusPending)
	}

	t, err := uc.targets.FindByID(ctx, targetID)
	if err != nil {
		return err
	}
	if t == nil {
		return target.ErrNotFound
	}
	status := t.UpdateStatus
	if t.InstalledDistributionSetID != nil {
		status = target.StatusInSync
	}
	return uc.targets.SetAssignedDistributionSet(ctx, targetID, t.InstalledDistributionSetID, status)
}

func dedupe(requests []Request) []Request {
	type key struct {
		tenant       string
		controllerID string
		setID        int64
	}
	seen := make(map[key]int, len(requests))
	out := make([]Request, 0, len(requests))
	for _, req := range requests {
		k := key{req.Tenant, req.ControllerID, req.DistributionSetID}
		if idx, ok := seen[k]; ok {
			// Last occurrence wins.
			out[idx] = req
			continue
		}
		seen[k] = len(out)
		out = append(out, req)
	}
	return out
}
