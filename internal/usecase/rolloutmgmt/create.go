package rolloutmgmt

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
	"github.com/fleetrail/fleetrail/internal/domain/filter"
	"github.com/fleetrail/fleetrail/internal/domain/rollout"
	"github.com/fleetrail/fleetrail/internal/domain/target"
	"github.com/fleetrail/fleetrail/internal/metrics"
	"github.com/fleetrail/fleetrail/internal/outbox"
	"github.com/fleetrail/fleetrail/pkg/db"
	"github.com/fleetrail/fleetrail/pkg/snowflake"
)

var (
	ErrPercentagesInvalid = errors.New("group percentages must be positive and sum to at most 100")
	ErrInvalidActionType  = errors.New("invalid action type")
)

// GroupSpec describes one group of a new rollout.
type GroupSpec struct {
	Name             string
	TargetFilter     string
	TargetPercentage float64
	SuccessCondition rollout.Condition
	ErrorCondition   rollout.Condition
}

// CreateRequest describes a new rollout.
type CreateRequest struct {
	Tenant            string
	Name              string
	Description       string
	DistributionSetID int64
	TargetFilter      string

	ActionType action.Type
	Weight     *int
	ForcedTime *time.Time

	Groups           []GroupSpec
	RequiresApproval bool
	InitiatedBy      string
}

// CreateUseCase validates and persists new rollouts. The target
// population is counted and snapshotted at creation; group target counts
// are derived from that snapshot, never recounted later.
type CreateUseCase struct {
	tx       db.TxRunner
	rollouts rollout.Repository
	groups   rollout.GroupRepository
	sets     distribution.Repository
	targets  target.Registry
	compiler filter.Compiler
	outbox   outbox.Appender
	ids      *snowflake.Node
	cfg      *config.Config
	logger   *zap.Logger
}

func NewCreateUseCase(
	tx db.TxRunner,
	rollouts rollout.Repository,
	groups rollout.GroupRepository,
	sets distribution.Repository,
	targets target.Registry,
	compiler filter.Compiler,
	ob outbox.Appender,
	ids *snowflake.Node,
	cfg *config.Config,
	logger *zap.Logger,
) *CreateUseCase {
	return &CreateUseCase{
		tx:       tx,
		rollouts: rollouts,
		groups:   groups,
		sets:     sets,
		targets:  targets,
		compiler: compiler,
		outbox:   ob,
		ids:      ids,
		cfg:      cfg,
		logger:   logger,
	}
}

func (uc *CreateUseCase) Create(ctx context.Context, req CreateRequest) (*rollout.Rollout, error) {
	if err := uc.validate(req); err != nil {
		return nil, err
	}

	set, err := uc.sets.FindByID(ctx, req.DistributionSetID)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return nil, distribution.ErrNotFound
	}
	if !set.Assignable() {
		return nil, distribution.ErrIncomplete
	}

	pred, err := uc.compiler.Compile(req.TargetFilter)
	if err != nil {
		return nil, fmt.Errorf("compile target filter: %w", err)
	}
	for _, g := range req.Groups {
		if g.TargetFilter == "" {
			continue
		}
		if _, err := uc.compiler.Compile(g.TargetFilter); err != nil {
			return nil, fmt.Errorf("compile group filter %q: %w", g.Name, err)
		}
	}

	total, err := uc.targets.CountMatchingFilterExcludingAssigned(ctx, req.Tenant, set.ID, pred)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ro := &rollout.Rollout{
		ID:                uc.ids.GenerateID(),
		Tenant:            req.Tenant,
		Name:              req.Name,
		Description:       req.Description,
		DistributionSetID: set.ID,
		TargetFilter:      req.TargetFilter,
		Status:            rollout.StatusCreating,
		ActionType:        req.ActionType,
		Weight:            req.Weight,
		ForcedTime:        req.ForcedTime,
		TotalTargets:      total,
		GroupCount:        len(req.Groups),
		RequiresApproval:  req.RequiresApproval,
		InitiatedBy:       req.InitiatedBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = uc.tx.InTx(ctx, func(ctx context.Context) error {
		if err := uc.rollouts.Save(ctx, ro); err != nil {
			return err
		}

		for i, spec := range req.Groups {
			g := &rollout.Group{
				ID:               uc.ids.GenerateID(),
				RolloutID:        ro.ID,
				Tenant:           req.Tenant,
				Name:             spec.Name,
				Ordinal:          i,
				TargetFilter:     spec.TargetFilter,
				TargetPercentage: spec.TargetPercentage,
				SuccessCondition: spec.SuccessCondition,
				ErrorCondition:   spec.ErrorCondition,
				Status:           rollout.GroupScheduled,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if g.Name == "" {
				g.Name = fmt.Sprintf("group-%d", i+1)
			}
			if err := uc.groups.Save(ctx, g); err != nil {
				return err
			}
			err := uc.outbox.Append(ctx, event.NewLifecycle(event.KindRolloutGroupCreated, req.Tenant, event.RolloutGroupCreated{
				RolloutID: ro.ID,
				GroupID:   g.ID,
				Ordinal:   g.Ordinal,
			}))
			if err != nil {
				return err
			}
		}

		moved, err := uc.rollouts.TransitionStatus(ctx, ro.ID, []rollout.Status{rollout.StatusCreating}, rollout.StatusReady)
		if err != nil {
			return err
		}
		if !moved {
			return rollout.ErrInvalidTransition
		}
		ro.Status = rollout.StatusReady
		metrics.RolloutTransitions.WithLabelValues(string(rollout.StatusReady)).Inc()

		return uc.outbox.Append(ctx, event.NewLifecycle(event.KindRolloutStatusChanged, req.Tenant, event.RolloutStatusChanged{
			RolloutID: ro.ID,
			From:      rollout.StatusCreating,
			To:        rollout.StatusReady,
		}))
	})
	if err != nil {
		return nil, err
	}

	uc.logger.Info("rollout_created",
		zap.Int64("rollout_id", ro.ID),
		zap.String("tenant", req.Tenant),
		zap.Int64("total_targets", total),
		zap.Int("groups", len(req.Groups)),
	)
	return ro, nil
}

func (uc *CreateUseCase) validate(req CreateRequest) error {
	if len(req.Groups) == 0 {
		return rollout.ErrNoGroups
	}
	if !action.ValidType(req.ActionType) {
		return fmt.Errorf("%w: %q", ErrInvalidActionType, req.ActionType)
	}
	if req.ActionType == action.TypeTimeForced && req.ForcedTime == nil {
		return action.ErrMissingForcedTime
	}

	var sum float64
	for _, g := range req.Groups {
		if !g.SuccessCondition.Valid() || !g.ErrorCondition.Valid() {
			return rollout.ErrInvalidGroupSpec
		}
		if g.TargetFilter == "" {
			if g.TargetPercentage <= 0 {
				return ErrPercentagesInvalid
			}
			sum += g.TargetPercentage
		}
	}
	if sum > 100.0+1e-9 {
		return ErrPercentagesInvalid
	}
	return nil
}
