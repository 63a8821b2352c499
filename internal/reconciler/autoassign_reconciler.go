package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fleetrail/fleetrail/internal/config"
	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/domain/distribution"
	"github.com/fleetrail/fleetrail/internal/domain/filter"
	"github.com/fleetrail/fleetrail/internal/domain/target"
	"github.com/fleetrail/fleetrail/internal/usecase/deployment"
)

// AutoAssignReconciler periodically applies auto-assign filters to every
// target that newly matches. Filters are independent; one failing filter
// never blocks the others.
type AutoAssignReconciler struct {
	filters  filter.Repository
	targets  target.Registry
	sets     distribution.Repository
	actions  action.Repository
	compiler filter.Compiler
	assigner *deployment.AssignUseCase
	logger   *zap.Logger

	interval time.Duration
	pageSize int
}

func NewAutoAssignReconciler(
	filters filter.Repository,
	targets target.Registry,
	sets distribution.Repository,
	actions action.Repository,
	compiler filter.Compiler,
	assigner *deployment.AssignUseCase,
	cfg *config.Config,
	logger *zap.Logger,
) *AutoAssignReconciler {
	return &AutoAssignReconciler{
		filters:  filters,
		targets:  targets,
		sets:     sets,
		actions:  actions,
		compiler: compiler,
		assigner: assigner,
		logger:   logger.Named("autoassign.reconciler"),
		interval: cfg.AutoAssignInterval,
		pageSize: cfg.AutoAssignPageSize,
	}
}

func (r *AutoAssignReconciler) Run(ctx context.Context) {
	if err := r.checkAll(ctx); err != nil {
		r.logger.Error("autoassign_initial_check_failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.checkAll(ctx); err != nil {
				r.logger.Error("autoassign_check_failed", zap.Error(err))
			}
		}
	}
}

func (r *AutoAssignReconciler) checkAll(ctx context.Context) error {
	queries, err := r.filters.ListAutoAssign(ctx, 0)
	if err != nil {
		return err
	}

	for _, q := range queries {
		if err := r.checkFilter(ctx, q); err != nil {
			r.logger.Warn("autoassign_filter_failed",
				zap.Error(err),
				zap.Int64("filter_id", q.ID),
				zap.String("tenant", q.Tenant),
			)
		}
	}
	return nil
}

// checkFilter assigns the filter's distribution set to every matching
// target not yet related to it. Each page commits in its own
// transaction so partial progress survives a crash.
func (r *AutoAssignReconciler) checkFilter(ctx context.Context, q *filter.Query) error {
	if !q.AutoAssignEnabled() {
		return nil
	}

	set, err := r.sets.FindByID(ctx, *q.AutoAssignDistributionSetID)
	if err != nil {
		return err
	}
	if set == nil {
		return distribution.ErrNotFound
	}
	if !set.Assignable() {
		// Skip until the set becomes complete; never assign a broken set.
		r.logger.Warn("autoassign_set_not_assignable",
			zap.Int64("filter_id", q.ID),
			zap.Int64("distribution_set_id", set.ID),
		)
		return nil
	}

	pred, err := r.compiler.Compile(q.Expression)
	if err != nil {
		return err
	}

	for {
		page, err := r.targets.PageMatchingFilterExcludingAssigned(ctx, q.Tenant, set.ID, pred, 0, r.pageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}

		requests := make([]deployment.Request, 0, len(page))
		for _, t := range page {
			requests = append(requests, deployment.Request{
				Tenant:               q.Tenant,
				ControllerID:         t.ControllerID,
				DistributionSetID:    set.ID,
				Type:                 q.ActionTypeOrDefault(),
				Weight:               q.AutoAssignWeight,
				ConfirmationRequired: q.ConfirmationRequired,
				InitiatedBy:          q.AutoAssignInitiatedBy,
			})
		}
		if _, err := r.assigner.Assign(ctx, requests); err != nil {
			return err
		}
		if len(page) < r.pageSize {
			return nil
		}
	}
}

// CheckSingleTarget runs every auto-assign filter of the target's tenant
// against one freshly polled or updated target. The first filter that
// assigns wins. Targets that ever received the filter's set through any
// action are skipped, the same exclusion the page queries apply, and one
// broken filter never blocks the remaining ones.
func (r *AutoAssignReconciler) CheckSingleTarget(ctx context.Context, t *target.Target) error {
	queries, err := r.filters.ListAutoAssign(ctx, 0)
	if err != nil {
		return err
	}

	for _, q := range queries {
		if q.Tenant != t.Tenant || !q.AutoAssignEnabled() {
			continue
		}
		pred, err := r.compiler.Compile(q.Expression)
		if err != nil {
			r.logger.Warn("autoassign_filter_compile_failed", zap.Error(err), zap.Int64("filter_id", q.ID))
			continue
		}
		if !pred.Matches(t) {
			continue
		}

		setID := *q.AutoAssignDistributionSetID
		if t.AssignedDistributionSetID != nil && *t.AssignedDistributionSetID == setID {
			continue
		}
		if t.InstalledDistributionSetID != nil && *t.InstalledDistributionSetID == setID {
			continue
		}
		related, err := r.actions.ExistsForTargetAndSet(ctx, t.ID, setID)
		if err != nil {
			return err
		}
		if related {
			continue
		}

		set, err := r.sets.FindByID(ctx, setID)
		if err != nil {
			r.logger.Warn("autoassign_set_lookup_failed", zap.Error(err), zap.Int64("filter_id", q.ID))
			continue
		}
		if set == nil || !set.Assignable() {
			continue
		}

		_, err = r.assigner.Assign(ctx, []deployment.Request{{
			Tenant:               t.Tenant,
			ControllerID:         t.ControllerID,
			DistributionSetID:    set.ID,
			Type:                 q.ActionTypeOrDefault(),
			Weight:               q.AutoAssignWeight,
			ConfirmationRequired: q.ConfirmationRequired,
			InitiatedBy:          q.AutoAssignInitiatedBy,
		}})
		if err != nil {
			// An incompatible or quota-bound filter must not stop the rest.
			r.logger.Warn("autoassign_single_assign_failed",
				zap.Error(err),
				zap.Int64("filter_id", q.ID),
				zap.String("controller_id", t.ControllerID),
			)
			continue
		}
		return nil
	}
	return nil
}
