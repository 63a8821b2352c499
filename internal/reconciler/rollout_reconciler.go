package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fleetrail/fleetrail/internal/config"
	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/domain/event"
	"github.com/fleetrail/fleetrail/internal/domain/filter"
	"github.com/fleetrail/fleetrail/internal/domain/rollout"
	"github.com/fleetrail/fleetrail/internal/domain/target"
	"github.com/fleetrail/fleetrail/internal/metrics"
	"github.com/fleetrail/fleetrail/internal/outbox"
	"github.com/fleetrail/fleetrail/internal/usecase/deployment"
	"github.com/fleetrail/fleetrail/pkg/db"
)

// keyedMutex serializes work per rollout within this process. Cross
// process safety comes from the conditional status updates underneath.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*sync.Mutex)}
}

func (k *keyedMutex) lock(id int64) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// RolloutReconciler advances rollouts through starting, running and
// deleting. Each tick picks up the schedulable rollouts ordered by
// weight and processes them under a shared rate limit so one giant
// rollout cannot starve the rest.
type RolloutReconciler struct {
	tx       db.TxRunner
	rollouts rollout.Repository
	groups   rollout.GroupRepository
	actions  action.Repository
	targets  target.Registry
	compiler filter.Compiler
	assigner *deployment.AssignUseCase
	status   *deployment.StatusUseCase
	outbox   outbox.Appender
	logger   *zap.Logger

	interval time.Duration
	pageSize int
	limiter  *rate.Limiter
	locks    *keyedMutex
}

func NewRolloutReconciler(
	tx db.TxRunner,
	rollouts rollout.Repository,
	groups rollout.GroupRepository,
	actions action.Repository,
	targets target.Registry,
	compiler filter.Compiler,
	assigner *deployment.AssignUseCase,
	status *deployment.StatusUseCase,
	ob outbox.Appender,
	cfg *config.Config,
	logger *zap.Logger,
) *RolloutReconciler {
	return &RolloutReconciler{
		tx:       tx,
		rollouts: rollouts,
		groups:   groups,
		actions:  actions,
		targets:  targets,
		compiler: compiler,
		assigner: assigner,
		status:   status,
		outbox:   ob,
		logger:   logger.Named("rollout.reconciler"),
		interval: cfg.RolloutTickInterval,
		pageSize: cfg.RolloutPageSize,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RolloutTicksPerSecond), 1),
		locks:    newKeyedMutex(),
	}
}

func (r *RolloutReconciler) Run(ctx context.Context) {
	if err := r.reconcile(ctx); err != nil {
		r.logger.Error("reconcile_initial_failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reconcile(ctx); err != nil {
				r.logger.Error("reconcile_failed", zap.Error(err))
			}
		}
	}
}

func (r *RolloutReconciler) reconcile(ctx context.Context) error {
	statuses := []rollout.Status{rollout.StatusStarting, rollout.StatusRunning, rollout.StatusDeleting}
	items, err := r.rollouts.ListByStatus(ctx, statuses, 0)
	if err != nil {
		return err
	}

	var running float64
	for _, ro := range items {
		if ro.Status == rollout.StatusRunning {
			running++
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		r.handle(ctx, ro)
	}
	metrics.RolloutsRunning.Set(running)
	return nil
}

func (r *RolloutReconciler) handle(ctx context.Context, ro *rollout.Rollout) {
	unlock := r.locks.lock(ro.ID)
	defer unlock()

	var err error
	switch ro.Status {
	case rollout.StatusStarting:
		err = r.handleStarting(ctx, ro)
	case rollout.StatusRunning:
		err = r.handleRunning(ctx, ro)
	case rollout.StatusDeleting:
		err = r.handleDeleting(ctx, ro)
	}
	if err != nil {
		r.logger.Error("rollout_handle_failed",
			zap.Error(err),
			zap.Int64("rollout_id", ro.ID),
			zap.String("status", string(ro.Status)),
		)
	}
}

// handleStarting materializes the first group. Rollouts over an empty
// population finish immediately.
func (r *RolloutReconciler) handleStarting(ctx context.Context, ro *rollout.Rollout) error {
	if ro.TotalTargets == 0 {
		return r.finish(ctx, ro, rollout.StatusStarting)
	}

	groups, err := r.groups.ListByRollout(ctx, ro.ID)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return rollout.ErrNoGroups
	}

	if err := r.materializeGroup(ctx, ro, groups, 0); err != nil {
		return err
	}
	return r.transition(ctx, ro, rollout.StatusStarting, rollout.StatusRunning)
}

// handleRunning evaluates the current group's thresholds and either
// pauses the rollout, starts the next group, or finishes. A group left
// in error by a pause is retried first when the rollout was resumed.
func (r *RolloutReconciler) handleRunning(ctx context.Context, ro *rollout.Rollout) error {
	groups, err := r.groups.ListByRollout(ctx, ro.ID)
	if err != nil {
		return err
	}

	current := -1
	for i, g := range groups {
		if g.Status == rollout.GroupRunning || g.Status == rollout.GroupError {
			current = i
			break
		}
	}
	if current == -1 {
		// No group in flight. A scheduled group is still pending work; a
		// fully settled list means the rollout is done.
		for i, g := range groups {
			if g.Status == rollout.GroupScheduled {
				return r.materializeGroup(ctx, ro, groups, i)
			}
		}
		return r.finish(ctx, ro, rollout.StatusRunning)
	}

	g := groups[current]
	if g.Status == rollout.GroupError {
		return r.retryGroup(ctx, ro, g)
	}
	counts, err := r.actions.CountsByRolloutGroup(ctx, g.ID)
	if err != nil {
		return err
	}

	if g.ErrorCondition.Met(counts.Error, g.TotalTargets) {
		if _, err := r.groups.TransitionStatus(ctx, g.ID, []rollout.GroupStatus{rollout.GroupRunning}, rollout.GroupError); err != nil {
			return err
		}
		r.logger.Warn("rollout_group_error_threshold",
			zap.Int64("rollout_id", ro.ID),
			zap.Int64("group_id", g.ID),
			zap.Int64("errors", counts.Error),
			zap.Int64("total", g.TotalTargets),
		)
		return r.transition(ctx, ro, rollout.StatusRunning, rollout.StatusPaused)
	}

	if !g.SuccessCondition.Met(counts.Finished, g.TotalTargets) && g.TotalTargets > 0 {
		return nil
	}

	if _, err := r.groups.TransitionStatus(ctx, g.ID, []rollout.GroupStatus{rollout.GroupRunning}, rollout.GroupFinished); err != nil {
		return err
	}

	if current+1 >= len(groups) {
		return r.finish(ctx, ro, rollout.StatusRunning)
	}
	return r.materializeGroup(ctx, ro, groups, current+1)
}

// retryGroup re-assigns the group's errored targets after a resume. Each
// retry creates a fresh action that supersedes the errored one in the
// group counts, then the group goes back to running so the thresholds
// are evaluated against the retries on later ticks.
func (r *RolloutReconciler) retryGroup(ctx context.Context, ro *rollout.Rollout, g *rollout.Group) error {
	var retried int64
	for {
		errored, err := r.actions.ListLatestErroredByRolloutGroup(ctx, g.ID, r.pageSize)
		if err != nil {
			return err
		}
		if len(errored) == 0 {
			break
		}

		requests := make([]deployment.Request, 0, len(errored))
		for _, a := range errored {
			t, err := r.targets.FindByID(ctx, a.TargetID)
			if err != nil {
				return err
			}
			if t == nil {
				continue
			}
			requests = append(requests, deployment.Request{
				Tenant:            ro.Tenant,
				ControllerID:      t.ControllerID,
				DistributionSetID: ro.DistributionSetID,
				Type:              ro.ActionType,
				Weight:            ro.Weight,
				ForcedTime:        ro.ForcedTime,
				InitiatedBy:       ro.InitiatedBy,
				RolloutID:         &ro.ID,
				RolloutGroupID:    &g.ID,
			})
		}
		if len(requests) == 0 {
			break
		}
		if _, err := r.assigner.Assign(ctx, requests); err != nil {
			return err
		}
		retried += int64(len(requests))
	}

	if _, err := r.groups.TransitionStatus(ctx, g.ID, []rollout.GroupStatus{rollout.GroupError}, rollout.GroupRunning); err != nil {
		return err
	}

	r.logger.Info("rollout_group_retried",
		zap.Int64("rollout_id", ro.ID),
		zap.Int64("group_id", g.ID),
		zap.Int64("retried", retried),
	)
	return nil
}

// handleDeleting cancels the remaining actions page by page, then marks
// the rollout deleted once none are left.
func (r *RolloutReconciler) handleDeleting(ctx context.Context, ro *rollout.Rollout) error {
	open, err := r.actions.ListNonTerminalByRollout(ctx, ro.ID, r.pageSize)
	if err != nil {
		return err
	}
	for _, a := range open {
		if a.Status == action.StatusCanceling {
			continue
		}
		if err := r.status.Cancel(ctx, a.Tenant, a.ID); err != nil {
			return fmt.Errorf("cancel action %d: %w", a.ID, err)
		}
	}

	remaining, err := r.actions.CountNonTerminalByRollout(ctx, ro.ID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	return r.transition(ctx, ro, rollout.StatusDeleting, rollout.StatusDeleted)
}

// materializeGroup creates the group's actions. The group quota is a
// share of the population snapshot taken at creation; the final group
// absorbs the rounding remainder. Already related targets drop out of
// the page query, so repeated runs after a crash converge instead of
// double assigning.
func (r *RolloutReconciler) materializeGroup(ctx context.Context, ro *rollout.Rollout, groups []*rollout.Group, idx int) error {
	g := groups[idx]

	moved, err := r.groups.TransitionStatus(ctx, g.ID, []rollout.GroupStatus{rollout.GroupScheduled}, rollout.GroupRunning)
	if err != nil {
		return err
	}
	if !moved && g.Status != rollout.GroupRunning {
		return nil
	}

	quota := g.Quota(ro.TotalTargets)
	if idx == len(groups)-1 {
		var taken int64
		for _, prev := range groups[:idx] {
			taken += prev.TotalTargets
		}
		quota = ro.TotalTargets - taken
	}
	if quota <= 0 {
		return r.groups.SetTotalTargets(ctx, g.ID, 0)
	}

	pred, err := r.compileGroupFilter(ro, g)
	if err != nil {
		return err
	}

	// Resume from whatever a previous crashed run already assigned.
	counts, err := r.actions.CountsByRolloutGroup(ctx, g.ID)
	if err != nil {
		return err
	}
	assigned := counts.Total
	for assigned < quota {
		limit := r.pageSize
		if remaining := quota - assigned; remaining < int64(limit) {
			limit = int(remaining)
		}

		page, err := r.targets.PageMatchingFilterExcludingAssigned(ctx, ro.Tenant, ro.DistributionSetID, pred, 0, limit)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}

		requests := make([]deployment.Request, 0, len(page))
		for _, t := range page {
			requests = append(requests, deployment.Request{
				Tenant:            ro.Tenant,
				ControllerID:      t.ControllerID,
				DistributionSetID: ro.DistributionSetID,
				Type:              ro.ActionType,
				Weight:            ro.Weight,
				ForcedTime:        ro.ForcedTime,
				InitiatedBy:       ro.InitiatedBy,
				RolloutID:         &ro.ID,
				RolloutGroupID:    &g.ID,
			})
		}
		if _, err := r.assigner.Assign(ctx, requests); err != nil {
			return err
		}
		assigned += int64(len(page))
	}

	g.TotalTargets = assigned
	if err := r.groups.SetTotalTargets(ctx, g.ID, assigned); err != nil {
		return err
	}

	r.logger.Info("rollout_group_materialized",
		zap.Int64("rollout_id", ro.ID),
		zap.Int64("group_id", g.ID),
		zap.Int("ordinal", g.Ordinal),
		zap.Int64("assigned", assigned),
		zap.Int64("quota", quota),
	)
	return nil
}

// compileGroupFilter narrows the rollout filter by the group's own
// filter. The grammar joins clauses with semicolons (logical AND).
func (r *RolloutReconciler) compileGroupFilter(ro *rollout.Rollout, g *rollout.Group) (target.Predicate, error) {
	expr := ro.TargetFilter
	if g.TargetFilter != "" {
		if expr != "" {
			expr = expr + ";" + g.TargetFilter
		} else {
			expr = g.TargetFilter
		}
	}
	return r.compiler.Compile(expr)
}

func (r *RolloutReconciler) finish(ctx context.Context, ro *rollout.Rollout, from rollout.Status) error {
	return r.transition(ctx, ro, from, rollout.StatusFinished)
}

func (r *RolloutReconciler) transition(ctx context.Context, ro *rollout.Rollout, from, to rollout.Status) error {
	return r.tx.InTx(ctx, func(ctx context.Context) error {
		moved, err := r.rollouts.TransitionStatus(ctx, ro.ID, []rollout.Status{from}, to)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		ro.Status = to
		metrics.RolloutTransitions.WithLabelValues(string(to)).Inc()

		return r.outbox.Append(ctx, event.NewLifecycle(event.KindRolloutStatusChanged, ro.Tenant, event.RolloutStatusChanged{
			RolloutID: ro.ID,
			From:      from,
			To:        to,
		}))
	})
}
