package rolloutmgmt

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fleetrail/fleetrail/internal/domain/event"
	"github.com/fleetrail/fleetrail/internal/domain/rollout"
	"github.com/fleetrail/fleetrail/internal/metrics"
	"github.com/fleetrail/fleetrail/internal/outbox"
	"github.com/fleetrail/fleetrail/pkg/db"
)

// ErrAwaitingApproval is returned when starting a rollout that first
// needs an approval decision. The rollout moves to approval_pending.
var ErrAwaitingApproval = errors.New("rollout requires approval before start")

// AdminUseCase drives administrative rollout transitions. Every
// transition is a conditional update; a lost race surfaces as
// rollout.ErrInvalidTransition rather than a double apply.
type AdminUseCase struct {
	tx       db.TxRunner
	rollouts rollout.Repository
	outbox   outbox.Appender
	logger   *zap.Logger
}

func NewAdminUseCase(tx db.TxRunner, rollouts rollout.Repository, ob outbox.Appender, logger *zap.Logger) *AdminUseCase {
	return &AdminUseCase{tx: tx, rollouts: rollouts, outbox: ob, logger: logger}
}

// Start moves a rollout into the scheduler's hands. Rollouts flagged for
// approval detour through approval_pending on the first start request.
func (uc *AdminUseCase) Start(ctx context.Context, tenant string, id int64) error {
	return uc.tx.InTx(ctx, func(ctx context.Context) error {
		ro, err := uc.load(ctx, tenant, id)
		if err != nil {
			return err
		}

		if ro.RequiresApproval && ro.Status == rollout.StatusReady {
			if err := uc.transition(ctx, ro, []rollout.Status{rollout.StatusReady}, rollout.StatusApprovalPending); err != nil {
				return err
			}
			return ErrAwaitingApproval
		}

		return uc.transition(ctx, ro,
			[]rollout.Status{rollout.StatusReady, rollout.StatusApproved},
			rollout.StatusStarting)
	})
}

// Approve records an approval decision and releases the rollout for
// starting.
func (uc *AdminUseCase) Approve(ctx context.Context, tenant string, id int64, approver, remark string) error {
	return uc.decide(ctx, tenant, id, approver, remark, rollout.StatusApproved)
}

// Deny rejects the rollout permanently.
func (uc *AdminUseCase) Deny(ctx context.Context, tenant string, id int64, approver, remark string) error {
	return uc.decide(ctx, tenant, id, approver, remark, rollout.StatusDenied)
}

func (uc *AdminUseCase) decide(ctx context.Context, tenant string, id int64, approver, remark string, to rollout.Status) error {
	return uc.tx.InTx(ctx, func(ctx context.Context) error {
		ro, err := uc.load(ctx, tenant, id)
		if err != nil {
			return err
		}
		if err := uc.transition(ctx, ro, []rollout.Status{rollout.StatusApprovalPending}, to); err != nil {
			return err
		}
		ro.ApprovedBy = approver
		ro.ApprovalRemark = remark
		ro.UpdatedAt = time.Now().UTC()
		return uc.rollouts.Save(ctx, ro)
	})
}

func (uc *AdminUseCase) Pause(ctx context.Context, tenant string, id int64) error {
	return uc.tx.InTx(ctx, func(ctx context.Context) error {
		ro, err := uc.load(ctx, tenant, id)
		if err != nil {
			return err
		}
		return uc.transition(ctx, ro, []rollout.Status{rollout.StatusRunning}, rollout.StatusPaused)
	})
}

func (uc *AdminUseCase) Resume(ctx context.Context, tenant string, id int64) error {
	return uc.tx.InTx(ctx, func(ctx context.Context) error {
		ro, err := uc.load(ctx, tenant, id)
		if err != nil {
			return err
		}
		return uc.transition(ctx, ro, []rollout.Status{rollout.StatusPaused}, rollout.StatusRunning)
	})
}

// Delete marks the rollout for teardown. The scheduler cancels the
// remaining actions before the rollout reaches deleted.
func (uc *AdminUseCase) Delete(ctx context.Context, tenant string, id int64) error {
	return uc.tx.InTx(ctx, func(ctx context.Context) error {
		ro, err := uc.load(ctx, tenant, id)
		if err != nil {
			return err
		}
		if ro.Status == rollout.StatusDeleting || ro.Status == rollout.StatusDeleted {
			return nil
		}
		return uc.transition(ctx, ro, []rollout.Status{
			rollout.StatusCreating,
			rollout.StatusReady,
			rollout.StatusApprovalPending,
			rollout.StatusApproved,
			rollout.StatusDenied,
			rollout.StatusStarting,
			rollout.StatusRunning,
			rollout.StatusPaused,
		}, rollout.StatusDeleting)
	})
}

func (uc *AdminUseCase) load(ctx context.Context, tenant string, id int64) (*rollout.Rollout, error) {
	ro, err := uc.rollouts.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ro == nil || ro.Tenant != tenant {
		return nil, rollout.ErrNotFound
	}
	return ro, nil
}

func (uc *AdminUseCase) transition(ctx context.Context, ro *rollout.Rollout, from []rollout.Status, to rollout.Status) error {
	moved, err := uc.rollouts.TransitionStatus(ctx, ro.ID, from, to)
	if err != nil {
		return err
	}
	if !moved {
		return rollout.ErrInvalidTransition
	}

	uc.logger.Info("rollout_transition",
		zap.Int64("rollout_id", ro.ID),
		zap.String("from", string(ro.Status)),
		zap.String("to", string(to)),
	)
	metrics.RolloutTransitions.WithLabelValues(string(to)).Inc()

	err = uc.outbox.Append(ctx, event.NewLifecycle(event.KindRolloutStatusChanged, ro.Tenant, event.RolloutStatusChanged{
		RolloutID: ro.ID,
		From:      ro.Status,
		To:        to,
	}))
	if err != nil {
		return err
	}
	ro.Status = to
	return nil
}
