package deployment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/domain/event"
	"github.com/fleetrail/fleetrail/internal/domain/target"
	"github.com/fleetrail/fleetrail/internal/metrics"
	"github.com/fleetrail/fleetrail/internal/outbox"
	"github.com/fleetrail/fleetrail/pkg/db"
)

var ErrActionTargetMismatch = errors.New("action does not belong to this target")

// StatusUseCase processes device status feedback and administrative
// cancellation. All writes for one report happen in one transaction.
type StatusUseCase struct {
	tx      db.TxRunner
	targets target.Registry
	actions action.Repository
	outbox  outbox.Appender
	logger  *zap.Logger
}

func NewStatusUseCase(
	tx db.TxRunner,
	targets target.Registry,
	actions action.Repository,
	ob outbox.Appender,
	logger *zap.Logger,
) *StatusUseCase {
	return &StatusUseCase{
		tx:      tx,
		targets: targets,
		actions: actions,
		outbox:  ob,
		logger:  logger,
	}
}

// Report is one device feedback message for an action.
type Report struct {
	Tenant       string
	ControllerID string
	ActionID     int64
	Status       action.Status
	Messages     []string
}

// ReportStatus applies one feedback message. Reports against terminal
// actions are acknowledged and dropped so devices can retry safely.
func (uc *StatusUseCase) ReportStatus(ctx context.Context, report Report) error {
	metrics.StatusReports.WithLabelValues(string(report.Status)).Inc()
	return uc.tx.InTx(ctx, func(ctx context.Context) error {
		a, t, err := uc.loadOwned(ctx, report.Tenant, report.ControllerID, report.ActionID)
		if err != nil {
			return err
		}

		if action.IsTerminal(a.Status) {
			uc.logger.Warn("status_report_on_terminal_action",
				zap.Int64("action_id", a.ID),
				zap.String("controller_id", report.ControllerID),
				zap.String("current", string(a.Status)),
				zap.String("reported", string(report.Status)),
			)
			return nil
		}
		if report.Status == a.Status {
			// Progress update without a state change; audit only.
			return uc.append(ctx, a, report.Status, report.Messages)
		}
		if !action.CanTransition(a.Status, report.Status) {
			return fmt.Errorf("%w: %s -> %s", action.ErrInvalidTransition, a.Status, report.Status)
		}

		from := a.Status
		a.Status = report.Status
		a.Active = !action.IsTerminal(report.Status)

		if err := uc.append(ctx, a, report.Status, report.Messages); err != nil {
			return err
		}

		switch report.Status {
		case action.StatusFinished:
			if err := uc.applyFinished(ctx, a, t); err != nil {
				return err
			}
		case action.StatusError:
			if err := uc.targets.UpdateStatus(ctx, t.ID, target.StatusError); err != nil {
				return err
			}
		case action.StatusCanceled:
			if err := uc.rederiveAssignment(ctx, t); err != nil {
				return err
			}
		}

		return uc.outbox.Append(ctx, event.NewLifecycle(event.KindActionStatusChanged, a.Tenant, event.ActionStatusChanged{
			ActionID: a.ID,
			TargetID: a.TargetID,
			From:     from,
			To:       a.Status,
		}))
	})
}

// Cancel requests cancellation of an open action. Actions the device has
// not picked up cancel immediately; running ones move to canceling and
// wait for device acknowledgement.
func (uc *StatusUseCase) Cancel(ctx context.Context, tenant string, actionID int64) error {
	return uc.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := uc.load(ctx, tenant, actionID)
		if err != nil {
			return err
		}
		if action.IsTerminal(a.Status) {
			return action.ErrAlreadyTerminal
		}
		if a.Status == action.StatusCanceling {
			return nil
		}

		from := a.Status
		switch a.Status {
		case action.StatusPending, action.StatusWaitForConfirmation:
			a.Status = action.StatusCanceled
			a.Active = false
		case action.StatusRunning:
			a.Status = action.StatusCanceling
		}

		if err := uc.append(ctx, a, a.Status, []string{"cancellation requested"}); err != nil {
			return err
		}

		if a.Status == action.StatusCanceled {
			t, err := uc.targets.FindByID(ctx, a.TargetID)
			if err != nil {
				return err
			}
			if t == nil {
				return target.ErrNotFound
			}
			if err := uc.rederiveAssignment(ctx, t); err != nil {
				return err
			}
		}

		return uc.outbox.Append(ctx, event.NewLifecycle(event.KindActionStatusChanged, a.Tenant, event.ActionStatusChanged{
			ActionID: a.ID,
			TargetID: a.TargetID,
			From:     from,
			To:       a.Status,
		}))
	})
}

// Confirm releases an action parked in wait_for_confirmation.
func (uc *StatusUseCase) Confirm(ctx context.Context, tenant, controllerID string, actionID int64) error {
	return uc.tx.InTx(ctx, func(ctx context.Context) error {
		a, _, err := uc.loadOwned(ctx, tenant, controllerID, actionID)
		if err != nil {
			return err
		}
		if a.Status != action.StatusWaitForConfirmation {
			return fmt.Errorf("%w: %s -> %s", action.ErrInvalidTransition, a.Status, action.StatusRunning)
		}

		from := a.Status
		a.Status = action.StatusRunning
		if err := uc.append(ctx, a, a.Status, []string{"confirmed by device"}); err != nil {
			return err
		}

		return uc.outbox.Append(ctx, event.NewLifecycle(event.KindActionStatusChanged, a.Tenant, event.ActionStatusChanged{
			ActionID: a.ID,
			TargetID: a.TargetID,
			From:     from,
			To:       a.Status,
		}))
	})
}

func (uc *StatusUseCase) applyFinished(ctx context.Context, a *action.Action, t *target.Target) error {
	t.InstalledDistributionSetID = &a.DistributionSetID
	if err := uc.targets.Save(ctx, t); err != nil {
		return err
	}

	// Another open action may still point the target elsewhere.
	winner, err := uc.actions.FindOldestOpenByTarget(ctx, t.ID)
	if err != nil {
		return err
	}
	if winner != nil {
		return uc.targets.SetAssignedDistributionSet(ctx, t.ID, &winner.DistributionSetID, target.StatusPending)
	}
	return uc.targets.SetAssignedDistributionSet(ctx, t.ID, &a.DistributionSetID, target.StatusInSync)
}

// rederiveAssignment recomputes the assigned set after a cancellation
// removed the previous winner.
func (uc *StatusUseCase) rederiveAssignment(ctx context.Context, t *target.Target) error {
	winner, err := uc.actions.FindOldestOpenByTarget(ctx, t.ID)
	if err != nil {
		return err
	}
	if winner != nil {
		return uc.targets.SetAssignedDistributionSet(ctx, t.ID, &winner.DistributionSetID, target.StatusPending)
	}

	status := t.UpdateStatus
	if t.InstalledDistributionSetID != nil {
		status = target.StatusInSync
	}
	return uc.targets.SetAssignedDistributionSet(ctx, t.ID, t.InstalledDistributionSetID, status)
}

func (uc *StatusUseCase) load(ctx context.Context, tenant string, actionID int64) (*action.Action, error) {
	a, err := uc.actions.FindByID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if a == nil || a.Tenant != tenant {
		return nil, action.ErrNotFound
	}
	return a, nil
}

func (uc *StatusUseCase) loadOwned(ctx context.Context, tenant, controllerID string, actionID int64) (*action.Action, *target.Target, error) {
	a, err := uc.load(ctx, tenant, actionID)
	if err != nil {
		return nil, nil, err
	}
	t, err := uc.targets.FindByControllerID(ctx, tenant, controllerID)
	if err != nil {
		return nil, nil, err
	}
	if t == nil {
		return nil, nil, target.ErrNotFound
	}
	if a.TargetID != t.ID {
		return nil, nil, ErrActionTargetMismatch
	}
	return a, t, nil
}

func (uc *StatusUseCase) append(ctx context.Context, a *action.Action, status action.Status, messages []string) error {
	now := time.Now().UTC()
	entry := &action.Entry{
		Status:     status,
		Messages:   messages,
		OccurredAt: now,
		CreatedAt:  now,
	}
	return uc.actions.AppendEntry(ctx, a, entry)
}
