package deployment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetrail/fleetrail/internal/config"
	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/domain/distribution"
	"github.com/fleetrail/fleetrail/internal/domain/event"
	"github.com/fleetrail/fleetrail/internal/domain/target"
	"github.com/fleetrail/fleetrail/internal/quota"
	"github.com/fleetrail/fleetrail/pkg/maintenance"
	"github.com/fleetrail/fleetrail/pkg/snowflake"
	"github.com/fleetrail/fleetrail/pkg/testhelper"
)

type assignFixture struct {
	cfg     *config.Config
	targets *testhelper.FakeTargetRegistry
	sets    *testhelper.FakeDistributionRepository
	actions *testhelper.FakeActionRepository
	outbox  *testhelper.RecordingAppender
	uc      *AssignUseCase
}

func newAssignFixture(t *testing.T, cfg *config.Config) *assignFixture {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{
			QuotaMaxTargetsPerCall:   1000,
			QuotaMaxActionsPerTarget: 100,
		}
	}
	cfg.SnowflakeNodeID = 1

	ids, err := snowflake.NewNode(cfg)
	require.NoError(t, err)

	actions := testhelper.NewFakeActionRepository()
	targets := testhelper.NewFakeTargetRegistry()
	targets.Actions = actions
	sets := testhelper.NewFakeDistributionRepository()
	outbox := &testhelper.RecordingAppender{}

	return &assignFixture{
		cfg:     cfg,
		targets: targets,
		sets:    sets,
		actions: actions,
		outbox:  outbox,
		uc:      NewAssignUseCase(testhelper.NopTx{}, targets, sets, actions, outbox, ids, cfg, zap.NewNop()),
	}
}

func (f *assignFixture) addTarget(id int64, controllerID string) *target.Target {
	t := target.New("acme", controllerID, "secret")
	t.ID = id
	f.targets.Add(t)
	return t
}

func (f *assignFixture) addSet(id int64) *distribution.Set {
	s := &distribution.Set{ID: id, Tenant: "acme", Name: "fw", Version: "1.0", Complete: true}
	f.sets.AddSet(s)
	return s
}

func request(controllerID string, setID int64) Request {
	return Request{
		Tenant:            "acme",
		ControllerID:      controllerID,
		DistributionSetID: setID,
		Type:              action.TypeForced,
		InitiatedBy:       "admin",
	}
}

func TestAssignCreatesAction(t *testing.T) {
	f := newAssignFixture(t, nil)
	f.addTarget(1, "ctl-1")
	f.addSet(10)

	outcomes, err := f.uc.Assign(context.Background(), []Request{request("ctl-1", 10)})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeCreated, outcomes[0].Kind)

	a, err := f.actions.FindByID(context.Background(), outcomes[0].ActionID)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, action.StatusPending, a.Status)
	assert.True(t, a.Active)
	assert.Equal(t, int64(1), a.TargetID)

	entries, err := f.actions.ListEntries(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Messages[0], "admin")

	tgt, err := f.targets.FindByID(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, tgt.AssignedDistributionSetID)
	assert.Equal(t, int64(10), *tgt.AssignedDistributionSetID)
	assert.Equal(t, target.StatusPending, tgt.UpdateStatus)

	kinds := f.outbox.Kinds()
	require.Len(t, kinds, 1)
	assert.Equal(t, event.KindActionCreated, kinds[0])
}

func TestAssignConfirmationRequired(t *testing.T) {
	f := newAssignFixture(t, nil)
	f.addTarget(1, "ctl-1")
	f.addSet(10)

	req := request("ctl-1", 10)
	req.ConfirmationRequired = true

	outcomes, err := f.uc.Assign(context.Background(), []Request{req})
	require.NoError(t, err)

	a, err := f.actions.FindByID(context.Background(), outcomes[0].ActionID)
	require.NoError(t, err)
	assert.Equal(t, action.StatusWaitForConfirmation, a.Status)
}

func TestAssignSkipsExistingPair(t *testing.T) {
	f := newAssignFixture(t, nil)
	f.addTarget(1, "ctl-1")
	f.addSet(10)

	first, err := f.uc.Assign(context.Background(), []Request{request("ctl-1", 10)})
	require.NoError(t, err)

	second, err := f.uc.Assign(context.Background(), []Request{request("ctl-1", 10)})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, OutcomeSkipped, second[0].Kind)
	assert.Equal(t, first[0].ActionID, second[0].ActionID)
	assert.Len(t, f.actions.All(), 1)
}

func TestAssignSingleModeSupersedes(t *testing.T) {
	f := newAssignFixture(t, nil)
	f.addTarget(1, "ctl-1")
	f.addSet(10)
	f.addSet(20)

	outcomes, err := f.uc.Assign(context.Background(), []Request{request("ctl-1", 10)})
	require.NoError(t, err)
	oldID := outcomes[0].ActionID

	outcomes, err = f.uc.Assign(context.Background(), []Request{request("ctl-1", 20)})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeCreated, outcomes[0].Kind)

	old, err := f.actions.FindByID(context.Background(), oldID)
	require.NoError(t, err)
	assert.Equal(t, action.StatusCanceled, old.Status)
	assert.False(t, old.Active)

	tgt, err := f.targets.FindByID(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, tgt.AssignedDistributionSetID)
	assert.Equal(t, int64(20), *tgt.AssignedDistributionSetID)
}

func TestAssignSingleModeSupersedesRunning(t *testing.T) {
	f := newAssignFixture(t, nil)
	f.addTarget(1, "ctl-1")
	f.addSet(10)
	f.addSet(20)

	outcomes, err := f.uc.Assign(context.Background(), []Request{request("ctl-1", 10)})
	require.NoError(t, err)
	oldID := outcomes[0].ActionID

	old, err := f.actions.FindByID(context.Background(), oldID)
	require.NoError(t, err)
	old.Status = action.StatusRunning
	require.NoError(t, f.actions.AppendEntry(context.Background(), old, &action.Entry{Status: action.StatusRunning}))

	_, err = f.uc.Assign(context.Background(), []Request{request("ctl-1", 20)})
	require.NoError(t, err)

	// A running action cannot cancel immediately; the device must
	// acknowledge first.
	old, err = f.actions.FindByID(context.Background(), oldID)
	require.NoError(t, err)
	assert.Equal(t, action.StatusCanceling, old.Status)
	assert.True(t, old.Active)
}

func TestAssignMultiModeUpdatesInPlace(t *testing.T) {
	cfg := &config.Config{
		QuotaMaxTargetsPerCall:        1000,
		QuotaMaxActionsPerTarget:      100,
		MultiAssignmentEnabled:        true,
		MultiAssignmentWeightRequired: true,
	}
	f := newAssignFixture(t, cfg)
	f.addTarget(1, "ctl-1")
	f.addSet(10)

	w1 := 100
	req := request("ctl-1", 10)
	req.Weight = &w1

	outcomes, err := f.uc.Assign(context.Background(), []Request{req})
	require.NoError(t, err)
	actionID := outcomes[0].ActionID

	w2 := 500
	req.Weight = &w2
	req.Type = action.TypeSoft

	outcomes, err = f.uc.Assign(context.Background(), []Request{req})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeUpdated, outcomes[0].Kind)
	assert.Equal(t, actionID, outcomes[0].ActionID)

	a, err := f.actions.FindByID(context.Background(), actionID)
	require.NoError(t, err)
	require.NotNil(t, a.Weight)
	assert.Equal(t, 500, *a.Weight)
	assert.Equal(t, action.TypeSoft, a.Type)
	assert.Len(t, f.actions.All(), 1)
}

func TestAssignMultiModeKeepsBothActions(t *testing.T) {
	cfg := &config.Config{
		QuotaMaxTargetsPerCall:   1000,
		QuotaMaxActionsPerTarget: 100,
		MultiAssignmentEnabled:   true,
	}
	f := newAssignFixture(t, cfg)
	f.addTarget(1, "ctl-1")
	f.addSet(10)
	f.addSet(20)

	w1, w2 := 100, 500
	reqA := request("ctl-1", 10)
	reqA.Weight = &w1
	reqB := request("ctl-1", 20)
	reqB.Weight = &w2

	_, err := f.uc.Assign(context.Background(), []Request{reqA})
	require.NoError(t, err)
	_, err = f.uc.Assign(context.Background(), []Request{reqB})
	require.NoError(t, err)

	assert.Len(t, f.actions.All(), 2)

	// The heavier assignment wins the target pointer.
	tgt, err := f.targets.FindByID(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, tgt.AssignedDistributionSetID)
	assert.Equal(t, int64(20), *tgt.AssignedDistributionSetID)
}

func TestAssignWeightValidation(t *testing.T) {
	t.Run("weight rejected in single mode", func(t *testing.T) {
		f := newAssignFixture(t, nil)
		f.addTarget(1, "ctl-1")
		f.addSet(10)

		w := 100
		req := request("ctl-1", 10)
		req.Weight = &w

		_, err := f.uc.Assign(context.Background(), []Request{req})
		assert.ErrorIs(t, err, ErrWeightNotAllowed)
	})

	t.Run("weight required in multi mode", func(t *testing.T) {
		cfg := &config.Config{
			QuotaMaxTargetsPerCall:        1000,
			QuotaMaxActionsPerTarget:      100,
			MultiAssignmentEnabled:        true,
			MultiAssignmentWeightRequired: true,
		}
		f := newAssignFixture(t, cfg)
		f.addTarget(1, "ctl-1")
		f.addSet(10)

		_, err := f.uc.Assign(context.Background(), []Request{request("ctl-1", 10)})
		assert.ErrorIs(t, err, ErrWeightRequired)
	})
}

func TestAssignValidationErrors(t *testing.T) {
	f := newAssignFixture(t, nil)
	f.addTarget(1, "ctl-1")
	f.addSet(10)

	t.Run("unknown action type", func(t *testing.T) {
		req := request("ctl-1", 10)
		req.Type = action.Type("hard")
		_, err := f.uc.Assign(context.Background(), []Request{req})
		assert.ErrorIs(t, err, ErrInvalidActionType)
	})

	t.Run("timeforced without deadline", func(t *testing.T) {
		req := request("ctl-1", 10)
		req.Type = action.TypeTimeForced
		_, err := f.uc.Assign(context.Background(), []Request{req})
		assert.ErrorIs(t, err, action.ErrMissingForcedTime)
	})

	t.Run("timeforced with deadline", func(t *testing.T) {
		forced := time.Now().Add(time.Hour)
		req := request("ctl-1", 10)
		req.Type = action.TypeTimeForced
		req.ForcedTime = &forced
		_, err := f.uc.Assign(context.Background(), []Request{req})
		assert.NoError(t, err)
	})

	t.Run("invalid maintenance window", func(t *testing.T) {
		req := request("ctl-1", 10)
		req.MaintenanceSchedule = "not a cron"
		req.MaintenanceDuration = "1h"
		_, err := f.uc.Assign(context.Background(), []Request{req})
		assert.ErrorIs(t, err, maintenance.ErrInvalidSchedule)
	})
}

func TestAssignIncompleteSetRejected(t *testing.T) {
	f := newAssignFixture(t, nil)
	f.addTarget(1, "ctl-1")
	f.sets.AddSet(&distribution.Set{ID: 10, Tenant: "acme", Name: "fw", Version: "1.0", Complete: false})

	_, err := f.uc.Assign(context.Background(), []Request{request("ctl-1", 10)})
	assert.ErrorIs(t, err, distribution.ErrIncomplete)
}

func TestAssignUnknownTarget(t *testing.T) {
	f := newAssignFixture(t, nil)
	f.addSet(10)

	_, err := f.uc.Assign(context.Background(), []Request{request("ghost", 10)})
	assert.ErrorIs(t, err, target.ErrNotFound)
}

func TestAssignIncompatibleType(t *testing.T) {
	f := newAssignFixture(t, nil)
	f.addTarget(1, "ctl-1")
	f.addSet(10)
	f.targets.CompatFn = func(targetID, distributionSetID int64) bool { return false }

	_, err := f.uc.Assign(context.Background(), []Request{request("ctl-1", 10)})
	assert.ErrorIs(t, err, ErrIncompatibleType)
}

func TestAssignBatchQuota(t *testing.T) {
	cfg := &config.Config{
		QuotaMaxTargetsPerCall:   2,
		QuotaMaxActionsPerTarget: 100,
	}
	f := newAssignFixture(t, cfg)
	f.addSet(10)
	for i := int64(1); i <= 3; i++ {
		f.addTarget(i, "ctl-"+string(rune('0'+i)))
	}

	_, err := f.uc.Assign(context.Background(), []Request{
		request("ctl-1", 10), request("ctl-2", 10), request("ctl-3", 10),
	})
	assert.ErrorIs(t, err, quota.ErrExceeded)
	assert.Empty(t, f.actions.All())
}

func TestAssignTargetActionQuota(t *testing.T) {
	cfg := &config.Config{
		QuotaMaxTargetsPerCall:   1000,
		QuotaMaxActionsPerTarget: 1,
		MultiAssignmentEnabled:   true,
	}
	f := newAssignFixture(t, cfg)
	f.addTarget(1, "ctl-1")
	f.addSet(10)
	f.addSet(20)

	_, err := f.uc.Assign(context.Background(), []Request{request("ctl-1", 10)})
	require.NoError(t, err)

	_, err = f.uc.Assign(context.Background(), []Request{request("ctl-1", 20)})
	assert.ErrorIs(t, err, quota.ErrExceeded)
}

func TestAssignDedupesBatch(t *testing.T) {
	f := newAssignFixture(t, nil)
	f.addTarget(1, "ctl-1")
	f.addSet(10)

	reqA := request("ctl-1", 10)
	reqB := request("ctl-1", 10)
	reqB.ConfirmationRequired = true

	outcomes, err := f.uc.Assign(context.Background(), []Request{reqA, reqB})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	// Last occurrence wins.
	a, err := f.actions.FindByID(context.Background(), outcomes[0].ActionID)
	require.NoError(t, err)
	assert.Equal(t, action.StatusWaitForConfirmation, a.Status)
}
