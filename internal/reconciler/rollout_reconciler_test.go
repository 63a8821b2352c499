package reconciler

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetrail/fleetrail/internal/adapter/filtercompile"
	"github.com/fleetrail/fleetrail/internal/config"
	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/domain/distribution"
	"github.com/fleetrail/fleetrail/internal/domain/rollout"
	"github.com/fleetrail/fleetrail/internal/domain/target"
	"github.com/fleetrail/fleetrail/internal/usecase/deployment"
	"github.com/fleetrail/fleetrail/internal/usecase/rolloutmgmt"
	"github.com/fleetrail/fleetrail/pkg/snowflake"
	"github.com/fleetrail/fleetrail/pkg/testhelper"
)

type rolloutFixture struct {
	cfg      *config.Config
	targets  *testhelper.FakeTargetRegistry
	sets     *testhelper.FakeDistributionRepository
	actions  *testhelper.FakeActionRepository
	rollouts *testhelper.FakeRolloutRepository
	groups   *testhelper.FakeGroupRepository
	outbox   *testhelper.RecordingAppender

	assigner *deployment.AssignUseCase
	status   *deployment.StatusUseCase
	creator  *rolloutmgmt.CreateUseCase
	rec      *RolloutReconciler
}

func newRolloutFixture(t *testing.T) *rolloutFixture {
	t.Helper()
	cfg := &config.Config{
		SnowflakeNodeID:          1,
		QuotaMaxTargetsPerCall:   1000,
		QuotaMaxActionsPerTarget: 100,
		RolloutPageSize:          100,
		RolloutTicksPerSecond:    1000,
	}
	ids, err := snowflake.NewNode(cfg)
	require.NoError(t, err)

	f := &rolloutFixture{
		cfg:      cfg,
		sets:     testhelper.NewFakeDistributionRepository(),
		actions:  testhelper.NewFakeActionRepository(),
		rollouts: testhelper.NewFakeRolloutRepository(),
		groups:   testhelper.NewFakeGroupRepository(),
		outbox:   &testhelper.RecordingAppender{},
	}
	f.targets = testhelper.NewFakeTargetRegistry()
	f.targets.Actions = f.actions

	logger := zap.NewNop()
	compiler := filtercompile.New()
	f.assigner = deployment.NewAssignUseCase(testhelper.NopTx{}, f.targets, f.sets, f.actions, f.outbox, ids, cfg, logger)
	f.status = deployment.NewStatusUseCase(testhelper.NopTx{}, f.targets, f.actions, f.outbox, logger)
	f.creator = rolloutmgmt.NewCreateUseCase(testhelper.NopTx{}, f.rollouts, f.groups, f.sets, f.targets, compiler, f.outbox, ids, cfg, logger)
	f.rec = NewRolloutReconciler(
		testhelper.NopTx{}, f.rollouts, f.groups, f.actions, f.targets,
		compiler, f.assigner, f.status, f.outbox, cfg, logger,
	)
	return f
}

func (f *rolloutFixture) seed(t *testing.T, targetCount int) {
	t.Helper()
	f.sets.AddSet(&distribution.Set{ID: 10, Tenant: "acme", Name: "fw", Version: "2.0", Complete: true})
	for i := 1; i <= targetCount; i++ {
		tgt := target.New("acme", fmt.Sprintf("ctl-%02d", i), "secret")
		tgt.ID = int64(i)
		f.targets.Add(tgt)
	}
}

func (f *rolloutFixture) createRollout(t *testing.T, groups []rolloutmgmt.GroupSpec) *rollout.Rollout {
	t.Helper()
	ro, err := f.creator.Create(context.Background(), rolloutmgmt.CreateRequest{
		Tenant:            "acme",
		Name:              "fw-2.0",
		DistributionSetID: 10,
		ActionType:        action.TypeForced,
		Groups:            groups,
		InitiatedBy:       "admin",
	})
	require.NoError(t, err)

	moved, err := f.rollouts.TransitionStatus(context.Background(), ro.ID, []rollout.Status{rollout.StatusReady}, rollout.StatusStarting)
	require.NoError(t, err)
	require.True(t, moved)
	return ro
}

func (f *rolloutFixture) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, f.rec.reconcile(context.Background()))
}

func (f *rolloutFixture) rolloutStatus(t *testing.T, id int64) rollout.Status {
	t.Helper()
	ro, err := f.rollouts.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, ro)
	return ro.Status
}

// groupActions returns the actions materialized for the group at the
// given ordinal.
func (f *rolloutFixture) groupActions(t *testing.T, rolloutID int64, ordinal int) []*action.Action {
	t.Helper()
	groups, err := f.groups.ListByRollout(context.Background(), rolloutID)
	require.NoError(t, err)
	require.Greater(t, len(groups), ordinal)

	var out []*action.Action
	for _, a := range f.actions.All() {
		if a.RolloutGroupID != nil && *a.RolloutGroupID == groups[ordinal].ID {
			out = append(out, a)
		}
	}
	return out
}

// reportGroup drives every one of the group's actions to the given
// terminal status through the regular device feedback path.
func (f *rolloutFixture) reportGroup(t *testing.T, rolloutID int64, ordinal int, status action.Status) {
	t.Helper()
	for _, a := range f.groupActions(t, rolloutID, ordinal) {
		if action.IsTerminal(a.Status) {
			continue
		}
		tgt, err := f.targets.FindByID(context.Background(), a.TargetID)
		require.NoError(t, err)
		require.NoError(t, f.status.ReportStatus(context.Background(), deployment.Report{
			Tenant:       "acme",
			ControllerID: tgt.ControllerID,
			ActionID:     a.ID,
			Status:       status,
		}))
	}
}

func percentGroups(percentages ...float64) []rolloutmgmt.GroupSpec {
	specs := make([]rolloutmgmt.GroupSpec, 0, len(percentages))
	for _, p := range percentages {
		specs = append(specs, rolloutmgmt.GroupSpec{
			TargetPercentage: p,
			SuccessCondition: rollout.Condition{Type: rollout.ConditionPercent, Value: 100},
			ErrorCondition:   rollout.Condition{Type: rollout.ConditionPercent, Value: 50},
		})
	}
	return specs
}

func TestRolloutRunsGroupsToCompletion(t *testing.T) {
	f := newRolloutFixture(t)
	f.seed(t, 25)
	ro := f.createRollout(t, percentGroups(40, 30, 30))
	assert.Equal(t, int64(25), ro.TotalTargets)

	// First tick materializes the first group and moves to running.
	f.tick(t)
	assert.Equal(t, rollout.StatusRunning, f.rolloutStatus(t, ro.ID))
	assert.Len(t, f.groupActions(t, ro.ID, 0), 10)

	// Nothing finished yet, the rollout waits.
	f.tick(t)
	assert.Empty(t, f.groupActions(t, ro.ID, 1))

	// Finishing group one releases group two: 30% of 25 rounds half up.
	f.reportGroup(t, ro.ID, 0, action.StatusFinished)
	f.tick(t)
	assert.Len(t, f.groupActions(t, ro.ID, 1), 8)
	assert.Equal(t, rollout.StatusRunning, f.rolloutStatus(t, ro.ID))

	// The last group absorbs the remainder.
	f.reportGroup(t, ro.ID, 1, action.StatusFinished)
	f.tick(t)
	assert.Len(t, f.groupActions(t, ro.ID, 2), 7)

	f.reportGroup(t, ro.ID, 2, action.StatusFinished)
	f.tick(t)
	assert.Equal(t, rollout.StatusFinished, f.rolloutStatus(t, ro.ID))

	groups, err := f.groups.ListByRollout(context.Background(), ro.ID)
	require.NoError(t, err)
	for _, g := range groups {
		assert.Equal(t, rollout.GroupFinished, g.Status)
	}

	// Every target of the population received exactly one action.
	assert.Len(t, f.actions.All(), 25)
}

func TestRolloutPausesOnErrorThreshold(t *testing.T) {
	f := newRolloutFixture(t)
	f.seed(t, 10)

	specs := percentGroups(50, 50)
	// One error out of five trips the threshold.
	specs[0].ErrorCondition = rollout.Condition{Type: rollout.ConditionPercent, Value: 20}
	ro := f.createRollout(t, specs)

	f.tick(t)
	group0 := f.groupActions(t, ro.ID, 0)
	require.Len(t, group0, 5)

	tgt, err := f.targets.FindByID(context.Background(), group0[0].TargetID)
	require.NoError(t, err)
	require.NoError(t, f.status.ReportStatus(context.Background(), deployment.Report{
		Tenant:       "acme",
		ControllerID: tgt.ControllerID,
		ActionID:     group0[0].ID,
		Status:       action.StatusError,
	}))

	f.tick(t)
	assert.Equal(t, rollout.StatusPaused, f.rolloutStatus(t, ro.ID))

	groups, err := f.groups.ListByRollout(context.Background(), ro.ID)
	require.NoError(t, err)
	assert.Equal(t, rollout.GroupError, groups[0].Status)

	// The second group never started.
	assert.Empty(t, f.groupActions(t, ro.ID, 1))
}

func TestRolloutResumesAfterErrorPause(t *testing.T) {
	f := newRolloutFixture(t)
	f.seed(t, 10)

	specs := percentGroups(40, 30, 30)
	// One error out of three trips the second group's threshold.
	specs[1].ErrorCondition = rollout.Condition{Type: rollout.ConditionPercent, Value: 20}
	ro := f.createRollout(t, specs)

	f.tick(t)
	f.reportGroup(t, ro.ID, 0, action.StatusFinished)
	f.tick(t)
	group1 := f.groupActions(t, ro.ID, 1)
	require.Len(t, group1, 3)

	failed := group1[0]
	tgt, err := f.targets.FindByID(context.Background(), failed.TargetID)
	require.NoError(t, err)
	require.NoError(t, f.status.ReportStatus(context.Background(), deployment.Report{
		Tenant:       "acme",
		ControllerID: tgt.ControllerID,
		ActionID:     failed.ID,
		Status:       action.StatusError,
	}))

	f.tick(t)
	require.Equal(t, rollout.StatusPaused, f.rolloutStatus(t, ro.ID))
	require.Empty(t, f.groupActions(t, ro.ID, 2))

	moved, err := f.rollouts.TransitionStatus(context.Background(), ro.ID, []rollout.Status{rollout.StatusPaused}, rollout.StatusRunning)
	require.NoError(t, err)
	require.True(t, moved)

	// The resumed tick retries the failed target and puts the group back
	// to work instead of finishing the rollout early.
	f.tick(t)
	assert.Equal(t, rollout.StatusRunning, f.rolloutStatus(t, ro.ID))

	group1 = f.groupActions(t, ro.ID, 1)
	require.Len(t, group1, 4)
	var retry *action.Action
	for _, a := range group1 {
		if a.TargetID == failed.TargetID && a.ID != failed.ID {
			retry = a
		}
	}
	require.NotNil(t, retry)
	assert.Equal(t, action.StatusPending, retry.Status)

	groups, err := f.groups.ListByRollout(context.Background(), ro.ID)
	require.NoError(t, err)
	assert.Equal(t, rollout.GroupRunning, groups[1].Status)

	// Another tick without feedback must not re-trip the old error.
	f.tick(t)
	assert.Equal(t, rollout.StatusRunning, f.rolloutStatus(t, ro.ID))

	// Finishing the group, retry included, releases the last group.
	f.reportGroup(t, ro.ID, 1, action.StatusFinished)
	f.tick(t)
	assert.Len(t, f.groupActions(t, ro.ID, 2), 3)
	assert.Equal(t, rollout.StatusRunning, f.rolloutStatus(t, ro.ID))

	f.reportGroup(t, ro.ID, 2, action.StatusFinished)
	f.tick(t)
	assert.Equal(t, rollout.StatusFinished, f.rolloutStatus(t, ro.ID))
}

func TestRolloutOverEmptyPopulationFinishes(t *testing.T) {
	f := newRolloutFixture(t)
	f.sets.AddSet(&distribution.Set{ID: 10, Tenant: "acme", Name: "fw", Version: "2.0", Complete: true})
	ro := f.createRollout(t, percentGroups(100))

	f.tick(t)
	assert.Equal(t, rollout.StatusFinished, f.rolloutStatus(t, ro.ID))
	assert.Empty(t, f.actions.All())
}

func TestRolloutDeletionCancelsActions(t *testing.T) {
	f := newRolloutFixture(t)
	f.seed(t, 5)
	ro := f.createRollout(t, percentGroups(100))

	f.tick(t)
	require.Len(t, f.groupActions(t, ro.ID, 0), 5)

	moved, err := f.rollouts.TransitionStatus(context.Background(), ro.ID, []rollout.Status{rollout.StatusRunning}, rollout.StatusDeleting)
	require.NoError(t, err)
	require.True(t, moved)

	f.tick(t)
	assert.Equal(t, rollout.StatusDeleted, f.rolloutStatus(t, ro.ID))
	for _, a := range f.groupActions(t, ro.ID, 0) {
		assert.Equal(t, action.StatusCanceled, a.Status)
	}
}

func TestRolloutMaterializationIsIdempotent(t *testing.T) {
	f := newRolloutFixture(t)
	f.seed(t, 5)
	ro := f.createRollout(t, percentGroups(100))

	f.tick(t)
	require.Len(t, f.actions.All(), 5)

	// Rewind the rollout as if the process crashed between materializing
	// the group and recording the running state.
	moved, err := f.rollouts.TransitionStatus(context.Background(), ro.ID, []rollout.Status{rollout.StatusRunning}, rollout.StatusStarting)
	require.NoError(t, err)
	require.True(t, moved)
	groups, err := f.groups.ListByRollout(context.Background(), ro.ID)
	require.NoError(t, err)
	_, err = f.groups.TransitionStatus(context.Background(), groups[0].ID, []rollout.GroupStatus{rollout.GroupRunning}, rollout.GroupScheduled)
	require.NoError(t, err)

	// Replaying the tick must not double assign.
	f.tick(t)
	assert.Len(t, f.actions.All(), 5)
	assert.Equal(t, rollout.StatusRunning, f.rolloutStatus(t, ro.ID))
}
