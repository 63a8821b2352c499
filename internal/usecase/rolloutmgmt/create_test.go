package rolloutmgmt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetrail/fleetrail/internal/adapter/filtercompile"
	"github.com/fleetrail/fleetrail/internal/config"
	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/domain/distribution"
	"github.com/fleetrail/fleetrail/internal/domain/event"
	"github.com/fleetrail/fleetrail/internal/domain/rollout"
	"github.com/fleetrail/fleetrail/internal/domain/target"
	"github.com/fleetrail/fleetrail/pkg/snowflake"
	"github.com/fleetrail/fleetrail/pkg/testhelper"
)

type createFixture struct {
	rollouts *testhelper.FakeRolloutRepository
	groups   *testhelper.FakeGroupRepository
	sets     *testhelper.FakeDistributionRepository
	targets  *testhelper.FakeTargetRegistry
	outbox   *testhelper.RecordingAppender
	uc       *CreateUseCase
}

func newCreateFixture(t *testing.T) *createFixture {
	t.Helper()
	cfg := &config.Config{SnowflakeNodeID: 1}
	ids, err := snowflake.NewNode(cfg)
	require.NoError(t, err)

	f := &createFixture{
		rollouts: testhelper.NewFakeRolloutRepository(),
		groups:   testhelper.NewFakeGroupRepository(),
		sets:     testhelper.NewFakeDistributionRepository(),
		targets:  testhelper.NewFakeTargetRegistry(),
		outbox:   &testhelper.RecordingAppender{},
	}
	f.uc = NewCreateUseCase(
		testhelper.NopTx{}, f.rollouts, f.groups, f.sets, f.targets,
		filtercompile.New(), f.outbox, ids, cfg, zap.NewNop(),
	)
	return f
}

func (f *createFixture) seed(t *testing.T, targetCount int) {
	t.Helper()
	f.sets.AddSet(&distribution.Set{ID: 10, Tenant: "acme", Name: "fw", Version: "2.0", Complete: true})
	for i := 1; i <= targetCount; i++ {
		tgt := target.New("acme", "ctl", "secret")
		tgt.ID = int64(i)
		tgt.Name = "device"
		f.targets.Add(tgt)
	}
}

func twoGroups() []GroupSpec {
	success := rollout.Condition{Type: rollout.ConditionPercent, Value: 50}
	failure := rollout.Condition{Type: rollout.ConditionPercent, Value: 25}
	return []GroupSpec{
		{Name: "canary", TargetPercentage: 10, SuccessCondition: success, ErrorCondition: failure},
		{TargetPercentage: 90, SuccessCondition: success, ErrorCondition: failure},
	}
}

func TestCreateRollout(t *testing.T) {
	f := newCreateFixture(t)
	f.seed(t, 20)

	ro, err := f.uc.Create(context.Background(), CreateRequest{
		Tenant:            "acme",
		Name:              "fw-2.0",
		DistributionSetID: 10,
		TargetFilter:      "name==device",
		ActionType:        action.TypeForced,
		Groups:            twoGroups(),
		InitiatedBy:       "admin",
	})
	require.NoError(t, err)

	assert.Equal(t, rollout.StatusReady, ro.Status)
	assert.Equal(t, int64(20), ro.TotalTargets)
	assert.Equal(t, 2, ro.GroupCount)

	groups, err := f.groups.ListByRollout(context.Background(), ro.ID)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "canary", groups[0].Name)
	assert.Equal(t, 0, groups[0].Ordinal)
	// Unnamed groups get a positional default.
	assert.Equal(t, "group-2", groups[1].Name)
	assert.Equal(t, rollout.GroupScheduled, groups[1].Status)

	kinds := f.outbox.Kinds()
	require.Len(t, kinds, 3)
	assert.Equal(t, event.KindRolloutGroupCreated, kinds[0])
	assert.Equal(t, event.KindRolloutGroupCreated, kinds[1])
	assert.Equal(t, event.KindRolloutStatusChanged, kinds[2])
}

func TestCreateRolloutZeroTargets(t *testing.T) {
	f := newCreateFixture(t)
	f.seed(t, 0)

	ro, err := f.uc.Create(context.Background(), CreateRequest{
		Tenant:            "acme",
		Name:              "fw-2.0",
		DistributionSetID: 10,
		ActionType:        action.TypeForced,
		Groups:            twoGroups(),
		InitiatedBy:       "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), ro.TotalTargets)
	assert.Equal(t, rollout.StatusReady, ro.Status)
}

func TestCreateRolloutValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(req *CreateRequest)
		wantErr error
	}{
		{
			"no groups",
			func(req *CreateRequest) { req.Groups = nil },
			rollout.ErrNoGroups,
		},
		{
			"invalid action type",
			func(req *CreateRequest) { req.ActionType = "hard" },
			ErrInvalidActionType,
		},
		{
			"timeforced without deadline",
			func(req *CreateRequest) { req.ActionType = action.TypeTimeForced },
			action.ErrMissingForcedTime,
		},
		{
			"percentages above hundred",
			func(req *CreateRequest) {
				req.Groups[0].TargetPercentage = 60
				req.Groups[1].TargetPercentage = 60
			},
			ErrPercentagesInvalid,
		},
		{
			"non positive percentage",
			func(req *CreateRequest) { req.Groups[0].TargetPercentage = 0 },
			ErrPercentagesInvalid,
		},
		{
			"invalid condition",
			func(req *CreateRequest) {
				req.Groups[0].SuccessCondition = rollout.Condition{Type: rollout.ConditionPercent, Value: 200}
			},
			rollout.ErrInvalidGroupSpec,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCreateFixture(t)
			f.seed(t, 5)

			req := CreateRequest{
				Tenant:            "acme",
				Name:              "fw-2.0",
				DistributionSetID: 10,
				ActionType:        action.TypeForced,
				Groups:            twoGroups(),
				InitiatedBy:       "admin",
			}
			tt.mutate(&req)

			_, err := f.uc.Create(context.Background(), req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreateRolloutIncompleteSet(t *testing.T) {
	f := newCreateFixture(t)
	f.sets.AddSet(&distribution.Set{ID: 10, Tenant: "acme", Name: "fw", Version: "2.0", Complete: false})

	_, err := f.uc.Create(context.Background(), CreateRequest{
		Tenant:            "acme",
		Name:              "fw-2.0",
		DistributionSetID: 10,
		ActionType:        action.TypeForced,
		Groups:            twoGroups(),
		InitiatedBy:       "admin",
	})
	assert.ErrorIs(t, err, distribution.ErrIncomplete)
}

func TestCreateRolloutBadFilter(t *testing.T) {
	f := newCreateFixture(t)
	f.seed(t, 5)

	_, err := f.uc.Create(context.Background(), CreateRequest{
		Tenant:            "acme",
		Name:              "fw-2.0",
		DistributionSetID: 10,
		TargetFilter:      "no operator here",
		ActionType:        action.TypeForced,
		Groups:            twoGroups(),
		InitiatedBy:       "admin",
	})
	assert.Error(t, err)
}
