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
	"github.com/fleetrail/fleetrail/internal/domain/filter"
	"github.com/fleetrail/fleetrail/internal/domain/target"
	"github.com/fleetrail/fleetrail/internal/usecase/deployment"
	"github.com/fleetrail/fleetrail/pkg/snowflake"
	"github.com/fleetrail/fleetrail/pkg/testhelper"
)

type autoassignFixture struct {
	filters  *testhelper.FakeFilterRepository
	targets  *testhelper.FakeTargetRegistry
	sets     *testhelper.FakeDistributionRepository
	actions  *testhelper.FakeActionRepository
	assigner *deployment.AssignUseCase
	rec      *AutoAssignReconciler
}

func newAutoassignFixture(t *testing.T) *autoassignFixture {
	t.Helper()
	cfg := &config.Config{
		SnowflakeNodeID:          1,
		QuotaMaxTargetsPerCall:   1000,
		QuotaMaxActionsPerTarget: 100,
		AutoAssignPageSize:       100,
	}
	ids, err := snowflake.NewNode(cfg)
	require.NoError(t, err)

	f := &autoassignFixture{
		filters: testhelper.NewFakeFilterRepository(),
		sets:    testhelper.NewFakeDistributionRepository(),
		actions: testhelper.NewFakeActionRepository(),
	}
	f.targets = testhelper.NewFakeTargetRegistry()
	f.targets.Actions = f.actions

	logger := zap.NewNop()
	f.assigner = deployment.NewAssignUseCase(
		testhelper.NopTx{}, f.targets, f.sets, f.actions,
		&testhelper.RecordingAppender{}, ids, cfg, logger,
	)
	f.rec = NewAutoAssignReconciler(f.filters, f.targets, f.sets, f.actions, filtercompile.New(), f.assigner, cfg, logger)
	return f
}

func (f *autoassignFixture) addTarget(id int64, region string) *target.Target {
	tgt := target.New("acme", fmt.Sprintf("ctl-%02d", id), "secret")
	tgt.ID = id
	tgt.Attributes["region"] = region
	f.targets.Add(tgt)
	return tgt
}

func (f *autoassignFixture) addFilter(id, setID int64, expression string) *filter.Query {
	q := &filter.Query{
		ID:                          id,
		Tenant:                      "acme",
		Name:                        fmt.Sprintf("filter-%d", id),
		Expression:                  expression,
		AutoAssignDistributionSetID: &setID,
		AutoAssignInitiatedBy:       "auto-assignment",
	}
	_ = f.filters.Save(context.Background(), q)
	return q
}

func TestAutoAssignMatchingTargets(t *testing.T) {
	f := newAutoassignFixture(t)
	f.sets.AddSet(&distribution.Set{ID: 10, Tenant: "acme", Name: "fw", Version: "1.0", Complete: true})
	f.addFilter(1, 10, "region==eu")

	f.addTarget(1, "eu")
	f.addTarget(2, "eu")
	f.addTarget(3, "us")

	require.NoError(t, f.rec.checkAll(context.Background()))

	all := f.actions.All()
	require.Len(t, all, 2)
	for _, a := range all {
		assert.Equal(t, action.StatusPending, a.Status)
		assert.Equal(t, "auto-assignment", a.InitiatedBy)
	}

	// A second pass finds nothing new; the first pass's actions exclude
	// the targets from the page query.
	require.NoError(t, f.rec.checkAll(context.Background()))
	assert.Len(t, f.actions.All(), 2)
}

func TestAutoAssignSkipsIncompleteSet(t *testing.T) {
	f := newAutoassignFixture(t)
	f.sets.AddSet(&distribution.Set{ID: 10, Tenant: "acme", Name: "fw", Version: "1.0", Complete: false})
	f.addFilter(1, 10, "region==eu")
	f.addTarget(1, "eu")

	require.NoError(t, f.rec.checkAll(context.Background()))
	assert.Empty(t, f.actions.All())
}

func TestAutoAssignFilterFailureIsIsolated(t *testing.T) {
	f := newAutoassignFixture(t)
	f.sets.AddSet(&distribution.Set{ID: 10, Tenant: "acme", Name: "fw", Version: "1.0", Complete: true})

	// The first filter points at a missing set; the second must still
	// run.
	f.addFilter(1, 999, "region==eu")
	f.addFilter(2, 10, "region==eu")
	f.addTarget(1, "eu")

	require.NoError(t, f.rec.checkAll(context.Background()))
	assert.Len(t, f.actions.All(), 1)
}

func TestCheckSingleTarget(t *testing.T) {
	f := newAutoassignFixture(t)
	f.sets.AddSet(&distribution.Set{ID: 10, Tenant: "acme", Name: "fw", Version: "1.0", Complete: true})
	f.addFilter(1, 10, "region==eu")

	t.Run("matching target is assigned", func(t *testing.T) {
		tgt := f.addTarget(1, "eu")
		require.NoError(t, f.rec.CheckSingleTarget(context.Background(), tgt))
		assert.Len(t, f.actions.All(), 1)
	})

	t.Run("non matching target is left alone", func(t *testing.T) {
		tgt := f.addTarget(2, "us")
		require.NoError(t, f.rec.CheckSingleTarget(context.Background(), tgt))
		assert.Len(t, f.actions.All(), 1)
	})

	t.Run("already installed set is not reassigned", func(t *testing.T) {
		tgt := f.addTarget(3, "eu")
		installed := int64(10)
		tgt.InstalledDistributionSetID = &installed
		require.NoError(t, f.targets.Save(context.Background(), tgt))

		require.NoError(t, f.rec.CheckSingleTarget(context.Background(), tgt))
		assert.Len(t, f.actions.All(), 1)
	})

	t.Run("other tenant filters are ignored", func(t *testing.T) {
		tgt := target.New("other", "ctl-99", "secret")
		tgt.ID = 99
		tgt.Attributes["region"] = "eu"
		f.targets.Add(tgt)

		require.NoError(t, f.rec.CheckSingleTarget(context.Background(), tgt))
		assert.Len(t, f.actions.All(), 1)
	})

	t.Run("terminal action for the set blocks reassignment", func(t *testing.T) {
		tgt := f.addTarget(4, "eu")
		require.NoError(t, f.actions.Create(context.Background(), &action.Action{
			ID:                9001,
			Tenant:            "acme",
			TargetID:          tgt.ID,
			DistributionSetID: 10,
			Status:            action.StatusError,
			Type:              action.TypeForced,
		}, nil))

		before := len(f.actions.All())
		require.NoError(t, f.rec.CheckSingleTarget(context.Background(), tgt))
		assert.Len(t, f.actions.All(), before)
	})
}

func TestCheckSingleTargetSkipsIncompatibleFilter(t *testing.T) {
	f := newAutoassignFixture(t)
	f.sets.AddSet(&distribution.Set{ID: 20, Tenant: "acme", Name: "edge", Version: "1.0", Complete: true})
	f.sets.AddSet(&distribution.Set{ID: 10, Tenant: "acme", Name: "fw", Version: "1.0", Complete: true})

	// The lower filter ID wins the ordering but its set is incompatible
	// with the target; the later filter must still assign.
	f.addFilter(1, 20, "region==eu")
	f.addFilter(2, 10, "region==eu")
	f.targets.CompatFn = func(_, setID int64) bool { return setID != 20 }

	tgt := f.addTarget(1, "eu")
	require.NoError(t, f.rec.CheckSingleTarget(context.Background(), tgt))

	all := f.actions.All()
	require.Len(t, all, 1)
	assert.Equal(t, int64(10), all[0].DistributionSetID)
}
