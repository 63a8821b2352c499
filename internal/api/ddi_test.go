package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetrail/fleetrail/internal/adapter/filtercompile"
	"github.com/fleetrail/fleetrail/internal/config"
	"github.com/fleetrail/fleetrail/internal/domain/distribution"
	"github.com/fleetrail/fleetrail/internal/domain/filter"
	"github.com/fleetrail/fleetrail/internal/domain/target"
	"github.com/fleetrail/fleetrail/internal/reconciler"
	"github.com/fleetrail/fleetrail/internal/usecase/deployment"
	"github.com/fleetrail/fleetrail/pkg/snowflake"
	"github.com/fleetrail/fleetrail/pkg/testhelper"
)

type ddiFixture struct {
	targets *testhelper.FakeTargetRegistry
	sets    *testhelper.FakeDistributionRepository
	actions *testhelper.FakeActionRepository
	filters *testhelper.FakeFilterRepository
	router  *Router
}

func newDDIFixture(t *testing.T) *ddiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		SnowflakeNodeID:          1,
		QuotaMaxTargetsPerCall:   1000,
		QuotaMaxActionsPerTarget: 100,
		AutoAssignPageSize:       100,
	}
	ids, err := snowflake.NewNode(cfg)
	require.NoError(t, err)

	f := &ddiFixture{
		sets:    testhelper.NewFakeDistributionRepository(),
		actions: testhelper.NewFakeActionRepository(),
		filters: testhelper.NewFakeFilterRepository(),
	}
	f.targets = testhelper.NewFakeTargetRegistry()
	f.targets.Actions = f.actions

	logger := zap.NewNop()
	assigner := deployment.NewAssignUseCase(
		testhelper.NopTx{}, f.targets, f.sets, f.actions,
		&testhelper.RecordingAppender{}, ids, cfg, logger,
	)
	statusUC := deployment.NewStatusUseCase(
		testhelper.NopTx{}, f.targets, f.actions,
		&testhelper.RecordingAppender{}, logger,
	)
	autoCheck := reconciler.NewAutoAssignReconciler(
		f.filters, f.targets, f.sets, f.actions,
		filtercompile.New(), assigner, cfg, logger,
	)

	f.router = &Router{
		cfg:       cfg,
		logger:    logger,
		targets:   f.targets,
		actions:   f.actions,
		statusUC:  statusUC,
		autoCheck: autoCheck,
	}
	return f
}

func (f *ddiFixture) deviceContext(t *testing.T, method, body string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, "/", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Set("tenant", "acme")
	c.Set("controller_id", "ctl-01")
	return c, w
}

func TestPollActionsTriggersAutoAssignment(t *testing.T) {
	f := newDDIFixture(t)

	f.sets.AddSet(&distribution.Set{ID: 10, Tenant: "acme", Name: "fw", Version: "1.0", Complete: true})
	setID := int64(10)
	require.NoError(t, f.filters.Save(context.Background(), &filter.Query{
		ID:                          1,
		Tenant:                      "acme",
		Name:                        "eu-fleet",
		Expression:                  "region==eu",
		AutoAssignDistributionSetID: &setID,
		AutoAssignInitiatedBy:       "auto-assignment",
	}))

	tgt := target.New("acme", "ctl-01", "secret")
	tgt.ID = 1
	tgt.Attributes["region"] = "eu"
	f.targets.Add(tgt)

	// The first poll after the target started matching must hand the
	// device the auto-assigned action right away.
	c, w := f.deviceContext(t, http.MethodGet, "")
	f.router.PollActions(c)

	require.Equal(t, http.StatusOK, w.Code)
	all := f.actions.All()
	require.Len(t, all, 1)
	assert.Equal(t, "auto-assignment", all[0].InitiatedBy)
	assert.Contains(t, w.Body.String(), `"action"`)
	assert.NotContains(t, w.Body.String(), `"action":null`)
}

func TestPollActionsWithoutMatchReturnsNoAction(t *testing.T) {
	f := newDDIFixture(t)

	tgt := target.New("acme", "ctl-01", "secret")
	tgt.ID = 1
	f.targets.Add(tgt)

	c, w := f.deviceContext(t, http.MethodGet, "")
	f.router.PollActions(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.actions.All())
	assert.Contains(t, w.Body.String(), `"action":null`)
}

func TestReportActionStatusRejectsUnknownStatus(t *testing.T) {
	f := newDDIFixture(t)

	tgt := target.New("acme", "ctl-01", "secret")
	tgt.ID = 1
	f.targets.Add(tgt)

	c, w := f.deviceContext(t, http.MethodPut, `{"status":"exploded"}`)
	c.Params = gin.Params{{Key: "actionId", Value: "42"}}
	f.router.ReportActionStatus(c)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown action status")
	assert.Empty(t, f.actions.All())
}
