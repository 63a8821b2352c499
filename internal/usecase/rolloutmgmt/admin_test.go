package rolloutmgmt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetrail/fleetrail/internal/domain/rollout"
	"github.com/fleetrail/fleetrail/pkg/testhelper"
)

type adminFixture struct {
	rollouts *testhelper.FakeRolloutRepository
	outbox   *testhelper.RecordingAppender
	uc       *AdminUseCase
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	f := &adminFixture{
		rollouts: testhelper.NewFakeRolloutRepository(),
		outbox:   &testhelper.RecordingAppender{},
	}
	f.uc = NewAdminUseCase(testhelper.NopTx{}, f.rollouts, f.outbox, zap.NewNop())
	return f
}

func (f *adminFixture) seed(t *testing.T, status rollout.Status, requiresApproval bool) *rollout.Rollout {
	t.Helper()
	ro := &rollout.Rollout{
		ID:               1,
		Tenant:           "acme",
		Name:             "fw-2.0",
		Status:           status,
		RequiresApproval: requiresApproval,
	}
	require.NoError(t, f.rollouts.Save(context.Background(), ro))
	return ro
}

func (f *adminFixture) statusOf(t *testing.T, id int64) rollout.Status {
	t.Helper()
	ro, err := f.rollouts.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, ro)
	return ro.Status
}

func TestStartReadyRollout(t *testing.T) {
	f := newAdminFixture(t)
	f.seed(t, rollout.StatusReady, false)

	require.NoError(t, f.uc.Start(context.Background(), "acme", 1))
	assert.Equal(t, rollout.StatusStarting, f.statusOf(t, 1))
}

func TestStartRequiresApproval(t *testing.T) {
	f := newAdminFixture(t)
	f.seed(t, rollout.StatusReady, true)

	err := f.uc.Start(context.Background(), "acme", 1)
	assert.ErrorIs(t, err, ErrAwaitingApproval)
	assert.Equal(t, rollout.StatusApprovalPending, f.statusOf(t, 1))

	// Approve, then start goes through.
	require.NoError(t, f.uc.Approve(context.Background(), "acme", 1, "reviewer", "lgtm"))
	assert.Equal(t, rollout.StatusApproved, f.statusOf(t, 1))

	require.NoError(t, f.uc.Start(context.Background(), "acme", 1))
	assert.Equal(t, rollout.StatusStarting, f.statusOf(t, 1))

	ro, err := f.rollouts.FindByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "reviewer", ro.ApprovedBy)
	assert.Equal(t, "lgtm", ro.ApprovalRemark)
}

func TestDenyBlocksStart(t *testing.T) {
	f := newAdminFixture(t)
	f.seed(t, rollout.StatusApprovalPending, true)

	require.NoError(t, f.uc.Deny(context.Background(), "acme", 1, "reviewer", "not now"))
	assert.Equal(t, rollout.StatusDenied, f.statusOf(t, 1))

	err := f.uc.Start(context.Background(), "acme", 1)
	assert.ErrorIs(t, err, rollout.ErrInvalidTransition)
}

func TestApproveWithoutPendingDecision(t *testing.T) {
	f := newAdminFixture(t)
	f.seed(t, rollout.StatusReady, true)

	err := f.uc.Approve(context.Background(), "acme", 1, "reviewer", "")
	assert.ErrorIs(t, err, rollout.ErrInvalidTransition)
}

func TestPauseAndResume(t *testing.T) {
	f := newAdminFixture(t)
	f.seed(t, rollout.StatusRunning, false)

	require.NoError(t, f.uc.Pause(context.Background(), "acme", 1))
	assert.Equal(t, rollout.StatusPaused, f.statusOf(t, 1))

	require.NoError(t, f.uc.Resume(context.Background(), "acme", 1))
	assert.Equal(t, rollout.StatusRunning, f.statusOf(t, 1))
}

func TestPauseNotRunning(t *testing.T) {
	f := newAdminFixture(t)
	f.seed(t, rollout.StatusReady, false)

	err := f.uc.Pause(context.Background(), "acme", 1)
	assert.ErrorIs(t, err, rollout.ErrInvalidTransition)
}

func TestDeleteIsIdempotent(t *testing.T) {
	f := newAdminFixture(t)
	f.seed(t, rollout.StatusRunning, false)

	require.NoError(t, f.uc.Delete(context.Background(), "acme", 1))
	assert.Equal(t, rollout.StatusDeleting, f.statusOf(t, 1))

	// Repeating the delete while teardown is in progress is fine.
	require.NoError(t, f.uc.Delete(context.Background(), "acme", 1))
	assert.Equal(t, rollout.StatusDeleting, f.statusOf(t, 1))
}

func TestTenantIsolation(t *testing.T) {
	f := newAdminFixture(t)
	f.seed(t, rollout.StatusReady, false)

	err := f.uc.Start(context.Background(), "other", 1)
	assert.ErrorIs(t, err, rollout.ErrNotFound)
}
