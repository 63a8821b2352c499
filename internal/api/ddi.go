package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/domain/target"
	"github.com/fleetrail/fleetrail/internal/usecase/deployment"
	"github.com/fleetrail/fleetrail/pkg/maintenance"
	"github.com/fleetrail/fleetrail/pkg/snowflake"
)

// PollActions is the device check-in. It records the poll, then returns
// the action the device should work on next, if any. Actions gated by a
// maintenance window outside an occurrence are announced download-only.
func (r *Router) PollActions(c *gin.Context) {
	tenant := c.GetString("tenant")
	controllerID := c.GetString("controller_id")
	ctx := c.Request.Context()

	t, err := r.targets.FindByControllerID(ctx, tenant, controllerID)
	if err != nil {
		writeError(c, err)
		return
	}
	if t == nil {
		writeError(c, target.ErrNotFound)
		return
	}

	now := time.Now().UTC()
	t.MarkPolled(now, c.ClientIP())
	if err := r.targets.Save(ctx, t); err != nil {
		writeError(c, err)
		return
	}

	// A poll may be the first contact after the target started matching an
	// auto-assign filter; check before answering so the device picks up
	// the new action in the same poll.
	if err := r.autoCheck.CheckSingleTarget(ctx, t); err != nil {
		r.logger.Warn("autoassign_single_check_failed",
			zap.Error(err),
			zap.String("controller_id", controllerID),
		)
	}

	next, err := r.actions.FindOldestOpenByTarget(ctx, t.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if next == nil {
		c.JSON(http.StatusOK, gin.H{"action": nil})
		return
	}

	windowOpen := true
	if next.HasMaintenanceWindow() {
		w := maintenance.Window{
			Schedule: next.MaintenanceSchedule,
			Duration: next.MaintenanceDuration,
			Timezone: next.MaintenanceTimezone,
		}
		windowOpen, err = w.ActiveAt(now)
		if err != nil {
			r.logger.Warn("maintenance_window_evaluation_failed",
				zap.Error(err),
				zap.Int64("action_id", next.ID),
			)
			windowOpen = false
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"action": gin.H{
			"id":                      next.ID,
			"distribution_set_id":     next.DistributionSetID,
			"status":                  next.Status,
			"type":                    next.Type,
			"forced":                  next.EffectivelyForced(now),
			"download_only":           next.Type == action.TypeDownloadOnly || !windowOpen,
			"maintenance_window":      next.MaintenanceSchedule,
			"maintenance_window_open": windowOpen,
		},
	})
}

type statusReportRequest struct {
	Status   string   `json:"status" binding:"required"`
	Messages []string `json:"messages"`
}

func (r *Router) ReportActionStatus(c *gin.Context) {
	tenant := c.GetString("tenant")
	controllerID := c.GetString("controller_id")

	actionID, err := snowflake.ParseID(c.Param("actionId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid action id"})
		return
	}

	var req statusReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	status, err := action.ParseStatus(req.Status)
	if err != nil {
		writeError(c, err)
		return
	}

	err = r.statusUC.ReportStatus(c.Request.Context(), deployment.Report{
		Tenant:       tenant,
		ControllerID: controllerID,
		ActionID:     actionID,
		Status:       status,
		Messages:     req.Messages,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (r *Router) ConfirmAction(c *gin.Context) {
	tenant := c.GetString("tenant")
	controllerID := c.GetString("controller_id")

	actionID, err := snowflake.ParseID(c.Param("actionId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid action id"})
		return
	}

	if err := r.statusUC.Confirm(c.Request.Context(), tenant, controllerID, actionID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "confirmed"})
}

type configDataRequest struct {
	Attributes map[string]string `json:"attributes" binding:"required"`
	// Mode merge (default) overlays reported attributes; replace swaps
	// the whole map.
	Mode string `json:"mode"`
}

// UpdateAttributes stores device-reported attributes and re-checks the
// auto-assign filters against the updated target.
func (r *Router) UpdateAttributes(c *gin.Context) {
	tenant := c.GetString("tenant")
	controllerID := c.GetString("controller_id")
	ctx := c.Request.Context()

	var req configDataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	t, err := r.targets.FindByControllerID(ctx, tenant, controllerID)
	if err != nil {
		writeError(c, err)
		return
	}
	if t == nil {
		writeError(c, target.ErrNotFound)
		return
	}

	if req.Mode == "replace" {
		t.Attributes = req.Attributes
	} else {
		if t.Attributes == nil {
			t.Attributes = map[string]string{}
		}
		for k, v := range req.Attributes {
			t.Attributes[k] = v
		}
	}
	t.UpdatedAt = time.Now().UTC()

	if err := r.targets.Save(ctx, t); err != nil {
		writeError(c, err)
		return
	}

	if err := r.autoCheck.CheckSingleTarget(ctx, t); err != nil {
		r.logger.Warn("autoassign_single_check_failed",
			zap.Error(err),
			zap.String("controller_id", controllerID),
		)
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// IssueDeviceToken exchanges target-token auth for a short-lived JWT.
func (r *Router) IssueDeviceToken(c *gin.Context) {
	tenant := c.GetString("tenant")
	controllerID := c.GetString("controller_id")

	if !r.deviceTokens.Enabled() {
		c.JSON(http.StatusNotFound, gin.H{"error": "device_tokens_disabled"})
		return
	}

	token, err := r.deviceTokens.Issue(tenant, controllerID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(r.cfg.DeviceTokenTTL.Seconds()),
	})
}
