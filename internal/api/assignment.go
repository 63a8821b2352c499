package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/usecase/deployment"
	"github.com/fleetrail/fleetrail/pkg/snowflake"
)

type assignmentItem struct {
	ControllerID      string `json:"controller_id" binding:"required"`
	DistributionSetID int64  `json:"distribution_set_id,string" binding:"required"`

	Type       string     `json:"type"`
	Weight     *int       `json:"weight"`
	ForcedTime *time.Time `json:"forced_time"`

	MaintenanceSchedule string `json:"maintenance_schedule"`
	MaintenanceDuration string `json:"maintenance_duration"`
	MaintenanceTimezone string `json:"maintenance_timezone"`

	ConfirmationRequired bool `json:"confirmation_required"`
}

type assignRequest struct {
	Assignments []assignmentItem `json:"assignments" binding:"required"`
	InitiatedBy string           `json:"initiated_by"`
}

// AssignDistributionSet runs one assignment batch. The whole batch
// succeeds or fails together.
func (r *Router) AssignDistributionSet(c *gin.Context) {
	tenant := c.Param("tenant")

	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Assignments) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty batch"})
		return
	}
	if req.InitiatedBy == "" {
		req.InitiatedBy = "admin"
	}

	requests := make([]deployment.Request, 0, len(req.Assignments))
	for _, item := range req.Assignments {
		actionType := action.TypeForced
		if item.Type != "" {
			var err error
			actionType, err = action.ParseType(item.Type)
			if err != nil {
				writeError(c, err)
				return
			}
		}
		requests = append(requests, deployment.Request{
			Tenant:               tenant,
			ControllerID:         item.ControllerID,
			DistributionSetID:    item.DistributionSetID,
			Type:                 actionType,
			Weight:               item.Weight,
			ForcedTime:           item.ForcedTime,
			MaintenanceSchedule:  item.MaintenanceSchedule,
			MaintenanceDuration:  item.MaintenanceDuration,
			MaintenanceTimezone:  item.MaintenanceTimezone,
			ConfirmationRequired: item.ConfirmationRequired,
			InitiatedBy:          req.InitiatedBy,
		})
	}

	outcomes, err := r.assignUC.Assign(c.Request.Context(), requests)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}

func (r *Router) CancelAction(c *gin.Context) {
	tenant := c.Param("tenant")

	actionID, err := snowflake.ParseID(c.Param("actionId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid action id"})
		return
	}

	if err := r.statusUC.Cancel(c.Request.Context(), tenant, actionID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancellation_requested"})
}
