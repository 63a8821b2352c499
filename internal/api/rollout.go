package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/domain/rollout"
	"github.com/fleetrail/fleetrail/internal/usecase/rolloutmgmt"
	"github.com/fleetrail/fleetrail/pkg/snowflake"
)

type rolloutGroupSpec struct {
	Name             string  `json:"name"`
	TargetFilter     string  `json:"target_filter"`
	TargetPercentage float64 `json:"target_percentage"`

	SuccessConditionType  string `json:"success_condition_type"`
	SuccessConditionValue int64  `json:"success_condition_value"`
	ErrorConditionType    string `json:"error_condition_type"`
	ErrorConditionValue   int64  `json:"error_condition_value"`
}

type createRolloutRequest struct {
	Name              string     `json:"name" binding:"required"`
	Description       string     `json:"description"`
	DistributionSetID int64      `json:"distribution_set_id,string" binding:"required"`
	TargetFilter      string     `json:"target_filter"`
	ActionType        string     `json:"action_type"`
	Weight            *int       `json:"weight"`
	ForcedTime        *time.Time `json:"forced_time"`
	RequiresApproval  bool       `json:"requires_approval"`
	InitiatedBy       string     `json:"initiated_by"`

	Groups []rolloutGroupSpec `json:"groups" binding:"required"`
}

func (r *Router) CreateRollout(c *gin.Context) {
	tenant := c.Param("tenant")

	var req createRolloutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	actionType := action.TypeForced
	if req.ActionType != "" {
		var err error
		actionType, err = action.ParseType(req.ActionType)
		if err != nil {
			writeError(c, err)
			return
		}
	}
	if req.InitiatedBy == "" {
		req.InitiatedBy = "admin"
	}

	groups := make([]rolloutmgmt.GroupSpec, 0, len(req.Groups))
	for _, g := range req.Groups {
		groups = append(groups, rolloutmgmt.GroupSpec{
			Name:             g.Name,
			TargetFilter:     g.TargetFilter,
			TargetPercentage: g.TargetPercentage,
			SuccessCondition: rollout.Condition{
				Type:  rollout.ConditionType(g.SuccessConditionType),
				Value: g.SuccessConditionValue,
			},
			ErrorCondition: rollout.Condition{
				Type:  rollout.ConditionType(g.ErrorConditionType),
				Value: g.ErrorConditionValue,
			},
		})
	}

	ro, err := r.createUC.Create(c.Request.Context(), rolloutmgmt.CreateRequest{
		Tenant:            tenant,
		Name:              req.Name,
		Description:       req.Description,
		DistributionSetID: req.DistributionSetID,
		TargetFilter:      req.TargetFilter,
		ActionType:        actionType,
		Weight:            req.Weight,
		ForcedTime:        req.ForcedTime,
		Groups:            groups,
		RequiresApproval:  req.RequiresApproval,
		InitiatedBy:       req.InitiatedBy,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ro)
}

func (r *Router) GetRollout(c *gin.Context) {
	tenant := c.Param("tenant")

	id, err := snowflake.ParseID(c.Param("rolloutId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rollout id"})
		return
	}

	ro, err := r.rollouts.FindByID(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if ro == nil || ro.Tenant != tenant {
		writeError(c, rollout.ErrNotFound)
		return
	}

	groups, err := r.groups.ListByRollout(c.Request.Context(), ro.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rollout": ro, "groups": groups})
}

func (r *Router) StartRollout(c *gin.Context) {
	r.rolloutOp(c, r.adminUC.Start, "starting")
}

func (r *Router) PauseRollout(c *gin.Context) {
	r.rolloutOp(c, r.adminUC.Pause, "paused")
}

func (r *Router) ResumeRollout(c *gin.Context) {
	r.rolloutOp(c, r.adminUC.Resume, "running")
}

func (r *Router) DeleteRollout(c *gin.Context) {
	r.rolloutOp(c, r.adminUC.Delete, "deleting")
}

type approvalRequest struct {
	Approver string `json:"approver"`
	Remark   string `json:"remark"`
}

func (r *Router) ApproveRollout(c *gin.Context) {
	r.approvalOp(c, r.adminUC.Approve, "approved")
}

func (r *Router) DenyRollout(c *gin.Context) {
	r.approvalOp(c, r.adminUC.Deny, "denied")
}

func (r *Router) rolloutOp(c *gin.Context, op func(ctx context.Context, tenant string, id int64) error, status string) {
	tenant := c.Param("tenant")

	id, err := snowflake.ParseID(c.Param("rolloutId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rollout id"})
		return
	}

	if err := op(c.Request.Context(), tenant, id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (r *Router) approvalOp(c *gin.Context, op func(ctx context.Context, tenant string, id int64, approver, remark string) error, status string) {
	tenant := c.Param("tenant")

	id, err := snowflake.ParseID(c.Param("rolloutId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rollout id"})
		return
	}

	// Body is optional; a bare POST approves without remark.
	var req approvalRequest
	_ = c.ShouldBindJSON(&req)
	if req.Approver == "" {
		req.Approver = "admin"
	}

	if err := op(c.Request.Context(), tenant, id, req.Approver, req.Remark); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}
