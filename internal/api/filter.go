package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/domain/filter"
	"github.com/fleetrail/fleetrail/pkg/snowflake"
)

type createFilterRequest struct {
	Name       string `json:"name" binding:"required"`
	Expression string `json:"expression" binding:"required"`

	AutoAssignDistributionSetID *int64 `json:"auto_assign_distribution_set_id,string"`
	AutoAssignActionType        string `json:"auto_assign_action_type"`
	AutoAssignWeight            *int   `json:"auto_assign_weight"`
	ConfirmationRequired        bool   `json:"confirmation_required"`
	InitiatedBy                 string `json:"initiated_by"`
}

func (r *Router) CreateTargetFilter(c *gin.Context) {
	tenant := c.Param("tenant")

	var req createFilterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if _, err := r.compiler.Compile(req.Expression); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existing, err := r.filters.FindByName(c.Request.Context(), tenant, req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "filter name already exists"})
		return
	}

	now := time.Now().UTC()
	q := &filter.Query{
		ID:                          r.ids.GenerateID(),
		Tenant:                      tenant,
		Name:                        req.Name,
		Expression:                  req.Expression,
		AutoAssignDistributionSetID: req.AutoAssignDistributionSetID,
		AutoAssignWeight:            req.AutoAssignWeight,
		ConfirmationRequired:        req.ConfirmationRequired,
		AutoAssignInitiatedBy:       req.InitiatedBy,
		CreatedAt:                   now,
		UpdatedAt:                   now,
	}
	if req.AutoAssignActionType != "" {
		t := action.Type(req.AutoAssignActionType)
		if !action.ValidType(t) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auto assign action type"})
			return
		}
		q.AutoAssignActionType = &t
	}
	if q.AutoAssignInitiatedBy == "" && q.AutoAssignEnabled() {
		q.AutoAssignInitiatedBy = "auto-assignment"
	}

	if err := r.filters.Save(c.Request.Context(), q); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, q)
}

func (r *Router) ListTargetFilters(c *gin.Context) {
	tenant := c.Param("tenant")

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	items, err := r.filters.List(c.Request.Context(), tenant, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (r *Router) DeleteTargetFilter(c *gin.Context) {
	tenant := c.Param("tenant")

	id, err := snowflake.ParseID(c.Param("filterId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filter id"})
		return
	}

	q, err := r.filters.FindByID(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if q == nil || q.Tenant != tenant {
		writeError(c, filter.ErrNotFound)
		return
	}

	if err := r.filters.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
