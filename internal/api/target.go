package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetrail/fleetrail/internal/domain/target"
	"github.com/fleetrail/fleetrail/pkg/snowflake"
)

type createTargetRequest struct {
	ControllerID  string            `json:"controller_id" binding:"required"`
	Name          string            `json:"name"`
	TargetTypeID  *int64            `json:"target_type_id,string"`
	SecurityToken string            `json:"security_token"`
	Attributes    map[string]string `json:"attributes"`
}

func (r *Router) CreateTarget(c *gin.Context) {
	tenant := c.Param("tenant")

	var req createTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	existing, err := r.targets.FindByControllerID(c.Request.Context(), tenant, req.ControllerID)
	if err != nil {
		writeError(c, err)
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "controller_id already registered"})
		return
	}

	t := target.New(tenant, req.ControllerID, req.SecurityToken)
	t.ID = r.ids.GenerateID()
	if req.Name != "" {
		t.Name = req.Name
	}
	t.TargetTypeID = req.TargetTypeID
	if req.Attributes != nil {
		t.Attributes = req.Attributes
	}

	if err := r.targets.Save(c.Request.Context(), t); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (r *Router) GetTarget(c *gin.Context) {
	tenant := c.Param("tenant")
	controllerID := c.Param("controllerId")

	t, err := r.targets.FindByControllerID(c.Request.Context(), tenant, controllerID)
	if err != nil {
		writeError(c, err)
		return
	}
	if t == nil {
		writeError(c, target.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (r *Router) GetAction(c *gin.Context) {
	tenant := c.Param("tenant")

	actionID, err := snowflake.ParseID(c.Param("actionId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid action id"})
		return
	}

	a, err := r.actions.FindByID(c.Request.Context(), actionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if a == nil || a.Tenant != tenant {
		c.JSON(http.StatusNotFound, gin.H{"error": "action not found"})
		return
	}

	entries, err := r.actions.ListEntries(c.Request.Context(), a.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": a, "entries": entries})
}
