package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetrail/fleetrail/internal/domain/distribution"
)

type createModuleRequest struct {
	ModuleTypeID int64  `json:"module_type_id,string" binding:"required"`
	Name         string `json:"name" binding:"required"`
	Version      string `json:"version" binding:"required"`
}

func (r *Router) CreateSoftwareModule(c *gin.Context) {
	tenant := c.Param("tenant")

	var req createModuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	m := distribution.Module{
		ID:           r.ids.GenerateID(),
		Tenant:       tenant,
		ModuleTypeID: req.ModuleTypeID,
		Name:         req.Name,
		Version:      req.Version,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.sets.SaveModule(c.Request.Context(), &m); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

type createSetRequest struct {
	Name      string  `json:"name" binding:"required"`
	Version   string  `json:"version" binding:"required"`
	TypeID    int64   `json:"type_id,string" binding:"required"`
	ModuleIDs []int64 `json:"module_ids"`
}

func (r *Router) CreateDistributionSet(c *gin.Context) {
	tenant := c.Param("tenant")

	var req createSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	existing, err := r.sets.FindByNameVersion(c.Request.Context(), tenant, req.Name, req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "name and version already exist"})
		return
	}

	now := time.Now().UTC()
	set := &distribution.Set{
		ID:        r.ids.GenerateID(),
		Tenant:    tenant,
		Name:      req.Name,
		Version:   req.Version,
		TypeID:    req.TypeID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, id := range req.ModuleIDs {
		m, err := r.sets.FindModuleByID(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		if m == nil || m.Tenant != tenant {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown module " + strconv.FormatInt(id, 10)})
			return
		}
		set.Modules = append(set.Modules, *m)
	}

	st, err := r.sets.FindTypeByID(c.Request.Context(), req.TypeID)
	if err != nil {
		writeError(c, err)
		return
	}
	if st == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown distribution set type"})
		return
	}
	set.Complete = set.ComputeComplete(st)

	if err := r.sets.Save(c.Request.Context(), set); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, set)
}

func (r *Router) ListDistributionSets(c *gin.Context) {
	tenant := c.Param("tenant")

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	sets, err := r.sets.List(c.Request.Context(), tenant, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": sets, "count": len(sets)})
}
