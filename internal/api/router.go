package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fleetrail/fleetrail/internal/api/middleware"
	"github.com/fleetrail/fleetrail/internal/auth"
	"github.com/fleetrail/fleetrail/internal/config"
	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/domain/distribution"
	"github.com/fleetrail/fleetrail/internal/domain/filter"
	"github.com/fleetrail/fleetrail/internal/domain/rollout"
	"github.com/fleetrail/fleetrail/internal/domain/target"
	"github.com/fleetrail/fleetrail/internal/reconciler"
	"github.com/fleetrail/fleetrail/internal/usecase/deployment"
	"github.com/fleetrail/fleetrail/internal/usecase/rolloutmgmt"
	"github.com/fleetrail/fleetrail/pkg/snowflake"
)

type Router struct {
	engine *gin.Engine
	server *http.Server
	cfg    *config.Config
	logger *zap.Logger

	targets  target.Registry
	sets     distribution.Repository
	actions  action.Repository
	rollouts rollout.Repository
	groups   rollout.GroupRepository
	filters  filter.Repository
	compiler filter.Compiler

	assignUC  *deployment.AssignUseCase
	statusUC  *deployment.StatusUseCase
	createUC  *rolloutmgmt.CreateUseCase
	adminUC   *rolloutmgmt.AdminUseCase
	autoCheck *reconciler.AutoAssignReconciler

	ids          *snowflake.Node
	deviceTokens *auth.DeviceTokens
	deviceMW     *auth.DeviceMiddleware
}

func NewRouter(
	cfg *config.Config,
	targets target.Registry,
	sets distribution.Repository,
	actions action.Repository,
	rollouts rollout.Repository,
	groups rollout.GroupRepository,
	filters filter.Repository,
	compiler filter.Compiler,
	assignUC *deployment.AssignUseCase,
	statusUC *deployment.StatusUseCase,
	createUC *rolloutmgmt.CreateUseCase,
	adminUC *rolloutmgmt.AdminUseCase,
	autoCheck *reconciler.AutoAssignReconciler,
	ids *snowflake.Node,
	deviceTokens *auth.DeviceTokens,
	deviceMW *auth.DeviceMiddleware,
	logger *zap.Logger,
) *Router {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Metrics())
	r.Use(middleware.Logger(logger))

	api := &Router{
		engine:       r,
		cfg:          cfg,
		logger:       logger,
		targets:      targets,
		sets:         sets,
		actions:      actions,
		rollouts:     rollouts,
		groups:       groups,
		filters:      filters,
		compiler:     compiler,
		assignUC:     assignUC,
		statusUC:     statusUC,
		createUC:     createUC,
		adminUC:      adminUC,
		autoCheck:    autoCheck,
		ids:          ids,
		deviceTokens: deviceTokens,
		deviceMW:     deviceMW,
	}

	api.RegisterRoutes()
	return api
}

func (r *Router) RegisterRoutes() {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Management API, protected by the admin token.
	mgmt := r.engine.Group("/mgmt/:tenant")
	mgmt.Use(r.adminAuth())
	{
		mgmt.POST("/targets", r.CreateTarget)
		mgmt.GET("/targets/:controllerId", r.GetTarget)
		mgmt.GET("/targets/:controllerId/actions/:actionId", r.GetAction)

		mgmt.POST("/softwaremodules", r.CreateSoftwareModule)
		mgmt.POST("/distributionsets", r.CreateDistributionSet)
		mgmt.GET("/distributionsets", r.ListDistributionSets)

		mgmt.POST("/assignments", r.AssignDistributionSet)
		mgmt.POST("/actions/:actionId/cancel", r.CancelAction)

		mgmt.POST("/targetfilters", r.CreateTargetFilter)
		mgmt.GET("/targetfilters", r.ListTargetFilters)
		mgmt.DELETE("/targetfilters/:filterId", r.DeleteTargetFilter)

		mgmt.POST("/rollouts", r.CreateRollout)
		mgmt.GET("/rollouts/:rolloutId", r.GetRollout)
		mgmt.POST("/rollouts/:rolloutId/start", r.StartRollout)
		mgmt.POST("/rollouts/:rolloutId/pause", r.PauseRollout)
		mgmt.POST("/rollouts/:rolloutId/resume", r.ResumeRollout)
		mgmt.POST("/rollouts/:rolloutId/approve", r.ApproveRollout)
		mgmt.POST("/rollouts/:rolloutId/deny", r.DenyRollout)
		mgmt.DELETE("/rollouts/:rolloutId", r.DeleteRollout)
	}

	// Device integration API, authenticated per device.
	ddi := r.engine.Group("/ddi/:tenant/targets/:controllerId")
	ddi.Use(r.deviceMW.Handler())
	{
		ddi.GET("/actions", r.PollActions)
		ddi.PUT("/actions/:actionId/status", r.ReportActionStatus)
		ddi.POST("/actions/:actionId/confirm", r.ConfirmAction)
		ddi.PUT("/configData", r.UpdateAttributes)
		ddi.POST("/token", r.IssueDeviceToken)
	}
}

func (r *Router) Run() error {
	r.server = &http.Server{
		Addr:         ":" + r.cfg.Port,
		Handler:      r.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return r.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (r *Router) Shutdown(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}

func (r *Router) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(r.cfg.AdminAPIToken)
		if expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin_token_not_configured"})
			return
		}

		provided := strings.TrimSpace(c.GetHeader("X-Admin-Token"))
		if provided == "" {
			authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				provided = strings.TrimSpace(authHeader[7:])
			}
		}

		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
