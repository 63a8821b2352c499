package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fleetrail/fleetrail/internal/domain/target"
)

const (
	// ContextControllerID is the authenticated device identity key.
	ContextControllerID = "controller_id"
	// ContextTenant is the authenticated tenant key.
	ContextTenant = "tenant"
)

// DeviceMiddleware authenticates device endpoints. Two schemes are
// accepted: "TargetToken <secret>" compared against the target's stored
// security token, and "Bearer <jwt>" issued by DeviceTokens. The
// authenticated identity must match the path parameters.
type DeviceMiddleware struct {
	tokens  *DeviceTokens
	targets target.Registry
}

func NewDeviceMiddleware(tokens *DeviceTokens, targets target.Registry) *DeviceMiddleware {
	return &DeviceMiddleware{tokens: tokens, targets: targets}
}

func (m *DeviceMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := c.Param("tenant")
		controllerID := c.Param("controllerId")
		if tenant == "" || controllerID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_identity"})
			return
		}

		header := strings.TrimSpace(c.GetHeader("Authorization"))
		switch {
		case strings.HasPrefix(header, "TargetToken "):
			secret := strings.TrimSpace(strings.TrimPrefix(header, "TargetToken "))
			if !m.checkSecurityToken(c, tenant, controllerID, secret) {
				return
			}
		case strings.HasPrefix(header, "Bearer "):
			if !m.tokens.Enabled() {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer_auth_disabled"})
				return
			}
			claims, err := m.tokens.Parse(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
			if err != nil || claims.Tenant != tenant || claims.ControllerID != controllerID {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Set(ContextTenant, tenant)
		c.Set(ContextControllerID, controllerID)
		c.Next()
	}
}

func (m *DeviceMiddleware) checkSecurityToken(c *gin.Context, tenant, controllerID, provided string) bool {
	t, err := m.targets.FindByControllerID(c.Request.Context(), tenant, controllerID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return false
	}
	if t == nil || t.SecurityToken == "" || provided == "" ||
		subtle.ConstantTimeCompare([]byte(provided), []byte(t.SecurityToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return false
	}
	return true
}
