package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/domain/distribution"
	"github.com/fleetrail/fleetrail/internal/domain/filter"
	"github.com/fleetrail/fleetrail/internal/domain/rollout"
	"github.com/fleetrail/fleetrail/internal/domain/target"
	"github.com/fleetrail/fleetrail/internal/quota"
	"github.com/fleetrail/fleetrail/internal/usecase/deployment"
	"github.com/fleetrail/fleetrail/internal/usecase/rolloutmgmt"
)

// writeError maps domain errors onto HTTP statuses. Unknown errors stay
// opaque 500s; the logger middleware already captured them.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, target.ErrNotFound),
		errors.Is(err, action.ErrNotFound),
		errors.Is(err, distribution.ErrNotFound),
		errors.Is(err, rollout.ErrNotFound),
		errors.Is(err, rollout.ErrGroupNotFound),
		errors.Is(err, filter.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})

	case errors.Is(err, action.ErrInvalidTransition),
		errors.Is(err, action.ErrAlreadyTerminal),
		errors.Is(err, rollout.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})

	case errors.Is(err, quota.ErrExceeded):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})

	case errors.Is(err, rolloutmgmt.ErrAwaitingApproval):
		c.JSON(http.StatusAccepted, gin.H{"status": "approval_pending"})

	case errors.Is(err, distribution.ErrIncomplete),
		errors.Is(err, action.ErrMissingForcedTime),
		errors.Is(err, action.ErrUnknownStatus),
		errors.Is(err, action.ErrUnknownActionType),
		errors.Is(err, filter.ErrInvalidQuery),
		errors.Is(err, rollout.ErrNoGroups),
		errors.Is(err, rollout.ErrInvalidGroupSpec),
		errors.Is(err, rolloutmgmt.ErrPercentagesInvalid),
		errors.Is(err, rolloutmgmt.ErrInvalidActionType),
		errors.Is(err, deployment.ErrInvalidActionType),
		errors.Is(err, deployment.ErrWeightRequired),
		errors.Is(err, deployment.ErrWeightNotAllowed),
		errors.Is(err, deployment.ErrIncompatibleType),
		errors.Is(err, deployment.ErrActionTargetMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}
