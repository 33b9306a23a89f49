package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/entitlesync/adapters/ginutil"
	"github.com/PaulFidika/entitlesync/core"
	"github.com/PaulFidika/entitlesync/entitlements"
)

// UserReader serves the operator API.
type UserReader interface {
	TierState(ctx context.Context, userID int64) (entitlements.TierState, error)
	Entitlements(ctx context.Context, userID int64) ([]entitlements.Entitlement, error)
	Audit(ctx context.Context, userID int64, limit int) ([]core.AuditEntry, error)
}

func userIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// HandleUserTierGET handles GET /v1/users/:user_id/tier.
func HandleUserTierGET(svc UserReader, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userIDParam(c)
		if !ok {
			ginutil.BadRequest(c, "invalid_user_id")
			return
		}
		if !ginutil.AllowNamed(c, rl, ginutil.RLOperator) {
			ginutil.TooMany(c)
			return
		}
		st, err := svc.TierState(c.Request.Context(), id)
		if err != nil {
			ginutil.ServerErrWithLog(c, "failed_to_load_tier", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": st})
	}
}
