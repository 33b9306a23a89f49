package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/entitlesync/adapters/ginutil"
	"github.com/PaulFidika/entitlesync/core"
)

// HandleUserAuditGET handles GET /v1/users/:user_id/audit?limit=N.
func HandleUserAuditGET(svc UserReader, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userIDParam(c)
		if !ok {
			ginutil.BadRequest(c, "invalid_user_id")
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit <= 0 {
			ginutil.BadRequest(c, "invalid_limit")
			return
		}
		if !ginutil.AllowNamed(c, rl, ginutil.RLOperator) {
			ginutil.TooMany(c)
			return
		}
		items, err := svc.Audit(c.Request.Context(), id, limit)
		if err != nil {
			ginutil.ServerErrWithLog(c, "failed_to_list_audit", err)
			return
		}
		if items == nil {
			items = []core.AuditEntry{}
		}
		c.JSON(http.StatusOK, gin.H{"data": items, "limit": limit})
	}
}
