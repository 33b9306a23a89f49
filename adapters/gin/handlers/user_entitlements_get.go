package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/entitlesync/adapters/ginutil"
	"github.com/PaulFidika/entitlesync/entitlements"
)

// HandleUserEntitlementsGET handles GET /v1/users/:user_id/entitlements.
func HandleUserEntitlementsGET(svc UserReader, rl ginutil.RateLimiter) gin.HandlerFunc {
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
		items, err := svc.Entitlements(c.Request.Context(), id)
		if err != nil {
			ginutil.ServerErrWithLog(c, "failed_to_list_entitlements", err)
			return
		}
		if items == nil {
			items = []entitlements.Entitlement{}
		}
		c.JSON(http.StatusOK, gin.H{"data": items})
	}
}
