package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/entitlesync/adapters/ginutil"
)

// HandleHealthGET answers liveness checks without touching the database.
func HandleHealthGET() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	}
}

// Pinger reports backend readiness.
type Pinger interface {
	Ready(ctx context.Context) error
}

// HandleReadyGET answers readiness checks by pinging the store.
func HandleReadyGET(svc Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := svc.Ready(ctx); err != nil {
			ginutil.Logger(c).WithError(err).Warn("readiness check failed")
			ginutil.Unavailable(c, "store_unavailable")
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
