package syncgin

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/entitlesync/adapters/ginutil"
	"github.com/PaulFidika/entitlesync/operator"
)

const (
	operatorClaimsKey = "entitlesync.operator"
	requestIDHeader   = "X-Request-ID"
)

// RequestLogger attaches a request-scoped logger (with a request id) to the
// gin context and logs one line per request.
func RequestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header(requestIDHeader, rid)
		entry := log.WithFields(logrus.Fields{
			"request_id": rid,
			"method":     c.Request.Method,
			"path":       c.FullPath(),
		})
		c.Set(ginutil.LoggerKey, entry)

		c.Next()

		fields := logrus.Fields{
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
		}
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.WithFields(fields).Error("request completed")
		case status >= http.StatusBadRequest:
			entry.WithFields(fields).Warn("request completed")
		default:
			entry.WithFields(fields).Debug("request completed")
		}
	}
}

// OperatorRequired gates the operator API behind a bearer JWT.
func OperatorRequired(v *operator.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := v.Verify(c.Request.Context(), operator.BearerToken(c.GetHeader("Authorization")))
		switch {
		case err == nil:
			c.Set(operatorClaimsKey, claims)
			c.Set(ginutil.LoggerKey, ginutil.Logger(c).WithField("operator", claims.Subject))
			c.Next()
		case errors.Is(err, operator.ErrForbidden):
			ginutil.Forbidden(c, "insufficient_scope")
		default:
			c.Header("WWW-Authenticate", `Bearer realm="entitlesync"`)
			ginutil.Unauthorized(c, "invalid_token")
		}
	}
}

// OperatorFromGin returns the verified caller, if OperatorRequired ran.
func OperatorFromGin(c *gin.Context) (operator.Claims, bool) {
	v, ok := c.Get(operatorClaimsKey)
	if !ok {
		return operator.Claims{}, false
	}
	claims, ok := v.(operator.Claims)
	return claims, ok
}
