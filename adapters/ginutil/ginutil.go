package ginutil

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Rate limit buckets.
const (
	RLWebhook  = "webhook"
	RLOperator = "operator"
)

// RateLimiter is satisfied by ratelimit/memory and ratelimit/redis.
type RateLimiter interface {
	Allow(ctx context.Context, bucket, key string) (bool, error)
}

// AllowNamed checks bucket for the caller's IP. A nil limiter or a limiter
// error lets the request through.
func AllowNamed(c *gin.Context, rl RateLimiter, bucket string) bool {
	if rl == nil {
		return true
	}
	ok, err := rl.Allow(c.Request.Context(), bucket, c.ClientIP())
	if err != nil {
		if log, exists := c.Get(LoggerKey); exists {
			if l, ok := log.(logrus.FieldLogger); ok {
				l.WithError(err).WithField("bucket", bucket).Warn("rate limiter unavailable; allowing request")
			}
		}
		return true
	}
	return ok
}

// LoggerKey is the gin context key holding the request-scoped logger.
const LoggerKey = "entitlesync.logger"

// Logger returns the request-scoped logger, or the standard logger.
func Logger(c *gin.Context) logrus.FieldLogger {
	if v, ok := c.Get(LoggerKey); ok {
		if l, ok := v.(logrus.FieldLogger); ok {
			return l
		}
	}
	return logrus.StandardLogger()
}

func abort(c *gin.Context, status int, code string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}

func BadRequest(c *gin.Context, code string)   { abort(c, http.StatusBadRequest, code) }
func Unauthorized(c *gin.Context, code string) { abort(c, http.StatusUnauthorized, code) }
func Forbidden(c *gin.Context, code string)    { abort(c, http.StatusForbidden, code) }
func NotFound(c *gin.Context, code string)     { abort(c, http.StatusNotFound, code) }
func TooMany(c *gin.Context)                   { abort(c, http.StatusTooManyRequests, "rate_limited") }
func ServerErr(c *gin.Context, code string)    { abort(c, http.StatusInternalServerError, code) }
func Unavailable(c *gin.Context, code string)  { abort(c, http.StatusServiceUnavailable, code) }

// ServerErrWithLog logs err on the request logger before responding 500.
func ServerErrWithLog(c *gin.Context, code string, err error) {
	Logger(c).WithError(err).WithField("code", code).Error("request failed")
	ServerErr(c, code)
}
