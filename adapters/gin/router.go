package syncgin

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/entitlesync/adapters/gin/handlers"
	"github.com/PaulFidika/entitlesync/adapters/ginutil"
	"github.com/PaulFidika/entitlesync/core"
	"github.com/PaulFidika/entitlesync/operator"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Service *core.Service
	// Checker is nil only when signature verification is disabled.
	Checker  handlers.SignatureChecker
	Limiter  ginutil.RateLimiter
	Operator *operator.Verifier
	Logger   logrus.FieldLogger
	// ExposeMetrics mounts GET /metrics.
	ExposeMetrics bool
}

// NewEngine builds a gin engine with recovery, request logging and every
// route registered.
func NewEngine(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(d.Logger))
	Register(r, d)
	return r
}

// Register mounts the routes on r.
func Register(r gin.IRouter, d Deps) {
	health := handlers.HandleHealthGET()
	r.GET("/healthz", health)
	r.HEAD("/healthz", health)
	r.GET("/livez", health)
	r.GET("/readyz", handlers.HandleReadyGET(d.Service))

	webhook := handlers.HandleWebhookPOST(d.Service, d.Checker, d.Limiter)
	r.POST("/webhooks/entitlements", webhook)
	r.POST("/discord/monetization", webhook)

	if d.Operator != nil {
		v1 := r.Group("/v1", OperatorRequired(d.Operator))
		v1.GET("/users/:user_id/tier", handlers.HandleUserTierGET(d.Service, d.Limiter))
		v1.GET("/users/:user_id/entitlements", handlers.HandleUserEntitlementsGET(d.Service, d.Limiter))
		v1.GET("/users/:user_id/audit", handlers.HandleUserAuditGET(d.Service, d.Limiter))
	}

	if d.ExposeMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}
