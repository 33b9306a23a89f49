package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/entitlesync/adapters/ginutil"
	"github.com/PaulFidika/entitlesync/core"
	"github.com/PaulFidika/entitlesync/metrics"
	"github.com/PaulFidika/entitlesync/signature"
)

// WebhookBodyLimit caps delivery bodies at 1 MiB.
const WebhookBodyLimit = 1 << 20

// EnvelopeHandler applies one verified delivery.
type EnvelopeHandler interface {
	HandleEnvelope(ctx context.Context, raw []byte) (core.Result, error)
}

// SignatureChecker authenticates a delivery. A nil checker disables
// verification (development only).
type SignatureChecker interface {
	Check(signatureHex, timestamp string, body []byte) error
}

// HandleWebhookPOST handles POST /webhooks/entitlements.
//
// The signature is checked against the raw body before anything is parsed.
// Non-2xx responses make the provider redeliver, so only a committed envelope
// returns 200.
func HandleWebhookPOST(svc EnvelopeHandler, checker SignatureChecker, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		status := http.StatusOK
		defer func() {
			code := strconv.Itoa(status)
			metrics.WebhookRequestsTotal.WithLabelValues(code).Inc()
			metrics.WebhookDuration.WithLabelValues(code).Observe(time.Since(start).Seconds())
		}()
		log := ginutil.Logger(c)

		if !ginutil.AllowNamed(c, rl, ginutil.RLWebhook) {
			status = http.StatusTooManyRequests
			ginutil.TooMany(c)
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, WebhookBodyLimit)
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
				c.AbortWithStatusJSON(status, gin.H{"error": "body_too_large"})
				return
			}
			status = http.StatusBadRequest
			ginutil.BadRequest(c, "unreadable_body")
			return
		}

		if checker != nil {
			sig := c.GetHeader(signature.HeaderSignature)
			ts := c.GetHeader(signature.HeaderTimestamp)
			if err := checker.Check(sig, ts, body); err != nil {
				status = http.StatusUnauthorized
				log.WithField("client_ip", c.ClientIP()).Warn("webhook signature rejected")
				ginutil.Unauthorized(c, "invalid_signature")
				return
			}
		}

		res, err := svc.HandleEnvelope(c.Request.Context(), body)
		switch {
		case errors.Is(err, core.ErrMalformedEnvelope):
			status = http.StatusBadRequest
			log.WithError(err).Warn("webhook envelope rejected")
			ginutil.BadRequest(c, "malformed_envelope")
			return
		case err != nil:
			status = http.StatusInternalServerError
			ginutil.ServerErrWithLog(c, "processing_failed", err)
			return
		}

		log.WithFields(logrus.Fields{
			"events":        res.Events,
			"applied":       res.Applied,
			"duplicates":    res.Duplicates,
			"ignored":       res.Ignored,
			"skipped_items": res.SkippedItems,
		}).Info("webhook delivery processed")
		c.JSON(http.StatusOK, gin.H{"ok": true, "result": res})
	}
}
