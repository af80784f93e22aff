package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"subscription-service/internal/gateway"
	"subscription-service/internal/services"
)

// maxWebhookBody caps the bytes read from one webhook request
const maxWebhookBody = 1 << 20

// WebhookHandler receives payment gateway events
type WebhookHandler struct {
	parser   gateway.WebhookParser
	webhooks *services.WebhookService
	logger   *logrus.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(parser gateway.WebhookParser, webhooks *services.WebhookService, logger *logrus.Logger) *WebhookHandler {
	return &WebhookHandler{parser: parser, webhooks: webhooks, logger: logger}
}

// HandleStripe verifies and applies one event. Only a genuine processing failure
// answers 5xx, so the gateway redelivers exactly the events that still need work.
func (h *WebhookHandler) HandleStripe(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		ErrorResponse(c, h.logger, http.StatusBadRequest, CodeValidation, "Failed to read request body")
		return
	}

	event, err := h.parser.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, gateway.ErrInvalidSignature):
		h.logger.WithError(err).WithField("request_id", getRequestID(c)).Warn("Rejected webhook with invalid signature")
		ErrorResponse(c, h.logger, http.StatusBadRequest, "INVALID_SIGNATURE", "Webhook signature verification failed")
		return
	case err != nil:
		// authentic but undecodable: acknowledge so the gateway stops retrying
		h.logger.WithError(err).WithField("request_id", getRequestID(c)).Warn("Acknowledging unparseable webhook")
		_, _ = h.webhooks.HandleWebhookEvent(c.Request.Context(), nil)
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": services.OutcomeUnparseable})
		return
	}

	outcome, err := h.webhooks.HandleWebhookEvent(c.Request.Context(), event)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"event_id":   event.ID,
			"event_type": event.Type,
			"request_id": getRequestID(c),
		}).Error("Webhook processing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"received": false, "outcome": services.OutcomeFailed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
}
