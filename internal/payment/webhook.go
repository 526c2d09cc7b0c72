package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/payclaw/payclaw/internal/logging"
	"github.com/payclaw/payclaw/internal/metrics"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// maxWebhookBody bounds the settlement payload size.
const maxWebhookBody = 64 * 1024

// Webhook event kinds the issuer sends.
const (
	EventTransactionSettled = "transaction.settled"
	EventTransactionAuth    = "transaction.authorization"
	EventCardStateChanged   = "card.state_changed"
)

// WebhookEvent is the issuer's settlement notification payload.
type WebhookEvent struct {
	EventType string `json:"event_type"`
	CardToken string `json:"card_token"`
	Amount    int64  `json:"amount"` // cents actually charged
}

// Sign computes the hex HMAC-SHA256 signature of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature in constant time. An empty
// secret disables verification for local development; callers must log
// the bypass.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookHandler receives issuer events.
type WebhookHandler struct {
	service *Service
	secret  string
}

// NewWebhookHandler creates the issuer webhook endpoint handler.
func NewWebhookHandler(service *Service, secret string) *WebhookHandler {
	return &WebhookHandler{service: service, secret: secret}
}

// RegisterRoutes sets up the webhook route.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/issuer", h.HandleEvent)
}

// HandleEvent handles POST /webhooks/issuer.
//
// Only transaction.settled changes state. Recognized informational events
// are logged and acked; unrecognized kinds are acked and ignored so the
// provider does not redeliver them forever.
func (h *WebhookHandler) HandleEvent(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return
	}

	if h.secret == "" {
		logging.L(ctx).Warn("webhook signature verification disabled, no secret configured")
	} else if !VerifySignature(h.secret, body, c.GetHeader(SignatureHeader)) {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid webhook payload",
		})
		return
	}

	switch event.EventType {
	case EventTransactionSettled:
		h.handleSettled(c, event)

	case EventTransactionAuth, EventCardStateChanged:
		logging.L(ctx).Info("issuer event acknowledged",
			"event_type", event.EventType, "card_token", event.CardToken)
		metrics.WebhookEventsTotal.WithLabelValues(event.EventType, "acknowledged").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})

	default:
		logging.L(ctx).Debug("ignoring unrecognized issuer event",
			"event_type", event.EventType)
		metrics.WebhookEventsTotal.WithLabelValues("other", "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}

func (h *WebhookHandler) handleSettled(c *gin.Context, event WebhookEvent) {
	ctx := c.Request.Context()

	if event.CardToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "card_token is required",
		})
		return
	}

	outcome, err := h.service.HandleSettlement(ctx, event.CardToken, event.Amount)
	if err != nil {
		if errors.Is(err, ErrUnknownCard) {
			// Not our card; ack so the provider stops redelivering.
			logging.L(ctx).Warn("settlement for unknown card", "card_token", event.CardToken)
			metrics.WebhookEventsTotal.WithLabelValues(EventTransactionSettled, "unknown_card").Inc()
			c.JSON(http.StatusOK, gin.H{"status": "unknown_card"})
			return
		}
		metrics.WebhookEventsTotal.WithLabelValues(EventTransactionSettled, "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(EventTransactionSettled, string(outcome.Status)).Inc()
	c.JSON(http.StatusOK, gin.H{
		"status":         string(outcome.Status),
		"card_id":        outcome.CardID,
		"refund_cents":   outcome.RefundCents,
		"refund_tx_hash": outcome.RefundTxHash,
		"duplicate":      outcome.Duplicate,
	})
}
