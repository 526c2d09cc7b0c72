package payment

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/payclaw/payclaw/internal/card"
	"github.com/payclaw/payclaw/internal/chain"
	"github.com/payclaw/payclaw/internal/issuer"
	"github.com/payclaw/payclaw/internal/logging"
	"github.com/payclaw/payclaw/internal/pagination"
	"github.com/payclaw/payclaw/internal/session"
)

// Handler provides HTTP endpoints for the payment lifecycle.
type Handler struct {
	service *Service
	gateway issuer.Gateway
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service, gateway issuer.Gateway) *Handler {
	return &Handler{service: service, gateway: gateway}
}

// RegisterRoutes sets up the public read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/cards", h.ListCards)
	r.GET("/cards/:id", h.GetCard)
}

// RegisterProtectedRoutes sets up the mutating routes; the caller applies
// API key auth to the group.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payment/initiate", h.Initiate)
	r.POST("/payment/confirm", h.Confirm)
	r.POST("/cards/:id/simulate/authorize", h.SimulateAuthorize)
	r.POST("/cards/:id/simulate/clear", h.SimulateClear)
}

// Initiate handles POST /api/v1/payment/initiate
func (h *Handler) Initiate(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	resp, err := h.service.Initiate(c.Request.Context(), req)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Confirm handles POST /api/v1/payment/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	resp, err := h.service.Confirm(c.Request.Context(), req)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetCard handles GET /api/v1/cards/:id
func (h *Handler) GetCard(c *gin.Context) {
	vc, err := h.service.GetCard(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"card": vc})
}

// ListCards handles GET /api/v1/cards
func (h *Handler) ListCards(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	filter := card.ListFilter{
		SessionID: c.Query("session_id"),
		TxRef:     c.Query("tx_ref"),
		Limit:     limit + 1, // one extra row decides has_more
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed > 0 {
			filter.Offset = parsed
		}
	}

	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid cursor",
		})
		return
	}
	filter.After = after

	cards, err := h.service.ListCards(c.Request.Context(), filter)
	if err != nil {
		h.renderError(c, err)
		return
	}

	cards, next, hasMore := pagination.ComputePage(cards, limit, func(vc *card.VirtualCard) (time.Time, string) {
		return vc.CreatedAt, vc.ID
	})

	resp := gin.H{
		"cards":    cards,
		"count":    len(cards),
		"has_more": hasMore,
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// SimulateRequest drives test-mode card activity.
type SimulateRequest struct {
	AmountCents int64  `json:"amount_cents" binding:"required"`
	Descriptor  string `json:"descriptor"`
	MCC         string `json:"mcc"`
}

// SimulateAuthorize handles POST /api/v1/cards/:id/simulate/authorize
func (h *Handler) SimulateAuthorize(c *gin.Context) {
	ctx := c.Request.Context()

	var req SimulateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AmountCents <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount_cents must be a positive integer",
		})
		return
	}

	vc, err := h.service.GetCard(ctx, c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	if vc.IssuerToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "card_not_issued",
			"message": "Card has no issuer token yet",
		})
		return
	}

	prev := vc.Status

	authID, err := h.gateway.SimulateAuthorization(ctx, vc.IssuerToken, req.AmountCents, req.Descriptor, req.MCC)
	if err != nil {
		h.renderError(c, err)
		return
	}

	if err := vc.MarkAuthorized(authID, req.AmountCents); err != nil {
		h.renderError(c, err)
		return
	}
	// Conditional on the status we read: a settlement landing mid-flight
	// must not be overwritten by this stale copy.
	if err := h.service.store.UpdateFrom(ctx, vc, prev); err != nil {
		h.renderError(c, err)
		return
	}

	logging.L(ctx).Info("simulated authorization",
		"card_id", vc.ID, "authorization_id", authID, "amount_cents", req.AmountCents)
	h.service.notify("card.authorized", vc)

	c.JSON(http.StatusOK, gin.H{
		"card_id":          vc.ID,
		"authorization_id": authID,
		"status":           string(vc.Status),
	})
}

// SimulateClear handles POST /api/v1/cards/:id/simulate/clear
func (h *Handler) SimulateClear(c *gin.Context) {
	ctx := c.Request.Context()

	var req SimulateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AmountCents <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount_cents must be a positive integer",
		})
		return
	}

	vc, err := h.service.GetCard(ctx, c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	if vc.AuthorizationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "no_authorization",
			"message": "Card has no authorization to clear",
		})
		return
	}

	prev := vc.Status

	if err := h.gateway.SimulateClearing(ctx, vc.AuthorizationID, req.AmountCents); err != nil {
		h.renderError(c, err)
		return
	}

	if err := vc.MarkCleared(req.AmountCents); err != nil {
		h.renderError(c, err)
		return
	}
	if err := h.service.store.UpdateFrom(ctx, vc, prev); err != nil {
		h.renderError(c, err)
		return
	}

	logging.L(ctx).Info("simulated clearing",
		"card_id", vc.ID, "amount_cents", req.AmountCents)
	h.service.notify("card.cleared", vc)

	c.JSON(http.StatusOK, gin.H{
		"card_id": vc.ID,
		"status":  string(vc.Status),
	})
}

// renderError maps domain errors onto the API error taxonomy.
func (h *Handler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrContractsUnconfigured), errors.Is(err, issuer.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "not_configured",
			"message": err.Error(),
		})

	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})

	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired),
		errors.Is(err, session.ErrAlreadyClaimed):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_session",
			"message": err.Error(),
		})

	case errors.Is(err, card.ErrDuplicateTransaction):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_transaction",
			"message": "Transaction already used to issue a card",
		})

	case errors.Is(err, chain.ErrRPCConnection):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "chain_unavailable",
			"message": err.Error(),
		})

	case errors.Is(err, chain.ErrTxNotFound), errors.Is(err, chain.ErrTxReverted),
		errors.Is(err, chain.ErrDestinationMismatch), errors.Is(err, chain.ErrEventMissing),
		errors.Is(err, chain.ErrEventMalformed), errors.Is(err, chain.ErrSessionMismatch),
		errors.Is(err, chain.ErrUnderpayment):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "verification_failed",
			"message": err.Error(),
		})

	case errors.Is(err, ErrIssuance), errors.Is(err, issuer.ErrIssuerUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "issuer_error",
			"message": err.Error(),
		})

	case errors.Is(err, card.ErrCardNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Card not found",
		})

	case errors.Is(err, card.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})

	case errors.Is(err, card.ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Card changed concurrently; fetch it again",
		})

	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
