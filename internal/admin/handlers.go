package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/payclaw/payclaw/internal/card"
	"github.com/payclaw/payclaw/internal/chain"
	"github.com/payclaw/payclaw/internal/logging"
	"github.com/payclaw/payclaw/internal/payment"
	"github.com/payclaw/payclaw/internal/reconciliation"
)

// Handler provides the operator HTTP endpoints. Routes must be
// registered on an authenticated group.
type Handler struct {
	payments    *payment.Service
	recon       *reconciliation.Service
	stuckWindow time.Duration
}

// NewHandler creates an admin handler. recon may be nil when the server
// runs without chain access; reconciliation then returns 503.
func NewHandler(payments *payment.Service, recon *reconciliation.Service) *Handler {
	return &Handler{
		payments:    payments,
		recon:       recon,
		stuckWindow: DefaultStuckWindow,
	}
}

// RegisterRoutes sets up the operator routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/cards/stuck", h.StuckCards)
	r.POST("/admin/cards/:id/retry-refund", h.RetryRefund)
	r.GET("/admin/reconciliation", h.Reconciliation)
}

// StuckCards handles GET /api/v1/admin/cards/stuck
func (h *Handler) StuckCards(c *gin.Context) {
	window := h.stuckWindow
	if w := c.Query("window"); w != "" {
		parsed, err := time.ParseDuration(w)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "window must be a positive duration like 10m",
			})
			return
		}
		window = parsed
	}

	report, err := FindStuck(c.Request.Context(), h.payments, window)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// RetryRefund handles POST /api/v1/admin/cards/:id/retry-refund
func (h *Handler) RetryRefund(c *gin.Context) {
	ctx := c.Request.Context()
	cardID := c.Param("id")

	outcome, err := h.payments.RetryRefund(ctx, cardID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	logging.L(ctx).Info("operator refund retry succeeded",
		"card_id", cardID, "refund_cents", outcome.RefundCents)
	c.JSON(http.StatusOK, outcome)
}

// Reconciliation handles GET /api/v1/admin/reconciliation
func (h *Handler) Reconciliation(c *gin.Context) {
	if h.recon == nil || !h.recon.Available() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "not_configured",
			"message": "On-chain reconciliation requires escrow contract access",
		})
		return
	}

	res, err := h.recon.Reconcile(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}

	if !res.Match {
		logging.L(c.Request.Context()).Warn("reconciliation mismatch",
			"escrow_balance", res.EscrowBalance,
			"ledger_total", res.LedgerTotal,
			"diff", res.Diff,
		)
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, card.ErrCardNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Card not found",
		})

	case errors.Is(err, payment.ErrRefundNotRetryable), errors.Is(err, card.ErrInvalidTransition),
		errors.Is(err, card.ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})

	case errors.Is(err, chain.ErrSigningUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "not_configured",
			"message": err.Error(),
		})

	case errors.Is(err, chain.ErrRefundReverted), errors.Is(err, chain.ErrConfirmTimeout),
		errors.Is(err, chain.ErrRPCConnection):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "chain_error",
			"message": err.Error(),
		})

	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
