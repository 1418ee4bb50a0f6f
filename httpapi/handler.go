// Package httpapi exposes the engine's inbound operations to the
// surrounding application. It is a thin translation layer: all invariants
// live in the services.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/order"
	"escrowflow/payment"
)

// PaymentService is the payment request surface the API needs.
type PaymentService interface {
	Issue(ctx context.Context, params payment.IssueParams) (payment.IssueResult, error)
	Status(ctx context.Context, requestID string) (payment.StatusSummary, error)
	ByOrder(ctx context.Context, orderID string) (payment.Request, error)
}

// EscrowService is the escrow surface the API needs.
type EscrowService interface {
	Get(ctx context.Context, orderID string) (escrow.Record, error)
	Release(ctx context.Context, orderID, reference string) (escrow.Record, error)
}

// DisputeService is the dispute surface the API needs.
type DisputeService interface {
	Open(ctx context.Context, orderID, openedBy string) (dispute.Record, error)
	Resolve(ctx context.Context, orderID string, outcome dispute.Outcome) (dispute.Record, error)
}

type Handler struct {
	payments PaymentService
	escrows  EscrowService
	disputes DisputeService
}

func NewHandler(payments PaymentService, escrows EscrowService, disputes DisputeService) *Handler {
	return &Handler{
		payments: payments,
		escrows:  escrows,
		disputes: disputes,
	}
}

// Register mounts the API routes on the router.
func (h *Handler) Register(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.POST("/payment-requests", h.issuePaymentRequest)
	v1.GET("/payment-requests/:id", h.getPaymentStatus)
	v1.POST("/orders/:orderID/received", h.markOrderReceived)
	v1.POST("/orders/:orderID/disputes", h.openDispute)
	v1.POST("/orders/:orderID/disputes/resolve", h.resolveDispute)
	v1.GET("/orders/:orderID/status", h.getOrderStatus)
}

type issueRequest struct {
	Kind          string   `json:"kind" binding:"required"`
	OwnerID       string   `json:"owner_id" binding:"required"`
	PayeeID       string   `json:"payee_id"`
	ExpectedMinor int64    `json:"expected_minor" binding:"required"`
	ExpectedFiat  *float64 `json:"expected_fiat"`
	OrderID       string   `json:"order_id"`
}

func (h *Handler) issuePaymentRequest(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.payments.Issue(c.Request.Context(), payment.IssueParams{
		Kind:          payment.Kind(req.Kind),
		OwnerID:       req.OwnerID,
		PayeeID:       req.PayeeID,
		ExpectedMinor: req.ExpectedMinor,
		ExpectedFiat:  req.ExpectedFiat,
		OrderID:       req.OrderID,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"request_id":       result.Request.ID,
		"address":          result.Address,
		"expected_minor":   result.Request.ExpectedMinor,
		"expected_display": formatDisplay(result.Request.ExpectedMinor),
		"expires_at":       result.Request.ExpiresAt,
	})
}

func (h *Handler) getPaymentStatus(c *gin.Context) {
	summary, err := h.payments.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "payment request not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payment status unknown, retry shortly"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         summary.Status,
		"received_minor": summary.ReceivedMinor,
		"confirmations":  summary.Confirmations,
	})
}

func (h *Handler) markOrderReceived(c *gin.Context) {
	rec, err := h.escrows.Release(c.Request.Context(), c.Param("orderID"), "buyer_confirmed")
	if err != nil {
		switch {
		case errors.Is(err, escrow.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "no escrow for order"})
		case errors.Is(err, escrow.ErrAlreadySettled):
			c.JSON(http.StatusConflict, gin.H{"error": "escrow already settled"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "release failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id":    rec.OrderID,
		"status":      rec.Status,
		"payee_minor": rec.PayeeMinor,
	})
}

type openDisputeRequest struct {
	OpenedBy string `json:"opened_by" binding:"required"`
}

func (h *Handler) openDispute(c *gin.Context) {
	var req openDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.disputes.Open(c.Request.Context(), c.Param("orderID"), req.OpenedBy)
	if err != nil {
		switch {
		case errors.Is(err, dispute.ErrAlreadyOpen):
			c.JSON(http.StatusConflict, gin.H{"error": "dispute already open"})
		case errors.Is(err, escrow.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "no escrow for order"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "open dispute failed"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute_id": rec.ID, "status": rec.Status})
}

type resolveDisputeRequest struct {
	Outcome string `json:"outcome" binding:"required"`
}

func (h *Handler) resolveDispute(c *gin.Context) {
	var req resolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome := dispute.Outcome(req.Outcome)
	if !outcome.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "outcome must be buyer or vendor"})
		return
	}

	rec, err := h.disputes.Resolve(c.Request.Context(), c.Param("orderID"), outcome)
	if err != nil {
		switch {
		case errors.Is(err, dispute.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "no open dispute for order"})
		case errors.Is(err, dispute.ErrBadStatus):
			c.JSON(http.StatusConflict, gin.H{"error": "dispute already resolved"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve dispute failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute_id": rec.ID, "status": rec.Status, "outcome": rec.Outcome})
}

func (h *Handler) getOrderStatus(c *gin.Context) {
	ctx := c.Request.Context()
	orderID := c.Param("orderID")

	req, err := h.payments.ByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "order status unavailable"})
		return
	}

	var escrowStatus *escrow.Status
	locked := false
	rec, err := h.escrows.Get(ctx, orderID)
	switch {
	case err == nil:
		escrowStatus = &rec.Status
		locked = rec.DisputeLocked
	case errors.Is(err, escrow.ErrNotFound):
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "order status unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id": orderID,
		"status":   order.Project(req.Status, escrowStatus, locked),
	})
}

// formatDisplay renders minor units as a decimal coin amount. Presentation
// only; comparisons always use integer minor units.
func formatDisplay(minor int64) string {
	const minorPerCoin = 100_000_000
	return fmt.Sprintf("%d.%08d", minor/minorPerCoin, minor%minorPerCoin)
}
