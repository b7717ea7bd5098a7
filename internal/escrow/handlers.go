package escrow

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mzansibay/platform/internal/wallet"
)

// Handler provides HTTP endpoints for escrow operations
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new escrow handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up escrow routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.Create)
	r.GET("/escrows/:id", h.Get)
	r.GET("/users/:id/escrows", h.ListForUser)
	r.POST("/escrows/:id/fund", h.Fund)
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/refund", h.Refund)
	r.POST("/escrows/:id/cancel", h.Cancel)
	r.POST("/escrows/:id/dispute", h.Dispute)
	r.POST("/escrows/:id/milestones/:milestoneId/evidence", h.SubmitEvidence)
}

// Create handles POST /escrows
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	// The authenticated user must be a party to the escrow they create.
	// Compare normalized ids, the service lowercases and trims them too.
	actor := c.GetString("authUserID")
	buyer := strings.ToLower(strings.TrimSpace(req.BuyerID))
	seller := strings.ToLower(strings.TrimSpace(req.SellerID))
	if actor != buyer && actor != seller {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You must be the buyer or seller of the escrow",
		})
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be a positive decimal"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "create_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// Get handles GET /escrows/:id
func (h *Handler) Get(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	if !escrow.Party(c.GetString("authUserID")) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not a party to this escrow"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListForUser handles GET /users/:id/escrows
func (h *Handler) ListForUser(c *gin.Context) {
	userID := c.Param("id")
	if c.GetString("authUserID") != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "You can only list your own escrows"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	escrows, err := h.service.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list escrows", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": "Failed to list escrows"})
		return
	}

	if escrows == nil {
		escrows = []*Escrow{}
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows})
}

// Fund handles POST /escrows/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	escrow, err := h.service.Fund(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// Release handles POST /escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	escrow, err := h.service.Release(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// Refund handles POST /escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	escrow, err := h.service.Refund(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// Cancel handles POST /escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	escrow, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// DisputeRequest contains the parameters for raising a dispute.
type DisputeRequest struct {
	Reason      string `json:"reason" binding:"required"`
	Description string `json:"description"`
}

// Dispute handles POST /escrows/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	escrow, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Reason, req.Description)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// EvidenceRequest contains a single evidence submission.
type EvidenceRequest struct {
	Type string `json:"type" binding:"required"`
	Data string `json:"data" binding:"required"`
}

// SubmitEvidence handles POST /escrows/:id/milestones/:milestoneId/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	escrow, err := h.service.SubmitEvidence(c.Request.Context(), c.Param("id"), c.Param("milestoneId"),
		c.GetString("authUserID"), Evidence{Type: req.Type, Data: req.Data})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// respondError maps service errors onto HTTP responses.
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
	case errors.Is(err, ErrMilestoneNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "milestone_not_found", "message": "Milestone not found"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not authorized for this escrow operation"})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": "Escrow is already in a final state"})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": "Operation not allowed in the escrow's current status"})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_funds", "message": "Insufficient funds"})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Invalid amount"})
	default:
		h.logger.Error("escrow operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong"})
	}
}
