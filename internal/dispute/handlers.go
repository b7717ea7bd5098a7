package dispute

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mzansibay/platform/internal/escrow"
)

// Handler provides HTTP endpoints for dispute operations
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new dispute handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up dispute routes. Resolve must additionally sit
// behind the admin middleware; the server wires that.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, admin gin.HandlerFunc) {
	r.GET("/disputes/:id", h.Get)
	r.GET("/users/:id/disputes", h.ListForUser)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.POST("/disputes/:id/messages", h.AddMessage)
	r.POST("/disputes/:id/resolve", admin, h.Resolve)
}

// Get handles GET /disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	isAgent := c.GetBool("isAdmin")
	if !isAgent && !d.Party(c.GetString("authUserID")) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not a party to this dispute"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": visibleTo(d, isAgent)})
}

// ListForUser handles GET /users/:id/disputes
func (h *Handler) ListForUser(c *gin.Context) {
	userID := c.Param("id")
	if c.GetString("authUserID") != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "You can only list your own disputes"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	disputes, err := h.service.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list disputes", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": "Failed to list disputes"})
		return
	}

	out := make([]*Dispute, 0, len(disputes))
	for _, d := range disputes {
		out = append(out, visibleTo(d, false))
	}
	c.JSON(http.StatusOK, gin.H{"disputes": out})
}

// EvidenceRequest contains a single evidence submission.
type EvidenceRequest struct {
	Type string `json:"type" binding:"required"`
	Data string `json:"data" binding:"required"`
}

// AddEvidence handles POST /disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	d, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"),
		c.GetString("authUserID"), Evidence{Type: req.Type, Data: req.Data})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": visibleTo(d, false)})
}

// MessageRequest contains one conversation message.
type MessageRequest struct {
	Text     string `json:"text" binding:"required"`
	Internal bool   `json:"internal"`
}

// AddMessage handles POST /disputes/:id/messages
func (h *Handler) AddMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	isAgent := c.GetBool("isAdmin")
	d, err := h.service.AddMessage(c.Request.Context(), c.Param("id"),
		c.GetString("authUserID"), req.Text, req.Internal, isAgent)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": visibleTo(d, isAgent)})
}

// ResolveRequest selects a settlement strategy. Amount is the buyer's
// share for partial outcomes, as a decimal string.
type ResolveRequest struct {
	Type   string `json:"type" binding:"required"`
	Amount string `json:"amount"`
}

// Resolve handles POST /disputes/:id/resolve (admin only)
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	res, err := ParseResolution(req.Type, req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resolution", "message": err.Error()})
		return
	}

	resolver := c.GetString("authUserID")
	if resolver == "" {
		resolver = "admin"
	}
	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), res, resolver)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": visibleTo(d, true)})
}

// visibleTo strips internal messages for non-agent viewers.
func visibleTo(d *Dispute, isAgent bool) *Dispute {
	if isAgent {
		return d
	}
	cp := *d
	cp.Messages = make([]Message, 0, len(d.Messages))
	for _, m := range d.Messages {
		if !m.Internal {
			cp.Messages = append(cp.Messages, m)
		}
	}
	return &cp
}

// respondError maps service errors onto HTTP responses.
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute not found"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not authorized for this dispute operation"})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": "Dispute is already in a final state"})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Invalid resolution amount"})
	case errors.Is(err, ErrInvalidReason):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_reason", "message": "Unknown dispute reason"})
	case errors.Is(err, escrow.ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
	case errors.Is(err, escrow.ErrInvalidStatus), errors.Is(err, escrow.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": "Escrow cannot be settled in its current status"})
	default:
		h.logger.Error("dispute operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong"})
	}
}
