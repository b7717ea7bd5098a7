package wallet

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for wallet operations
type Handler struct {
	wallet *Service
	logger *slog.Logger
}

// NewHandler creates a new wallet handler
func NewHandler(wallet *Service, logger *slog.Logger) *Handler {
	return &Handler{wallet: wallet, logger: logger}
}

// RegisterRoutes sets up wallet routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/balance", h.GetBalance)
	r.GET("/users/:id/ledger", h.GetHistory)
}

// GetBalance handles GET /users/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Param("id")
	if !h.authorized(c, userID) {
		return
	}

	account, err := h.wallet.GetBalance(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get balance", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": account})
}

// GetHistory handles GET /users/:id/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	userID := c.Param("id")
	if !h.authorized(c, userID) {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	cursor := c.Query("cursor")

	postings, next, more, err := h.wallet.HistoryPage(c.Request.Context(), userID, cursor, limit, offset)
	if err != nil {
		if errors.Is(err, ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "Invalid pagination cursor"})
			return
		}
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Account not found"})
			return
		}
		h.logger.Error("failed to get history", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	if postings == nil {
		postings = []*Posting{}
	}
	resp := gin.H{
		"postings": postings,
		"limit":    limit,
		"offset":   offset,
		"has_more": more,
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// authorized ensures the authenticated user owns the account being read.
func (h *Handler) authorized(c *gin.Context, userID string) bool {
	actor := c.GetString("authUserID")
	if actor == "" || actor != userID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You can only access your own wallet",
		})
		return false
	}
	return true
}
