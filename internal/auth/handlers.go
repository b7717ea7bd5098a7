package auth

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mzansibay/platform/internal/validation"
)

// Provisioner prepares resources for a newly registered user (the server
// wires the wallet here so the seeded account exists immediately).
type Provisioner interface {
	Provision(ctx context.Context, userID string) error
}

// Handler provides HTTP endpoints for registration and key management
type Handler struct {
	manager     *Manager
	provisioner Provisioner
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// WithProvisioner attaches a post-registration hook.
func (h *Handler) WithProvisioner(p Provisioner) *Handler {
	h.provisioner = p
	return h
}

// RegisterRequest contains the registration parameters.
type RegisterRequest struct {
	UserID string `json:"userId" binding:"required"`
	Name   string `json:"name"`
}

// Register handles POST /users. The API key is returned exactly once.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	userID := validation.SanitizeUserID(req.UserID)
	if !validation.IsValidUserID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user_id",
			"message": "User IDs are 3-64 lowercase letters, digits, hyphens or underscores",
		})
		return
	}

	existing, err := h.manager.ListKeys(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Registration failed"})
		return
	}
	if len(existing) > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "user_exists", "message": "User is already registered"})
		return
	}

	name := req.Name
	if name == "" {
		name = "default"
	}
	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), userID, name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to issue API key"})
		return
	}

	if h.provisioner != nil {
		if err := h.provisioner.Provision(c.Request.Context(), userID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to provision account"})
			return
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"userId": userID,
		"apiKey": rawKey,
		"keyId":  key.ID,
		"note":   "Store this API key securely. It will not be shown again.",
	})
}

// ListKeys returns API keys for the authenticated user
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list keys"})
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}
	c.JSON(http.StatusOK, gin.H{"keys": safeKeys})
}

// RevokeKey revokes one of the authenticated user's API keys
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), c.Param("keyId"), key.UserID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "API key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"note":      "API key is returned on user registration. Store it securely.",
	})
}
