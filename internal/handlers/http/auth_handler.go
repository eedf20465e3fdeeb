package http

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"kizuna/internal/infrastructure/middleware"
)

// AuthHandler exchanges the node's shared secret for a short-lived bearer
// token. The control surface is single-operator: anyone holding the node
// secret is the operator.
type AuthHandler struct {
	tokens *middleware.TokenService
	secret string
}

// NewAuthHandler builds the handler.
func NewAuthHandler(tokens *middleware.TokenService, secret string) *AuthHandler {
	return &AuthHandler{tokens: tokens, secret: secret}
}

// SetupRoutes registers the unauthenticated token endpoint.
func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	router.POST("/api/v1/auth/token", h.IssueToken)
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req struct {
		Subject string `json:"subject" binding:"required"`
		Secret  string `json:"secret" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.secret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
		return
	}

	token, err := h.tokens.Issue(req.Subject)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}
