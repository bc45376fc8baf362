package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/auth"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/managerapi/handlers/dto"
)

const APIKeyHeader = "X-API-Key"

// RequireAPIKey admits requests whose X-API-Key matches apiKeyHash. With no
// hash configured every request is refused.
func RequireAPIKey(apiKeyHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(APIKeyHeader)
		if apiKeyHash == "" {
			slog.ErrorContext(c.Request.Context(), "Manager API called but ADMIN_API_KEY_HASH is not configured")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "API key authentication is not configured"})
			return
		}
		if key == "" || !auth.CheckAPIKey(key, apiKeyHash) {
			slog.WarnContext(c.Request.Context(), "Manager API authentication failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorResponse{Error: "Unauthorized: invalid API key"})
			return
		}
		c.Next()
	}
}
