package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/logging"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/managerapi/handlers/dto"
)

// Query parameters GET /accounts passes to the router as exact-match filters.
var accountFilters = []string{"profile", "comment", "disabled", "server"}

// AccountHandler manages hotspot accounts and their sessions.
type AccountHandler struct {
	svc AccountService
}

func NewAccountHandler(svc AccountService) *AccountHandler {
	return &AccountHandler{svc: svc}
}

// ListAccounts handles GET /accounts with pagination
func (h *AccountHandler) ListAccounts(c *gin.Context) {
	logCtx := logging.ContextWithHandler(c.Request.Context(), "ListAccounts")
	limit, offset := parsePagination(c)

	filters := map[string]string{}
	for _, k := range accountFilters {
		if v, ok := c.GetQuery(k); ok && v != "" {
			filters[k] = v
		}
	}
	accounts, err := h.svc.ListAllUsers(logCtx, filters)
	if err != nil {
		respondError(c, logCtx, "List accounts", err)
		return
	}
	resp := make([]dto.AccountResponse, len(accounts))
	for i, a := range accounts {
		resp[i] = dto.AccountFrom(a)
	}
	c.JSON(http.StatusOK, paginate(resp, limit, offset))
}

// GetAccount handles GET /accounts/:username
func (h *AccountHandler) GetAccount(c *gin.Context) {
	username := c.Param("username")
	logCtx := logging.ContextWithUsername(logging.ContextWithHandler(c.Request.Context(), "GetAccount"), username)

	acct, err := h.svc.GetUserInfo(logCtx, username)
	if err != nil {
		respondError(c, logCtx, "Get account", err)
		return
	}
	if acct == nil {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Account not found"})
		return
	}
	c.JSON(http.StatusOK, dto.AccountFrom(*acct))
}

// UpsertAccount handles PUT /accounts/:username
func (h *AccountHandler) UpsertAccount(c *gin.Context) {
	username := c.Param("username")
	logCtx := logging.ContextWithUsername(logging.ContextWithHandler(c.Request.Context(), "UpsertAccount"), username)

	var req dto.UpsertAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(logCtx, "Failed to bind request JSON", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}

	if err := h.svc.CreateOrUpdateUser(logCtx, username, req.Password, req.Plan); err != nil {
		respondError(c, logCtx, "Provision account", err)
		return
	}
	slog.InfoContext(logCtx, "Account provisioned by operator", slog.String("plan", req.Plan))

	acct, err := h.svc.GetUserInfo(logCtx, username)
	if err != nil || acct == nil {
		// Provisioned; the read-back is informational.
		c.JSON(http.StatusOK, gin.H{"username": username, "plan": req.Plan})
		return
	}
	c.JSON(http.StatusOK, dto.AccountFrom(*acct))
}

// DeleteAccount handles DELETE /accounts/:username
func (h *AccountHandler) DeleteAccount(c *gin.Context) {
	username := c.Param("username")
	logCtx := logging.ContextWithUsername(logging.ContextWithHandler(c.Request.Context(), "DeleteAccount"), username)

	removed, err := h.svc.RemoveUser(logCtx, username)
	if err != nil {
		respondError(c, logCtx, "Remove account", err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Account not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ListSessions handles GET /sessions
func (h *AccountHandler) ListSessions(c *gin.Context) {
	logCtx := logging.ContextWithHandler(c.Request.Context(), "ListSessions")
	limit, offset := parsePagination(c)

	sessions, err := h.svc.ListActiveSessions(logCtx)
	if err != nil {
		respondError(c, logCtx, "List sessions", err)
		return
	}
	c.JSON(http.StatusOK, paginate(sessions, limit, offset))
}

// DisconnectSessions handles DELETE /sessions/:username
func (h *AccountHandler) DisconnectSessions(c *gin.Context) {
	username := c.Param("username")
	logCtx := logging.ContextWithUsername(logging.ContextWithHandler(c.Request.Context(), "DisconnectSessions"), username)

	n, err := h.svc.DisconnectActiveSession(logCtx, username)
	if err != nil {
		respondError(c, logCtx, "Disconnect sessions", err)
		return
	}
	c.JSON(http.StatusOK, dto.DisconnectResponse{Username: username, Disconnected: n})
}
