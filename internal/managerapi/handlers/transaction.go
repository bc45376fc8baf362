package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/logging"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/managerapi/handlers/dto"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/payment"
)

// TransactionHandler registers payments the initiation flow has started.
type TransactionHandler struct {
	registrar TransactionRegistrar
}

func NewTransactionHandler(registrar TransactionRegistrar) *TransactionHandler {
	return &TransactionHandler{registrar: registrar}
}

// RegisterTransaction handles POST /transactions
func (h *TransactionHandler) RegisterTransaction(c *gin.Context) {
	logCtx := logging.ContextWithHandler(c.Request.Context(), "RegisterTransaction")

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}
	var req payment.RegisterRequest
	if err := binding.JSON.BindBody(raw, &req); err != nil {
		slog.WarnContext(logCtx, "Failed to bind request JSON", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}
	if req.RequestIP == "" {
		req.RequestIP = c.ClientIP()
	}

	reg, err := h.registrar.Register(logCtx, req, compactJSON(raw))
	if err != nil {
		respondError(c, logCtx, "Register transaction", err)
		return
	}
	c.JSON(http.StatusCreated, reg)
}

func compactJSON(raw []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
