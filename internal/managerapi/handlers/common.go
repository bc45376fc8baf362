package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/hotspot"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/managerapi/handlers/dto"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/payment"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/transaction"
	"github.com/RAYMONDNJOROGE/uptime-final/pkg/errormapper"
)

const (
	DefaultLimit  = 20
	MaxLimit      = 100
	DefaultOffset = 0
)

// parsePagination extracts limit and offset from query params with validation and defaults.
func parsePagination(c *gin.Context) (limit, offset int32) {
	limitStr := c.DefaultQuery("limit", strconv.Itoa(DefaultLimit))
	offsetStr := c.DefaultQuery("offset", strconv.Itoa(DefaultOffset))

	limit64, err := strconv.ParseInt(limitStr, 10, 32)
	if err != nil || limit64 <= 0 {
		limit = DefaultLimit
	} else if limit64 > MaxLimit {
		slog.WarnContext(c.Request.Context(), "Requested limit exceeds maximum, capping.", slog.Int64("requested", limit64), slog.Int("max", MaxLimit))
		limit = MaxLimit
	} else {
		limit = int32(limit64)
	}

	offset64, err := strconv.ParseInt(offsetStr, 10, 32)
	if err != nil || offset64 < 0 {
		offset = DefaultOffset
	} else {
		offset = int32(offset64)
	}

	return limit, offset
}

// paginate slices items the router returned in full.
func paginate[T any](items []T, limit, offset int32) dto.PaginatedListResponse {
	total := int64(len(items))
	page := []T{}
	if int64(offset) < total {
		end := min(int64(offset)+int64(limit), total)
		page = items[offset:end]
	}
	return dto.PaginatedListResponse{
		Data:       page,
		Pagination: dto.PaginationResponse{Total: total, Limit: limit, Offset: offset},
	}
}

// errorCode classifies an error from the hotspot service or registrar.
func errorCode(err error) string {
	var pe *hotspot.ProvisionError
	switch {
	case errors.As(err, &pe):
		return pe.Code()
	case errors.Is(err, hotspot.ErrUnknownPlan):
		return errormapper.CodeUnknownPlan
	case errors.Is(err, transaction.ErrInvalidPhone),
		errors.Is(err, transaction.ErrInvalidMAC),
		errors.Is(err, payment.ErrPriceMismatch):
		return errormapper.CodeInvalidInput
	case errors.Is(err, transaction.ErrDuplicate):
		return errormapper.CodeDuplicate
	case errors.Is(err, transaction.ErrNotFound):
		return errormapper.CodeNotFound
	}
	return errormapper.CodeSystemError
}

// respondError logs err and writes a status derived from it. Client errors
// carry their message; router and system failures only a generic one.
func respondError(c *gin.Context, logCtx context.Context, action string, err error) {
	code := errorCode(err)
	status := errormapper.HTTPStatus(code)
	msg := action + " failed"
	switch {
	case status < http.StatusInternalServerError:
		msg = err.Error()
		if routerMsg, ok := hotspot.IsRejected(err); ok {
			msg = "Router rejected the request: " + routerMsg
		}
		slog.WarnContext(logCtx, action+" rejected", slog.String("code", code), slog.Any("error", err))
	default:
		if status == http.StatusBadGateway {
			msg = errormapper.MapErrorCode(code, "http") + ": router unavailable"
		}
		slog.ErrorContext(logCtx, action+" failed", slog.String("code", code), slog.Any("error", err))
	}
	c.JSON(status, dto.ErrorResponse{Error: msg, Code: code})
}
