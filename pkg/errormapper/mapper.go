package errormapper

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/RAYMONDNJOROGE/uptime-final/pkg/codes"
)

type ack struct {
	resultCode int
	desc       string
}

// Descriptions sent back to the payment gateway. Internal error text never
// appears here.
var internalToGateway = map[string]ack{
	CodeSuccess:           {codes.AckAccepted, "Success"},
	CodeAlreadyProcessed:  {codes.AckAccepted, "Already processed"},
	CodeNotFound:          {codes.AckAccepted, "Transaction not found"},
	CodePaymentFailed:     {codes.AckAccepted, "Payment failure recorded"},
	CodeInvalidPayload:    {codes.AckRejected, "Invalid callback data"},
	CodeAmountMismatch:    {codes.AckRejected, "Processing error"},
	CodeProvisionRejected: {codes.AckRejected, "Processing error"},
	CodeRouterUnavailable: {codes.AckRejected, "Processing error"},
	CodeSystemError:       {codes.AckRejected, "Processing error"},
}

var internalToHTTP = map[string]int{
	CodeSuccess:           http.StatusOK,
	CodeNotFound:          http.StatusNotFound,
	CodeInvalidPayload:    http.StatusBadRequest,
	CodeInvalidInput:      http.StatusBadRequest,
	CodeUnknownPlan:       http.StatusBadRequest,
	CodeAmountMismatch:    http.StatusBadRequest,
	CodeAlreadyProcessed:  http.StatusConflict,
	CodeDuplicate:         http.StatusConflict,
	CodeProvisionRejected: http.StatusUnprocessableEntity,
	CodeRouterUnavailable: http.StatusBadGateway,
	CodeRouterAuthFailed:  http.StatusBadGateway,
	CodeRouterProtocol:    http.StatusBadGateway,
	CodeLockTimeout:       http.StatusServiceUnavailable,
	CodeDatabase:          http.StatusInternalServerError,
	CodeSystemError:       http.StatusInternalServerError,
}

// MapErrorCode translates an internal code to the text a protocol expects:
// the gateway acknowledgement description, or the HTTP status text.
func MapErrorCode(internalCode string, protocol string) string {
	protocol = strings.ToLower(protocol)
	internalCode = strings.ToUpper(internalCode)

	switch protocol {
	case "gateway":
		_, desc := GatewayAck(internalCode)
		return desc
	case "http":
		return http.StatusText(HTTPStatus(internalCode))
	default:
		slog.Warn("Unknown protocol requested for error code mapping", slog.String("protocol", protocol))
		return internalCode
	}
}

// GatewayAck returns the acknowledgement for a callback outcome. Unknown
// codes map to a generic processing error.
func GatewayAck(internalCode string) (int, string) {
	if a, ok := internalToGateway[internalCode]; ok {
		return a.resultCode, a.desc
	}
	slog.Debug("No gateway mapping found for code, returning default", slog.String("internal_code", internalCode))
	return codes.AckRejected, "Processing error"
}

// HTTPStatus returns the HTTP status for an internal code, 500 by default.
func HTTPStatus(internalCode string) int {
	if s, ok := internalToHTTP[internalCode]; ok {
		return s
	}
	return http.StatusInternalServerError
}
