package logging

import (
	"context"
	"log/slog"
	"os"
)

type contextKey string

const (
	RequestIDKey         contextKey = "request_id"
	CheckoutRequestIDKey contextKey = "checkout_request_id"
	MerchantRequestIDKey contextKey = "merchant_request_id"
	TransactionIDKey     contextKey = "transaction_id"
	UsernameKey          contextKey = "username"
	WorkerKey            contextKey = "worker"
	HandlerKey           contextKey = "handler"
	ClientIPKey          contextKey = "client_ip"
)

var stringKeys = []contextKey{
	RequestIDKey,
	CheckoutRequestIDKey,
	MerchantRequestIDKey,
	UsernameKey,
	WorkerKey,
	HandlerKey,
	ClientIPKey,
}

// ContextHandler wraps another slog.Handler and adds attributes from context.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler creates a handler that extracts values from context.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

// Handle adds context attributes before calling the wrapped handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, k := range stringKeys {
		if v, ok := ctx.Value(k).(string); ok && v != "" {
			r.AddAttrs(slog.String(string(k), v))
		}
	}
	if txID, ok := ctx.Value(TransactionIDKey).(int64); ok {
		r.AddAttrs(slog.Int64(string(TransactionIDKey), txID))
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs and WithGroup keep the wrapper so derived loggers still read context.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// Setup installs a JSON logger on stdout as the slog default.
func Setup(level string) {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: logLevel, AddSource: logLevel <= slog.LevelDebug}
	slog.SetDefault(slog.New(NewContextHandler(slog.NewJSONHandler(os.Stdout, opts))))
}

func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// ContextWithCallbackIDs tags the context with the gateway's id pair.
func ContextWithCallbackIDs(ctx context.Context, checkoutRequestID, merchantRequestID string) context.Context {
	ctx = context.WithValue(ctx, CheckoutRequestIDKey, checkoutRequestID)
	return context.WithValue(ctx, MerchantRequestIDKey, merchantRequestID)
}

func ContextWithCheckoutRequestID(ctx context.Context, checkoutRequestID string) context.Context {
	return context.WithValue(ctx, CheckoutRequestIDKey, checkoutRequestID)
}

func ContextWithTransactionID(ctx context.Context, txID int64) context.Context {
	return context.WithValue(ctx, TransactionIDKey, txID)
}

func ContextWithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, UsernameKey, username)
}

func ContextWithWorker(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, WorkerKey, name)
}

func ContextWithHandler(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, HandlerKey, name)
}

func ContextWithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ClientIPKey, ip)
}
