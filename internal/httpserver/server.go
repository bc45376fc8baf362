// Package httpserver serves the payment gateway's callback endpoint and the
// captive portal's status poll.
package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/config"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/logging"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/payment"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/transaction"
	"github.com/RAYMONDNJOROGE/uptime-final/pkg/codes"
)

const (
	maxCallbackBody = 1 << 20

	// defaultProcessTimeout covers three provisioning attempts, each with two
	// connect tries, the login and two command reads, plus the retry delays.
	defaultProcessTimeout = 3 * time.Minute
)

var checkoutIDPattern = regexp.MustCompile(`^ws_CO_[A-Za-z0-9_]+$`)

// CallbackProcessor applies one callback delivery.
type CallbackProcessor interface {
	Process(ctx context.Context, raw []byte) (payment.Result, error)
}

// StatusStore answers status polls.
type StatusStore interface {
	ClaimCredentials(ctx context.Context, checkoutRequestID string) (transaction.StatusView, error)
}

// Limiter throttles status polls per client address.
type Limiter interface {
	Allow(key string) bool
}

// StatusResponse is the body of every status poll answer.
type StatusResponse struct {
	Status   string `json:"status"`
	Username string `json:"username"`
	Password string `json:"password"`
	Message  string `json:"message"`
}

// Server is the public HTTP face of the gateway.
type Server struct {
	config     config.HttpConfig
	processor  CallbackProcessor
	store      StatusStore
	limiter    Limiter
	allowedIPs map[string]struct{}
	health     func(context.Context) error
	// processTimeout bounds a callback independently of the inbound request.
	processTimeout time.Duration

	mu         sync.Mutex
	httpServer *http.Server
	closed     bool
	stopOnce   sync.Once
}

// NewServer creates the gateway server. When payCfg.VerifySourceIP is set,
// callbacks are only accepted from payCfg.AllowedIPs.
func NewServer(cfg config.HttpConfig, payCfg config.PaymentConfig, processor CallbackProcessor, store StatusStore, limiter Limiter) *Server {
	if processor == nil || store == nil || limiter == nil {
		panic("httpserver: processor, store and limiter are required")
	}
	s := &Server{
		config:    cfg,
		processor: processor,
		store:     store,
		limiter:   limiter,

		processTimeout: payCfg.ProcessTimeout,
	}
	if s.processTimeout <= 0 {
		s.processTimeout = defaultProcessTimeout
	}
	if payCfg.VerifySourceIP {
		s.allowedIPs = make(map[string]struct{}, len(payCfg.AllowedIPs))
		for _, ip := range payCfg.AllowedIPs {
			s.allowedIPs[ip] = struct{}{}
		}
	}
	return s
}

// SetHealthCheck installs a probe reported by GET /health.
func (s *Server) SetHealthCheck(fn func(context.Context) error) { s.health = fn }

// Handler builds the routed gin engine.
func (s *Server) Handler() (http.Handler, error) {
	r, err := NewEngine(s.config.TrustedProxies)
	if err != nil {
		return nil, err
	}
	r.GET("/health", s.handleHealth)
	r.POST("/mpesa/callback", s.handleCallback)
	r.GET("/mpesa/status", s.handleStatus)
	return r, nil
}

// ListenAndServe starts the HTTP server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.httpServer != nil {
		s.mu.Unlock()
		return errors.New("http server already started")
	}
	srv := &http.Server{
		Addr:         s.config.Addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	s.httpServer = srv
	s.mu.Unlock()

	slog.Info("Starting gateway HTTP server", slog.String("address", s.config.Addr))
	err = srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Gateway HTTP server ListenAndServe error", slog.Any("error", err))
		return err
	}
	slog.Info("Gateway HTTP server stopped.")
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.InfoContext(ctx, "Shutdown requested for gateway HTTP server...")
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		srv := s.httpServer
		s.closed = true
		s.mu.Unlock()
		if srv != nil {
			srv.SetKeepAlivesEnabled(false)
			err = srv.Shutdown(ctx)
		}
	})
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health(c.Request.Context()); err != nil {
			slog.WarnContext(c.Request.Context(), "Health check failed", slog.Any("error", err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// handleCallback handles POST /mpesa/callback. Apart from a rejected source
// address the gateway always gets HTTP 200; the body says what happened.
func (s *Server) handleCallback(c *gin.Context) {
	logCtx := logging.ContextWithHandler(c.Request.Context(), "MpesaCallback")

	if s.allowedIPs != nil {
		if _, ok := s.allowedIPs[c.ClientIP()]; !ok {
			slog.WarnContext(logCtx, "Unauthorized callback source")
			c.JSON(http.StatusForbidden, payment.Ack{ResultCode: codes.AckRejected, ResultDesc: "Forbidden"})
			return
		}
	}

	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody))
	if err != nil {
		slog.WarnContext(logCtx, "Failed to read callback body", slog.Any("error", err))
		c.JSON(http.StatusOK, payment.Ack{ResultCode: codes.AckRejected, ResultDesc: "Invalid callback data"})
		return
	}
	slog.InfoContext(logCtx, "Callback received", slog.Int("bytes", len(raw)))

	// A paid callback runs to a terminal state even if the gateway hangs up.
	procCtx, cancel := context.WithTimeout(context.WithoutCancel(logCtx), s.processTimeout)
	defer cancel()
	res, err := s.processor.Process(procCtx, raw)
	if err != nil {
		slog.WarnContext(logCtx, "Callback not applied",
			slog.String("state", res.State), slog.String("code", res.Code), slog.Any("error", err))
	}
	c.JSON(http.StatusOK, res.Ack)
}

// handleStatus handles GET /mpesa/status?checkoutRequestId=...
func (s *Server) handleStatus(c *gin.Context) {
	logCtx := logging.ContextWithHandler(c.Request.Context(), "StatusPoll")

	id := c.Query("checkoutRequestId")
	if !checkoutIDPattern.MatchString(id) {
		c.JSON(http.StatusBadRequest, gin.H{"status": codes.PollError, "message": "Invalid checkout request ID format"})
		return
	}
	logCtx = logging.ContextWithCheckoutRequestID(logCtx, id)

	if !s.limiter.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"status": codes.PollError, "message": "Too many requests. Please wait."})
		return
	}

	view, err := s.store.ClaimCredentials(logCtx, id)
	switch {
	case errors.Is(err, transaction.ErrNotFound):
		c.JSON(http.StatusOK, StatusResponse{Status: codes.PollNotFound, Message: "Transaction not found"})
		return
	case err != nil:
		slog.ErrorContext(logCtx, "Status check failed", slog.Any("error", err))
		c.JSON(http.StatusOK, StatusResponse{Status: codes.PollError, Message: "Failed to check status"})
		return
	}

	resp := StatusResponse{
		Status:   string(view.Status),
		Username: view.Username,
		Password: view.Password,
		Message:  view.ErrorMessage,
	}
	if view.AlreadyRetrieved {
		resp.Message = "Credentials already retrieved"
	}
	if view.Password != "" {
		slog.InfoContext(logCtx, "Credentials disclosed to status poll")
	}
	c.JSON(http.StatusOK, resp)
}
