package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/config"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/payment"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/ratelimit"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/transaction"
	"github.com/RAYMONDNJOROGE/uptime-final/pkg/codes"
)

const gatewayIP = "196.201.214.200"

type mockProcessor struct {
	calls atomic.Int32
	body  atomic.Value
	fn    func(ctx context.Context, raw []byte) (payment.Result, error)
}

func (m *mockProcessor) Process(ctx context.Context, raw []byte) (payment.Result, error) {
	m.calls.Add(1)
	m.body.Store(string(raw))
	if m.fn != nil {
		return m.fn(ctx, raw)
	}
	return payment.Result{State: codes.CallbackFinalized, Ack: payment.Ack{ResultCode: 0, ResultDesc: "Success"}}, nil
}

type failingStore struct{}

func (failingStore) ClaimCredentials(context.Context, string) (transaction.StatusView, error) {
	return transaction.StatusView{}, errors.New("connection refused")
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

type testServer struct {
	handler http.Handler
	proc    *mockProcessor
	store   *transaction.MemoryStore
	clock   *fakeClock
}

func newTestServer(t *testing.T, httpCfg config.HttpConfig, payCfg config.PaymentConfig) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		proc:  &mockProcessor{},
		store: transaction.NewMemoryStore(time.Second),
		clock: &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	limiter := ratelimit.New(1, 2*time.Second)
	limiter.SetClock(ts.clock.now)

	srv := NewServer(httpCfg, payCfg, ts.proc, ts.store, limiter)
	h, err := srv.Handler()
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	ts.handler = h
	return ts
}

func defaultPayment() config.PaymentConfig {
	return config.PaymentConfig{VerifySourceIP: true, AllowedIPs: []string{gatewayIP, "196.201.213.114"}}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func callbackRequest(remote string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/mpesa/callback", strings.NewReader(`{"Body":{}}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remote + ":40123"
	return req
}

func statusRequest(id, remote string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/mpesa/status?checkoutRequestId="+id, nil)
	req.RemoteAddr = remote + ":40123"
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestCallbackForbiddenSource(t *testing.T) {
	ts := newTestServer(t, config.HttpConfig{}, defaultPayment())

	w := ts.do(callbackRequest("203.0.113.9"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	ack := decode[payment.Ack](t, w)
	if ack.ResultCode != 1 || ack.ResultDesc != "Forbidden" {
		t.Errorf("ack = %+v", ack)
	}
	if ts.proc.calls.Load() != 0 {
		t.Error("processor called for forbidden source")
	}
}

func TestCallbackAccepted(t *testing.T) {
	ts := newTestServer(t, config.HttpConfig{}, defaultPayment())

	w := ts.do(callbackRequest(gatewayIP))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	ack := decode[payment.Ack](t, w)
	if ack.ResultCode != 0 || ack.ResultDesc != "Success" {
		t.Errorf("ack = %+v", ack)
	}
	if got := ts.proc.body.Load(); got != `{"Body":{}}` {
		t.Errorf("processor saw %v", got)
	}
}

func TestCallbackProcessingErrorStillOK(t *testing.T) {
	ts := newTestServer(t, config.HttpConfig{}, defaultPayment())
	ts.proc.fn = func(context.Context, []byte) (payment.Result, error) {
		return payment.Result{
			State: codes.CallbackRejected,
			Ack:   payment.Ack{ResultCode: 1, ResultDesc: "Processing error"},
		}, errors.New("router unreachable")
	}

	w := ts.do(callbackRequest(gatewayIP))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ack := decode[payment.Ack](t, w); ack.ResultDesc != "Processing error" || ack.ResultCode != 1 {
		t.Errorf("ack = %+v", ack)
	}
	if strings.Contains(w.Body.String(), "router unreachable") {
		t.Error("internal error leaked to gateway")
	}
}

func TestCallbackOutlivesGatewayDisconnect(t *testing.T) {
	ts := newTestServer(t, config.HttpConfig{}, defaultPayment())
	started := make(chan struct{})
	release := make(chan struct{})
	var procErr atomic.Value
	var hasDeadline atomic.Bool
	ts.proc.fn = func(ctx context.Context, _ []byte) (payment.Result, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			procErr.Store(err)
		}
		_, ok := ctx.Deadline()
		hasDeadline.Store(ok)
		return payment.Result{State: codes.CallbackFinalized, Ack: payment.Ack{ResultCode: 0, ResultDesc: "Success"}}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := callbackRequest(gatewayIP).WithContext(ctx)
	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- ts.do(req) }()

	<-started
	cancel()
	close(release)
	w := <-done

	if err := procErr.Load(); err != nil {
		t.Fatalf("processing saw the caller's cancellation: %v", err)
	}
	if !hasDeadline.Load() {
		t.Fatal("processing ran without a deadline")
	}
	if ack := decode[payment.Ack](t, w); ack.ResultDesc != "Success" {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestCallbackProcessTimeout(t *testing.T) {
	pay := defaultPayment()
	pay.ProcessTimeout = 20 * time.Millisecond
	ts := newTestServer(t, config.HttpConfig{}, pay)
	ts.proc.fn = func(ctx context.Context, _ []byte) (payment.Result, error) {
		<-ctx.Done()
		return payment.Result{State: codes.CallbackRejected, Ack: payment.Ack{ResultCode: 1, ResultDesc: "Processing error"}}, ctx.Err()
	}

	w := ts.do(callbackRequest(gatewayIP))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ack := decode[payment.Ack](t, w); ack.ResultCode != 1 {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestCallbackForwardedForIgnoredWithoutTrustedProxy(t *testing.T) {
	ts := newTestServer(t, config.HttpConfig{}, defaultPayment())

	req := callbackRequest("203.0.113.9")
	req.Header.Set("X-Forwarded-For", gatewayIP)
	if w := ts.do(req); w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestCallbackBehindTrustedProxy(t *testing.T) {
	ts := newTestServer(t, config.HttpConfig{TrustedProxies: []string{"10.0.0.1"}}, defaultPayment())

	req := callbackRequest("10.0.0.1")
	req.Header.Set("X-Forwarded-For", gatewayIP)
	if w := ts.do(req); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestCallbackVerificationDisabled(t *testing.T) {
	ts := newTestServer(t, config.HttpConfig{}, config.PaymentConfig{VerifySourceIP: false, AllowedIPs: []string{gatewayIP}})

	if w := ts.do(callbackRequest("203.0.113.9")); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestCallbackBodyTooLarge(t *testing.T) {
	ts := newTestServer(t, config.HttpConfig{}, defaultPayment())

	req := httptest.NewRequest(http.MethodPost, "/mpesa/callback", strings.NewReader(strings.Repeat("x", maxCallbackBody+1)))
	req.RemoteAddr = gatewayIP + ":40123"
	w := ts.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ack := decode[payment.Ack](t, w); ack.ResultCode != 1 || ack.ResultDesc != "Invalid callback data" {
		t.Errorf("ack = %+v", ack)
	}
	if ts.proc.calls.Load() != 0 {
		t.Error("processor called for oversized body")
	}
}

func seedTransaction(t *testing.T, store *transaction.MemoryStore, checkoutID string) transaction.IDPair {
	t.Helper()
	ids := transaction.IDPair{CheckoutRequestID: checkoutID, MerchantRequestID: "29115-34620561-1"}
	_, err := store.Create(context.Background(), transaction.CreateParams{
		IDs:      ids,
		Phone:    "254712345678",
		Amount:   decimal.NewFromInt(40),
		Plan:     "24h",
		Username: "user_345678",
		Password: "Ab3dE6gH",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return ids
}

func TestStatusInvalidID(t *testing.T) {
	ts := newTestServer(t, config.HttpConfig{}, defaultPayment())

	for _, id := range []string{"", "abc", "ws_CO_12;DROP", "WS_CO_123"} {
		w := ts.do(statusRequest(id, "192.0.2.10"))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%q: status = %d, want 400", id, w.Code)
			continue
		}
		body := decode[map[string]string](t, w)
		if body["status"] != "error" || body["message"] != "Invalid checkout request ID format" {
			t.Errorf("%q: body = %v", id, body)
		}
	}
}

func TestStatusNotFound(t *testing.T) {
	ts := newTestServer(t, config.HttpConfig{}, defaultPayment())

	w := ts.do(statusRequest("ws_CO_000000000000", "192.0.2.10"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[StatusResponse](t, w)
	if resp.Status != "not_found" || resp.Message != "Transaction not found" || resp.Username != "" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestStatusPendingThenCompletedOnce(t *testing.T) {
	ts := newTestServer(t, config.HttpConfig{}, defaultPayment())
	ids := seedTransaction(t, ts.store, "ws_CO_191220191020363925")
	poll := func() StatusResponse {
		ts.clock.t = ts.clock.t.Add(2 * time.Second)
		w := ts.do(statusRequest(ids.CheckoutRequestID, "192.0.2.10"))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		return decode[StatusResponse](t, w)
	}

	if resp := poll(); resp.Status != "pending" || resp.Password != "" {
		t.Fatalf("pending poll = %+v", resp)
	}

	_, err := ts.store.TryTransitionToCompleted(context.Background(), ids, transaction.Completion{
		Receipt: "QGH7X1Y2Z3", Amount: decimal.NewFromInt(40), Phone: "254712345678",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	first := poll()
	if first.Status != "completed" || first.Username != "user_345678" || first.Password != "Ab3dE6gH" {
		t.Fatalf("first completed poll = %+v", first)
	}
	second := poll()
	if second.Status != "completed" || second.Username != "" || second.Password != "" ||
		second.Message != "Credentials already retrieved" {
		t.Fatalf("second completed poll = %+v", second)
	}
}

func TestStatusFailedCarriesMessage(t *testing.T) {
	ts := newTestServer(t, config.HttpConfig{}, defaultPayment())
	ids := seedTransaction(t, ts.store, "ws_CO_191220191020363926")
	if err := ts.store.TryTransitionToFailed(context.Background(), ids, "Request cancelled by user"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	resp := decode[StatusResponse](t, ts.do(statusRequest(ids.CheckoutRequestID, "192.0.2.10")))
	if resp.Status != "failed" || resp.Message != "Request cancelled by user" || resp.Password != "" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestStatusRateLimitedPerIP(t *testing.T) {
	ts := newTestServer(t, config.HttpConfig{}, defaultPayment())
	id := "ws_CO_191220191020363925"

	if w := ts.do(statusRequest(id, "192.0.2.10")); w.Code != http.StatusOK {
		t.Fatalf("first poll status = %d", w.Code)
	}
	w := ts.do(statusRequest(id, "192.0.2.10"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second poll status = %d, want 429", w.Code)
	}
	if body := decode[map[string]string](t, w); body["message"] != "Too many requests. Please wait." {
		t.Errorf("body = %v", body)
	}
	if w := ts.do(statusRequest(id, "192.0.2.11")); w.Code != http.StatusOK {
		t.Errorf("other client status = %d", w.Code)
	}

	ts.clock.t = ts.clock.t.Add(2 * time.Second)
	if w := ts.do(statusRequest(id, "192.0.2.10")); w.Code != http.StatusOK {
		t.Errorf("after interval status = %d", w.Code)
	}
}

func TestStatusStoreError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(config.HttpConfig{}, defaultPayment(), &mockProcessor{}, failingStore{}, ratelimit.New(1, time.Second))
	h, err := srv.Handler()
	if err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, statusRequest("ws_CO_1", "192.0.2.10"))

	resp := decode[StatusResponse](t, w)
	if resp.Status != "error" || resp.Message != "Failed to check status" {
		t.Errorf("resp = %+v", resp)
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Error("store error leaked")
	}
}

func TestRequestIDEchoed(t *testing.T) {
	ts := newTestServer(t, config.HttpConfig{}, defaultPayment())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	if got := ts.do(req).Header().Get(RequestIDHeader); got != "req-123" {
		t.Errorf("request id = %q", got)
	}

	generated := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Header().Get(RequestIDHeader)
	if len(generated) != 36 {
		t.Errorf("generated request id = %q", generated)
	}
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(config.HttpConfig{}, defaultPayment(), &mockProcessor{}, transaction.NewMemoryStore(0), ratelimit.New(1, time.Second))
	healthy := true
	srv.SetHealthCheck(func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("db down")
	})
	h, err := srv.Handler()
	if err != nil {
		t.Fatal(err)
	}

	get := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		return w
	}
	if w := get(); w.Code != http.StatusOK {
		t.Errorf("healthy status = %d", w.Code)
	}
	healthy = false
	w := get()
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if strings.Contains(string(body), "db down") {
		t.Error("health error leaked")
	}
}

func TestListenAndServeShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(config.HttpConfig{Addr: "127.0.0.1:0"}, defaultPayment(), &mockProcessor{}, transaction.NewMemoryStore(0), ratelimit.New(1, time.Second))

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.mu.Lock()
		started := srv.httpServer != nil
		srv.mu.Unlock()
		if started || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ListenAndServe: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe did not return")
	}
	if err := srv.ListenAndServe(); err != nil {
		t.Errorf("ListenAndServe after Shutdown = %v, want nil", err)
	}
}
