package payment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/hotspot"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/routeros/routerostest"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/transaction"
	"github.com/RAYMONDNJOROGE/uptime-final/pkg/codes"
)

type mockProvisioner struct {
	calls atomic.Int32
	fn    func(username, password, plan string) error
}

func (m *mockProvisioner) CreateOrUpdateUserWithRetry(_ context.Context, username, password, plan string) error {
	m.calls.Add(1)
	if m.fn == nil {
		return nil
	}
	return m.fn(username, password, plan)
}

var testIDs = transaction.IDPair{
	CheckoutRequestID: "ws_CO_191220191020363925",
	MerchantRequestID: "29115-34620561-1",
}

func seed(t *testing.T, store transaction.Store) {
	t.Helper()
	_, err := store.Create(context.Background(), transaction.CreateParams{
		IDs:      testIDs,
		Phone:    "254712345678",
		Amount:   decimal.NewFromInt(40),
		Plan:     "24h",
		Username: "user_345678",
		Password: "Ab3dE6gH",
	})
	if err != nil {
		t.Fatal(err)
	}
}

type callbackOpts struct {
	resultCode int
	desc       string
	amount     string
	phone      any
	noMeta     bool
}

func callbackBody(o callbackOpts) []byte {
	if o.amount == "" {
		o.amount = "40"
	}
	if o.phone == nil {
		o.phone = 254712345678
	}
	if o.desc == "" {
		o.desc = "The service request is processed successfully."
	}
	stk := map[string]any{
		"MerchantRequestID": testIDs.MerchantRequestID,
		"CheckoutRequestID": testIDs.CheckoutRequestID,
		"ResultCode":        o.resultCode,
		"ResultDesc":        o.desc,
	}
	if o.resultCode == 0 && !o.noMeta {
		stk["CallbackMetadata"] = map[string]any{
			"Item": []map[string]any{
				{"Name": "Amount", "Value": json.RawMessage(o.amount)},
				{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
				{"Name": "Balance"},
				{"Name": "TransactionDate", "Value": 20191219102115},
				{"Name": "PhoneNumber", "Value": o.phone},
			},
		}
	}
	b, _ := json.Marshal(map[string]any{"Body": map[string]any{"stkCallback": stk}})
	return b
}

func TestProcessSuccess(t *testing.T) {
	store := transaction.NewMemoryStore(time.Second)
	seed(t, store)
	prov := &mockProvisioner{fn: func(u, p, plan string) error {
		if u != "user_345678" || p != "Ab3dE6gH" || plan != "24h" {
			t.Errorf("provisioned %s/%s/%s", u, p, plan)
		}
		return nil
	}}

	res, err := NewProcessor(store, prov).Process(context.Background(), callbackBody(callbackOpts{}))
	if err != nil {
		t.Fatal(err)
	}
	if res.State != codes.CallbackFinalized || res.Ack != (Ack{0, "Success"}) {
		t.Fatalf("result = %+v", res)
	}
	got, _ := store.Get(context.Background(), testIDs.CheckoutRequestID)
	if got.Status != transaction.StatusCompleted || got.Receipt != "NLJ7RT61SV" || got.ConfirmedPhone != "254712345678" {
		t.Fatalf("transaction = %+v", got)
	}
	logs := store.Logs(got.ID)
	if len(logs) != 1 || logs[0].Kind != transaction.LogCallback {
		t.Fatalf("logs = %+v", logs)
	}
}

func TestProcessInvalidPayload(t *testing.T) {
	store := transaction.NewMemoryStore(time.Second)
	seed(t, store)
	prov := &mockProvisioner{}
	p := NewProcessor(store, prov)

	for name, body := range map[string]string{
		"not json":         `{`,
		"missing callback": `{"Body":{}}`,
		"missing ids":      `{"Body":{"stkCallback":{"ResultCode":0,"CheckoutRequestID":"ws_CO_1"}}}`,
		"bad amount":       "",
	} {
		t.Run(name, func(t *testing.T) {
			raw := []byte(body)
			if name == "bad amount" {
				raw = callbackBody(callbackOpts{amount: `"forty"`})
			}
			res, err := p.Process(context.Background(), raw)
			if !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("err = %v, want ErrInvalidPayload", err)
			}
			if res.Ack != (Ack{1, "Invalid callback data"}) || res.State != codes.CallbackRejected {
				t.Fatalf("result = %+v", res)
			}
		})
	}
	if prov.calls.Load() != 0 {
		t.Fatal("invalid payloads must not provision")
	}
}

func TestProcessUnknownTransaction(t *testing.T) {
	store := transaction.NewMemoryStore(time.Second)
	prov := &mockProvisioner{}

	res, err := NewProcessor(store, prov).Process(context.Background(), callbackBody(callbackOpts{}))
	if err != nil {
		t.Fatalf("not found must be benign, got %v", err)
	}
	if res.Ack != (Ack{0, "Transaction not found"}) {
		t.Fatalf("ack = %+v", res.Ack)
	}
	if prov.calls.Load() != 0 {
		t.Fatal("provisioned for an unknown transaction")
	}
}

func TestProcessGatewayFailure(t *testing.T) {
	store := transaction.NewMemoryStore(time.Second)
	seed(t, store)
	prov := &mockProvisioner{}

	res, err := NewProcessor(store, prov).Process(context.Background(),
		callbackBody(callbackOpts{resultCode: 1032, desc: "Request cancelled by user"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Ack != (Ack{0, "Payment failure recorded"}) || res.State != codes.CallbackFinalized {
		t.Fatalf("result = %+v", res)
	}
	got, _ := store.Get(context.Background(), testIDs.CheckoutRequestID)
	if got.Status != transaction.StatusFailed || got.ErrorMessage != "Request cancelled by user" {
		t.Fatalf("transaction = %+v", got)
	}
	if prov.calls.Load() != 0 {
		t.Fatal("failed payment must not provision")
	}
}

func TestProcessAmountTolerance(t *testing.T) {
	tests := []struct {
		amount     string
		wantStatus transaction.Status
		wantAck    Ack
		wantErr    error
	}{
		{"40.5", transaction.StatusCompleted, Ack{0, "Success"}, nil},
		{"39", transaction.StatusCompleted, Ack{0, "Success"}, nil},
		{"41", transaction.StatusCompleted, Ack{0, "Success"}, nil},
		{"41.01", transaction.StatusFailed, Ack{1, "Processing error"}, ErrAmountMismatch},
		{"50", transaction.StatusFailed, Ack{1, "Processing error"}, ErrAmountMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			store := transaction.NewMemoryStore(time.Second)
			seed(t, store)
			prov := &mockProvisioner{}

			res, err := NewProcessor(store, prov).Process(context.Background(), callbackBody(callbackOpts{amount: tt.amount}))
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if res.Ack != tt.wantAck {
				t.Fatalf("ack = %+v", res.Ack)
			}
			got, _ := store.Get(context.Background(), testIDs.CheckoutRequestID)
			if got.Status != tt.wantStatus {
				t.Fatalf("status = %s", got.Status)
			}
			if tt.wantErr != nil {
				if prov.calls.Load() != 0 {
					t.Fatal("mismatched amount must not provision")
				}
				if !strings.Contains(got.ErrorMessage, "Amount mismatch: expected 40.00, received "+decimal.RequireFromString(tt.amount).StringFixed(2)) {
					t.Fatalf("error message = %q", got.ErrorMessage)
				}
				logs := store.Logs(got.ID)
				if len(logs) != 2 || logs[1].Kind != transaction.LogError {
					t.Fatalf("logs = %+v", logs)
				}
			}
		})
	}
}

func TestProcessCustomTolerance(t *testing.T) {
	store := transaction.NewMemoryStore(time.Second)
	seed(t, store)
	p := NewProcessor(store, &mockProvisioner{}, WithAmountTolerance(decimal.Zero))

	if _, err := p.Process(context.Background(), callbackBody(callbackOpts{amount: "40.5"})); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("err = %v, want ErrAmountMismatch", err)
	}
}

func TestProcessPhoneMismatchOnlyWarns(t *testing.T) {
	store := transaction.NewMemoryStore(time.Second)
	seed(t, store)
	prov := &mockProvisioner{}

	res, err := NewProcessor(store, prov).Process(context.Background(), callbackBody(callbackOpts{phone: "254700000001"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Ack.ResultDesc != "Success" || prov.calls.Load() != 1 {
		t.Fatalf("result = %+v, calls = %d", res, prov.calls.Load())
	}
}

func TestProcessDuplicateDelivery(t *testing.T) {
	store := transaction.NewMemoryStore(time.Second)
	seed(t, store)
	prov := &mockProvisioner{}
	p := NewProcessor(store, prov)
	body := callbackBody(callbackOpts{})

	if _, err := p.Process(context.Background(), body); err != nil {
		t.Fatal(err)
	}
	res, err := p.Process(context.Background(), body)
	if err != nil {
		t.Fatal(err)
	}
	if res.Ack != (Ack{0, "Already processed"}) {
		t.Fatalf("ack = %+v", res.Ack)
	}
	if prov.calls.Load() != 1 {
		t.Fatalf("provisioned %d times", prov.calls.Load())
	}
}

func TestProcessConcurrentDeliveriesProvisionOnce(t *testing.T) {
	store := transaction.NewMemoryStore(5 * time.Second)
	seed(t, store)
	release := make(chan struct{})
	prov := &mockProvisioner{fn: func(string, string, string) error {
		<-release
		return nil
	}}
	p := NewProcessor(store, prov)
	body := callbackBody(callbackOpts{})

	const deliveries = 4
	var wg sync.WaitGroup
	results := make([]Result, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = p.Process(context.Background(), body)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	var success, already int
	for _, r := range results {
		switch r.Ack.ResultDesc {
		case "Success":
			success++
		case "Already processed":
			already++
		default:
			t.Fatalf("unexpected result %+v", r)
		}
	}
	if success != 1 || already != deliveries-1 {
		t.Fatalf("success=%d already=%d", success, already)
	}
	if prov.calls.Load() != 1 {
		t.Fatalf("provisioned %d times", prov.calls.Load())
	}
}

func TestProcessProvisioningFailure(t *testing.T) {
	store := transaction.NewMemoryStore(time.Second)
	seed(t, store)
	prov := &mockProvisioner{fn: func(string, string, string) error {
		return &hotspot.ProvisionError{Kind: hotspot.KindUnavailable, Op: "create_or_update_user", Message: "connection refused"}
	}}

	res, err := NewProcessor(store, prov).Process(context.Background(), callbackBody(callbackOpts{}))
	if !errors.Is(err, ErrProvisionFailed) {
		t.Fatalf("err = %v", err)
	}
	if res.Ack != (Ack{1, "Processing error"}) || res.State != codes.CallbackRejected {
		t.Fatalf("result = %+v", res)
	}
	got, _ := store.Get(context.Background(), testIDs.CheckoutRequestID)
	if got.Status != transaction.StatusFailed || got.ErrorMessage != "Provisioning failed: Router unavailable" {
		t.Fatalf("transaction = %+v", got)
	}
}

func TestProvisionMessageHidesInternals(t *testing.T) {
	dialErr := errors.New("dial tcp 127.0.0.1:45815: i/o timeout")
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rejected", &hotspot.ProvisionError{Kind: hotspot.KindRejected, Message: "failure: already have user"}, "Provisioning failed: failure: already have user"},
		{"unavailable", &hotspot.ProvisionError{Kind: hotspot.KindUnavailable, Err: dialErr}, "Provisioning failed: Router unavailable"},
		{"auth", &hotspot.ProvisionError{Kind: hotspot.KindAuthFailed, Err: dialErr}, "Provisioning failed: Router login rejected"},
		{"protocol", &hotspot.ProvisionError{Kind: hotspot.KindProtocol, Err: dialErr}, "Provisioning failed: Unexpected router response"},
		{"no done", &hotspot.ProvisionError{Kind: hotspot.KindUnexpectedReply}, "Provisioning failed: Unexpected router response"},
		{"unknown plan", &hotspot.ProvisionError{Kind: hotspot.KindUnknownPlan}, "Provisioning failed: Unknown plan"},
		{"untyped", dialErr, "Provisioning failed: internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := provisionMessage(tt.err); got != tt.want {
				t.Fatalf("provisionMessage = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProcessPanicMarksFailed(t *testing.T) {
	store := transaction.NewMemoryStore(time.Second)
	seed(t, store)
	prov := &mockProvisioner{fn: func(string, string, string) error { panic("boom") }}

	res, err := NewProcessor(store, prov).Process(context.Background(), callbackBody(callbackOpts{}))
	if !errors.Is(err, ErrProcessing) {
		t.Fatalf("err = %v", err)
	}
	if res.Ack != (Ack{1, "Processing error"}) {
		t.Fatalf("ack = %+v", res.Ack)
	}
	got, _ := store.Get(context.Background(), testIDs.CheckoutRequestID)
	if got.Status != transaction.StatusFailed || got.ErrorMessage != "Processing error" {
		t.Fatalf("transaction = %+v", got)
	}
	// The row lock was released.
	if _, err := store.Lock(context.Background(), testIDs); err != nil {
		t.Fatalf("lock after panic: %v", err)
	}
}

// failingCommitStore makes every locked transaction fail to commit.
type failingCommitStore struct {
	transaction.Store
}

type failingCommitTx struct {
	transaction.LockedTx
}

func (s failingCommitStore) Lock(ctx context.Context, ids transaction.IDPair) (transaction.LockedTx, error) {
	tx, err := s.Store.Lock(ctx, ids)
	if err != nil {
		return nil, err
	}
	return failingCommitTx{tx}, nil
}

func (t failingCommitTx) Commit(ctx context.Context) error {
	_ = t.LockedTx.Rollback(ctx)
	return errors.New("connection reset during commit")
}

func TestProcessRecordsFailureWhenCommitFails(t *testing.T) {
	mem := transaction.NewMemoryStore(time.Second)
	seed(t, mem)
	// Only the locked callback transaction fails to commit; the fallback
	// transition goes straight to the memory store.
	store := failingCommitStore{mem}

	res, err := NewProcessor(store, &mockProvisioner{}).Process(context.Background(), callbackBody(callbackOpts{amount: "100"}))
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("err = %v", err)
	}
	if res.Ack != (Ack{1, "Processing error"}) {
		t.Fatalf("ack = %+v", res.Ack)
	}
	got, _ := mem.Get(context.Background(), testIDs.CheckoutRequestID)
	if got.Status != transaction.StatusFailed || !strings.HasPrefix(got.ErrorMessage, "Amount mismatch") {
		t.Fatalf("transaction = %+v", got)
	}
	if logs := mem.Logs(got.ID); len(logs) != 0 {
		t.Fatalf("rolled back logs were kept: %+v", logs)
	}
}

func TestProcessCompletesWhenFinalCommitFails(t *testing.T) {
	mem := transaction.NewMemoryStore(time.Second)
	seed(t, mem)
	prov := &mockProvisioner{}

	res, err := NewProcessor(failingCommitStore{mem}, prov).Process(context.Background(), callbackBody(callbackOpts{}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Ack != (Ack{0, "Success"}) || res.State != codes.CallbackFinalized {
		t.Fatalf("result = %+v", res)
	}
	if prov.calls.Load() != 1 {
		t.Fatalf("provisioned %d times", prov.calls.Load())
	}
	got, _ := mem.Get(context.Background(), testIDs.CheckoutRequestID)
	if got.Status != transaction.StatusCompleted || got.Receipt != "NLJ7RT61SV" {
		t.Fatalf("transaction = %+v", got)
	}
}

// unrecordableStore also refuses the completed transition outside the lock.
type unrecordableStore struct {
	failingCommitStore
}

func (unrecordableStore) TryTransitionToCompleted(context.Context, transaction.IDPair, transaction.Completion) (transaction.Transaction, error) {
	return transaction.Transaction{}, errors.New("connection reset")
}

func TestProcessNeverLeavesPendingAfterProvisioning(t *testing.T) {
	mem := transaction.NewMemoryStore(time.Second)
	seed(t, mem)
	store := unrecordableStore{failingCommitStore{mem}}

	res, err := NewProcessor(store, &mockProvisioner{}).Process(context.Background(), callbackBody(callbackOpts{}))
	if !errors.Is(err, ErrProcessing) {
		t.Fatalf("err = %v", err)
	}
	if res.Ack != (Ack{1, "Processing error"}) {
		t.Fatalf("ack = %+v", res.Ack)
	}
	got, _ := mem.Get(context.Background(), testIDs.CheckoutRequestID)
	if got.Status != transaction.StatusFailed || !strings.HasPrefix(got.ErrorMessage, "Processing error") {
		t.Fatalf("transaction = %+v", got)
	}
}

// The remaining tests drive the real provisioning service against the fake
// router.

func newRouterPipeline(t *testing.T) (*Processor, *transaction.MemoryStore, *routerostest.Server) {
	t.Helper()
	srv := routerostest.NewServer(t)
	svc := hotspot.NewService(srv.Dialer(), hotspot.DefaultPlanTable(),
		hotspot.WithSleep(func(context.Context, time.Duration) error { return nil }))
	store := transaction.NewMemoryStore(time.Second)
	seed(t, store)
	return NewProcessor(store, svc), store, srv
}

func TestPipelineProvisionsAndDisclosesOnce(t *testing.T) {
	p, store, srv := newRouterPipeline(t)
	ctx := context.Background()

	res, err := p.Process(ctx, callbackBody(callbackOpts{}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Ack.ResultDesc != "Success" {
		t.Fatalf("ack = %+v", res.Ack)
	}
	u, ok := srv.User("user_345678")
	if !ok || u["password"] != "Ab3dE6gH" || u["limit-uptime"] != "1d" || u["profile"] != "24_Hours" || u["comment"] != "24h" {
		t.Fatalf("router user = %v", u)
	}

	first, err := store.ClaimCredentials(ctx, testIDs.CheckoutRequestID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Username != "user_345678" || first.Password != "Ab3dE6gH" {
		t.Fatalf("first poll = %+v", first)
	}
	second, err := store.ClaimCredentials(ctx, testIDs.CheckoutRequestID)
	if err != nil {
		t.Fatal(err)
	}
	if second.Username != "" || second.Password != "" || !second.AlreadyRetrieved {
		t.Fatalf("second poll = %+v", second)
	}
}

func TestPipelineRetryExhaustionKeepsRouterMessage(t *testing.T) {
	p, store, srv := newRouterPipeline(t)
	srv.FailCommand("/ip/hotspot/user/add", "failure: profile 24_Hours does not exist", 3)

	res, err := p.Process(context.Background(), callbackBody(callbackOpts{}))
	if !errors.Is(err, ErrProvisionFailed) {
		t.Fatalf("err = %v", err)
	}
	if res.Ack != (Ack{1, "Processing error"}) {
		t.Fatalf("ack = %+v", res.Ack)
	}
	got, _ := store.Get(context.Background(), testIDs.CheckoutRequestID)
	if got.Status != transaction.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ErrorMessage != "Provisioning failed: failure: profile 24_Hours does not exist" {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}
	if srv.UserCount() != 0 {
		t.Fatalf("router left with %d users", srv.UserCount())
	}
}

func TestPipelineRetryRecovers(t *testing.T) {
	p, store, srv := newRouterPipeline(t)
	srv.FailCommand("/ip/hotspot/user/add", "failure: temporarily busy", 2)

	res, err := p.Process(context.Background(), callbackBody(callbackOpts{}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Ack.ResultDesc != "Success" || srv.UserCount() != 1 {
		t.Fatalf("ack = %+v users = %d", res.Ack, srv.UserCount())
	}
	got, _ := store.Get(context.Background(), testIDs.CheckoutRequestID)
	if got.Status != transaction.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}
