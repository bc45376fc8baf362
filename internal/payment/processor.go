package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/hotspot"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/logging"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/transaction"
	"github.com/RAYMONDNJOROGE/uptime-final/pkg/codes"
	"github.com/RAYMONDNJOROGE/uptime-final/pkg/errormapper"
)

var (
	ErrInvalidPayload  = errors.New("invalid callback payload")
	ErrAmountMismatch  = errors.New("amount mismatch")
	ErrProvisionFailed = errors.New("provisioning failed")
	ErrProcessing      = errors.New("callback processing failed")
)

// DefaultAmountTolerance absorbs formatting differences in the confirmed amount.
var DefaultAmountTolerance = decimal.NewFromInt(1)

// Provisioner creates or updates the hotspot account a payment buys.
type Provisioner interface {
	CreateOrUpdateUserWithRetry(ctx context.Context, username, password, planID string) error
}

// Ack is the acknowledgement body returned to the gateway.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func ackFor(code string) Ack {
	rc, desc := errormapper.GatewayAck(code)
	return Ack{ResultCode: rc, ResultDesc: desc}
}

// Result is where a callback ended up.
type Result struct {
	State         string
	Code          string
	Ack           Ack
	TransactionID int64
}

func result(state, code string, txID int64) Result {
	return Result{State: state, Code: code, Ack: ackFor(code), TransactionID: txID}
}

// Processor applies callbacks. Each delivery holds the transaction row lock
// from lookup until the row is terminal, so duplicate deliveries serialise
// and at most one of them provisions.
type Processor struct {
	store       transaction.Store
	provisioner Provisioner
	tolerance   decimal.Decimal
	// failTimeout bounds the best-effort failure write after a rollback.
	failTimeout time.Duration
}

type Option func(*Processor)

func WithAmountTolerance(d decimal.Decimal) Option {
	return func(p *Processor) { p.tolerance = d.Abs() }
}

func NewProcessor(store transaction.Store, provisioner Provisioner, opts ...Option) *Processor {
	p := &Processor{
		store:       store,
		provisioner: provisioner,
		tolerance:   DefaultAmountTolerance,
		failTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs one callback delivery through the state machine. The returned
// Result always carries an acknowledgement; err describes failures for logs.
func (p *Processor) Process(ctx context.Context, raw []byte) (res Result, err error) {
	logger := slog.With(slog.String("component", "CallbackProcessor"))

	cb, err := ParseCallback(raw)
	if err != nil {
		logger.WarnContext(ctx, "Rejecting invalid callback", slog.Any("error", err))
		return result(codes.CallbackRejected, errormapper.CodeInvalidPayload, 0), err
	}
	ids := cb.IDs()
	ctx = logging.ContextWithCallbackIDs(ctx, ids.CheckoutRequestID, ids.MerchantRequestID)

	tx, err := p.store.Lock(ctx, ids)
	if errors.Is(err, transaction.ErrNotFound) {
		logger.WarnContext(ctx, "Callback for unknown transaction")
		return result(codes.CallbackRejected, errormapper.CodeNotFound, 0), nil
	}
	if err != nil {
		logger.ErrorContext(ctx, "Failed to lock transaction", slog.Any("error", err))
		code := errormapper.CodeDatabase
		if errors.Is(err, transaction.ErrLockTimeout) {
			code = errormapper.CodeLockTimeout
		}
		return result(codes.CallbackRejected, code, 0), fmt.Errorf("%w: %w", ErrProcessing, err)
	}

	t := tx.Transaction()
	ctx = logging.ContextWithTransactionID(ctx, t.ID)
	ctx = logging.ContextWithUsername(ctx, t.Username)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "Panic while processing callback", slog.Any("panic", r))
			_ = tx.Rollback(ctx)
			p.recordFailure(ctx, ids, "Processing error")
			res = result(codes.CallbackRejected, errormapper.CodeSystemError, t.ID)
			err = fmt.Errorf("%w: panic: %v", ErrProcessing, r)
		}
	}()

	if t.Status.Terminal() {
		_ = tx.Rollback(ctx)
		logger.InfoContext(ctx, "Callback for already processed transaction", slog.String("status", string(t.Status)))
		return result(codes.CallbackFinalized, errormapper.CodeAlreadyProcessed, t.ID), nil
	}

	if err := tx.LogEvent(ctx, transaction.LogCallback, raw); err != nil {
		return p.abort(ctx, tx, ids, err)
	}

	if !cb.Succeeded() {
		return p.finishFailed(ctx, tx, cb)
	}

	// verifying
	meta, err := cb.Metadata()
	if err != nil {
		return p.reject(ctx, tx, errormapper.CodeInvalidPayload, err.Error(), err)
	}
	if diff := meta.Amount.Sub(t.Amount).Abs(); diff.GreaterThan(p.tolerance) {
		msg := fmt.Sprintf("Amount mismatch: expected %s, received %s", t.Amount.StringFixed(2), meta.Amount.StringFixed(2))
		logger.WarnContext(ctx, "Callback amount does not match transaction",
			slog.String("expected", t.Amount.String()), slog.String("received", meta.Amount.String()))
		return p.reject(ctx, tx, errormapper.CodeAmountMismatch, msg, fmt.Errorf("%w: %s", ErrAmountMismatch, msg))
	}
	if !transaction.PhonesMatch(t.Phone, meta.Phone) {
		// Gateways reformat numbers; a mismatch is logged and tolerated.
		logger.WarnContext(ctx, "Callback phone does not match transaction",
			slog.String("expected", t.Phone), slog.String("received", meta.Phone))
	}

	// provisioning
	if err := p.provisioner.CreateOrUpdateUserWithRetry(ctx, t.Username, t.Password, t.Plan); err != nil {
		logger.ErrorContext(ctx, "Provisioning failed after retries", slog.Any("error", err))
		return p.reject(ctx, tx, provisionCode(err), provisionMessage(err), fmt.Errorf("%w: %w", ErrProvisionFailed, err))
	}

	// finalized
	completion := transaction.Completion{Receipt: meta.Receipt, Amount: meta.Amount, Phone: meta.Phone}
	completed, err := tx.Complete(ctx, completion)
	if err == nil {
		err = tx.Commit(ctx)
	}
	if err != nil {
		logger.ErrorContext(ctx, "Failed to commit completed transaction", slog.Any("error", err))
		_ = tx.Rollback(ctx)
		return p.recordCompletion(ctx, t.ID, ids, completion, err)
	}
	logger.InfoContext(ctx, "Payment processed successfully",
		slog.String("receipt", completed.Receipt), slog.String("plan", completed.Plan))
	return result(codes.CallbackFinalized, errormapper.CodeSuccess, t.ID), nil
}

// recordCompletion retries the completed transition outside the lock once
// the router already holds the account. If that fails too the row is marked
// failed so it never stays pending.
func (p *Processor) recordCompletion(ctx context.Context, txID int64, ids transaction.IDPair, c transaction.Completion, cause error) (Result, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.failTimeout)
	defer cancel()

	completed, err := p.store.TryTransitionToCompleted(wctx, ids, c)
	switch {
	case err == nil:
		slog.WarnContext(ctx, "Transaction completed after rollback", slog.String("receipt", completed.Receipt))
		return result(codes.CallbackFinalized, errormapper.CodeSuccess, txID), nil
	case errors.Is(err, transaction.ErrAlreadyProcessed):
		return result(codes.CallbackFinalized, errormapper.CodeAlreadyProcessed, txID), nil
	}
	slog.ErrorContext(ctx, "Failed to mark transaction completed", slog.Any("error", err))
	p.recordFailure(ctx, ids, "Processing error: account created but payment could not be recorded")
	return result(codes.CallbackRejected, errormapper.CodeDatabase, txID), fmt.Errorf("%w: %w", ErrProcessing, errors.Join(cause, err))
}

// finishFailed records a gateway-reported failure without provisioning.
func (p *Processor) finishFailed(ctx context.Context, tx transaction.LockedTx, cb *STKCallback) (Result, error) {
	t := tx.Transaction()
	if err := tx.Fail(ctx, cb.Reason()); err != nil {
		return p.abort(ctx, tx, cb.IDs(), err)
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		p.recordFailure(ctx, cb.IDs(), cb.Reason())
		return result(codes.CallbackRejected, errormapper.CodeDatabase, t.ID), fmt.Errorf("%w: %w", ErrProcessing, err)
	}
	slog.InfoContext(ctx, "Payment failure recorded",
		slog.Int("result_code", cb.Code()), slog.String("reason", cb.Reason()))
	return result(codes.CallbackFinalized, errormapper.CodePaymentFailed, t.ID), nil
}

// reject marks the locked row failed with msg and commits. If that cannot be
// committed the row is rolled back and the failure retried outside the lock.
func (p *Processor) reject(ctx context.Context, tx transaction.LockedTx, code, msg string, cause error) (Result, error) {
	t := tx.Transaction()
	detail, _ := json.Marshal(map[string]string{"error": msg, "code": code})

	err := tx.Fail(ctx, msg)
	if err == nil {
		err = tx.LogEvent(ctx, transaction.LogError, detail)
	}
	if err == nil {
		err = tx.Commit(ctx)
	}
	if err != nil {
		slog.ErrorContext(ctx, "Failed to record callback failure in transaction", slog.Any("error", err))
		_ = tx.Rollback(ctx)
		p.recordFailure(ctx, t.IDs(), msg)
	}
	return result(codes.CallbackRejected, code, t.ID), cause
}

// abort handles unexpected store errors: roll back, then best-effort failed.
func (p *Processor) abort(ctx context.Context, tx transaction.LockedTx, ids transaction.IDPair, cause error) (Result, error) {
	t := tx.Transaction()
	slog.ErrorContext(ctx, "Callback processing error", slog.Any("error", cause))
	_ = tx.Rollback(ctx)
	p.recordFailure(ctx, ids, "Processing error")
	return result(codes.CallbackRejected, errormapper.CodeSystemError, t.ID), fmt.Errorf("%w: %w", ErrProcessing, cause)
}

// recordFailure moves a still-pending row to failed outside the callback's
// store transaction. It survives cancellation of the request context.
func (p *Processor) recordFailure(ctx context.Context, ids transaction.IDPair, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.failTimeout)
	defer cancel()
	err := p.store.TryTransitionToFailed(ctx, ids, reason)
	switch {
	case err == nil:
		slog.WarnContext(ctx, "Transaction marked failed after rollback", slog.String("reason", reason))
	case errors.Is(err, transaction.ErrAlreadyProcessed):
	default:
		slog.ErrorContext(ctx, "Failed to mark transaction failed", slog.Any("error", err))
	}
}

// provisionMessage is the error text stored on the row and shown to status
// pollers. Only router rejections carry their own text; the rest use a fixed
// message per kind and leave the detail to the logs.
func provisionMessage(err error) string {
	const prefix = "Provisioning failed: "
	if routerMsg, ok := hotspot.IsRejected(err); ok {
		return prefix + routerMsg
	}
	var pe *hotspot.ProvisionError
	if !errors.As(err, &pe) {
		return prefix + "internal error"
	}
	switch pe.Kind {
	case hotspot.KindUnavailable:
		return prefix + "Router unavailable"
	case hotspot.KindAuthFailed:
		return prefix + "Router login rejected"
	case hotspot.KindProtocol, hotspot.KindUnexpectedReply:
		return prefix + "Unexpected router response"
	case hotspot.KindUnknownPlan:
		return prefix + "Unknown plan"
	case hotspot.KindInvalidInput:
		return prefix + "Invalid account details"
	default:
		return prefix + "internal error"
	}
}

func provisionCode(err error) string {
	var pe *hotspot.ProvisionError
	if !errors.As(err, &pe) {
		return errormapper.CodeSystemError
	}
	return pe.Code()
}
