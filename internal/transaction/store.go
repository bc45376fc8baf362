// Package transaction persists payment attempts and the state transitions the
// callback pipeline applies to them.
package transaction

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Payment log kinds.
const (
	LogRequest  = "request"
	LogCallback = "callback"
	LogError    = "error"
)

var (
	ErrNotFound         = errors.New("transaction not found")
	ErrAlreadyProcessed = errors.New("transaction already processed")
	ErrDuplicate        = errors.New("transaction already exists")
	ErrLockTimeout      = errors.New("timed out waiting for transaction lock")
)

// IDPair is the gateway-issued idempotency key of one payment attempt.
type IDPair struct {
	CheckoutRequestID string
	MerchantRequestID string
}

func (p IDPair) Valid() bool { return p.CheckoutRequestID != "" && p.MerchantRequestID != "" }

// Transaction is one payment attempt and the credentials it buys.
type Transaction struct {
	ID                     int64
	CheckoutRequestID      string
	MerchantRequestID      string
	Phone                  string
	Amount                 decimal.Decimal
	Plan                   string
	Username               string
	Password               string
	MACAddress             string
	RequestIP              string
	Status                 Status
	Receipt                string
	ConfirmedAmount        decimal.NullDecimal
	ConfirmedPhone         string
	ErrorMessage           string
	CredentialsRetrieved   bool
	CreatedAt              time.Time
	CompletedAt            *time.Time
	FailedAt               *time.Time
	CredentialsRetrievedAt *time.Time
}

func (t Transaction) IDs() IDPair {
	return IDPair{CheckoutRequestID: t.CheckoutRequestID, MerchantRequestID: t.MerchantRequestID}
}

// CreateParams are the fields written when a payment is initiated.
type CreateParams struct {
	IDs        IDPair
	Phone      string
	Amount     decimal.Decimal
	Plan       string
	Username   string
	Password   string
	MACAddress string
	RequestIP  string
	// RequestLog, if set, is stored as the "request" payment log entry.
	RequestLog []byte
}

// Completion is what a successful callback confirms.
type Completion struct {
	Receipt string
	Amount  decimal.Decimal
	Phone   string
}

// StatusView is what a status poll may see. Username and Password are only
// set on the single poll that claims them.
type StatusView struct {
	Status           Status
	Username         string
	Password         string
	AlreadyRetrieved bool
	ErrorMessage     string
}

// PaymentLog is an audit entry attached to a transaction.
type PaymentLog struct {
	TransactionID int64
	Kind          string
	Data          []byte
	CreatedAt     time.Time
}

// Store is the persistence contract of the payment pipeline.
type Store interface {
	Create(ctx context.Context, p CreateParams) (int64, error)
	Get(ctx context.Context, checkoutRequestID string) (Transaction, error)

	// Lock opens a store transaction holding the row lock for ids. The caller
	// must Commit or Rollback. ErrNotFound leaves nothing open.
	Lock(ctx context.Context, ids IDPair) (LockedTx, error)

	// TryTransitionToCompleted and TryTransitionToFailed each run in their own
	// locked transaction. Terminal rows yield ErrAlreadyProcessed.
	TryTransitionToCompleted(ctx context.Context, ids IDPair, c Completion) (Transaction, error)
	TryTransitionToFailed(ctx context.Context, ids IDPair, reason string) error

	// ClaimCredentials returns the credentials of a completed transaction at
	// most once; the retrieved flag is set in the same step that reads them.
	ClaimCredentials(ctx context.Context, checkoutRequestID string) (StatusView, error)

	// ListStalePending pages through pending rows created before olderThan,
	// in id order, starting after afterID.
	ListStalePending(ctx context.Context, olderThan time.Time, afterID int64, limit int) ([]Transaction, error)
}

// LockedTx is a row locked for the duration of one callback.
type LockedTx interface {
	Transaction() Transaction
	Complete(ctx context.Context, c Completion) (Transaction, error)
	Fail(ctx context.Context, reason string) error
	LogEvent(ctx context.Context, kind string, data []byte) error
	Commit(ctx context.Context) error
	// Rollback is a no-op after Commit.
	Rollback(ctx context.Context) error
}

// transition runs fn inside Lock and commits, rolling back on error or panic.
func transition(ctx context.Context, s Store, ids IDPair, fn func(LockedTx) error) (err error) {
	tx, err := s.Lock(ctx, ids)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()
	return fn(tx)
}
