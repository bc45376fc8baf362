package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/hotspot"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/logging"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/transaction"
)

var ErrPriceMismatch = errors.New("amount does not match plan price")

// PlanLookup resolves plan ids and aliases.
type PlanLookup interface {
	Lookup(name string) (hotspot.Plan, error)
}

// RegisterRequest describes an STK push the initiation flow has sent.
type RegisterRequest struct {
	CheckoutRequestID string `json:"checkout_request_id" binding:"required"`
	MerchantRequestID string `json:"merchant_request_id" binding:"required"`
	Phone             string `json:"phone" binding:"required"`
	Plan              string `json:"plan" binding:"required"`
	// Amount defaults to the plan price. When set it must equal it.
	Amount     decimal.NullDecimal `json:"amount"`
	MACAddress string              `json:"mac_address"`
	RequestIP  string              `json:"request_ip"`
}

// Registration is the stored pending transaction. The password is only ever
// disclosed through the status poll.
type Registration struct {
	TransactionID int64           `json:"transaction_id"`
	Username      string          `json:"username"`
	Plan          string          `json:"plan"`
	Amount        decimal.Decimal `json:"amount"`
	Phone         string          `json:"phone"`
}

// Registrar records pending transactions with generated credentials.
type Registrar struct {
	store transaction.Store
	plans PlanLookup
}

func NewRegistrar(store transaction.Store, plans PlanLookup) *Registrar {
	return &Registrar{store: store, plans: plans}
}

// Register validates req and stores a pending transaction for it.
func (r *Registrar) Register(ctx context.Context, req RegisterRequest, requestLog []byte) (*Registration, error) {
	ctx = logging.ContextWithCallbackIDs(ctx, req.CheckoutRequestID, req.MerchantRequestID)

	phone, err := transaction.NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}
	mac, err := transaction.NormalizeMAC(req.MACAddress)
	if err != nil {
		return nil, err
	}
	plan, err := r.plans.Lookup(req.Plan)
	if err != nil {
		return nil, err
	}
	amount := plan.Price
	if req.Amount.Valid {
		if !req.Amount.Decimal.Equal(plan.Price) {
			return nil, fmt.Errorf("%w: plan %s costs %s, got %s", ErrPriceMismatch, plan.ID, plan.Price, req.Amount.Decimal)
		}
		amount = req.Amount.Decimal
	}

	password, err := transaction.GeneratePassword()
	if err != nil {
		return nil, err
	}
	username := transaction.GenerateUsername(phone)

	id, err := r.store.Create(ctx, transaction.CreateParams{
		IDs: transaction.IDPair{
			CheckoutRequestID: req.CheckoutRequestID,
			MerchantRequestID: req.MerchantRequestID,
		},
		Phone:      phone,
		Amount:     amount,
		Plan:       plan.ID,
		Username:   username,
		Password:   password,
		MACAddress: mac,
		RequestIP:  req.RequestIP,
		RequestLog: requestLog,
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(logging.ContextWithTransactionID(ctx, id), "Pending transaction registered",
		slog.String("plan", plan.ID), slog.String("amount", amount.String()), slog.String("username", username))
	return &Registration{TransactionID: id, Username: username, Plan: plan.ID, Amount: amount, Phone: phone}, nil
}
