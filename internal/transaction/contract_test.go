package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// runStoreContract exercises the behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ids := newIDs()
		id, err := s.Create(ctx, params(ids))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := s.Get(ctx, ids.CheckoutRequestID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.ID != id || got.Status != StatusPending || !got.Amount.Equal(decimal.NewFromInt(40)) {
			t.Fatalf("got %+v", got)
		}
		if got.Username != "user_345678" || got.Plan != "24h" || got.MerchantRequestID != ids.MerchantRequestID {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("duplicate checkout id", func(t *testing.T) {
		s := newStore(t)
		ids := newIDs()
		if _, err := s.Create(ctx, params(ids)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Create(ctx, params(ids)); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("err = %v, want ErrDuplicate", err)
		}
	})

	t.Run("lock requires both ids", func(t *testing.T) {
		s := newStore(t)
		ids := newIDs()
		if _, err := s.Create(ctx, params(ids)); err != nil {
			t.Fatal(err)
		}
		wrong := IDPair{CheckoutRequestID: ids.CheckoutRequestID, MerchantRequestID: "other"}
		if _, err := s.Lock(ctx, wrong); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("unknown pair", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.TryTransitionToCompleted(ctx, newIDs(), completion()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
		if err := s.TryTransitionToFailed(ctx, newIDs(), "x"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("concurrent completion happens once", func(t *testing.T) {
		s := newStore(t)
		ids := newIDs()
		if _, err := s.Create(ctx, params(ids)); err != nil {
			t.Fatal(err)
		}

		const callers = 2
		var wg sync.WaitGroup
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = s.TryTransitionToCompleted(ctx, ids, completion())
			}(i)
		}
		wg.Wait()

		var ok, already int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyProcessed):
				already++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || already != 1 {
			t.Fatalf("ok=%d already=%d, want 1 and 1", ok, already)
		}
		got, _ := s.Get(ctx, ids.CheckoutRequestID)
		if got.Status != StatusCompleted || got.Receipt != "QGH7X1Y2Z3" || got.CompletedAt == nil {
			t.Fatalf("got %+v", got)
		}
		if !got.ConfirmedAmount.Valid || !got.ConfirmedAmount.Decimal.Equal(decimal.RequireFromString("40.5")) {
			t.Fatalf("confirmed amount = %+v", got.ConfirmedAmount)
		}
	})

	t.Run("terminal rows do not change", func(t *testing.T) {
		s := newStore(t)
		ids := newIDs()
		if _, err := s.Create(ctx, params(ids)); err != nil {
			t.Fatal(err)
		}
		if err := s.TryTransitionToFailed(ctx, ids, "Request cancelled by user"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.TryTransitionToCompleted(ctx, ids, completion()); !errors.Is(err, ErrAlreadyProcessed) {
			t.Fatalf("err = %v, want ErrAlreadyProcessed", err)
		}
		if err := s.TryTransitionToFailed(ctx, ids, "again"); !errors.Is(err, ErrAlreadyProcessed) {
			t.Fatalf("err = %v, want ErrAlreadyProcessed", err)
		}
		got, _ := s.Get(ctx, ids.CheckoutRequestID)
		if got.Status != StatusFailed || got.ErrorMessage != "Request cancelled by user" {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("rollback discards changes", func(t *testing.T) {
		s := newStore(t)
		ids := newIDs()
		if _, err := s.Create(ctx, params(ids)); err != nil {
			t.Fatal(err)
		}
		tx, err := s.Lock(ctx, ids)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := tx.Complete(ctx, completion()); err != nil {
			t.Fatal(err)
		}
		if err := tx.Rollback(ctx); err != nil {
			t.Fatal(err)
		}
		got, _ := s.Get(ctx, ids.CheckoutRequestID)
		if got.Status != StatusPending {
			t.Fatalf("status = %s, want pending", got.Status)
		}
		// The lock was released.
		if _, err := s.TryTransitionToCompleted(ctx, ids, completion()); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("credentials are disclosed once", func(t *testing.T) {
		s := newStore(t)
		ids := newIDs()
		if _, err := s.Create(ctx, params(ids)); err != nil {
			t.Fatal(err)
		}

		view, err := s.ClaimCredentials(ctx, ids.CheckoutRequestID)
		if err != nil {
			t.Fatal(err)
		}
		if view.Status != StatusPending || view.Username != "" || view.Password != "" {
			t.Fatalf("pending view = %+v", view)
		}

		if _, err := s.TryTransitionToCompleted(ctx, ids, completion()); err != nil {
			t.Fatal(err)
		}
		first, err := s.ClaimCredentials(ctx, ids.CheckoutRequestID)
		if err != nil {
			t.Fatal(err)
		}
		if first.Username != "user_345678" || first.Password != "Ab3dE6gH" || first.AlreadyRetrieved {
			t.Fatalf("first view = %+v", first)
		}
		second, err := s.ClaimCredentials(ctx, ids.CheckoutRequestID)
		if err != nil {
			t.Fatal(err)
		}
		if second.Username != "" || second.Password != "" || !second.AlreadyRetrieved {
			t.Fatalf("second view = %+v", second)
		}
		got, _ := s.Get(ctx, ids.CheckoutRequestID)
		if !got.CredentialsRetrieved || got.CredentialsRetrievedAt == nil {
			t.Fatalf("got %+v", got)
		}

		if _, err := s.ClaimCredentials(ctx, "ws_CO_missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("concurrent claims disclose once", func(t *testing.T) {
		s := newStore(t)
		ids := newIDs()
		if _, err := s.Create(ctx, params(ids)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.TryTransitionToCompleted(ctx, ids, completion()); err != nil {
			t.Fatal(err)
		}

		const pollers = 8
		var wg sync.WaitGroup
		views := make([]StatusView, pollers)
		for i := 0; i < pollers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				views[i], _ = s.ClaimCredentials(ctx, ids.CheckoutRequestID)
			}(i)
		}
		wg.Wait()

		disclosed := 0
		for _, v := range views {
			if v.Password != "" {
				disclosed++
			}
		}
		if disclosed != 1 {
			t.Fatalf("credentials disclosed %d times", disclosed)
		}
	})

	t.Run("failed rows never disclose", func(t *testing.T) {
		s := newStore(t)
		ids := newIDs()
		if _, err := s.Create(ctx, params(ids)); err != nil {
			t.Fatal(err)
		}
		if err := s.TryTransitionToFailed(ctx, ids, "DS timeout user cannot be reached"); err != nil {
			t.Fatal(err)
		}
		view, err := s.ClaimCredentials(ctx, ids.CheckoutRequestID)
		if err != nil {
			t.Fatal(err)
		}
		if view.Status != StatusFailed || view.Password != "" || view.ErrorMessage != "DS timeout user cannot be reached" {
			t.Fatalf("view = %+v", view)
		}
	})

	t.Run("log events commit with the transition", func(t *testing.T) {
		s := newStore(t)
		ids := newIDs()
		if _, err := s.Create(ctx, params(ids)); err != nil {
			t.Fatal(err)
		}
		tx, err := s.Lock(ctx, ids)
		if err != nil {
			t.Fatal(err)
		}
		if err := tx.LogEvent(ctx, LogCallback, []byte(`{"Body":{}}`)); err != nil {
			t.Fatal(err)
		}
		if err := tx.LogEvent(ctx, LogError, []byte("not json")); err != nil {
			t.Fatal(err)
		}
		if err := tx.Fail(ctx, "Amount mismatch"); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatal(err)
		}
		if err := tx.Rollback(ctx); err != nil {
			t.Fatalf("rollback after commit: %v", err)
		}
	})

	t.Run("stale pending", func(t *testing.T) {
		s := newStore(t)
		a, b, c := newIDs(), newIDs(), newIDs()
		for _, ids := range []IDPair{a, b, c} {
			if _, err := s.Create(ctx, params(ids)); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := s.TryTransitionToCompleted(ctx, b, completion()); err != nil {
			t.Fatal(err)
		}

		stale, err := s.ListStalePending(ctx, time.Now().Add(time.Hour), 0, 100000)
		if err != nil {
			t.Fatal(err)
		}
		seen := map[string]bool{}
		for _, tx := range stale {
			seen[tx.CheckoutRequestID] = true
			if tx.Status != StatusPending {
				t.Fatalf("non-pending row listed: %+v", tx)
			}
		}
		if !seen[a.CheckoutRequestID] || !seen[c.CheckoutRequestID] || seen[b.CheckoutRequestID] {
			t.Fatalf("stale = %v", seen)
		}

		var aID int64
		for _, tx := range stale {
			if tx.CheckoutRequestID == a.CheckoutRequestID {
				aID = tx.ID
			}
		}
		after, err := s.ListStalePending(ctx, time.Now().Add(time.Hour), aID, 100000)
		if err != nil {
			t.Fatal(err)
		}
		for _, tx := range after {
			if tx.ID <= aID {
				t.Fatalf("row %d listed after cursor %d", tx.ID, aID)
			}
		}

		none, err := s.ListStalePending(ctx, time.Now().Add(-time.Hour), 0, 100000)
		if err != nil {
			t.Fatal(err)
		}
		for _, tx := range none {
			if tx.CheckoutRequestID == a.CheckoutRequestID {
				t.Fatal("fresh row reported as stale")
			}
		}
	})
}

func newIDs() IDPair {
	id := uuid.NewString()
	return IDPair{CheckoutRequestID: "ws_CO_" + id, MerchantRequestID: "29115-" + id}
}

func params(ids IDPair) CreateParams {
	return CreateParams{
		IDs:        ids,
		Phone:      "254712345678",
		Amount:     decimal.NewFromInt(40),
		Plan:       "24h",
		Username:   "user_345678",
		Password:   "Ab3dE6gH",
		MACAddress: "AA:BB:CC:DD:EE:FF",
		RequestIP:  "10.5.50.20",
		RequestLog: []byte(`{"phone":"254712345678","plan":"24h"}`),
	}
}

func completion() Completion {
	return Completion{Receipt: "QGH7X1Y2Z3", Amount: decimal.RequireFromString("40.5"), Phone: "254712345678"}
}
