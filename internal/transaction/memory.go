package transaction

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps transactions in process. Row locks are one-slot channels
// so waiters honour context cancellation and the lock timeout.
type MemoryStore struct {
	mu          sync.Mutex
	nextID      int64
	rows        map[string]*memoryRow
	logs        []PaymentLog
	lockTimeout time.Duration
	now         func() time.Time
}

type memoryRow struct {
	tx   Transaction
	lock chan struct{}
}

// NewMemoryStore returns an empty store. A zero lockTimeout waits until ctx
// is done.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		rows:        make(map[string]*memoryRow),
		lockTimeout: lockTimeout,
		now:         time.Now,
	}
}

// SetClock replaces the time source used for timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Create(_ context.Context, p CreateParams) (int64, error) {
	if !p.IDs.Valid() {
		return 0, fmt.Errorf("create transaction: both request ids are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[p.IDs.CheckoutRequestID]; ok {
		return 0, ErrDuplicate
	}
	s.nextID++
	row := &memoryRow{
		tx: Transaction{
			ID:                s.nextID,
			CheckoutRequestID: p.IDs.CheckoutRequestID,
			MerchantRequestID: p.IDs.MerchantRequestID,
			Phone:             p.Phone,
			Amount:            p.Amount,
			Plan:              p.Plan,
			Username:          p.Username,
			Password:          p.Password,
			MACAddress:        p.MACAddress,
			RequestIP:         p.RequestIP,
			Status:            StatusPending,
			CreatedAt:         s.now(),
		},
		lock: make(chan struct{}, 1),
	}
	s.rows[p.IDs.CheckoutRequestID] = row
	if p.RequestLog != nil {
		s.logs = append(s.logs, PaymentLog{TransactionID: row.tx.ID, Kind: LogRequest, Data: p.RequestLog, CreatedAt: s.now()})
	}
	return row.tx.ID, nil
}

func (s *MemoryStore) Get(_ context.Context, checkoutRequestID string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[checkoutRequestID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return row.tx, nil
}

func (s *MemoryStore) Lock(ctx context.Context, ids IDPair) (LockedTx, error) {
	s.mu.Lock()
	row, ok := s.rows[ids.CheckoutRequestID]
	ok = ok && row.tx.MerchantRequestID == ids.MerchantRequestID
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	waitCtx := ctx
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	select {
	case row.lock <- struct{}{}:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrLockTimeout
	}

	s.mu.Lock()
	work := row.tx
	s.mu.Unlock()
	return &memoryTx{store: s, row: row, work: work}, nil
}

func (s *MemoryStore) TryTransitionToCompleted(ctx context.Context, ids IDPair, c Completion) (Transaction, error) {
	var out Transaction
	err := transition(ctx, s, ids, func(tx LockedTx) error {
		t, err := tx.Complete(ctx, c)
		out = t
		return err
	})
	return out, err
}

func (s *MemoryStore) TryTransitionToFailed(ctx context.Context, ids IDPair, reason string) error {
	return transition(ctx, s, ids, func(tx LockedTx) error {
		return tx.Fail(ctx, reason)
	})
}

func (s *MemoryStore) ClaimCredentials(_ context.Context, checkoutRequestID string) (StatusView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[checkoutRequestID]
	if !ok {
		return StatusView{}, ErrNotFound
	}
	return claim(&row.tx, s.now()), nil
}

// claim applies the single-disclosure rule to t in place.
func claim(t *Transaction, now time.Time) StatusView {
	view := StatusView{Status: t.Status, ErrorMessage: t.ErrorMessage}
	if t.Status != StatusCompleted {
		return view
	}
	if t.CredentialsRetrieved {
		view.AlreadyRetrieved = true
		return view
	}
	t.CredentialsRetrieved = true
	t.CredentialsRetrievedAt = &now
	view.Username = t.Username
	view.Password = t.Password
	return view
}

func (s *MemoryStore) ListStalePending(_ context.Context, olderThan time.Time, afterID int64, limit int) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transaction
	for _, row := range s.rows {
		if row.tx.ID > afterID && row.tx.Status == StatusPending && row.tx.CreatedAt.Before(olderThan) {
			out = append(out, row.tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Logs returns the payment log entries of one transaction in insertion order.
func (s *MemoryStore) Logs(transactionID int64) []PaymentLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PaymentLog
	for _, l := range s.logs {
		if l.TransactionID == transactionID {
			out = append(out, l)
		}
	}
	return out
}

type memoryTx struct {
	store *MemoryStore
	row   *memoryRow
	work  Transaction
	logs  []PaymentLog
	dirty bool
	done  bool
}

func (t *memoryTx) Transaction() Transaction { return t.work }

func (t *memoryTx) Complete(_ context.Context, c Completion) (Transaction, error) {
	if t.work.Status.Terminal() {
		return t.work, ErrAlreadyProcessed
	}
	now := t.store.clock()
	t.work.Status = StatusCompleted
	t.work.Receipt = c.Receipt
	t.work.ConfirmedAmount.Decimal = c.Amount
	t.work.ConfirmedAmount.Valid = true
	t.work.ConfirmedPhone = c.Phone
	t.work.CompletedAt = &now
	t.dirty = true
	return t.work, nil
}

func (t *memoryTx) Fail(_ context.Context, reason string) error {
	if t.work.Status.Terminal() {
		return ErrAlreadyProcessed
	}
	now := t.store.clock()
	t.work.Status = StatusFailed
	t.work.ErrorMessage = reason
	t.work.FailedAt = &now
	t.dirty = true
	return nil
}

func (t *memoryTx) LogEvent(_ context.Context, kind string, data []byte) error {
	t.logs = append(t.logs, PaymentLog{TransactionID: t.work.ID, Kind: kind, Data: data, CreatedAt: t.store.clock()})
	return nil
}

func (t *memoryTx) Commit(context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.done = true
	t.store.mu.Lock()
	// Only status transitions are written back; the credential claim may
	// have moved on while the row was locked.
	if t.dirty {
		t.row.tx = t.work
	}
	t.store.logs = append(t.store.logs, t.logs...)
	t.store.mu.Unlock()
	<-t.row.lock
	return nil
}

func (t *memoryTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	<-t.row.lock
	return nil
}

func (s *MemoryStore) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}
