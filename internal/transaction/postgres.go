package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
)

const transactionColumns = `id, checkout_request_id, merchant_request_id, phone, amount::text, plan,
	username, password, mac_address, request_ip, status, mpesa_receipt, confirmed_amount::text,
	confirmed_phone, error_message, credentials_retrieved, created_at, completed_at, failed_at,
	credentials_retrieved_at`

// PostgresStore is the production Store. Every locking operation runs inside
// a pgx transaction with lock_timeout bounded by LockTimeout.
type PostgresStore struct {
	db          DB
	lockTimeout time.Duration
}

func NewPostgresStore(db DB, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

func (s *PostgresStore) Create(ctx context.Context, p CreateParams) (id int64, err error) {
	if !p.IDs.Valid() {
		return 0, fmt.Errorf("create transaction: both request ids are required")
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else if cmErr := tx.Commit(ctx); cmErr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", cmErr)
		}
	}()

	err = tx.QueryRow(ctx, `
		INSERT INTO transactions
			(checkout_request_id, merchant_request_id, phone, amount, plan, username, password, mac_address, request_ip, status)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, 'pending')
		RETURNING id`,
		p.IDs.CheckoutRequestID, p.IDs.MerchantRequestID, p.Phone, p.Amount.String(), p.Plan,
		p.Username, p.Password, p.MACAddress, p.RequestIP,
	).Scan(&id)
	if err != nil {
		return 0, mapPgError(fmt.Errorf("insert transaction: %w", err))
	}
	if p.RequestLog != nil {
		if err = insertLog(ctx, tx, id, LogRequest, p.RequestLog); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, checkoutRequestID string) (Transaction, error) {
	t, err := scanTransaction(s.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE checkout_request_id = $1`, checkoutRequestID))
	if err != nil {
		return Transaction{}, mapPgError(err)
	}
	return t, nil
}

func (s *PostgresStore) Lock(ctx context.Context, ids IDPair) (LockedTx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	if s.lockTimeout > 0 {
		// SET LOCAL does not take parameters.
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
			fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("set lock_timeout: %w", err)
		}
	}
	t, err := scanTransaction(tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE checkout_request_id = $1 AND merchant_request_id = $2
		FOR UPDATE`, ids.CheckoutRequestID, ids.MerchantRequestID))
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, mapPgError(err)
	}
	return &pgLockedTx{tx: tx, t: t}, nil
}

func (s *PostgresStore) TryTransitionToCompleted(ctx context.Context, ids IDPair, c Completion) (Transaction, error) {
	var out Transaction
	err := transition(ctx, s, ids, func(tx LockedTx) error {
		t, err := tx.Complete(ctx, c)
		out = t
		return err
	})
	return out, err
}

func (s *PostgresStore) TryTransitionToFailed(ctx context.Context, ids IDPair, reason string) error {
	return transition(ctx, s, ids, func(tx LockedTx) error {
		return tx.Fail(ctx, reason)
	})
}

func (s *PostgresStore) ClaimCredentials(ctx context.Context, checkoutRequestID string) (StatusView, error) {
	var view StatusView
	err := s.db.QueryRow(ctx, `
		UPDATE transactions
		SET credentials_retrieved = TRUE, credentials_retrieved_at = NOW(), updated_at = NOW()
		WHERE checkout_request_id = $1 AND status = 'completed' AND NOT credentials_retrieved
		RETURNING username, password`, checkoutRequestID,
	).Scan(&view.Username, &view.Password)
	if err == nil {
		view.Status = StatusCompleted
		return view, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return StatusView{}, fmt.Errorf("claim credentials: %w", err)
	}

	var status string
	var retrieved bool
	err = s.db.QueryRow(ctx,
		`SELECT status, credentials_retrieved, error_message FROM transactions WHERE checkout_request_id = $1`,
		checkoutRequestID,
	).Scan(&status, &retrieved, &view.ErrorMessage)
	if err != nil {
		return StatusView{}, mapPgError(err)
	}
	view.Status = Status(status)
	view.AlreadyRetrieved = view.Status == StatusCompleted && retrieved
	return view, nil
}

func (s *PostgresStore) ListStalePending(ctx context.Context, olderThan time.Time, afterID int64, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE status = 'pending' AND created_at < $1 AND id > $2
		ORDER BY id
		LIMIT $3`, olderThan, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type pgLockedTx struct {
	tx pgx.Tx
	t  Transaction
}

func (l *pgLockedTx) Transaction() Transaction { return l.t }

func (l *pgLockedTx) Complete(ctx context.Context, c Completion) (Transaction, error) {
	if l.t.Status.Terminal() {
		return l.t, ErrAlreadyProcessed
	}
	t, err := scanTransaction(l.tx.QueryRow(ctx, `
		UPDATE transactions
		SET status = 'completed', mpesa_receipt = $2, confirmed_amount = $3::numeric,
			confirmed_phone = $4, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+transactionColumns,
		l.t.ID, c.Receipt, c.Amount.String(), c.Phone))
	if errors.Is(err, pgx.ErrNoRows) {
		return l.t, ErrAlreadyProcessed
	}
	if err != nil {
		return l.t, fmt.Errorf("complete transaction: %w", err)
	}
	l.t = t
	return t, nil
}

func (l *pgLockedTx) Fail(ctx context.Context, reason string) error {
	if l.t.Status.Terminal() {
		return ErrAlreadyProcessed
	}
	tag, err := l.tx.Exec(ctx, `
		UPDATE transactions
		SET status = 'failed', error_message = $2, failed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, l.t.ID, reason)
	if err != nil {
		return fmt.Errorf("fail transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyProcessed
	}
	l.t.Status = StatusFailed
	l.t.ErrorMessage = reason
	return nil
}

func (l *pgLockedTx) LogEvent(ctx context.Context, kind string, data []byte) error {
	return insertLog(ctx, l.tx, l.t.ID, kind, data)
}

func (l *pgLockedTx) Commit(ctx context.Context) error {
	if err := l.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (l *pgLockedTx) Rollback(ctx context.Context) error {
	err := l.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		slog.WarnContext(ctx, "Error rolling back transaction", slog.Any("error", err))
		return err
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertLog(ctx context.Context, db execer, id int64, kind string, data []byte) error {
	if !json.Valid(data) {
		data, _ = json.Marshal(string(data))
	}
	if _, err := db.Exec(ctx,
		`INSERT INTO payment_logs (transaction_id, log_type, log_data) VALUES ($1, $2, $3::jsonb)`,
		id, kind, string(data)); err != nil {
		return fmt.Errorf("insert payment log: %w", err)
	}
	return nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t               Transaction
		amount, status  string
		confirmedAmount *string
	)
	err := row.Scan(&t.ID, &t.CheckoutRequestID, &t.MerchantRequestID, &t.Phone, &amount, &t.Plan,
		&t.Username, &t.Password, &t.MACAddress, &t.RequestIP, &status, &t.Receipt, &confirmedAmount,
		&t.ConfirmedPhone, &t.ErrorMessage, &t.CredentialsRetrieved, &t.CreatedAt, &t.CompletedAt,
		&t.FailedAt, &t.CredentialsRetrievedAt)
	if err != nil {
		return Transaction{}, err
	}
	t.Status = Status(status)
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return Transaction{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if confirmedAmount != nil {
		d, err := decimal.NewFromString(*confirmedAmount)
		if err != nil {
			return Transaction{}, fmt.Errorf("parse confirmed amount %q: %w", *confirmedAmount, err)
		}
		t.ConfirmedAmount = decimal.NewNullDecimal(d)
	}
	return t, nil
}

func mapPgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case pgLockNotAvailable:
			return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
		}
	}
	return err
}
