package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/hotspot"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/logging"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/notification"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/transaction"
)

// Config holds worker intervals and batch sizes.
type Config struct {
	ReconcileInterval  time.Duration
	ReconcileAfter     time.Duration
	ReconcileBatchSize int
	OpsRecipient       string
	PruneInterval      time.Duration
	PruneIdle          time.Duration
	RunTimeout         time.Duration
}

// PendingLister pages through stale pending transactions.
type PendingLister interface {
	ListStalePending(ctx context.Context, olderThan time.Time, afterID int64, limit int) ([]transaction.Transaction, error)
}

// AccountLookup finds a hotspot account on the router.
type AccountLookup interface {
	GetUserInfo(ctx context.Context, username string) (*hotspot.Account, error)
}

// Pruner drops idle rate limiter state.
type Pruner interface {
	Prune(idle time.Duration) int
}

// renotifyAfter is how long a reported transaction stays quiet.
const renotifyAfter = 24 * time.Hour

// Manager runs the reconciliation sweep and limiter pruning. The sweep only
// reports: it never changes a transaction.
type Manager struct {
	store    PendingLister
	accounts AccountLookup
	notifier notification.Notifier
	limiter  Pruner
	cfg      Config
	now      func() time.Time

	// Sweep state, owned by the reconcile loop.
	cursor   int64
	reported map[int64]time.Time
}

func NewManager(store PendingLister, accounts AccountLookup, notifier notification.Notifier, limiter Pruner, cfg Config) *Manager {
	if cfg.ReconcileBatchSize <= 0 {
		cfg.ReconcileBatchSize = 50
	}
	if cfg.PruneIdle <= 0 {
		cfg.PruneIdle = 10 * time.Minute
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = cfg.PruneIdle
	}
	return &Manager{
		store:    store,
		accounts: accounts,
		notifier: notifier,
		limiter:  limiter,
		cfg:      cfg,
		now:      time.Now,
		reported: make(map[int64]time.Time),
	}
}

// Run blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "Starting background workers...")
	g, gctx := errgroup.WithContext(ctx)
	if m.cfg.ReconcileInterval > 0 {
		g.Go(func() error {
			runWorkerLoop(gctx, "Reconciliation", m.cfg.ReconcileInterval, m.cfg.RunTimeout, m.cfg.ReconcileBatchSize, m.Reconcile)
			return nil
		})
	}
	if m.limiter != nil {
		g.Go(func() error {
			runWorkerLoop(gctx, "LimiterPrune", m.cfg.PruneInterval, m.cfg.RunTimeout, 0, m.pruneLimiter)
			return nil
		})
	}
	return g.Wait()
}

// Reconcile checks one page of stale pending transactions against the
// router. A pending transaction whose account exists means the router was
// provisioned but the row never reached completed; those are reported once
// a day. It returns the number of reports sent.
func (m *Manager) Reconcile(ctx context.Context, batchSize int) (int, error) {
	now := m.now()
	stale, err := m.store.ListStalePending(ctx, now.Add(-m.cfg.ReconcileAfter), m.cursor, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale pending: %w", err)
	}
	if len(stale) < batchSize {
		// Short page: the next run starts from the oldest row again.
		defer func() { m.cursor = 0 }()
	}
	for id, at := range m.reported {
		if now.Sub(at) >= renotifyAfter {
			delete(m.reported, id)
		}
	}

	reported := 0
	for _, t := range stale {
		sent, err := m.reconcileOne(ctx, t, now)
		if err != nil {
			return reported, err
		}
		if sent {
			reported++
		}
		m.cursor = t.ID
	}
	return reported, nil
}

func (m *Manager) reconcileOne(ctx context.Context, t transaction.Transaction, now time.Time) (bool, error) {
	if _, ok := m.reported[t.ID]; ok {
		return false, nil
	}
	logCtx := logging.ContextWithTransactionID(ctx, t.ID)
	logCtx = logging.ContextWithUsername(logCtx, t.Username)

	acct, err := m.accounts.GetUserInfo(logCtx, t.Username)
	if err != nil {
		return false, fmt.Errorf("look up account for transaction %d: %w", t.ID, err)
	}
	if acct == nil {
		slog.DebugContext(logCtx, "Stale pending transaction has no router account")
		return false, nil
	}

	slog.WarnContext(logCtx, "Router provisioned, transaction pending",
		slog.String("checkout_request_id", t.CheckoutRequestID),
		slog.String("profile", acct.Profile),
		slog.Time("created_at", t.CreatedAt))
	subject := "Router provisioned, transaction pending"
	body := fmt.Sprintf("Transaction %d (%s, plan %s, amount %s, phone %s) has been pending since %s but router account %s exists with profile %s.",
		t.ID, t.CheckoutRequestID, t.Plan, t.Amount.StringFixed(2), t.Phone,
		t.CreatedAt.UTC().Format(time.RFC3339), acct.Name, acct.Profile)
	if err := m.notifier.Send(logCtx, m.cfg.OpsRecipient, subject, body); err != nil {
		slog.ErrorContext(logCtx, "Failed to send reconciliation notification", slog.Any("error", err))
		return false, nil
	}
	m.reported[t.ID] = now
	return true, nil
}

func (m *Manager) pruneLimiter(ctx context.Context, _ int) (int, error) {
	n := m.limiter.Prune(m.cfg.PruneIdle)
	if n > 0 {
		slog.DebugContext(ctx, "Pruned idle rate limit buckets", slog.Int("count", n))
	}
	return n, nil
}
