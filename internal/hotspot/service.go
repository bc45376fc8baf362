// Package hotspot manages hotspot user accounts on a RouterOS router. Every
// operation opens its own API session and closes it before returning.
package hotspot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/logging"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/routeros"
	"github.com/RAYMONDNJOROGE/uptime-final/pkg/retry"
)

const (
	maxCredentialLen = 64

	DefaultProvisionAttempts = 3
	DefaultProvisionDelay    = 2 * time.Second

	cmdUserPrint    = "/ip/hotspot/user/print"
	cmdUserAdd      = "/ip/hotspot/user/add"
	cmdUserSet      = "/ip/hotspot/user/set"
	cmdUserRemove   = "/ip/hotspot/user/remove"
	cmdActivePrint  = "/ip/hotspot/active/print"
	cmdActiveRemove = "/ip/hotspot/active/remove"
	cmdProfilePrint = "/ip/hotspot/user/profile/print"
	cmdIdentity     = "/system/identity/print"
	cmdResources    = "/system/resource/print"
)

// Service provisions and inspects hotspot accounts.
type Service struct {
	opener routeros.Opener
	plans  *PlanTable
	retry  retry.Policy
	now    func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithRetry sets the attempt bound and delay used by CreateOrUpdateUserWithRetry.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(s *Service) {
		s.retry.MaxAttempts = attempts
		s.retry.Delay = delay
	}
}

// WithSleep replaces the wait between provisioning attempts.
func WithSleep(sleep retry.SleepFunc) Option {
	return func(s *Service) { s.retry.Sleep = sleep }
}

// WithClock replaces time.Now for connectivity timing.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a Service. plans must not be nil.
func NewService(opener routeros.Opener, plans *PlanTable, opts ...Option) *Service {
	if opener == nil || plans == nil {
		panic("hotspot: opener and plan table are required")
	}
	s := &Service{
		opener: opener,
		plans:  plans,
		retry: retry.Policy{
			MaxAttempts: DefaultProvisionAttempts,
			Delay:       DefaultProvisionDelay,
			ShouldRetry: shouldRetryProvision,
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Plans exposes the immutable plan table.
func (s *Service) Plans() *PlanTable { return s.plans }

func validateCredential(field, v string) error {
	if len(v) == 0 || len(v) > maxCredentialLen {
		return fmt.Errorf("%s must be 1-%d characters", field, maxCredentialLen)
	}
	return nil
}

// CreateOrUpdateUser makes the router hold exactly one account named username
// with the given password and plan limits. An existing account is updated in
// place, so repeated calls converge.
func (s *Service) CreateOrUpdateUser(ctx context.Context, username, password, planID string) error {
	const op = "create_or_update_user"
	if err := validateCredential("username", username); err != nil {
		return &ProvisionError{Kind: KindInvalidInput, Op: op, Message: err.Error()}
	}
	if err := validateCredential("password", password); err != nil {
		return &ProvisionError{Kind: KindInvalidInput, Op: op, Message: err.Error()}
	}
	plan, err := s.plans.Lookup(planID)
	if err != nil {
		return &ProvisionError{Kind: KindUnknownPlan, Op: op, Message: err.Error(), Err: err}
	}

	logCtx := logging.ContextWithUsername(ctx, username)
	slog.InfoContext(logCtx, "Provisioning hotspot user",
		slog.String("plan", planID),
		slog.String("limit_uptime", plan.RouterUptime()),
		slog.String("profile", plan.Profile),
	)

	err = routeros.WithSession(logCtx, s.opener, func(ctx context.Context, sess *routeros.Session) error {
		existing, err := findByName(ctx, sess, op, username)
		if err != nil {
			return err
		}

		attrs := []string{
			"=password=" + password,
			"=limit-uptime=" + plan.RouterUptime(),
			"=profile=" + plan.Profile,
			"=comment=" + planID,
		}
		var words []string
		if existing != nil {
			slog.InfoContext(ctx, "Updating existing hotspot user", slog.String("router_id", existing.ID))
			words = append([]string{cmdUserSet, "=.id=" + existing.ID}, attrs...)
		} else {
			words = append([]string{cmdUserAdd, "=name=" + username}, attrs...)
		}

		reply, err := sess.Run(ctx, words...)
		if err != nil {
			return err
		}
		return checkReply(op, reply)
	})
	if err != nil {
		err = classify(op, err)
		slog.WarnContext(logCtx, "Hotspot user provisioning failed", slog.Any("error", err))
		return err
	}
	slog.InfoContext(logCtx, "Hotspot user provisioned")
	return nil
}

// CreateOrUpdateUserWithRetry retries CreateOrUpdateUser under the service's
// retry policy and returns the first success or the last error.
func (s *Service) CreateOrUpdateUserWithRetry(ctx context.Context, username, password, planID string) error {
	p := s.retry
	p.OnRetry = func(attempt int, err error) {
		slog.WarnContext(logging.ContextWithUsername(ctx, username), "Provisioning attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", p.MaxAttempts),
			slog.Duration("delay", p.Delay),
			slog.Any("error", err),
		)
	}
	return retry.Do(ctx, p, func(ctx context.Context, _ int) error {
		return s.CreateOrUpdateUser(ctx, username, password, planID)
	})
}

// shouldRetryProvision skips errors no second attempt can fix.
func shouldRetryProvision(err error) bool {
	var pe *ProvisionError
	if errors.As(err, &pe) && (pe.Kind == KindInvalidInput || pe.Kind == KindUnknownPlan) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// RemoveUser deletes the named account. It reports false when no such
// account exists.
func (s *Service) RemoveUser(ctx context.Context, username string) (bool, error) {
	const op = "remove_user"
	removed := false
	err := routeros.WithSession(ctx, s.opener, func(ctx context.Context, sess *routeros.Session) error {
		acct, err := findByName(ctx, sess, op, username)
		if err != nil || acct == nil {
			return err
		}
		reply, err := sess.Run(ctx, cmdUserRemove, "=.id="+acct.ID)
		if err != nil {
			return err
		}
		if err := checkReply(op, reply); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return false, classify(op, err)
	}
	if removed {
		slog.InfoContext(logging.ContextWithUsername(ctx, username), "Hotspot user removed")
	}
	return removed, nil
}

// GetUserInfo returns the named account, or nil when it does not exist.
func (s *Service) GetUserInfo(ctx context.Context, username string) (*Account, error) {
	const op = "get_user"
	var acct *Account
	err := routeros.WithSession(ctx, s.opener, func(ctx context.Context, sess *routeros.Session) error {
		var err error
		acct, err = findByName(ctx, sess, op, username)
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return acct, nil
}

// DisconnectActiveSession removes every active session of username and
// returns how many were dropped.
func (s *Service) DisconnectActiveSession(ctx context.Context, username string) (int, error) {
	const op = "disconnect_session"
	dropped := 0
	err := routeros.WithSession(ctx, s.opener, func(ctx context.Context, sess *routeros.Session) error {
		reply, err := sess.Run(ctx, cmdActivePrint, "?user="+username)
		if err != nil {
			return err
		}
		if err := checkReply(op, reply); err != nil {
			return err
		}
		for _, rec := range reply.Records() {
			id, ok := rec.Get(".id")
			if !ok {
				continue
			}
			reply, err := sess.Run(ctx, cmdActiveRemove, "=.id="+id)
			if err != nil {
				return err
			}
			if err := checkReply(op, reply); err != nil {
				// Session ended between print and remove.
				slog.DebugContext(ctx, "Active session already gone", slog.String("router_id", id), slog.Any("error", err))
				continue
			}
			dropped++
		}
		return nil
	})
	if err != nil {
		return dropped, classify(op, err)
	}
	if dropped > 0 {
		slog.InfoContext(logging.ContextWithUsername(ctx, username), "Hotspot sessions disconnected", slog.Int("count", dropped))
	}
	return dropped, nil
}

// ListActiveSessions returns all logged-in hotspot clients.
func (s *Service) ListActiveSessions(ctx context.Context) ([]ActiveSession, error) {
	const op = "list_sessions"
	var out []ActiveSession
	err := s.print(ctx, op, []string{cmdActivePrint}, func(rec routeros.Sentence) {
		if _, ok := rec.Get("user"); ok {
			out = append(out, activeFrom(rec))
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListAllUsers returns hotspot accounts, optionally narrowed to those whose
// attributes equal every filter value (e.g. {"profile": "24_Hours"}).
func (s *Service) ListAllUsers(ctx context.Context, filters map[string]string) ([]Account, error) {
	const op = "list_users"
	words := []string{cmdUserPrint}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		words = append(words, "?"+k+"="+filters[k])
	}

	var out []Account
	err := s.print(ctx, op, words, func(rec routeros.Sentence) {
		if _, ok := rec.Get("name"); ok {
			out = append(out, accountFrom(rec))
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListUserProfiles returns the router's hotspot user profiles.
func (s *Service) ListUserProfiles(ctx context.Context) ([]Profile, error) {
	var out []Profile
	err := s.print(ctx, "list_profiles", []string{cmdProfilePrint}, func(rec routeros.Sentence) {
		out = append(out, profileFrom(rec))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SystemResources returns router uptime, version and memory figures.
func (s *Service) SystemResources(ctx context.Context) (*Resources, error) {
	var res *Resources
	err := s.print(ctx, "system_resources", []string{cmdResources}, func(rec routeros.Sentence) {
		if res == nil {
			r := resourcesFrom(rec.Attributes)
			res = &r
		}
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, &ProvisionError{Kind: KindUnexpectedReply, Op: "system_resources", Message: "empty resource reply"}
	}
	return res, nil
}

// TestConnectivity logs in and reads the router identity. It never fails;
// an unreachable router is reported with Reachable false.
func (s *Service) TestConnectivity(ctx context.Context) ConnectivityReport {
	start := s.now()
	report := ConnectivityReport{RouterIdentity: "Unknown"}
	if a, ok := s.opener.(interface{ Addr() string }); ok {
		report.Address = a.Addr()
	}

	err := s.print(ctx, "test_connectivity", []string{cmdIdentity}, func(rec routeros.Sentence) {
		if name, ok := rec.Get("name"); ok && name != "" {
			report.RouterIdentity = name
		}
	})
	report.ElapsedMs = float64(s.now().Sub(start).Microseconds()) / 1000

	if err != nil {
		report.Message = connectivityMessage(err)
		slog.WarnContext(ctx, "Router connectivity test failed", slog.Any("error", err), slog.Float64("elapsed_ms", report.ElapsedMs))
		return report
	}
	report.Reachable = true
	report.Message = "Connected successfully"
	return report
}

func connectivityMessage(err error) string {
	var pe *ProvisionError
	if !errors.As(err, &pe) {
		return "Connection failed"
	}
	switch pe.Kind {
	case KindAuthFailed:
		return "Authentication failed"
	case KindRejected:
		return "Router error: " + pe.Message
	case KindProtocol, KindUnexpectedReply:
		return "Unexpected response from router"
	}
	if errors.Is(err, routeros.ErrReadTimeout) || errors.Is(err, routeros.ErrTimeout) {
		return "Router did not respond in time"
	}
	return "Connection failed"
}

// print runs a print-style command in its own session and feeds each !re
// record to fn.
func (s *Service) print(ctx context.Context, op string, words []string, fn func(routeros.Sentence)) error {
	err := routeros.WithSession(ctx, s.opener, func(ctx context.Context, sess *routeros.Session) error {
		reply, err := sess.Run(ctx, words...)
		if err != nil {
			return err
		}
		if err := checkReply(op, reply); err != nil {
			return err
		}
		for _, rec := range reply.Records() {
			fn(rec)
		}
		return nil
	})
	return classify(op, err)
}

// findByName prints hotspot users filtered by name within an open session.
func findByName(ctx context.Context, sess *routeros.Session, op, username string) (*Account, error) {
	reply, err := sess.Run(ctx, cmdUserPrint, "?name="+username)
	if err != nil {
		return nil, err
	}
	if err := checkReply(op, reply); err != nil {
		return nil, err
	}
	for _, rec := range reply.Records() {
		if rec.Attributes["name"] == username && rec.Attributes[".id"] != "" {
			acct := accountFrom(rec)
			return &acct, nil
		}
	}
	return nil, nil
}
