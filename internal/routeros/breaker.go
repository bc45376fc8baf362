package routeros

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/config"
)

// ErrCircuitOpen is returned without dialing while the breaker is open. It
// matches ErrConnectionFailed.
var ErrCircuitOpen = &circuitOpenError{}

type circuitOpenError struct{}

func (*circuitOpenError) Error() string        { return "routeros: circuit open, router marked unavailable" }
func (*circuitOpenError) Is(target error) bool { return target == ErrConnectionFailed }

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	FailureThreshold int           // consecutive connect failures before opening
	Cooldown         time.Duration // time open before one probe is let through
}

// Breaker wraps an Opener and stops dialing a router that keeps refusing
// connections. Only connection failures count; traps, auth failures and
// cancellation leave it alone.
type Breaker struct {
	next Opener
	cfg  BreakerConfig
	now  func() time.Time

	mu              sync.Mutex
	state           CircuitState
	failures        int
	probing         bool
	lastStateChange time.Time
}

func NewBreaker(next Opener, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{next: next, cfg: cfg, now: time.Now}
}

// NewOpener returns the dialer for cfg, behind a breaker unless
// cfg.BreakerThreshold is zero.
func NewOpener(cfg config.RouterConfig) Opener {
	d := NewDialer(cfg)
	if cfg.BreakerThreshold <= 0 {
		return d
	}
	return NewBreaker(d, BreakerConfig{FailureThreshold: cfg.BreakerThreshold, Cooldown: cfg.BreakerCooldown})
}

// SetClock replaces time.Now; tests only.
func (b *Breaker) SetClock(now func() time.Time) { b.now = now }

// Addr reports the wrapped opener's address when it has one.
func (b *Breaker) Addr() string {
	if a, ok := b.next.(interface{ Addr() string }); ok {
		return a.Addr()
	}
	return ""
}

func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Dial(ctx context.Context) (*Session, error) {
	if !b.allow() {
		return nil, ErrCircuitOpen
	}
	s, err := b.next.Dial(ctx)
	b.record(ctx, err)
	return s, err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.now().Sub(b.lastStateChange) < b.cfg.Cooldown {
			return false
		}
		b.transition(CircuitHalfOpen)
		b.probing = true
		return true
	case CircuitHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
	}
	return true
}

func (b *Breaker) record(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		b.probing = false
	}
	if ctx.Err() != nil {
		return
	}
	failed := errors.Is(err, ErrConnectionFailed)

	switch b.state {
	case CircuitHalfOpen:
		if failed {
			b.transition(CircuitOpen)
			return
		}
		// Any answer from the router, even a refused login, proves it is up.
		b.failures = 0
		b.transition(CircuitClosed)
	case CircuitClosed:
		if !failed {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(CircuitOpen)
		}
	}
}

func (b *Breaker) transition(to CircuitState) {
	from := b.state
	b.state = to
	b.lastStateChange = b.now()
	slog.Warn("Router circuit breaker state change",
		slog.String("router", b.Addr()),
		slog.String("from_state", from.String()),
		slog.String("to_state", to.String()),
		slog.Int("failure_count", b.failures))
	if to == CircuitOpen {
		b.failures = 0
	}
}
