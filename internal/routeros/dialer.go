package routeros

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/config"
	"github.com/RAYMONDNJOROGE/uptime-final/pkg/retry"
)

const DefaultPort = 8728

// Opener hands out authenticated sessions. *Dialer is the production
// implementation.
type Opener interface {
	Dial(ctx context.Context) (*Session, error)
}

// Dialer connects and logs in to one router.
type Dialer struct {
	Host     string
	Port     int
	Username string
	Password string

	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
	ConnectAttempts  int
	ConnectBackoff   time.Duration

	// Sleep is used between connect attempts; nil means a real timer.
	Sleep retry.SleepFunc
}

// NewDialer builds a Dialer from router configuration.
func NewDialer(cfg config.RouterConfig) *Dialer {
	return &Dialer{
		Host:             cfg.Host,
		Port:             cfg.Port,
		Username:         cfg.Username,
		Password:         cfg.Password,
		ConnectTimeout:   cfg.ConnectTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ConnectAttempts:  cfg.ConnectAttempts,
		ConnectBackoff:   cfg.ConnectBackoff,
	}
}

// Addr is host:port.
func (d *Dialer) Addr() string {
	port := d.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(port))
}

// Dial opens a TCP connection and logs in, retrying the whole sequence up to
// ConnectAttempts times. Authentication failures are returned at once since
// another attempt with the same credentials cannot succeed.
func (d *Dialer) Dial(ctx context.Context) (*Session, error) {
	addr := d.Addr()
	attempts := d.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		session *Session
		tried   int
	)
	policy := retry.Policy{
		MaxAttempts: attempts,
		Delay:       d.ConnectBackoff,
		Sleep:       d.Sleep,
		ShouldRetry: func(err error) bool {
			return !errors.Is(err, ErrAuthFailed) && ctx.Err() == nil
		},
		OnRetry: func(attempt int, err error) {
			slog.WarnContext(ctx, "RouterOS connect attempt failed, retrying",
				slog.String("addr", addr),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		},
	}

	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		tried = attempt
		s, err := d.dialOnce(ctx, addr)
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			slog.ErrorContext(ctx, "RouterOS login rejected", slog.String("addr", addr), slog.String("user", d.Username))
			return nil, err
		}
		slog.ErrorContext(ctx, "RouterOS connection failed",
			slog.String("addr", addr),
			slog.Int("attempts", tried),
			slog.Any("error", err),
		)
		return nil, &ConnectError{Addr: addr, Attempts: tried, Err: err}
	}

	slog.DebugContext(ctx, "Connected to RouterOS", slog.String("addr", addr), slog.Int("attempt", tried))
	return session, nil
}

func (d *Dialer) dialOnce(ctx context.Context, addr string) (*Session, error) {
	nd := net.Dialer{Timeout: d.ConnectTimeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	s := NewSession(conn, d.ReadTimeout)

	hctx := ctx
	if d.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, d.HandshakeTimeout)
		defer cancel()
	}
	if err := s.login(hctx, d.Username, d.Password); err != nil {
		s.broken.Store(true)
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// login performs the /login handshake. Routers older than 6.43 answer the
// bare /login with a challenge in "ret"; newer ones take the plaintext password.
func (s *Session) login(ctx context.Context, user, password string) error {
	reply, err := s.Run(ctx, "/login")
	if err != nil {
		return err
	}
	if e, ok := reply.Err(); ok {
		return &authError{msg: e.Message()}
	}

	var words []string
	if challenge, ok := firstAttr(reply, "ret"); ok {
		raw, err := hex.DecodeString(challenge)
		if err != nil {
			return &ProtocolError{Reason: "malformed login challenge", Err: err}
		}
		words = []string{"/login", "=name=" + user, "=response=00" + challengeResponse(password, raw)}
	} else {
		words = []string{"/login", "=name=" + user, "=password=" + password}
	}

	reply, err = s.Run(ctx, words...)
	if err != nil {
		return err
	}
	if e, ok := reply.Err(); ok {
		return &authError{msg: e.Message()}
	}
	if !reply.Done() {
		return &authError{msg: "no !done in login reply"}
	}
	return nil
}

// challengeResponse is hex(MD5(0x00 || password || challenge)).
func challengeResponse(password string, challenge []byte) string {
	h := md5.New()
	h.Write([]byte{0})
	h.Write([]byte(password))
	h.Write(challenge)
	return hex.EncodeToString(h.Sum(nil))
}

func firstAttr(r Reply, key string) (string, bool) {
	if len(r) == 0 {
		return "", false
	}
	return r[0].Get(key)
}

// WithSession opens a session, runs fn and closes the session on every exit
// path, panics included.
func WithSession(ctx context.Context, o Opener, fn func(ctx context.Context, s *Session) error) error {
	s, err := o.Dial(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}
