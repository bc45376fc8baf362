package routeros

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultReadTimeout = 10 * time.Second
	quitTimeout        = time.Second
	probeTimeout       = time.Millisecond
)

// Session owns one authenticated API connection. It must not be shared
// between goroutines; callers run commands in sequence and Close it when done.
type Session struct {
	conn        net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
	readTimeout time.Duration

	// broken is set once the stream can no longer be trusted (timeout mid
	// reply, !fatal, i/o failure). Close skips /quit on a broken session.
	broken    atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewSession wraps an established connection. Dialer.Dial is the usual way to
// get a Session; this is exposed for callers that manage their own transport.
func NewSession(conn net.Conn, readTimeout time.Duration) *Session {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Session{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		writer:      bufio.NewWriter(conn),
		readTimeout: readTimeout,
	}
}

// RemoteAddr of the router, for logging.
func (s *Session) RemoteAddr() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

// WriteWord frames and sends one word. When more is false the sentence is
// closed with the zero-length terminator and the buffer is flushed.
func (s *Session) WriteWord(word string, more bool) error {
	if s.closed.Load() || s.conn == nil {
		return ErrNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.readTimeout))
	return s.writeWord(word, more)
}

func (s *Session) writeWord(word string, more bool) error {
	if _, err := s.writer.Write(EncodeWord(word)); err != nil {
		return s.ioError("write", err)
	}
	if more {
		return nil
	}
	if err := s.writer.WriteByte(0); err != nil {
		return s.ioError("write", err)
	}
	if err := s.writer.Flush(); err != nil {
		return s.ioError("flush", err)
	}
	return nil
}

// WriteSentence sends words as one command sentence.
func (s *Session) WriteSentence(words ...string) error {
	if len(words) == 0 {
		return errors.New("routeros: empty sentence")
	}
	for i, w := range words {
		if err := s.WriteWord(w, i < len(words)-1); err != nil {
			return err
		}
	}
	return nil
}

// Read collects sentences until !done or !fatal. A !trap is kept and reading
// continues, since the router always follows it with !done.
//
// The wait is bounded by the session read timeout and by ctx. If nothing at
// all arrives ErrReadTimeout is returned. If the deadline hits part way
// through a reply the sentences read so far are returned with ErrTimeout and
// the reply has no !done.
func (s *Session) Read(ctx context.Context) (Reply, error) {
	if s.closed.Load() || s.conn == nil {
		return nil, ErrNotConnected
	}

	deadline := time.Now().Add(s.readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetReadDeadline(deadline)

	woken := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(woken)
		// Wake a blocked read.
		_ = s.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer func() {
		if !stop() {
			// The wake-up already started; it must land before the reset.
			<-woken
		}
		_ = s.conn.SetReadDeadline(time.Time{})
	}()

	var reply Reply
	for {
		sentence, err := s.readSentence()
		if err != nil {
			if isTimeout(err) {
				s.broken.Store(true)
				if len(reply) == 0 {
					if ctxErr := ctx.Err(); ctxErr != nil {
						return nil, fmt.Errorf("%w: %w", ErrReadTimeout, ctxErr)
					}
					return nil, ErrReadTimeout
				}
				return reply, ErrTimeout
			}
			return reply, err
		}
		if sentence == nil {
			continue
		}
		reply = append(reply, *sentence)

		switch sentence.Kind {
		case KindDone:
			return reply, nil
		case KindFatal:
			s.broken.Store(true)
			return reply, nil
		}
	}
}

// Run writes a command sentence and reads its reply.
func (s *Session) Run(ctx context.Context, words ...string) (Reply, error) {
	if err := s.WriteSentence(words...); err != nil {
		return nil, err
	}
	return s.Read(ctx)
}

// readSentence returns nil for an empty sentence (bare terminator).
func (s *Session) readSentence() (*Sentence, error) {
	var sentence *Sentence
	for i := 0; ; i++ {
		word, err := readWord(s.reader)
		if err != nil {
			if errors.Is(err, io.EOF) && i == 0 {
				s.broken.Store(true)
				return nil, fmt.Errorf("%w: connection closed by router", ErrNotConnected)
			}
			if errors.Is(err, io.EOF) {
				err = &ProtocolError{Reason: "truncated sentence", Err: io.ErrUnexpectedEOF}
			}
			var pe *ProtocolError
			if errors.As(err, &pe) {
				s.broken.Store(true)
			}
			return nil, err
		}
		if word == "" {
			return sentence, nil
		}

		if sentence == nil {
			kind, ok := kindOf(word)
			if !ok {
				s.broken.Store(true)
				return nil, &ProtocolError{Reason: fmt.Sprintf("unexpected reply word %q", word)}
			}
			sentence = &Sentence{Kind: kind, Attributes: make(map[string]string)}
			continue
		}

		switch {
		case strings.HasPrefix(word, ".tag="):
			sentence.Tag = strings.TrimPrefix(word, ".tag=")
		default:
			if key, value, ok := parseAttribute(word); ok {
				sentence.Attributes[key] = value
			} else {
				// e.g. the reason text that follows !fatal
				sentence.Attributes[""] = word
			}
		}
	}
}

// Alive reports whether the session still looks usable: not closed, not
// marked broken, and the router has not closed its side.
func (s *Session) Alive() bool {
	if s.closed.Load() || s.broken.Load() || s.conn == nil {
		return false
	}
	if s.reader.Buffered() > 0 {
		// Unsolicited data means we are out of step with the router.
		return false
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(probeTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	_, err := s.reader.Peek(1)
	if err == nil {
		return false
	}
	return isTimeout(err)
}

// Close sends /quit when the session is healthy and always closes the socket.
// It never returns an error.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.conn == nil {
			s.closed.Store(true)
			return
		}
		if !s.broken.Load() {
			_ = s.conn.SetWriteDeadline(time.Now().Add(quitTimeout))
			_ = s.writeWord("/quit", false)
		}
		s.closed.Store(true)
		_ = s.conn.Close()
	})
	return nil
}

func (s *Session) ioError(op string, err error) error {
	s.broken.Store(true)
	switch {
	case isTimeout(err):
		return fmt.Errorf("%w: %s", ErrTimeout, op)
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
		return fmt.Errorf("%w: %s: %v", ErrNotConnected, op, err)
	}
	return fmt.Errorf("routeros: %s: %w", op, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
