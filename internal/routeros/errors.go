package routeros

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected     = errors.New("routeros: not connected")
	ErrTimeout          = errors.New("routeros: i/o timeout")
	ErrReadTimeout      = errors.New("routeros: read timeout, no response received")
	ErrAuthFailed       = errors.New("routeros: authentication failed")
	ErrConnectionFailed = errors.New("routeros: connection failed")
)

// ProtocolError reports malformed framing or an unexpected sentence shape.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("routeros: protocol error: %s: %v", e.Reason, e.Err)
	}
	return "routeros: protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ConnectError is returned once every connect attempt has failed.
type ConnectError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("routeros: connection to %s failed after %d attempt(s): %v", e.Addr, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrConnectionFailed) match any ConnectError.
func (e *ConnectError) Is(target error) bool { return target == ErrConnectionFailed }

// authError carries the router's reason while matching ErrAuthFailed.
type authError struct {
	msg string
}

func (e *authError) Error() string {
	if e.msg == "" {
		return ErrAuthFailed.Error()
	}
	return ErrAuthFailed.Error() + ": " + e.msg
}

func (e *authError) Is(target error) bool { return target == ErrAuthFailed }
