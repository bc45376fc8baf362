package hotspot

import (
	"errors"
	"fmt"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/routeros"
	"github.com/RAYMONDNJOROGE/uptime-final/pkg/errormapper"
)

// ErrorKind classifies a provisioning failure.
type ErrorKind int

const (
	KindUnavailable     ErrorKind = iota + 1 // router unreachable, timed out, or dropped the link
	KindAuthFailed                           // API login rejected
	KindProtocol                             // malformed frames from the router
	KindRejected                             // router answered !trap
	KindUnexpectedReply                      // reply ended without !done
	KindInvalidInput
	KindUnknownPlan
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindAuthFailed:
		return "auth_failed"
	case KindProtocol:
		return "protocol"
	case KindRejected:
		return "rejected"
	case KindUnexpectedReply:
		return "unexpected_reply"
	case KindInvalidInput:
		return "invalid_input"
	case KindUnknownPlan:
		return "unknown_plan"
	}
	return "unknown"
}

// ProvisionError is the only error type the service returns for router work.
type ProvisionError struct {
	Kind    ErrorKind
	Op      string
	Message string // router text for KindRejected, otherwise a short description
	Err     error
}

func (e *ProvisionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("provision %s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Code maps the kind to an errormapper code.
func (e *ProvisionError) Code() string {
	switch e.Kind {
	case KindRejected:
		return errormapper.CodeProvisionRejected
	case KindAuthFailed:
		return errormapper.CodeRouterAuthFailed
	case KindProtocol, KindUnexpectedReply:
		return errormapper.CodeRouterProtocol
	case KindUnknownPlan:
		return errormapper.CodeUnknownPlan
	case KindInvalidInput:
		return errormapper.CodeInvalidInput
	}
	return errormapper.CodeRouterUnavailable
}

// IsRejected reports whether err is a router !trap and returns its message.
func IsRejected(err error) (string, bool) {
	var pe *ProvisionError
	if errors.As(err, &pe) && pe.Kind == KindRejected {
		return pe.Message, true
	}
	return "", false
}

// classify turns session-level errors into a ProvisionError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return err
	}
	var proto *routeros.ProtocolError
	switch {
	case errors.Is(err, routeros.ErrAuthFailed):
		return &ProvisionError{Kind: KindAuthFailed, Op: op, Err: err}
	case errors.As(err, &proto):
		return &ProvisionError{Kind: KindProtocol, Op: op, Err: err}
	}
	// Connection failures, timeouts, dropped links and cancellation.
	return &ProvisionError{Kind: KindUnavailable, Op: op, Err: err}
}

// checkReply converts a trap or a missing !done into a ProvisionError.
func checkReply(op string, reply routeros.Reply) error {
	if s, ok := reply.Err(); ok {
		return &ProvisionError{Kind: KindRejected, Op: op, Message: s.Message()}
	}
	if !reply.Done() {
		return &ProvisionError{Kind: KindUnexpectedReply, Op: op, Message: "reply ended without !done"}
	}
	return nil
}
