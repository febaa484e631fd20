package gretun

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies a PipelineError so callers can decide on wire-level
// responses (407/401/403, SOCKS5 reply codes) without string-matching.
type Kind int

const (
	EmptyRequest Kind = iota
	InvalidRequest
	InvalidAuthHeader
	NoAuthFound
	AuthFailed
	ForbiddenRequest
	UnsupportedCommand
	UnsupportedAddressType
	ResolveDnsFailed
	ConnectTimeout
	ConnectServerFailed
	IoFailure
	Parse
	WebsocketSendFailed
)

func (k Kind) String() string {
	switch k {
	case EmptyRequest:
		return "empty request"
	case InvalidRequest:
		return "invalid request"
	case InvalidAuthHeader:
		return "invalid auth header"
	case NoAuthFound:
		return "no auth found"
	case AuthFailed:
		return "auth failed"
	case ForbiddenRequest:
		return "forbidden request"
	case UnsupportedCommand:
		return "unsupported command"
	case UnsupportedAddressType:
		return "unsupported address type"
	case ResolveDnsFailed:
		return "resolve failed"
	case ConnectTimeout:
		return "connect timeout"
	case ConnectServerFailed:
		return "connect to server failed"
	case IoFailure:
		return "io failure"
	case Parse:
		return "parse error"
	case WebsocketSendFailed:
		return "websocket send failed"
	default:
		return "unknown"
	}
}

// PipelineError is the error type returned by every stage of the
// per-connection pipeline (demux, auth, ACL, resolve, connect, tunnel).
type PipelineError struct {
	Kind Kind
	msg  string
	err  error
}

func (e *PipelineError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	}
	return e.Kind.String()
}

func (e *PipelineError) Unwrap() error { return e.err }

// NewError builds a PipelineError with an optional formatted message.
func NewError(kind Kind, msg string, args ...interface{}) *PipelineError {
	return &PipelineError{Kind: kind, msg: fmt.Sprintf(msg, args...)}
}

// WrapError attaches a Kind to an underlying error, preserving the chain
// via github.com/pkg/errors so Log.WithError(err) still prints the cause.
func WrapError(kind Kind, err error, msg string) *PipelineError {
	return &PipelineError{Kind: kind, msg: msg, err: pkgerrors.Wrap(err, msg)}
}

// KindOf returns the Kind of err if it is (or wraps) a *PipelineError, and
// IoFailure otherwise.
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return IoFailure
}
