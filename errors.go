package openpgm

import (
	"errors"
	"fmt"
)

// Kind classifies an Error by how the caller should react, independent of
// its message text.
type Kind int

const (
	// KindWouldBlock is non-fatal: retry the call once the transport or
	// window has capacity again.
	KindWouldBlock Kind = iota
	// KindTimeout means a blocking recvmsg deadline elapsed with no data.
	KindTimeout
	// KindConnReset means a peer's receive window unrecoverably lost at
	// least one APDU; the application must acknowledge before draining
	// resumes.
	KindConnReset
	// KindEngineError means a protocol invariant was violated; the
	// endpoint that raised it must be closed.
	KindEngineError
	// KindConfigError means SetOption rejected a value; endpoint state is
	// unchanged.
	KindConfigError
	// KindTransportError wraps an underlying DatagramTransport I/O
	// failure, propagated verbatim.
	KindTransportError
)

func (k Kind) String() string {
	switch k {
	case KindWouldBlock:
		return "would-block"
	case KindTimeout:
		return "timeout"
	case KindConnReset:
		return "conn-reset"
	case KindEngineError:
		return "engine-error"
	case KindConfigError:
		return "config-error"
	case KindTransportError:
		return "transport-error"
	default:
		return "unknown"
	}
}

// Error is the error type every public API in this module returns. The
// Kind drives caller behavior; Err, when set, is the wrapped underlying
// cause (e.g. a transport error).
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pgm: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("pgm: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrWouldBlock) etc. work against the sentinel
// values below, by comparing Kind rather than identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel values for errors.Is comparisons; only Kind is compared, so
// callers can write errors.Is(err, openpgm.ErrWouldBlock) regardless of
// message text.
var (
	ErrWouldBlock     = &Error{Kind: KindWouldBlock, Msg: "operation would block"}
	ErrTimeout        = &Error{Kind: KindTimeout, Msg: "deadline reached"}
	ErrConnReset      = &Error{Kind: KindConnReset, Msg: "peer window unrecoverably lost data"}
	ErrEngineError    = &Error{Kind: KindEngineError, Msg: "protocol invariant violated"}
	ErrConfigError    = &Error{Kind: KindConfigError, Msg: "option rejected"}
	ErrTransportError = &Error{Kind: KindTransportError, Msg: "transport I/O failure"}
)

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// wrapTransportError adapts a raw DatagramTransport error into the
// taxonomy, propagating the original error verbatim under Err.
func wrapTransportError(cause error) *Error {
	return newError(KindTransportError, "datagram I/O failed", cause)
}

func asPGMError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
