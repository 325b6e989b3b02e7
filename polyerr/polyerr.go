// Package polyerr defines the error taxonomy shared by every LibPolyCall
// component. Components never invent ad hoc error strings for failure
// classes that already have a code here; they return an *Error built with
// New or Wrap, which matches its code's sentinel under errors.Is regardless
// of which package raised it.
package polyerr

import "errors"

// Code identifies the taxonomy class of an error, independent of the
// human-readable message wrapped around it.
type Code int

const (
	// CodeInvalidArgument is a caller error; never retried.
	CodeInvalidArgument Code = iota
	// CodeInvalidState means the operation is illegal for the component's
	// current state; a caller bug.
	CodeInvalidState
	// CodeProtocolViolation means the peer sent a malformed or
	// out-of-sequence message; the session collapses to error.
	CodeProtocolViolation
	// CodeTimeout means a stage, idle, or validation deadline expired;
	// retryable per the configured retry policy.
	CodeTimeout
	// CodeInvalidToken means a token is missing, malformed, expired, or
	// revoked.
	CodeInvalidToken
	// CodeAccessDenied means a policy decision refused the request.
	CodeAccessDenied
	// CodeQuotaExceeded means a resource quota was hit; retry after
	// backoff.
	CodeQuotaExceeded
	// CodeResourceExhausted means a buffer is full; the caller chooses to
	// wait or drop.
	CodeResourceExhausted
	// CodeTransportClosed means the peer is gone; the session is
	// terminal.
	CodeTransportClosed
	// CodeInternal means an invariant was broken; fatal to the session,
	// not to the process.
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeInvalidState:
		return "InvalidState"
	case CodeProtocolViolation:
		return "ProtocolViolation"
	case CodeTimeout:
		return "Timeout"
	case CodeInvalidToken:
		return "InvalidToken"
	case CodeAccessDenied:
		return "AccessDenied"
	case CodeQuotaExceeded:
		return "QuotaExceeded"
	case CodeResourceExhausted:
		return "ResourceExhausted"
	case CodeTransportClosed:
		return "TransportClosed"
	case CodeInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Sentinel errors, one per taxonomy class. An *Error matches the sentinel
// for its Code under errors.Is (see Error.Is).
var (
	ErrInvalidArgument   = errors.New("polycall: invalid argument")
	ErrInvalidState      = errors.New("polycall: invalid state")
	ErrProtocolViolation = errors.New("polycall: protocol violation")
	ErrTimeout           = errors.New("polycall: timeout")
	ErrInvalidToken      = errors.New("polycall: invalid token")
	ErrAccessDenied      = errors.New("polycall: access denied")
	ErrQuotaExceeded     = errors.New("polycall: quota exceeded")
	ErrResourceExhausted = errors.New("polycall: resource exhausted")
	ErrTransportClosed   = errors.New("polycall: transport closed")
	ErrInternal          = errors.New("polycall: internal error")
)

var byCode = map[Code]error{
	CodeInvalidArgument:   ErrInvalidArgument,
	CodeInvalidState:      ErrInvalidState,
	CodeProtocolViolation: ErrProtocolViolation,
	CodeTimeout:           ErrTimeout,
	CodeInvalidToken:      ErrInvalidToken,
	CodeAccessDenied:      ErrAccessDenied,
	CodeQuotaExceeded:     ErrQuotaExceeded,
	CodeResourceExhausted: ErrResourceExhausted,
	CodeTransportClosed:   ErrTransportClosed,
	CodeInternal:          ErrInternal,
}

// Sentinel returns the sentinel error for a taxonomy code.
func Sentinel(c Code) error { return byCode[c] }

// Error is a typed, peer-visible failure: a taxonomy code, a human-readable
// message, and (when the failure answers an in-flight request) the
// correlation id of the request that caused it.
type Error struct {
	Code          Code
	Message       string
	CorrelationID uint64
	cause         error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}

func (e *Error) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return Sentinel(e.Code)
}

// New builds a peer-visible Error for the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds a peer-visible Error that also chains a lower-level cause.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithCorrelation attaches a request correlation id to the error, returning
// the same *Error for chaining.
func (e *Error) WithCorrelation(cid uint64) *Error {
	e.CorrelationID = cid
	return e
}

// Is reports whether target matches one of the taxonomy sentinels,
// supporting errors.Is(err, polyerr.ErrInvalidState) against a *Error.
func (e *Error) Is(target error) bool {
	return target == Sentinel(e.Code)
}
