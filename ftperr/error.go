// Package ftperr collapses the hierarchical-exception idiom the source
// used into one struct and one stable enumeration, per the design notes:
// specialization is data, not type.
package ftperr

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable enumeration every raised Error carries.
type ErrorKind string

const (
	ConnectionRefused    ErrorKind = "CONNECTION_REFUSED"
	ConnectionTimeout    ErrorKind = "CONNECTION_TIMEOUT"
	ConnectionClosed     ErrorKind = "CONNECTION_CLOSED"
	AuthenticationError  ErrorKind = "AUTHENTICATION_ERROR"
	ServerError          ErrorKind = "SERVER_ERROR"
	TemporaryError       ErrorKind = "TEMPORARY_ERROR"
	FileNotFound         ErrorKind = "FILE_NOT_FOUND"
	PermissionDenied     ErrorKind = "PERMISSION_DENIED"
	InsufficientStorage  ErrorKind = "INSUFFICIENT_STORAGE"
	InvalidSequence      ErrorKind = "INVALID_SEQUENCE"
	CommandNotSupported  ErrorKind = "COMMAND_NOT_SUPPORTED"
	InvalidPath          ErrorKind = "INVALID_PATH"
	ValidationError      ErrorKind = "VALIDATION_ERROR"
	PoolExhausted        ErrorKind = "POOL_EXHAUSTED"
	CircuitOpen          ErrorKind = "CIRCUIT_OPEN"
	Unexpected           ErrorKind = "UNEXPECTED"
)

// recoverable records, per ErrorKind, whether a subsequent attempt may
// succeed without operator action. Kinds absent from this map are
// non-recoverable.
var recoverable = map[ErrorKind]bool{
	ConnectionRefused: true,
	ConnectionTimeout: true,
	ConnectionClosed:  true,
	TemporaryError:    true,
}

// Recoverable reports whether RetryEngine may retry an error of this kind.
func (k ErrorKind) Recoverable() bool {
	return recoverable[k]
}

// Error is the single error type raised anywhere in the core. Specialized
// behavior is carried as data (Kind, ReplyCode, ...), never as a distinct
// Go type, so callers switch on Kind rather than type-asserting.
type Error struct {
	Kind             ErrorKind
	Message          string
	ReplyCode        int // 0 when not applicable
	Path             string
	BytesTransferred int64
	Cause            error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap makes Error compatible with errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind with a message.
func New(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind chaining an underlying cause.
func Wrap(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the ErrorKind from any error, returning Unexpected for
// errors that were never classified.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unexpected
}
