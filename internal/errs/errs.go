// Package errs defines the structured error kinds the broker surfaces to
// consumers and the hot-path-internal kinds that never escape a packet
// boundary.
package errs

import (
	"fmt"
	"runtime"
	"time"
)

// Code identifies a class of broker error.
type Code string

const (
	// Surfaced to consumers on subscribe/read (spec.md §6, §7).
	NoSuchExchange Code = "NO_SUCH_EXCHANGE"
	NotReady       Code = "NOT_READY"
	Shutdown       Code = "SHUTDOWN"

	// Protocol*: handled by the per-subscription state machine, never
	// surfaced directly.
	ProtocolAckTimeout  Code = "PROTOCOL_ACK_TIMEOUT"
	ProtocolSequenceGap Code = "PROTOCOL_SEQUENCE_GAP"

	// Transport*: triggers reconnect, desired subscription set preserved.
	TransportClosed Code = "TRANSPORT_CLOSED"
	TransportReset  Code = "TRANSPORT_RESET"

	// Book*: internal, always handled by the pipeline unit.
	InvalidPrice       Code = "INVALID_PRICE"
	CompactionRequired Code = "COMPACTION_REQUIRED"

	// Parse*: malformed frame, recovered locally (log-and-drop).
	ParseEmpty    Code = "PARSE_EMPTY"
	ParseBadDigit Code = "PARSE_BAD_DIGIT"
	ParseOverflow Code = "PARSE_OVERFLOW"
	ParseRange    Code = "PARSE_RANGE"
)

// Error is a structured broker error carrying a code, optional details,
// and an optional wrapped cause.
type Error struct {
	Code      Code                   `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	File      string                 `json:"file,omitempty"`
	Line      int                    `json:"line,omitempty"`
	Cause     error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a key/value detail and returns the receiver for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new Error, recording the caller's file/line.
func New(code Code, message string) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{Code: code, Message: message, Timestamp: time.Now(), File: file, Line: line}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Timestamp: time.Now(), File: file, Line: line}
}

// Wrap wraps cause with a structured Error. Returns nil if cause is nil.
func Wrap(cause error, code Code, message string) *Error {
	if cause == nil {
		return nil
	}
	_, file, line, _ := runtime.Caller(1)
	return &Error{Code: code, Message: message, Timestamp: time.Now(), File: file, Line: line, Cause: cause}
}

// Is reports whether err is (or wraps) an *Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	if As(err, &e) {
		return e.Code == code
	}
	return false
}

// As finds the first *Error in err's chain and stores it in target.
func As(err error, target **Error) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok {
		*target = e
		return true
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return As(u.Unwrap(), target)
	}
	return false
}
