// Package apperr defines the closed error taxonomy surfaced to callers and
// classifies raw network, HTTP and transport errors into it.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
)

// Kind is the category of a failure.
type Kind int

const (
	// KindUnknown is an unclassified failure.
	KindUnknown Kind = iota
	// KindValidation is malformed input (never retried).
	KindValidation
	// KindAuth is a credential the server rejected.
	KindAuth
	// KindNetwork is a timeout, DNS failure or refused connection.
	KindNetwork
	// KindProtocol is a transport-level framing or handshake failure.
	KindProtocol
	// KindConfig is a configuration problem that retrying cannot fix.
	KindConfig
	// KindConfigCorruption is an unreadable session document or an
	// unrecoverable lock.
	KindConfigCorruption
)

var kindNames = map[Kind]string{
	KindUnknown:          "error",
	KindValidation:       "validation error",
	KindAuth:             "authentication error",
	KindNetwork:          "network error",
	KindProtocol:         "protocol error",
	KindConfig:           "configuration error",
	KindConfigCorruption: "config corruption error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether an operation failing with k may succeed on retry.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindProtocol
}

// ExitCode maps k to the process exit code used by the CLI.
func (k Kind) ExitCode() int {
	switch k {
	case KindValidation:
		return 2
	case KindAuth:
		return 3
	case KindNetwork:
		return 4
	case KindProtocol:
		return 5
	case KindConfig:
		return 6
	case KindConfigCorruption:
		return 7
	default:
		return 1
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "discovery.fetch"
	Err  error
	Hint string // remediation shown to the user
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithHint returns a copy of e carrying a remediation hint.
func (e *Error) WithHint(hint string) *Error {
	cp := *e
	cp.Hint = hint
	return &cp
}

// Validation wraps err as a validation error.
func Validation(op string, err error) *Error { return New(KindValidation, op, err) }

// Auth wraps err as an authentication error.
func Auth(op string, err error) *Error { return New(KindAuth, op, err) }

// Network wraps err as a network error.
func Network(op string, err error) *Error { return New(KindNetwork, op, err) }

// Protocol wraps err as a protocol error.
func Protocol(op string, err error) *Error { return New(KindProtocol, op, err) }

// Config wraps err as a configuration error.
func Config(op string, err error) *Error { return New(KindConfig, op, err) }

// Corruption wraps err as a config corruption error.
func Corruption(op string, err error) *Error { return New(KindConfigCorruption, op, err) }

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HintOf returns the first non-empty hint in err's chain.
func HintOf(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Hint != "" {
			return e.Hint
		}
		err = e.Err
	}
	return ""
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Classify converts a raw error into the taxonomy. Errors already
// classified are returned unchanged; nil stays nil.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return New(classifyKind(err), op, err)
}

func classifyKind(err error) Kind {
	var se *StatusError
	if errors.As(err, &se) {
		return KindForStatus(se.Code)
	}
	if IsNetwork(err) {
		return KindNetwork
	}
	return KindProtocol
}

// KindForStatus maps an HTTP status code to a Kind.
func KindForStatus(code int) Kind {
	switch {
	case code == 401 || code == 403:
		return KindAuth
	case code == 408 || code == 429 || code >= 500:
		return KindNetwork
	default:
		return KindProtocol
	}
}

// IsNetwork reports whether err is a connectivity failure: timeout,
// DNS lookup failure, refused or reset connection.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return IsNetwork(urlErr.Err)
	}
	return false
}
