// Package errs defines the error taxonomy shared by collectors, the HTTP
// layer and the polling consumer.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindConnectivity   Kind = "connectivity"
	KindExhausted      Kind = "resource_exhausted"
	KindInternal       Kind = "internal"
)

// Error is a classified error with optional context about the operation that
// produced it.
type Error struct {
	Kind    Kind
	Op      string // endpoint, node or probe being queried
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Message != "" && e.Err != nil:
		b.WriteString(e.Message)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(string(e.Kind))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation returns a validation error with a formatted message.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Authentication returns an authentication error.
func Authentication(message string, err error) *Error {
	return &Error{Kind: KindAuthentication, Message: message, Err: err}
}

// Connectivity returns a connectivity error.
func Connectivity(message string, err error) *Error {
	return &Error{Kind: KindConnectivity, Message: message, Err: err}
}

// New returns an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithOp attaches the endpoint or node being queried. The kind of err is
// preserved; unclassified errors stay unclassified.
func WithOp(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// KindOf classifies err. Classified errors report their own kind; context
// deadlines and network failures are connectivity; descriptor exhaustion is
// resource exhaustion; everything else is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) || errors.Is(err, syscall.ENOBUFS) {
		return KindExhausted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnectivity
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnectivity
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnectivity
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ParseKind maps a wire value back to a Kind. Unknown values map to internal.
func ParseKind(s string) Kind {
	switch Kind(s) {
	case KindValidation, KindAuthentication, KindConnectivity, KindExhausted:
		return Kind(s)
	default:
		return KindInternal
	}
}
