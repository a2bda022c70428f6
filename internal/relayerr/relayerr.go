// Package relayerr defines the error taxonomy shared by the session registry,
// the admission gate and the relay protocol.
//
// Every client-visible failure carries a [Code]. Errors coming out of the SSH
// client library are normalized into this taxonomy once, at the adapter
// boundary (see [Classify]), so the relay never inspects provider errors.
package relayerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// Code identifies a class of failure reported to clients.
type Code string

const (
	InvalidConfig             Code = "INVALID_CONFIG"
	DuplicateSession          Code = "DUPLICATE_SESSION"
	RateLimited               Code = "RATE_LIMITED"
	ConnectionFailed          Code = "CONNECTION_FAILED"
	AuthFailed                Code = "AUTH_FAILED"
	HostKeyVerificationFailed Code = "HOST_KEY_VERIFICATION_FAILED"
	Timeout                   Code = "TIMEOUT"
	SessionNotFound           Code = "SESSION_NOT_FOUND"
	AlreadyBound              Code = "ALREADY_BOUND"
	AlreadyConnecting         Code = "ALREADY_CONNECTING"
	InvalidInput              Code = "INVALID_INPUT"
	InvalidDimensions         Code = "INVALID_DIMENSIONS"
	ShellWriteFailed          Code = "SHELL_WRITE_FAILED"
	SessionTimeout            Code = "SESSION_TIMEOUT"
	MaxSessionsExceeded       Code = "MAX_SESSIONS_EXCEEDED"
	Unknown                   Code = "UNKNOWN_ERROR"
)

// Error is a classified failure. Message is safe to show to clients; Err keeps
// the underlying cause for logs and errors.Is/As.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to err, keeping err's text as the message.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: err.Error(), Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or Unknown.
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return Unknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// AuthError is returned by the SSH adapter when the server rejects every
// offered authentication method.
type AuthError struct {
	User string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for user %q: %v", e.User, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// HostKeyError is returned when the remote host key does not match the
// expected fingerprint or is absent from known_hosts.
type HostKeyError struct {
	Host     string
	Expected string
	Actual   string
	Err      error
}

func (e *HostKeyError) Error() string {
	if e.Expected != "" {
		return fmt.Sprintf("host key verification failed for %s: expected %s, got %s", e.Host, e.Expected, e.Actual)
	}
	if e.Err != nil {
		return fmt.Sprintf("host key verification failed for %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("host key verification failed for %s", e.Host)
}

func (e *HostKeyError) Unwrap() error { return e.Err }

// Classify maps any error into the taxonomy. Errors that are already classified
// pass through unchanged; typed adapter errors, timeouts and network failures
// get their dedicated codes and everything else becomes Unknown.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var re *Error
	if errors.As(err, &re) {
		return re
	}

	var hostKeyErr *HostKeyError
	if errors.As(err, &hostKeyErr) {
		return &Error{Code: HostKeyVerificationFailed, Message: hostKeyErr.Error(), Err: err}
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return &Error{Code: AuthFailed, Message: "authentication failed", Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &Error{Code: Timeout, Message: "connection timed out", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Code: Timeout, Message: "connection timed out", Err: err}
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return &Error{Code: ConnectionFailed, Message: "unable to reach host", Err: err}
	}

	return &Error{Code: Unknown, Message: err.Error(), Err: err}
}
