package forwarder

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Sentinel errors for forwarding.
var (
	// ErrUpstreamUnreachable indicates that no upstream response was obtained.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrMissingCredential indicates that the server-held credential is not available.
	ErrMissingCredential = errors.New("upstream credential not configured")

	// ErrCircuitOpen indicates that the breaker rejected the call without dialing.
	// It always accompanies ErrUpstreamUnreachable.
	ErrCircuitOpen = errors.New("upstream circuit open")

	// ErrResponseTooLarge indicates that the upstream body exceeded the size cap.
	// It always accompanies ErrUpstreamUnreachable.
	ErrResponseTooLarge = errors.New("upstream response too large")
)

// redacted replaces credential values in messages.
const redacted = "REDACTED"

// UpstreamError describes a failed upstream call. Its message never
// contains the credential.
type UpstreamError struct {
	Op        string // Stage that failed
	Operation string // Validated gateway operation
	Message   string // Human-readable message
	Cause     error  // Underlying error, already redacted
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream error [%s] operation=%s: %s: %v", e.Op, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("upstream error [%s] operation=%s: %s", e.Op, e.Operation, e.Message)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Is reports every UpstreamError as ErrUpstreamUnreachable.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamUnreachable
}

func newUpstreamError(op, operation, message string, cause error, secret string) *UpstreamError {
	return &UpstreamError{
		Op:        op,
		Operation: operation,
		Message:   message,
		Cause:     redactError(cause, secret),
	}
}

// Redact removes secret, in raw and query-escaped form, from s.
func Redact(s, secret string) string {
	if secret == "" {
		return s
	}
	s = strings.ReplaceAll(s, secret, redacted)
	if escaped := url.QueryEscape(secret); escaped != secret {
		s = strings.ReplaceAll(s, escaped, redacted)
	}
	if escaped := url.PathEscape(secret); escaped != secret {
		s = strings.ReplaceAll(s, escaped, redacted)
	}
	return s
}

// redactedError keeps the wrapped chain for errors.Is while hiding the
// credential from the message.
type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }

func (e *redactedError) Unwrap() error { return e.cause }

func redactError(err error, secret string) error {
	if err == nil {
		return nil
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		// url.Error carries the full request URL; drop the query entirely.
		if u, perr := url.Parse(uerr.URL); perr == nil {
			u.RawQuery = ""
			err = &url.Error{Op: uerr.Op, URL: u.String(), Err: uerr.Err}
		}
	}
	msg := err.Error()
	clean := Redact(msg, secret)
	if clean == msg {
		return err
	}
	return &redactedError{msg: clean, cause: err}
}
