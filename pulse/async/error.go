package async

import (
	"context"
	"net"
	"strings"

	"github.com/teranos/postpulse/errors"
)

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeNetworkError       ErrorCode = "network_error"
	ErrorCodeTimeout            ErrorCode = "timeout"
	ErrorCodeRateLimited        ErrorCode = "rate_limited"
	ErrorCodeDatabaseError      ErrorCode = "database_error"
	ErrorCodeValidationError    ErrorCode = "validation_error"
	ErrorCodeAuthError          ErrorCode = "auth_error"
	ErrorCodeSessionUnavailable ErrorCode = "session_unavailable"
	ErrorCodeUnknown            ErrorCode = "unknown"
)

// Markers attached with Retryable and Terminal. They never appear in
// messages; errors.Is finds them through any amount of wrapping.
var (
	ErrRetryable = errors.New("retryable")
	ErrTerminal  = errors.New("terminal")
)

// Retryable marks err as a transient failure worth another attempt
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrRetryable)
}

// Terminal marks err as a permanent failure that must not be retried
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTerminal)
}

// ErrorContext provides structured error information for job failures
type ErrorContext struct {
	Stage     string    // Where the error occurred
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message
	Retryable bool      // Can the job be retried?
	Reason    string    // Reason recorded if the job fails
}

// ClassifyError categorizes an error. Explicit markers win, then well-known
// error types, then message patterns.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{
			Stage:   stage,
			Code:    ErrorCodeUnknown,
			Message: "unknown error",
			Reason:  ReasonTerminalError,
		}
	}

	ctx := ErrorContext{
		Stage:   stage,
		Message: err.Error(),
		Reason:  ReasonTerminalError,
	}

	var netErr net.Error
	switch {
	case errors.Is(err, errors.ErrSessionUnavailable):
		ctx.Code = ErrorCodeSessionUnavailable
		ctx.Reason = ReasonSessionUnavailable
		return ctx

	case errors.Is(err, ErrTerminal):
		ctx.Code = classifyMessage(err).Code
		return ctx

	case errors.Is(err, ErrRetryable):
		ctx.Code = classifyMessage(err).Code
		ctx.Retryable = true
		return ctx

	case errors.Is(err, errors.ErrInvalidRequest):
		ctx.Code = ErrorCodeValidationError
		return ctx

	case errors.Is(err, context.DeadlineExceeded):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true
		return ctx

	case errors.As(err, &netErr):
		ctx.Code = ErrorCodeNetworkError
		if netErr.Timeout() {
			ctx.Code = ErrorCodeTimeout
		}
		ctx.Retryable = true
		return ctx
	}

	m := classifyMessage(err)
	ctx.Code = m.Code
	ctx.Retryable = m.Retryable
	return ctx
}

// classifyMessage falls back to message patterns for errors that carry no marker
func classifyMessage(err error) ErrorContext {
	errLower := strings.ToLower(err.Error())

	var ctx ErrorContext
	switch {
	case strings.Contains(errLower, "deadline exceeded") || strings.Contains(errLower, "timed out") ||
		strings.Contains(errLower, "timeout"):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true

	case strings.Contains(errLower, "too many requests") || strings.Contains(errLower, "rate limit"):
		ctx.Code = ErrorCodeRateLimited
		ctx.Retryable = true

	case strings.Contains(errLower, "connection") || strings.Contains(errLower, "network") ||
		strings.Contains(errLower, "eof"):
		ctx.Code = ErrorCodeNetworkError
		ctx.Retryable = true

	case strings.Contains(errLower, "database is locked") || strings.Contains(errLower, "sql"):
		ctx.Code = ErrorCodeDatabaseError
		ctx.Retryable = true

	case strings.Contains(errLower, "unauthorized") || strings.Contains(errLower, "forbidden"):
		ctx.Code = ErrorCodeAuthError

	case strings.Contains(errLower, "validation") || strings.Contains(errLower, "invalid") ||
		strings.Contains(errLower, "unmarshal"):
		ctx.Code = ErrorCodeValidationError

	default:
		// Unknown failures are not retried; the platform client marks the
		// transient ones explicitly
		ctx.Code = ErrorCodeUnknown
	}
	return ctx
}

// IsRetryable reports whether a job failing with err may be attempted again
func IsRetryable(err error) bool {
	return ClassifyError("", err).Retryable
}
