package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the bridge.
var (
	ErrConfig           = fmt.Errorf("invalid configuration")
	ErrAuthRejected     = fmt.Errorf("registration rejected")
	ErrAPI              = fmt.Errorf("slack api error")
	ErrMappingNotFound  = fmt.Errorf("mapping not found")
	ErrMalformedPayload = fmt.Errorf("malformed webhook payload")
	ErrForbidden        = fmt.Errorf("forbidden")

	// ErrChannelGone is returned by a ChannelHandle whose IRC channel no
	// longer exists.
	ErrChannelGone = fmt.Errorf("irc channel gone")
	ErrCircuitOpen = fmt.Errorf("circuit open")
	ErrDecryption  = fmt.Errorf("decryption failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Relay.Outbound")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// UserMessage returns the text to show an end user for err: the detail of
// the outermost DomainError, or the full message when there is none.
func UserMessage(err error) string {
	var de *DomainError
	if errors.As(err, &de) && de.Detail != "" {
		return de.Detail
	}
	return err.Error()
}

// IsRetryableError reports whether err is a transient Slack failure.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// ErrorCode is a machine-parseable error category for logs.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeConfig           ErrorCode = "CONFIG"
	CodeAuthRejected     ErrorCode = "AUTH_REJECTED"
	CodeAPI              ErrorCode = "API"
	CodeMappingNotFound  ErrorCode = "MAPPING_NOT_FOUND"
	CodeMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"
	CodeForbidden        ErrorCode = "FORBIDDEN"
	CodeChannelGone      ErrorCode = "CHANNEL_GONE"
	CodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	CodeDecryption       ErrorCode = "DECRYPTION"
)

var errorCodeMap = map[error]ErrorCode{
	ErrConfig:           CodeConfig,
	ErrAuthRejected:     CodeAuthRejected,
	ErrAPI:              CodeAPI,
	ErrMappingNotFound:  CodeMappingNotFound,
	ErrMalformedPayload: CodeMalformedPayload,
	ErrForbidden:        CodeForbidden,
	ErrChannelGone:      CodeChannelGone,
	ErrCircuitOpen:      CodeCircuitOpen,
	ErrDecryption:       CodeDecryption,
}

// codePriority orders sentinels for chain walks so a breaker error wrapped
// in ErrAPI reports the more specific code.
var codePriority = []error{
	ErrCircuitOpen,
	ErrChannelGone,
	ErrDecryption,
	ErrConfig,
	ErrAuthRejected,
	ErrMappingNotFound,
	ErrMalformedPayload,
	ErrForbidden,
	ErrAPI,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	for _, sentinel := range codePriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}
