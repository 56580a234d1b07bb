package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a backend failure.
type Kind string

const (
	// KindConnection covers transport-level failures: DNS, dial, reset,
	// timeout. Retryable.
	KindConnection Kind = "connection"
	// KindStatus covers remote API rejections carrying an HTTP status and
	// usually a provider error code.
	KindStatus Kind = "status"
	// KindResponseValidation covers responses that arrived but failed to
	// parse or violated the requested output schema.
	KindResponseValidation Kind = "response_validation"
	// KindEmptyResponse covers streams or responses that produced no content.
	KindEmptyResponse Kind = "empty_response"
	// KindImagesUnsupported is raised when image content is sent to a model
	// without vision support.
	KindImagesUnsupported Kind = "images_unsupported"
)

// Error is the structured failure every backend implementation returns. It
// wraps the SDK-level cause and carries enough context for retry decisions
// and error attribution.
type Error struct {
	Kind      Kind
	Backend   string
	Model     string
	Status    int    // HTTP status when Kind == KindStatus
	Code      string // provider error code, when available
	RequestID string
	Err       error
}

// NewError wraps cause with backend attribution, classifying its kind from
// the error text. Implementations refine the result with the With* builders.
func NewError(backendName, model string, cause error) *Error {
	return &Error{
		Kind:    classifyKind(cause),
		Backend: backendName,
		Model:   model,
		Err:     cause,
	}
}

// WithKind overrides the classified kind.
func (e *Error) WithKind(k Kind) *Error {
	e.Kind = k
	return e
}

// WithStatus records the remote HTTP status and marks the error as a status
// rejection.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	e.Kind = KindStatus
	return e
}

// WithCode records the provider-specific error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithRequestID records the provider request id for support escalation.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", e.Backend)
	if e.Model != "" {
		fmt.Fprintf(&b, " (%s)", e.Model)
	}
	fmt.Fprintf(&b, ": %s", e.Kind)
	if e.Status != 0 {
		fmt.Fprintf(&b, " %d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " (request %s)", e.RequestID)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient: any connection error,
// 429, or a 5xx status.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnection:
		return true
	case KindStatus:
		return e.Status == http.StatusTooManyRequests || e.Status >= 500
	default:
		return false
	}
}

// AsError unwraps err to a backend *Error if one is in the chain.
func AsError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsRetryable reports whether err is worth retrying. Structured backend
// errors answer precisely; raw errors fall back to text classification.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if be, ok := AsError(err); ok {
		return be.Retryable()
	}
	return classifyKind(err) == KindConnection || retryableText(err.Error())
}

func classifyKind(err error) Kind {
	if err == nil {
		return KindConnection
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "eof"):
		return KindConnection
	case strings.Contains(msg, "empty response"),
		strings.Contains(msg, "no content"):
		return KindEmptyResponse
	case strings.Contains(msg, "does not support image"),
		strings.Contains(msg, "vision not supported"):
		return KindImagesUnsupported
	case strings.Contains(msg, "unmarshal"),
		strings.Contains(msg, "invalid json"),
		strings.Contains(msg, "schema"):
		return KindResponseValidation
	default:
		return KindStatus
	}
}

func retryableText(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{
		"rate limit", "429", "too many requests", "resource exhausted",
		"500", "502", "503", "504", "overloaded",
		"internal server error", "bad gateway", "service unavailable",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
