package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	ErrTransport   = errors.New("transport failure")
	ErrRejected    = errors.New("rejected by collector")
	ErrPersistence = errors.New("persistence failure")
	ErrAttribution = errors.New("attribution failure")
	ErrConfig      = errors.New("invalid configuration")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeTransport   ErrorType = "transport"
	ErrorTypeRejected    ErrorType = "rejected"
	ErrorTypePersistence ErrorType = "persistence"
	ErrorTypeAttribution ErrorType = "attribution"
	ErrorTypeConfig      ErrorType = "config"
)

// AgentError is a structured error for the telemetry pipeline.
type AgentError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "send_batch", "persist_cache")
	Endpoint   string // URL or file path involved, if any
	Err        error
	StatusCode int // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *AgentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed on %s (status %d): %v", e.Op, e.Endpoint, e.StatusCode, e.Err)
	}
	if e.Endpoint != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *AgentError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrTransport:
		return e.Type == ErrorTypeTransport
	case ErrRejected:
		return e.Type == ErrorTypeRejected
	case ErrPersistence:
		return e.Type == ErrorTypePersistence
	case ErrAttribution:
		return e.Type == ErrorTypeAttribution
	case ErrConfig:
		return e.Type == ErrorTypeConfig
	}

	return errors.Is(e.Err, target)
}

// NewAgentError creates a new AgentError
func NewAgentError(errorType ErrorType, op, endpoint string, err error) *AgentError {
	return &AgentError{
		Type:      errorType,
		Op:        op,
		Endpoint:  endpoint,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: errorType == ErrorTypeTransport || errorType == ErrorTypePersistence,
	}
}

// WithStatusCode records the collector's HTTP status and reclassifies the error.
// 408, 429 and 5xx mean the collector is unavailable; any other non-2xx status is
// an application-level refusal that will not succeed on retry.
func (e *AgentError) WithStatusCode(code int) *AgentError {
	e.StatusCode = code
	if IsRetryableStatus(code) {
		e.Type = ErrorTypeTransport
		e.Retryable = true
	} else if code >= 300 {
		e.Type = ErrorTypeRejected
		e.Retryable = false
	}
	return e
}

// IsRetryableStatus reports whether an HTTP status indicates a transient collector failure.
func IsRetryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// WrapTransportError wraps a network error with context
func WrapTransportError(op, endpoint string, err error) error {
	return NewAgentError(ErrorTypeTransport, op, endpoint, err)
}

// WrapPersistenceError wraps a storage error with context
func WrapPersistenceError(op, path string, err error) error {
	return NewAgentError(ErrorTypePersistence, op, path, err)
}

// WrapConfigError wraps a configuration problem detected at startup
func WrapConfigError(op string, err error) error {
	return NewAgentError(ErrorTypeConfig, op, "", err)
}

// WrapStatusError builds an error from a non-success collector response.
func WrapStatusError(op, endpoint string, statusCode int, body string) error {
	var err error
	if body != "" {
		err = fmt.Errorf("collector responded with status %d: %s", statusCode, body)
	} else {
		err = fmt.Errorf("collector responded with status %d", statusCode)
	}
	return NewAgentError(ErrorTypeRejected, op, endpoint, err).WithStatusCode(statusCode)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Retryable
	}
	return errors.Is(err, ErrTransport)
}

// IsRejection checks if the collector refused the request
func IsRejection(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRejected)
}

// IsAuthError checks if the collector refused the agent credential
func IsAuthError(err error) bool {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.StatusCode == http.StatusUnauthorized || agentErr.StatusCode == http.StatusForbidden
	}
	return false
}
