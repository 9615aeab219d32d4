package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailureReason categorizes why a provider request failed. It drives retry
// decisions and the user-facing error message.
type FailureReason string

const (
	// ReasonBilling indicates payment or quota issues (HTTP 402).
	ReasonBilling FailureReason = "billing"

	// ReasonRateLimit indicates rate limiting (HTTP 429).
	ReasonRateLimit FailureReason = "rate_limit"

	// ReasonAuth indicates authentication failure (HTTP 401, 403).
	ReasonAuth FailureReason = "auth"

	// ReasonTimeout indicates the request timed out.
	ReasonTimeout FailureReason = "timeout"

	// ReasonConnection indicates the provider could not be reached.
	ReasonConnection FailureReason = "connection"

	// ReasonOverloaded indicates the provider shed load (HTTP 529).
	ReasonOverloaded FailureReason = "overloaded"

	// ReasonServerError indicates server-side issues (HTTP 5xx).
	ReasonServerError FailureReason = "server_error"

	// ReasonInvalidRequest indicates client-side issues (HTTP 400).
	ReasonInvalidRequest FailureReason = "invalid_request"

	// ReasonModelUnavailable indicates the requested model does not exist.
	ReasonModelUnavailable FailureReason = "model_unavailable"

	// ReasonUnknown indicates an unclassified error.
	ReasonUnknown FailureReason = "unknown"
)

// IsRetryable returns true if the failure reason suggests retrying may succeed.
func (r FailureReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonConnection, ReasonOverloaded, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from an LLM provider. It captures the
// context needed for retry decisions and debugging.
type ProviderError struct {
	// Reason categorizes the error.
	Reason FailureReason

	// Provider is the provider name ("anthropic", "openai").
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, if applicable.
	Status int

	// Code is the provider-specific error code.
	Code string

	// Message is the human-readable error message.
	Message string

	// RequestID is the provider's request ID for debugging.
	RequestID string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a ProviderError classified from cause.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies when the status maps
// to a known reason.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode records a provider-specific error code and reclassifies when the
// code maps to a known reason.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID records the provider's request ID.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage sets the error message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// ClassifyError inspects an error and returns the matching FailureReason.
func ClassifyError(err error) FailureReason {
	if err == nil {
		return ReasonUnknown
	}
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason
	}

	errStr := strings.ToLower(err.Error())

	// Timeouts come first: phrases like "connection timed out" belong here,
	// not under connection failures.
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") ||
		strings.Contains(errStr, "etimedout") {
		return ReasonTimeout
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "econnrefused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "broken pipe") {
		return ReasonConnection
	}

	if strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "529") {
		return ReasonOverloaded
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return ReasonRateLimit
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return ReasonAuth
	}

	if strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "402") {
		return ReasonBilling
	}

	// Server errors before model availability: "service unavailable" is a
	// 503, not a missing model.
	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return ReasonServerError
	}

	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") ||
		strings.Contains(errStr, "no such model") ||
		strings.Contains(errStr, "does not exist") {
		return ReasonModelUnavailable
	}

	if strings.Contains(errStr, "invalid request") ||
		strings.Contains(errStr, "invalid_request") ||
		strings.Contains(errStr, "bad request") ||
		strings.Contains(errStr, "400") {
		return ReasonInvalidRequest
	}

	return ReasonUnknown
}

// classifyStatusCode returns a FailureReason based on the HTTP status code.
func classifyStatusCode(status int) FailureReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status == 529:
		// Anthropic sheds load with 529 rather than 503.
		return ReasonOverloaded
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// classifyErrorCode returns a FailureReason based on provider error codes.
func classifyErrorCode(code string) FailureReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "permission_error", "invalid_api_key":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "overloaded_error":
		return ReasonOverloaded
	case "model_not_found", "model_not_available":
		return ReasonModelUnavailable
	case "server_error", "internal_error", "api_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	case "timeout_error":
		return ReasonTimeout
	default:
		return ReasonUnknown
	}
}

// IsProviderError checks whether err is a ProviderError.
func IsProviderError(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr)
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable checks whether an error is worth another attempt.
func IsRetryable(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}

// FriendlyMessage converts a provider failure into the sentence shown to
// session participants. Raw provider errors, in particular JSON error
// bodies, never reach clients.
func FriendlyMessage(err error) string {
	if err == nil {
		return ""
	}

	reason := ClassifyError(err)
	message := err.Error()
	if providerErr, ok := GetProviderError(err); ok {
		reason = providerErr.Reason
		message = providerErr.Message
	}

	switch reason {
	case ReasonRateLimit:
		return "The model provider is busy right now. Please try again in a moment."
	case ReasonAuth:
		return "Authentication with the model provider failed. Check the configured API key."
	case ReasonOverloaded:
		return "The model provider is overloaded. Please try again shortly."
	case ReasonTimeout:
		return "The request to the model provider timed out. Please try again."
	case ReasonConnection:
		return "Could not connect to the model provider. Check the network and try again."
	case ReasonBilling:
		return "The model provider rejected the request over account limits. Check the plan and billing settings."
	case ReasonModelUnavailable:
		return "The requested model is not available. Check the agent's model configuration."
	}

	if message == "" || looksLikeJSON(message) {
		return "The model provider returned an unexpected error. Please try again."
	}
	return message
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}
