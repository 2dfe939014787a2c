// ABOUTME: Error taxonomy for the LLM capability with per-type retryability.
// ABOUTME: Defines CapabilityError and its rate-limit, unavailable, and configuration subtypes.
package llm

// CapabilityError is the base error type for all LLM capability failures.
// Subtypes embed it and override IsRetryable.
type CapabilityError struct {
	Message string
	Cause   error
}

func (e *CapabilityError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *CapabilityError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns false for the base CapabilityError. Subtypes override this.
func (e *CapabilityError) IsRetryable() bool {
	return false
}

// RateLimitError represents a rate-limit rejection from the provider. Retryable.
// RetryAfter, when non-nil, is the provider's suggested wait in seconds.
type RateLimitError struct {
	CapabilityError
	RetryAfter *float64
}

func (e *RateLimitError) Error() string     { return e.CapabilityError.Error() }
func (e *RateLimitError) Unwrap() error     { return e.CapabilityError.Unwrap() }
func (e *RateLimitError) IsRetryable() bool { return true }

// UnavailableError represents a transient provider failure: server errors,
// network failures, timeouts, empty responses. Retryable.
type UnavailableError struct {
	CapabilityError
}

func (e *UnavailableError) Error() string     { return e.CapabilityError.Error() }
func (e *UnavailableError) Unwrap() error     { return e.CapabilityError.Unwrap() }
func (e *UnavailableError) IsRetryable() bool { return true }

// ConfigurationError represents a capability misconfiguration: missing API
// key, invalid credentials, unknown provider. Reported at first use and never
// retried.
type ConfigurationError struct {
	CapabilityError
}

func (e *ConfigurationError) Error() string     { return e.CapabilityError.Error() }
func (e *ConfigurationError) Unwrap() error     { return e.CapabilityError.Unwrap() }
func (e *ConfigurationError) IsRetryable() bool { return false }

// IsRetryable reports whether an error advertises itself as retryable.
// Errors outside the capability taxonomy are not retried.
func IsRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}
	return false
}
