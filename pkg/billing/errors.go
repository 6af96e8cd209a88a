package billing

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrSubscriptionNotFound is returned when a subscription cannot be found in the provider
	ErrSubscriptionNotFound = errors.New("subscription not found in billing provider")

	// ErrNotSupported is returned when a provider doesn't support an operation
	ErrNotSupported = errors.New("operation not supported by this provider")

	// ErrUnknownOutcome is returned when a write request timed out or the connection
	// dropped after the request may already have been accepted by the provider.
	// Callers must re-read provider state instead of retrying.
	ErrUnknownOutcome = errors.New("billing provider request outcome unknown")
)

// Well-known provider error codes, normalized across providers.
const (
	CodeNotFound          = "NOT_FOUND"
	CodeCardDeclined      = "CARD_DECLINED"
	CodeInvalidCard       = "INVALID_CARD"
	CodeAlreadyCanceled   = "SUBSCRIPTION_ALREADY_CANCELED"
	CodeSwapPending       = "SUBSCRIPTION_SWAP_PENDING"
	CodeIdempotencyReused = "IDEMPOTENCY_KEY_REUSED"
)

// APIError is a rejection returned by the provider API. It preserves the
// provider-supplied category, code and human readable detail.
type APIError struct {
	Provider   string
	StatusCode int
	Category   string
	Code       string
	Detail     string
	Field      string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: api error (status %d)", e.Provider, e.StatusCode)
	if e.Code != "" {
		fmt.Fprintf(&b, " %s", e.Code)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	}
	return b.String()
}

// Is makes errors.Is(err, ErrProviderAPIError) hold for every APIError.
func (e *APIError) Is(target error) bool {
	return target == ErrProviderAPIError
}

// NotFound reports whether the provider answered 404 or a NOT_FOUND code.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.Code == CodeNotFound
}

// AsAPIError unwraps err into an *APIError.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
