package subsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

// Error kinds. Every *Error matches exactly one of them with errors.Is.
var (
	// ErrValidation is bad caller input; never retried.
	ErrValidation = errors.New("validation error")

	// ErrForbidden is returned when the caller does not own the resource.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned when the user record or remote resource is missing.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned for state collisions, see ConflictReason.
	ErrConflict = errors.New("conflict")

	// ErrProvider is returned when the billing provider rejected or errored.
	ErrProvider = errors.New("billing provider error")

	// ErrSignature is returned when a webhook could not be authenticated.
	ErrSignature = errors.New("webhook signature error")

	// ErrUnknownOutcome is returned when a provider write may or may not have been
	// applied. Callers must re-query state instead of retrying.
	ErrUnknownOutcome = errors.New("unknown outcome")
)

// Named operation failures.
var (
	ErrCatalogUnavailable          = errors.New("catalog unavailable")
	ErrIdentityResolutionFailed    = errors.New("identity resolution failed")
	ErrDuplicateActiveSubscription = errors.New("duplicate active subscription")
	ErrPaymentMethodRejected       = errors.New("payment method rejected")
	ErrProviderRequestFailed       = errors.New("provider request failed")
)

// ConflictReason qualifies ErrConflict.
type ConflictReason string

const (
	ConflictDuplicateActive      ConflictReason = "duplicate_active_subscription"
	ConflictSwapPending          ConflictReason = "swap_pending"
	ConflictSamePlan             ConflictReason = "same_plan"
	ConflictConcurrentUpdate     ConflictReason = "concurrent_update"
	ConflictSubscriptionInactive ConflictReason = "subscription_inactive"
)

// Error is the structured error returned by Manager and Reconciler operations.
type Error struct {
	// Kind is one of the kind sentinels (ErrValidation, ErrConflict, ...), or
	// ErrStorageUnavailable for record store failures.
	Kind error
	// Named is an optional operation failure (ErrPaymentMethodRejected, ...).
	Named  error
	Reason ConflictReason
	Op     string

	// Code and Detail carry the provider-supplied error code and message.
	Code   string
	Detail string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Named != nil {
		b.WriteString(e.Named.Error())
	} else {
		b.WriteString(e.Kind.Error())
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " (%s)", e.Reason)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == e.Kind || (e.Named != nil && target == e.Named)
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func validationError(op, detail string) *Error {
	return &Error{Kind: ErrValidation, Op: op, Detail: detail}
}

func conflictError(op string, reason ConflictReason, named error) *Error {
	return &Error{Kind: ErrConflict, Named: named, Op: op, Reason: reason}
}

// providerError wraps a provider failure, preserving code and detail. Write calls
// that timed out become ErrUnknownOutcome.
func providerError(op string, named error, err error) *Error {
	if isUnknownOutcome(err) {
		return &Error{Kind: ErrUnknownOutcome, Op: op, Err: err}
	}
	e := &Error{Kind: ErrProvider, Named: named, Op: op, Err: err}
	if apiErr, ok := billing.AsAPIError(err); ok {
		e.Code = apiErr.Code
		e.Detail = apiErr.Detail
	}
	return e
}

func isUnknownOutcome(err error) bool {
	return errors.Is(err, billing.ErrUnknownOutcome) || errors.Is(err, context.DeadlineExceeded)
}

// ReasonOf returns the conflict reason carried by err, if any.
func ReasonOf(err error) ConflictReason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// HTTPStatus maps an error to the HTTP status an API surface should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrSignature), errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrPaymentMethodRejected):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnknownOutcome):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrCatalogUnavailable), errors.Is(err, ErrCircuitOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
