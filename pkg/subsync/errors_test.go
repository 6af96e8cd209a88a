package subsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", validationError("op", "bad"), http.StatusBadRequest},
		{"forbidden", newError(ErrForbidden, "op", nil), http.StatusForbidden},
		{"not found", newError(ErrNotFound, "op", nil), http.StatusNotFound},
		{"conflict", conflictError("op", ConflictSwapPending, nil), http.StatusConflict},
		{"signature", newError(ErrSignature, "op", nil), http.StatusUnauthorized},
		{"payment", providerError("op", ErrPaymentMethodRejected, errors.New("declined")), http.StatusPaymentRequired},
		{"unknown outcome", providerError("op", ErrProviderRequestFailed, billing.ErrUnknownOutcome), http.StatusGatewayTimeout},
		{"deadline", providerError("op", ErrProviderRequestFailed, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"provider", providerError("op", ErrProviderRequestFailed, errors.New("boom")), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("handler: %w", newError(ErrNotFound, "op", nil)), http.StatusNotFound},
		{"plain", errors.New("x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestProviderError_PreservesAPIDetail(t *testing.T) {
	apiErr := &billing.APIError{Provider: "square", StatusCode: 400, Category: "INVALID_REQUEST_ERROR", Code: "INVALID_VALUE", Detail: "Bad plan"}
	err := providerError("swap_plan", ErrProviderRequestFailed, apiErr)

	if err.Code != "INVALID_VALUE" || err.Detail != "Bad plan" {
		t.Errorf("unexpected code/detail %q/%q", err.Code, err.Detail)
	}
	if !errors.Is(err, ErrProvider) || !errors.Is(err, ErrProviderRequestFailed) {
		t.Error("expected kind and named error to match")
	}
	if !errors.Is(err, billing.ErrProviderAPIError) {
		t.Error("expected wrapped APIError to match ErrProviderAPIError")
	}
	if got := err.Error(); got != "swap_plan: provider request failed: Bad plan" {
		t.Errorf("Error() = %q", got)
	}
}

func TestReasonOf(t *testing.T) {
	if r := ReasonOf(conflictError("op", ConflictSamePlan, nil)); r != ConflictSamePlan {
		t.Errorf("ReasonOf = %q", r)
	}
	if r := ReasonOf(errors.New("x")); r != "" {
		t.Errorf("ReasonOf plain error = %q", r)
	}
}

func TestAlreadyCanceled(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantOK   bool
		wantDate string
	}{
		{"structured code", &billing.APIError{Code: billing.CodeAlreadyCanceled}, true, ""},
		{"message with date", &billing.APIError{Detail: "Subscription already has a pending cancel date of 2024-06-30"}, true, "2024-06-30"},
		{"unrelated api error", &billing.APIError{Detail: "Invalid card"}, false, ""},
		{"non api error", errors.New("already canceled"), false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := alreadyCanceled(tt.err)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got := billing.FormatDate(d); got != tt.wantDate {
				t.Errorf("date = %q, want %q", got, tt.wantDate)
			}
		})
	}
}
