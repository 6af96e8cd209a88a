// Package stripe adapts Stripe subscriptions to billing.Provider.
//
// Customers carry the local user id in metadata["user_id"]. Stripe has no order
// templates or relative plan pricing, so those calls return billing.ErrNotSupported.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

const (
	providerName = "stripe"

	// MetadataUserID is the customer metadata key holding the local user id.
	MetadataUserID = "user_id"
)

// Config extends billing.Config with Stripe-specific options.
type Config struct {
	billing.Config

	// ProrationBehavior is sent on plan swaps ("none", "create_prorations",
	// "always_invoice"). Defaults to "none".
	ProrationBehavior string
}

// Provider implements billing.Provider for Stripe.
type Provider struct {
	client        *stripe.Client
	webhookSecret string
	proration     string
	metrics       billing.Metrics
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a Stripe provider.
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	proration := config.ProrationBehavior
	if proration == "" {
		proration = "none"
	}
	return &Provider{
		client:        stripe.NewClient(apiKey),
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		proration:     proration,
		metrics:       config.MetricsOrNoop(),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// observe records an API call and converts its error.
func (p *Provider) observe(endpoint string, start time.Time, write bool, err error) error {
	status := "200"
	if err != nil {
		status = "error"
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode != 0 {
			status = strconv.Itoa(stripeErr.HTTPStatusCode)
		}
	}
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err == nil {
		return nil
	}
	return mapError(err, write)
}

// mapError turns a *stripe.Error into a billing.APIError. Writes that failed without
// an API answer have an unknown outcome.
func mapError(err error, write bool) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		if write || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", billing.ErrUnknownOutcome, err)
		}
		return fmt.Errorf("stripe: %w", err)
	}

	apiErr := &billing.APIError{
		Provider:   providerName,
		StatusCode: stripeErr.HTTPStatusCode,
		Category:   string(stripeErr.Type),
		Code:       string(stripeErr.Code),
		Detail:     stripeErr.Msg,
		Field:      stripeErr.Param,
	}
	switch stripeErr.Code {
	case stripe.ErrorCodeCardDeclined:
		apiErr.Code = billing.CodeCardDeclined
	case stripe.ErrorCodeResourceMissing:
		apiErr.Code = billing.CodeNotFound
	}
	return apiErr
}

func notFound(err error) bool {
	apiErr, ok := billing.AsAPIError(err)
	return ok && apiErr.NotFound()
}

func unixDate(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	d := billing.StartOfDayUTC(time.Unix(sec, 0))
	return &d
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
