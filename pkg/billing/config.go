package billing

import (
	"net/http"
	"time"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// WebhookSecret is used to verify incoming webhook notifications
	// (Square signature key, Stripe endpoint secret).
	WebhookSecret string

	// BaseURL overrides the provider API endpoint (sandbox, tests).
	BaseURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	// Allows custom timeouts, proxies, or instrumentation (e.g., OpenTelemetry).
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics
}

// DefaultTimeout is used when Config.HTTPClient is nil.
const DefaultTimeout = 10 * time.Second

// Client returns the configured HTTP client or a default one.
func (c Config) Client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: DefaultTimeout}
}

// MetricsOrNoop returns the configured metrics or a no-op collector.
func (c Config) MetricsOrNoop() Metrics {
	if c.Metrics != nil {
		return c.Metrics
	}
	return &NoopMetrics{}
}
