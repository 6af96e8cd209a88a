// Package square implements billing.Provider against the Square Subscriptions API.
//
// Read calls (retrieve, list, search) go through a retrying HTTP client. Write calls
// are sent exactly once: a write that fails in transit returns billing.ErrUnknownOutcome
// because the provider may already have applied it.
package square

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

const (
	providerName = "square"

	// DefaultBaseURL is the production API endpoint.
	DefaultBaseURL = "https://connect.squareup.com"
	// SandboxBaseURL is the sandbox API endpoint.
	SandboxBaseURL = "https://connect.squareupsandbox.com"
	// DefaultAPIVersion is sent as Square-Version.
	DefaultAPIVersion = "2025-01-23"

	defaultReadRetries = 3
	defaultRetryWait   = 200 * time.Millisecond
	maxResponseBytes   = 4 << 20
)

// Config configures the Square provider.
type Config struct {
	billing.Config

	// LocationID is the seller location subscriptions and orders are created at.
	LocationID string

	// APIVersion overrides DefaultAPIVersion.
	APIVersion string

	// ReadRetries bounds retries of read calls. Zero uses the default, negative disables.
	ReadRetries int

	// RetryWait is the minimum wait between read retries.
	RetryWait time.Duration
}

// Provider implements billing.Provider for Square.
type Provider struct {
	baseURL      string
	apiKey       string
	apiVersion   string
	locationID   string
	signatureKey []byte
	writer       *http.Client
	reader       *retryablehttp.Client
	metrics      billing.Metrics
}

var _ billing.Provider = (*Provider)(nil)

// New creates a Square provider.
func New(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if strings.HasPrefix(strings.ToLower(apiKey), "bearer ") {
		apiKey = strings.TrimSpace(apiKey[len("bearer "):])
	}
	if apiKey == "" || strings.TrimSpace(config.LocationID) == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	version := config.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}

	client := config.Client()

	retries := config.ReadRetries
	switch {
	case retries == 0:
		retries = defaultReadRetries
	case retries < 0:
		retries = 0
	}
	wait := config.RetryWait
	if wait <= 0 {
		wait = defaultRetryWait
	}

	reader := retryablehttp.NewClient()
	reader.HTTPClient = client
	reader.RetryMax = retries
	reader.RetryWaitMin = wait
	reader.RetryWaitMax = 10 * wait
	reader.Logger = nil
	// Hand the last response back so API errors keep their body.
	reader.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Provider{
		baseURL:      baseURL,
		apiKey:       apiKey,
		apiVersion:   version,
		locationID:   strings.TrimSpace(config.LocationID),
		signatureKey: []byte(strings.TrimSpace(config.WebhookSecret)),
		writer:       client,
		reader:       reader,
		metrics:      config.MetricsOrNoop(),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// request describes one API call. endpoint is the templated path used as metrics label.
type request struct {
	method   string
	path     string
	endpoint string
	body     any
	write    bool
}

func (p *Provider) do(ctx context.Context, r request, out any) error {
	var payload []byte
	if r.body != nil {
		var err error
		payload, err = json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("square: encode %s: %w", r.endpoint, err)
		}
	}

	start := time.Now()
	var (
		res *http.Response
		err error
	)
	if r.write {
		res, err = p.send(ctx, r, payload)
	} else {
		res, err = p.fetch(ctx, r, payload)
	}
	if err != nil {
		p.record(r.endpoint, "error", start)
		if r.write {
			return fmt.Errorf("%w: %s %s: %v", billing.ErrUnknownOutcome, r.method, r.endpoint, err)
		}
		return fmt.Errorf("square: %s %s: %w", r.method, r.endpoint, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	p.record(r.endpoint, strconv.Itoa(res.StatusCode), start)
	if err != nil {
		if r.write {
			return fmt.Errorf("%w: %s %s: read response: %v", billing.ErrUnknownOutcome, r.method, r.endpoint, err)
		}
		return fmt.Errorf("square: read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return parseAPIError(res.StatusCode, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("square: decode %s: %w", r.endpoint, err)
	}
	return nil
}

func (p *Provider) send(ctx context.Context, r request, payload []byte) (*http.Response, error) {
	body := io.Reader(http.NoBody)
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, p.baseURL+r.path, body)
	if err != nil {
		return nil, err
	}
	p.setHeaders(req.Header, payload != nil)
	return p.writer.Do(req)
}

func (p *Provider) fetch(ctx context.Context, r request, payload []byte) (*http.Response, error) {
	var raw any
	if payload != nil {
		raw = payload
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, r.method, p.baseURL+r.path, raw)
	if err != nil {
		return nil, err
	}
	p.setHeaders(req.Header, payload != nil)
	return p.reader.Do(req)
}

func (p *Provider) setHeaders(h http.Header, hasBody bool) {
	h.Set("Authorization", "Bearer "+p.apiKey)
	h.Set("Square-Version", p.apiVersion)
	h.Set("Accept", "application/json")
	if hasBody {
		h.Set("Content-Type", "application/json")
	}
}

func (p *Provider) record(endpoint, status string, start time.Time) {
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}

type errorResponse struct {
	Errors []struct {
		Category string `json:"category"`
		Code     string `json:"code"`
		Detail   string `json:"detail"`
		Field    string `json:"field"`
	} `json:"errors"`
}

// parseAPIError keeps the first error's category, code and field; details of all
// errors are joined.
func parseAPIError(status int, body []byte) *billing.APIError {
	apiErr := &billing.APIError{Provider: providerName, StatusCode: status}

	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Errors) == 0 {
		detail := strings.TrimSpace(string(body))
		if len(detail) > 200 {
			detail = detail[:200]
		}
		apiErr.Detail = detail
		return apiErr
	}

	first := resp.Errors[0]
	apiErr.Category = first.Category
	apiErr.Code = first.Code
	apiErr.Field = first.Field

	details := make([]string, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		if e.Detail != "" {
			details = append(details, e.Detail)
		}
	}
	apiErr.Detail = strings.Join(details, "; ")
	return apiErr
}
