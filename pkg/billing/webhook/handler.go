// Package webhook serves the billing provider notification endpoint.
//
// A notification is verified against the raw body and the candidate notification
// URLs, then handed to the reconciler. Once verified it is always acknowledged with
// 200; reconciliation failures surface through logs and metrics only.
package webhook

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/mihaimyh/gosubsync/pkg/billing"
	"github.com/mihaimyh/gosubsync/pkg/billing/internal"
	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

const (
	// Path is the conventional mount point of the handler.
	Path = "/webhooks/billing"

	defaultRateLimitRequests = 100
	defaultRateLimitWindow   = time.Minute
)

// Config configures the webhook handler.
type Config struct {
	// NotificationURL is the URL registered with the provider. It is tried first
	// when verifying signatures.
	NotificationURL string

	// BodyLimit caps the request body. Defaults to 256KB.
	BodyLimit int64

	// RateLimit requests per RateLimitWindow per client IP. Defaults to 100/min,
	// negative disables limiting.
	RateLimit       int
	RateLimitWindow time.Duration

	// TrustForwarded makes rate limiting and URL reconstruction honor
	// X-Forwarded-* headers.
	TrustForwarded bool

	Logger  subsync.Logger
	Metrics billing.Metrics
	Now     func() time.Time
}

// Handler verifies and reconciles provider notifications.
type Handler struct {
	provider   billing.Provider
	reconciler *subsync.Reconciler
	config     Config
	logger     subsync.Logger
	metrics    billing.Metrics
	limiter    *internal.RateLimiter
}

// New creates a webhook handler for the manager's provider.
func New(manager *subsync.Manager, config Config) (*Handler, error) {
	if manager == nil || manager.Provider() == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if config.BodyLimit <= 0 {
		config.BodyLimit = internal.DefaultBodyLimit
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaultRateLimitRequests
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = defaultRateLimitWindow
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	h := &Handler{
		provider:   manager.Provider(),
		reconciler: subsync.NewReconciler(manager),
		config:     config,
		logger:     config.Logger,
		metrics:    config.Metrics,
	}
	if h.logger == nil {
		h.logger = &subsync.NoopLogger{}
	}
	if h.metrics == nil {
		h.metrics = &billing.NoopMetrics{}
	}
	if config.RateLimit > 0 {
		h.limiter = internal.NewRateLimiter(config.RateLimit, config.RateLimitWindow)
		h.limiter.TrustForwarded = config.TrustForwarded
	}
	return h, nil
}

// HTTPHandler returns the endpoint wrapped with per-IP rate limiting.
func (h *Handler) HTTPHandler() http.Handler {
	if h.limiter == nil {
		return h
	}
	return h.limiter.Middleware(h)
}

// ServeHTTP handles one notification.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := h.config.Now()
	name := h.provider.Name()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, h.config.BodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.metrics.RecordWebhookError(name, "payload_too_large")
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.metrics.RecordWebhookError(name, "invalid_payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	urls := CandidateURLs(r, h.config.NotificationURL, h.config.TrustForwarded)
	event, err := h.provider.VerifyWebhook(r.Context(), billing.WebhookRequest{
		Body:       body,
		Header:     r.Header,
		URLs:       urls,
		ReceivedAt: start,
	})
	switch {
	case err == nil:
	case errors.Is(err, billing.ErrInvalidWebhookSignature):
		h.logger.Warn("rejected webhook with invalid signature",
			subsync.Field{Key: "provider", Value: name},
			subsync.Field{Key: "remote_addr", Value: r.RemoteAddr},
			subsync.Field{Key: "candidate_urls", Value: urls},
			subsync.Field{Key: "headers", Value: flattenHeaders(r.Header)},
			subsync.Field{Key: "body", Value: string(body)},
		)
		h.metrics.RecordWebhookError(name, "auth_failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	case errors.Is(err, billing.ErrInvalidWebhookPayload):
		h.logger.Warn("rejected malformed webhook", subsync.Field{Key: "error", Value: err})
		h.metrics.RecordWebhookError(name, "invalid_payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	default:
		h.logger.Error("webhook verification unavailable", subsync.Field{Key: "error", Value: err})
		h.metrics.RecordWebhookError(name, "verification_error")
		http.Error(w, "webhook verification unavailable", http.StatusServiceUnavailable)
		return
	}

	eventType := event.RawType
	if eventType == "" {
		eventType = string(event.Type)
	}

	outcome, err := h.reconciler.Reconcile(r.Context(), event)
	if err != nil {
		h.logger.Error("webhook reconciliation failed",
			subsync.Field{Key: "provider", Value: name},
			subsync.Field{Key: "event_id", Value: event.ID},
			subsync.Field{Key: "event_type", Value: eventType},
			subsync.Field{Key: "customer_id", Value: event.CustomerID},
			subsync.Field{Key: "error", Value: err},
		)
		h.metrics.RecordWebhookError(name, "processing_error")
	}

	h.metrics.RecordWebhookEvent(name, eventType, string(outcome))
	h.metrics.RecordWebhookProcessingDuration(name, eventType, h.config.Now().Sub(start))

	_ = internal.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "received",
		"outcome": string(outcome),
	})
}

// CandidateURLs returns the notification URLs a signature may have been computed
// over, canonical first: the forwarded scheme and host, then the request host over
// https and http, each with and without a trailing slash.
func CandidateURLs(r *http.Request, canonical string, trustForwarded bool) []string {
	var urls []string
	if canonical != "" {
		urls = append(urls, canonical)
	}

	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if trustForwarded {
		if proto := firstValue(r.Header.Get("X-Forwarded-Proto")); proto != "" {
			scheme = strings.ToLower(proto)
		}
		if fh := firstValue(r.Header.Get("X-Forwarded-Host")); fh != "" {
			host = fh
		}
	}

	bases := []string{scheme + "://" + host}
	if host != r.Host {
		bases = append(bases, "https://"+r.Host, "http://"+r.Host)
	} else {
		bases = append(bases, "https://"+host, "http://"+host)
	}
	for _, base := range bases {
		urls = append(urls, base+path, toggleSlash(base+path))
	}
	if canonical != "" {
		urls = append(urls, toggleSlash(canonical))
	}
	return lo.Uniq(urls)
}

func toggleSlash(u string) string {
	query := ""
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u, query = u[:i], u[i:]
	}
	if strings.HasSuffix(u, "/") {
		return strings.TrimSuffix(u, "/") + query
	}
	return u + "/" + query
}

func firstValue(v string) string {
	return strings.TrimSpace(strings.Split(v, ",")[0])
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
