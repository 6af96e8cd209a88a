package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/gosubsync/pkg/billing/webhook"
	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

// Config holds configuration for the subscription API handler
type Config struct {
	// Manager is the subscription manager instance (required)
	Manager *subsync.Manager

	// GetUserID extracts the authenticated user ID from an HTTP request.
	// If nil, the identity stored by the authentication middleware is used.
	GetUserID func(*http.Request) string

	// GetSubscriptionID extracts the {id} path parameter.
	// If nil, the chi URL parameter "id" is used.
	GetSubscriptionID func(*http.Request) string

	// IdentityProvider authenticates the bearer token of each request when set.
	// Use it when no authentication middleware runs in front of the router.
	IdentityProvider subsync.IdentityProvider

	// Webhook mounts the billing webhook at webhook.Path when set.
	// The webhook route is never authenticated.
	Webhook *webhook.Handler

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for request failures (default: NoopLogger)
	Logger subsync.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	return nil
}

// NewHandler creates a new subscription API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetUserID == nil {
		config.GetUserID = FromIdentity()
	}
	if config.GetSubscriptionID == nil {
		config.GetSubscriptionID = FromURLParam("id")
	}
	if config.Logger == nil {
		config.Logger = &subsync.NoopLogger{}
	}
	return &Handler{
		config:   config,
		validate: validator.New(),
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromURLParam returns an extractor reading a chi route parameter
func FromURLParam(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return chi.URLParam(r, name)
	}
}

// FromIdentity returns a GetUserID function reading the caller stored with
// subsync.WithIdentity by the middleware packages.
func FromIdentity() func(*http.Request) string {
	return func(r *http.Request) string {
		return subsync.UserIDFromContext(r.Context())
	}
}
