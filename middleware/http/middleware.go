// Package http provides net/http middleware that authenticates callers and gates
// routes on the caller's subscription state.
package http

import (
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

// CredentialExtractor extracts the caller credential from an HTTP request.
// Return empty string if no credential was sent
type CredentialExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Identity authenticates credentials (required by Authenticate)
	Identity subsync.IdentityProvider

	// GetCredential extracts the credential (default: bearer token)
	GetCredential CredentialExtractor

	// Manager is the subscription manager (required by RequireSubscription).
	// When set, Authenticate also makes sure the caller has a record.
	Manager *subsync.Manager

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnInactive is called when the caller has no active or grace-period subscription
	// If nil, returns 402 Payment Required with the subscription status
	OnInactive func(w http.ResponseWriter, r *http.Request, view *subsync.StatusView)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Authenticate creates an HTTP middleware that resolves the caller through the
// IdentityProvider and stores the identity in the request context.
func Authenticate(config Config) func(http.Handler) http.Handler {
	if config.GetCredential == nil {
		config.GetCredential = BearerToken()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := config.GetCredential(r)
			if credential == "" {
				unauthorized(config, w, r)
				return
			}
			id, err := config.Identity.Authenticate(r.Context(), credential)
			if err != nil || id == nil || id.UserID == "" {
				unauthorized(config, w, r)
				return
			}

			ctx := r.Context()
			if config.Manager != nil {
				if _, err := config.Manager.EnsureRecord(ctx, id.UserID, id.Email); err != nil {
					internalError(config, w, r, err)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(subsync.WithIdentity(ctx, id)))
		})
	}
}

// RequireSubscription creates an HTTP middleware that only lets callers through
// whose subscription is active or canceled within the grace window. It must run
// after Authenticate.
func RequireSubscription(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := subsync.UserIDFromContext(r.Context())
			if userID == "" {
				unauthorized(config, w, r)
				return
			}
			view, err := config.Manager.Status(r.Context(), userID)
			if err != nil {
				internalError(config, w, r, err)
				return
			}
			if !view.Entitled() {
				if config.OnInactive != nil {
					config.OnInactive(w, r, view)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusPaymentRequired)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":              "subscription required",
					"subscriptionStatus": string(view.Record.Status),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc wraps a HandlerFunc with Authenticate (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Authenticate(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func unauthorized(config Config, w http.ResponseWriter, r *http.Request) {
	if config.OnUnauthorized != nil {
		config.OnUnauthorized(w, r)
		return
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

func internalError(config Config, w http.ResponseWriter, r *http.Request, err error) {
	if config.OnError != nil {
		config.OnError(w, r, err)
		return
	}
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

// Common extractors for convenience

// BearerToken returns a CredentialExtractor reading "Authorization: Bearer <token>"
func BearerToken() CredentialExtractor {
	return func(r *http.Request) string {
		return subsync.BearerToken(r.Header.Get("Authorization"))
	}
}

// FromHeader returns a CredentialExtractor that reads a header
func FromHeader(headerName string) CredentialExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromCookie returns a CredentialExtractor that reads a session cookie
func FromCookie(name string) CredentialExtractor {
	return func(r *http.Request) string {
		c, err := r.Cookie(name)
		if err != nil {
			return ""
		}
		return c.Value
	}
}
