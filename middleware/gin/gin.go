// Package gin provides Gin middleware that authenticates callers and gates routes
// on the caller's subscription state.
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

// UserIDKey is the Gin context key the authenticated user id is stored under.
const UserIDKey = "UserID"

// CredentialExtractor extracts the caller credential from a Gin context
// Return empty string if no credential was sent
type CredentialExtractor func(c *gongin.Context) string

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
	OnUnauthorized func(c *gongin.Context)

	// OnInactive is called when the caller has no entitled subscription
	// If nil, returns 402 Payment Required
	OnInactive func(c *gongin.Context, view *subsync.StatusView)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Authenticate creates a Gin middleware that resolves the caller through the
// IdentityProvider. The identity is stored in the request context and the user
// id under UserIDKey.
func Authenticate(cfg Config) gongin.HandlerFunc {
	if cfg.Identity == nil {
		panic("gosubsync/gin: Config.Identity is required")
	}
	if cfg.GetCredential == nil {
		cfg.GetCredential = BearerToken()
	}

	return func(c *gongin.Context) {
		credential := cfg.GetCredential(c)
		if credential == "" {
			unauthorized(cfg, c)
			return
		}
		ctx := c.Request.Context()
		id, err := cfg.Identity.Authenticate(ctx, credential)
		if err != nil || id == nil || id.UserID == "" {
			unauthorized(cfg, c)
			return
		}

		if cfg.Manager != nil {
			if _, err := cfg.Manager.EnsureRecord(ctx, id.UserID, id.Email); err != nil {
				internalError(cfg, c, err)
				return
			}
		}

		c.Request = c.Request.WithContext(subsync.WithIdentity(ctx, id))
		c.Set(UserIDKey, id.UserID)
		c.Next()
	}
}

// RequireSubscription creates a Gin middleware that aborts requests from callers
// whose subscription is neither active nor canceled within the grace window.
func RequireSubscription(cfg Config) gongin.HandlerFunc {
	if cfg.Manager == nil {
		panic("gosubsync/gin: Config.Manager is required")
	}

	return func(c *gongin.Context) {
		userID := subsync.UserIDFromContext(c.Request.Context())
		if userID == "" {
			userID = c.GetString(UserIDKey)
		}
		if userID == "" {
			unauthorized(cfg, c)
			return
		}

		view, err := cfg.Manager.Status(c.Request.Context(), userID)
		if err != nil {
			internalError(cfg, c, err)
			return
		}
		if !view.Entitled() {
			if cfg.OnInactive != nil {
				cfg.OnInactive(c, view)
			} else {
				c.JSON(http.StatusPaymentRequired, gongin.H{
					"error":              "subscription required",
					"subscriptionStatus": view.Record.Status,
				})
			}
			c.Abort()
			return
		}
		c.Next()
	}
}

func unauthorized(cfg Config, c *gongin.Context) {
	if cfg.OnUnauthorized != nil {
		cfg.OnUnauthorized(c)
	} else {
		c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
	}
	c.Abort()
}

func internalError(cfg Config, c *gongin.Context, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
	} else {
		c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
	}
	c.Abort()
}

// Convenience extractors for credentials

// BearerToken returns a CredentialExtractor reading "Authorization: Bearer <token>"
func BearerToken() CredentialExtractor {
	return func(c *gongin.Context) string {
		return subsync.BearerToken(c.GetHeader("Authorization"))
	}
}

// FromHeader returns a CredentialExtractor that reads a header
func FromHeader(headerName string) CredentialExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromQuery returns a CredentialExtractor that reads a query parameter
func FromQuery(queryName string) CredentialExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}

// FromCookie returns a CredentialExtractor that reads a cookie
func FromCookie(name string) CredentialExtractor {
	return func(c *gongin.Context) string {
		v, err := c.Cookie(name)
		if err != nil {
			return ""
		}
		return v
	}
}
