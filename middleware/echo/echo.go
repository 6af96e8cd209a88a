// Package echo provides Echo middleware that authenticates callers and gates
// routes on the caller's subscription state.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

// UserIDKey is the Echo context key the authenticated user id is stored under.
const UserIDKey = "UserID"

// CredentialExtractor extracts the caller credential from an Echo context
// Return empty string if no credential was sent
type CredentialExtractor func(c echo.Context) string

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
	OnUnauthorized func(c echo.Context) error

	// OnInactive is called when the caller has no entitled subscription
	// If nil, returns 402 Payment Required
	OnInactive func(c echo.Context, view *subsync.StatusView) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Authenticate creates an Echo middleware that resolves the caller through the
// IdentityProvider.
func Authenticate(cfg Config) echo.MiddlewareFunc {
	if cfg.Identity == nil {
		panic("gosubsync/echo: Config.Identity is required")
	}
	if cfg.GetCredential == nil {
		cfg.GetCredential = BearerToken()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			credential := cfg.GetCredential(c)
			if credential == "" {
				return unauthorized(cfg, c)
			}
			ctx := c.Request().Context()
			id, err := cfg.Identity.Authenticate(ctx, credential)
			if err != nil || id == nil || id.UserID == "" {
				return unauthorized(cfg, c)
			}

			if cfg.Manager != nil {
				if _, err := cfg.Manager.EnsureRecord(ctx, id.UserID, id.Email); err != nil {
					return internalError(cfg, c, err)
				}
			}

			c.SetRequest(c.Request().WithContext(subsync.WithIdentity(ctx, id)))
			c.Set(UserIDKey, id.UserID)
			return next(c)
		}
	}
}

// RequireSubscription creates an Echo middleware that rejects callers whose
// subscription is neither active nor canceled within the grace window.
func RequireSubscription(cfg Config) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("gosubsync/echo: Config.Manager is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			userID := subsync.UserIDFromContext(ctx)
			if userID == "" {
				return unauthorized(cfg, c)
			}

			view, err := cfg.Manager.Status(ctx, userID)
			if err != nil {
				return internalError(cfg, c, err)
			}
			if !view.Entitled() {
				if cfg.OnInactive != nil {
					return cfg.OnInactive(c, view)
				}
				return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
					"error":              "subscription required",
					"subscriptionStatus": view.Record.Status,
				})
			}
			return next(c)
		}
	}
}

func unauthorized(cfg Config, c echo.Context) error {
	if cfg.OnUnauthorized != nil {
		return cfg.OnUnauthorized(c)
	}
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func internalError(cfg Config, c echo.Context, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for credentials

// BearerToken returns a CredentialExtractor reading "Authorization: Bearer <token>"
func BearerToken() CredentialExtractor {
	return func(c echo.Context) string {
		return subsync.BearerToken(c.Request().Header.Get("Authorization"))
	}
}

// FromHeader returns a CredentialExtractor that reads a header
func FromHeader(headerName string) CredentialExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromQuery returns a CredentialExtractor that reads a query parameter
func FromQuery(queryName string) CredentialExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
