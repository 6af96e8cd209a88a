// Package fiber provides Fiber middleware that authenticates callers and gates
// routes on the caller's subscription state.
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

// UserIDKey is the Fiber locals key the authenticated user id is stored under.
const UserIDKey = "UserID"

// CredentialExtractor extracts the caller credential from a Fiber context
// Return empty string if no credential was sent
type CredentialExtractor func(c *fiber.Ctx) string

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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnInactive is called when the caller has no entitled subscription
	// If nil, returns 402 Payment Required
	OnInactive func(c *fiber.Ctx, view *subsync.StatusView) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Authenticate creates a Fiber middleware that resolves the caller through the
// IdentityProvider. The identity is stored in the user context and the user id
// in Locals under UserIDKey.
func Authenticate(cfg Config) fiber.Handler {
	if cfg.Identity == nil {
		panic("gosubsync/fiber: Config.Identity is required")
	}
	if cfg.GetCredential == nil {
		cfg.GetCredential = BearerToken()
	}

	return func(c *fiber.Ctx) error {
		credential := cfg.GetCredential(c)
		if credential == "" {
			return unauthorized(cfg, c)
		}
		ctx := c.UserContext()
		id, err := cfg.Identity.Authenticate(ctx, credential)
		if err != nil || id == nil || id.UserID == "" {
			return unauthorized(cfg, c)
		}

		if cfg.Manager != nil {
			if _, err := cfg.Manager.EnsureRecord(ctx, id.UserID, id.Email); err != nil {
				return internalError(cfg, c, err)
			}
		}

		c.SetUserContext(subsync.WithIdentity(ctx, id))
		c.Locals(UserIDKey, id.UserID)
		return c.Next()
	}
}

// RequireSubscription creates a Fiber middleware that rejects callers whose
// subscription is neither active nor canceled within the grace window.
func RequireSubscription(cfg Config) fiber.Handler {
	if cfg.Manager == nil {
		panic("gosubsync/fiber: Config.Manager is required")
	}

	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
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
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"error":              "subscription required",
				"subscriptionStatus": view.Record.Status,
			})
		}
		return c.Next()
	}
}

func unauthorized(cfg Config, c *fiber.Ctx) error {
	if cfg.OnUnauthorized != nil {
		return cfg.OnUnauthorized(c)
	}
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func internalError(cfg Config, c *fiber.Ctx, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for credentials

// BearerToken returns a CredentialExtractor reading "Authorization: Bearer <token>"
func BearerToken() CredentialExtractor {
	return func(c *fiber.Ctx) string {
		return subsync.BearerToken(c.Get(fiber.HeaderAuthorization))
	}
}

// FromHeader returns a CredentialExtractor that reads a header
func FromHeader(headerName string) CredentialExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromQuery returns a CredentialExtractor that reads a query parameter
func FromQuery(queryName string) CredentialExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}

// FromCookie returns a CredentialExtractor that reads a cookie
func FromCookie(name string) CredentialExtractor {
	return func(c *fiber.Ctx) string {
		return c.Cookies(name)
	}
}
