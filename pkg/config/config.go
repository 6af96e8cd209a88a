// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	// ErrNilPointer is returned when Load receives a nil target.
	ErrNilPointer = errors.New("config: nil pointer")

	// ErrParsingConfig wraps environment parsing failures.
	ErrParsingConfig = errors.New("config: failed to parse environment")

	// ErrInvalidConfig is returned by Validate.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

var dotenvLoaded sync.Once

// Load parses environment variables into v according to its `env` struct tags.
// The .env file of the working directory is read once, if present; variables
// already set in the environment win over the file.
//
// Example:
//
//	type ServerConfig struct {
//		Addr string `env:"HTTP_ADDR" envDefault:":8080"`
//	}
//
//	var cfg ServerConfig
//	if err := config.Load(&cfg); err != nil {
//		// Handle error
//	}
func Load[T any](v *T, files ...string) error {
	if v == nil {
		return ErrNilPointer
	}
	dotenvLoaded.Do(func() {
		// The .env file is optional.
		_ = godotenv.Load()
	})
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return fmt.Errorf("config: load env files: %w", err)
		}
	}
	if err := env.Parse(v); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// Config is the configuration of a subscription server process.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`

	// Provider selects the billing provider: "square" or "stripe".
	Provider string `env:"BILLING_PROVIDER" envDefault:"square"`
	Square   Square `envPrefix:"SQUARE_"`
	Stripe   Stripe `envPrefix:"STRIPE_"`

	// Storage selects the record store: "memory", "postgres", "redis" or "firestore".
	Storage   string    `env:"STORAGE" envDefault:"memory"`
	Postgres  Postgres  `envPrefix:"POSTGRES_"`
	Redis     Redis     `envPrefix:"REDIS_"`
	Firestore Firestore `envPrefix:"FIRESTORE_"`

	Subscriptions Subscriptions `envPrefix:"SUBSCRIPTIONS_"`
	Webhook       Webhook       `envPrefix:"WEBHOOK_"`
}

// Square configures the Square billing provider.
type Square struct {
	AccessToken  string        `env:"ACCESS_TOKEN"`
	LocationID   string        `env:"LOCATION_ID"`
	SignatureKey string        `env:"SIGNATURE_KEY"`
	BaseURL      string        `env:"BASE_URL"`
	Sandbox      bool          `env:"SANDBOX" envDefault:"false"`
	APIVersion   string        `env:"API_VERSION"`
	Timeout      time.Duration `env:"TIMEOUT" envDefault:"15s"`
}

// Stripe configures the Stripe billing provider.
type Stripe struct {
	APIKey            string `env:"API_KEY"`
	WebhookSecret     string `env:"WEBHOOK_SECRET"`
	ProrationBehavior string `env:"PRORATION_BEHAVIOR" envDefault:"none"`
}

// Postgres configures the PostgreSQL record store.
type Postgres struct {
	DSN       string `env:"DSN"`
	TableName string `env:"TABLE" envDefault:"subscription_records"`
	MaxConns  int32  `env:"MAX_CONNS" envDefault:"10"`
}

// Redis configures the Redis record store.
type Redis struct {
	Addr      string `env:"ADDR" envDefault:"localhost:6379"`
	Password  string `env:"PASSWORD"`
	DB        int    `env:"DB" envDefault:"0"`
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"subsync:"`
}

// Firestore configures the Firestore record store.
type Firestore struct {
	ProjectID  string `env:"PROJECT_ID"`
	Collection string `env:"COLLECTION" envDefault:"billing_records"`
}

// Subscriptions configures the subscription manager.
type Subscriptions struct {
	GraceDays        int           `env:"GRACE_DAYS" envDefault:"7"`
	MaxUpdateRetries int           `env:"MAX_UPDATE_RETRIES" envDefault:"3"`
	RetryInterval    time.Duration `env:"RETRY_INTERVAL" envDefault:"10ms"`

	// BreakerThreshold opens the record store circuit breaker after this many
	// consecutive failures. Zero disables the breaker.
	BreakerThreshold    int           `env:"BREAKER_THRESHOLD" envDefault:"0"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`
}

// Webhook configures the billing webhook endpoint.
type Webhook struct {
	NotificationURL string `env:"NOTIFICATION_URL"`
	BodyLimit       int64  `env:"BODY_LIMIT" envDefault:"262144"`
	RateLimit       int    `env:"RATE_LIMIT" envDefault:"100"`
	TrustForwarded  bool   `env:"TRUST_FORWARDED" envDefault:"false"`
}

// FromEnv loads and validates a Config.
func FromEnv(files ...string) (*Config, error) {
	var cfg Config
	if err := Load(&cfg, files...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the selected provider and storage are configured.
func (c *Config) Validate() error {
	var errs []error
	switch c.Provider {
	case "square":
		if c.Square.AccessToken == "" {
			errs = append(errs, errors.New("SQUARE_ACCESS_TOKEN is required"))
		}
		if c.Square.LocationID == "" {
			errs = append(errs, errors.New("SQUARE_LOCATION_ID is required"))
		}
	case "stripe":
		if c.Stripe.APIKey == "" {
			errs = append(errs, errors.New("STRIPE_API_KEY is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BILLING_PROVIDER %q", c.Provider))
	}

	switch c.Storage {
	case "memory":
	case "postgres":
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required"))
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required"))
		}
	case "firestore":
		if c.Firestore.ProjectID == "" {
			errs = append(errs, errors.New("FIRESTORE_PROJECT_ID is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE %q", c.Storage))
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}
