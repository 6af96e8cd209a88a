package subsync

import (
	"time"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

// Config configures a Manager and a Reconciler.
type Config struct {
	// GraceDays is the number of days after cancellation during which access is
	// still granted (default: 7). The window includes the cancellation day and
	// its last day. A negative value disables it, so access ends on the
	// cancellation day.
	GraceDays int

	// MaxUpdateRetries bounds compare-and-swap retries on the record store
	// before a concurrent_update conflict is returned (default: 3).
	MaxUpdateRetries int

	// RetryInterval is the initial backoff between compare-and-swap retries
	// (default: 10ms).
	RetryInterval time.Duration

	// CircuitBreaker wraps the Record Store in a circuit breaker when set, so a
	// failing store is not hammered by every request and webhook.
	CircuitBreaker *CircuitBreakerConfig

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking reconciliation (default: billing.NoopMetrics)
	Metrics billing.Metrics

	// Now overrides the wall clock (tests).
	Now func() time.Time
}

const (
	defaultGraceDays        = 7
	defaultMaxUpdateRetries = 3
	defaultRetryInterval    = 10 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.GraceDays == 0 {
		c.GraceDays = defaultGraceDays
	}
	if c.MaxUpdateRetries <= 0 {
		c.MaxUpdateRetries = defaultMaxUpdateRetries
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &billing.NoopMetrics{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
