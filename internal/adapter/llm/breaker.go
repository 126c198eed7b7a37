package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"quill-ai/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	// If 0, failures never reset until the circuit opens.
	Interval time.Duration `yaml:"interval"`
}

// BreakerHandler wraps a StreamHandler with circuit breaker protection.
// When upstream requests fail repeatedly, the circuit opens and further
// calls fail fast before any network traffic, preventing retry storms.
// Retry and failover themselves stay with the caller; the breaker only
// decides whether a call is allowed to start.
type BreakerHandler struct {
	inner   *StreamHandler
	breaker *gobreaker.CircuitBreaker[uint64]
	logger  *slog.Logger
}

// NewBreakerHandler wraps inner with a circuit breaker.
// If cfg is zero-valued, sensible defaults are used.
func NewBreakerHandler(inner *StreamHandler, cfg CircuitBreakerConfig, logger *slog.Logger) *BreakerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[uint64](gobreaker.Settings{
		Name:        "llm:stream",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &BreakerHandler{inner: inner, breaker: cb, logger: logger}
}

// StreamCompletion routes the call through the circuit breaker. An open
// circuit fails fast without emitting events; the caller sees the error
// directly, never through the sink.
func (b *BreakerHandler) StreamCompletion(ctx context.Context, req domain.StreamRequest, requestID uint64) (uint64, error) {
	id, err := b.breaker.Execute(func() (uint64, error) {
		return b.inner.StreamCompletion(ctx, req, requestID)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return 0, fmt.Errorf("stream circuit open: %w", err)
		}
		return id, err
	}
	return id, nil
}

// State returns the current circuit breaker state for monitoring.
func (b *BreakerHandler) State() gobreaker.State {
	return b.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (b *BreakerHandler) Counts() gobreaker.Counts {
	return b.breaker.Counts()
}
