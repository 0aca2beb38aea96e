// Package broker provides access to brokerage order history and fills.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/dmiller/tradeledger/internal/models"
)

// OrderStatus is the broker-side status of an order, as reported by the API.
type OrderStatus string

const (
	StatusOpen            OrderStatus = "open"
	StatusPending         OrderStatus = "pending"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusRejected        OrderStatus = "rejected"
	StatusCanceled        OrderStatus = "canceled"
	StatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the broker will never change this status again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCanceled, StatusExpired:
		return true
	default:
		return false
	}
}

// OrderRecord is a broker order as returned by the status endpoint.
type OrderRecord struct {
	ID           string           `json:"id"`
	Symbol       string           `json:"symbol"`
	Side         models.OrderSide `json:"side"`
	Quantity     int              `json:"quantity"`
	Status       OrderStatus      `json:"status"`
	AvgFillPrice float64          `json:"avg_fill_price"`
	FilledQty    int              `json:"filled_qty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// FillEvent is one execution from the account history endpoint.
type FillEvent struct {
	OrderID   string           `json:"order_id"`
	Symbol    string           `json:"symbol"`
	Side      models.OrderSide `json:"side"`
	Quantity  int              `json:"quantity"`
	Price     float64          `json:"price"` // per share
	Fees      float64          `json:"fees"`
	Timestamp time.Time        `json:"timestamp"`
}

// HistoryProvider is the read-only brokerage surface the reconciler needs:
// order status lookups and execution history. Placement is out of scope.
type HistoryProvider interface {
	GetOrderStatus(ctx context.Context, orderID string) (*OrderRecord, error)
	// GetFills returns executions at or after since, oldest first.
	GetFills(ctx context.Context, since time.Time) ([]FillEvent, error)
}

// ErrOrderNotFound is returned when the broker has no record of the order id.
var ErrOrderNotFound = errors.New("broker: order not found")

// APIError carries the HTTP status of a failed broker call so callers can
// separate permanent rejections from transient outages.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker API error: status %d: %s", e.Status, e.Body)
}

// IsPermanentAPIError reports whether the error is a 4xx rejection that
// retrying cannot fix. 429 is excluded: rate limits clear on their own.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// CircuitBreakerProvider wraps a HistoryProvider with circuit breaker
// functionality so a flapping broker API cannot stall every poll cycle.
type CircuitBreakerProvider struct {
	provider HistoryProvider
	breaker  *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerProvider wraps provider with sensible defaults.
func NewCircuitBreakerProvider(provider HistoryProvider, log logrus.FieldLogger) *CircuitBreakerProvider {
	return NewCircuitBreakerProviderWithSettings(provider, log, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerProviderWithSettings wraps provider with custom settings.
func NewCircuitBreakerProviderWithSettings(provider HistoryProvider, log logrus.FieldLogger, settings CircuitBreakerSettings) *CircuitBreakerProvider {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerHistoryCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}
	return &CircuitBreakerProvider{
		provider: provider,
		breaker:  gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	provider HistoryProvider,
	fn func(HistoryProvider) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(provider) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

func (c *CircuitBreakerProvider) GetOrderStatus(ctx context.Context, orderID string) (*OrderRecord, error) {
	return execBreaker(c.breaker, c.provider, func(p HistoryProvider) (*OrderRecord, error) {
		return p.GetOrderStatus(ctx, orderID)
	})
}

func (c *CircuitBreakerProvider) GetFills(ctx context.Context, since time.Time) ([]FillEvent, error) {
	return execBreaker(c.breaker, c.provider, func(p HistoryProvider) ([]FillEvent, error) {
		return p.GetFills(ctx, since)
	})
}

// Ensure wrappers implement HistoryProvider at compile time.
var (
	_ HistoryProvider = (*CircuitBreakerProvider)(nil)
	_ HistoryProvider = (*RateLimitedProvider)(nil)
	_ HistoryProvider = (*TradierHistory)(nil)
	_ HistoryProvider = (*MockProvider)(nil)
)
