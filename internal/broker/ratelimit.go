package broker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitedProvider throttles calls to the underlying provider. Tradier
// enforces per-minute request quotas on account endpoints; blowing through
// them turns every poll into a 429.
type RateLimitedProvider struct {
	provider HistoryProvider
	limiter  *rate.Limiter
}

// NewRateLimitedProvider wraps provider with a token bucket of rps requests
// per second and the given burst.
func NewRateLimitedProvider(provider HistoryProvider, rps float64, burst int) *RateLimitedProvider {
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedProvider{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimitedProvider) GetOrderStatus(ctx context.Context, orderID string) (*OrderRecord, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return r.provider.GetOrderStatus(ctx, orderID)
}

func (r *RateLimitedProvider) GetFills(ctx context.Context, since time.Time) ([]FillEvent, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return r.provider.GetFills(ctx, since)
}
