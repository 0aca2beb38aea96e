// Package retry wraps broker history calls with bounded retries and backoff.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dmiller/tradeledger/internal/broker"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client retries transient broker failures. Permanent API rejections fail
// immediately.
type Client struct {
	provider broker.HistoryProvider
	logger   logrus.FieldLogger
	config   Config
}

func NewClient(provider broker.HistoryProvider, logger logrus.FieldLogger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Client{
		provider: provider,
		logger:   logger,
		config:   cfg,
	}
}

// GetOrderStatus fetches the order with retries on transient errors.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (*broker.OrderRecord, error) {
	return execRetry(ctx, c, "order status "+orderID, func(callCtx context.Context) (*broker.OrderRecord, error) {
		return c.provider.GetOrderStatus(callCtx, orderID)
	})
}

// GetFills fetches execution history with retries on transient errors.
func (c *Client) GetFills(ctx context.Context, since time.Time) ([]broker.FillEvent, error) {
	return execRetry(ctx, c, "fill history", func(callCtx context.Context) ([]broker.FillEvent, error) {
		return c.provider.GetFills(callCtx, since)
	})
}

func execRetry[T any](ctx context.Context, c *Client, label string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s timed out after %v: %w", label, c.config.Timeout, opCtx.Err())
		default:
		}

		res, err := fn(opCtx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if broker.IsPermanentAPIError(err) || !isTransientError(err) {
			return zero, fmt.Errorf("%s failed: %w", label, err)
		}
		if attempt == c.config.MaxRetries {
			break
		}

		c.logger.WithFields(logrus.Fields{
			"op":      label,
			"attempt": attempt + 1,
			"backoff": backoff.String(),
		}).WithError(err).Warn("transient broker error, retrying")

		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s canceled during backoff: %w", label, opCtx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", label, c.config.MaxRetries+1, lastErr)
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
