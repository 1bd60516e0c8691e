package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// priceTTL bounds how long a midpoint outlives its window. Up/down tokens
// are short-lived, so stale keys would otherwise pile up.
const priceTTL = 2 * time.Hour

// PriceCache implements domain.PriceCache using Redis hashes at
// "price:{tokenID}" with fields "price" and "ts" (Unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), ttl: priceTTL}
}

func priceKey(tokenID string) string {
	return "price:" + tokenID
}

// SetPrice stores the latest midpoint and refreshes the key's expiry.
func (pc *PriceCache) SetPrice(ctx context.Context, tokenID string, price float64, ts time.Time) error {
	key := priceKey(tokenID)
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	})
	pipe.Expire(ctx, key, pc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", tokenID, err)
	}
	return nil
}

// GetPrice returns the cached midpoint and when it was written, or
// domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, tokenID string) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(tokenID)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", tokenID, err)
	}
	return parsePrice(tokenID, vals)
}

func parsePrice(tokenID string, vals map[string]string) (float64, time.Time, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s: %w", tokenID, err)
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", tokenID, err)
	}
	return price, time.Unix(0, tsNano), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
