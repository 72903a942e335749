package marketdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Key layout written by the external feed publishers.
const (
	markKeyPrefix = "etrm:mark:" // etrm:mark:<commodity>:<period>
	rateKeyPrefix = "etrm:fx:"   // etrm:fx:<FROM>:<TO>
)

// RedisSource reads marks and FX rates that an external feed publishes into
// Redis. It is intended to sit first in a chain with a static snapshot
// behind it.
type RedisSource struct {
	client *redis.Client
}

// NewRedisSource creates a source over the given Redis address.
func NewRedisSource(addr string) *RedisSource {
	return &RedisSource{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (r *RedisSource) Name() string { return "redis" }

func (r *RedisSource) MarkPrice(ctx context.Context, commodity, period string) (decimal.Decimal, error) {
	val, err := r.client.Get(ctx, markKeyPrefix+commodity+":"+period).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("%w: mark %s/%s", ErrNoQuote, commodity, period)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis mark lookup: %w", err)
	}
	price, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed mark price %q: %w", val, err)
	}
	return price, nil
}

func (r *RedisSource) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	val, err := r.client.Get(ctx, rateKeyPrefix+from+":"+to).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("%w: rate %s/%s", ErrNoQuote, from, to)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis fx lookup: %w", err)
	}
	rate, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed fx rate %q: %w", val, err)
	}
	return rate, nil
}

// Close releases the underlying client.
func (r *RedisSource) Close() error { return r.client.Close() }
