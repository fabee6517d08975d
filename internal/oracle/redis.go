package oracle

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	fpmath "OptionLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// RedisGateway reads prices written by the external price submission
// system. Each (asset, timestamp) is a hash with fields "price" (decimal
// string) and "finalized" ("1"/"true").
type RedisGateway struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisGateway(rdb *redis.Client, prefix string) *RedisGateway {
	if prefix == "" {
		prefix = "optl:price"
	}
	return &RedisGateway{rdb: rdb, prefix: prefix}
}

// NewRedisGatewayFromURL parses a redis:// URL.
func NewRedisGatewayFromURL(url, prefix string) (*RedisGateway, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisGateway(redis.NewClient(opt), prefix), nil
}

func (g *RedisGateway) key(asset common.Address, timestamp uint64) string {
	return fmt.Sprintf("%s:%s:%d", g.prefix, strings.ToLower(asset.Hex()), timestamp)
}

func (g *RedisGateway) Price(ctx context.Context, asset common.Address, timestamp uint64) (Price, error) {
	fields, err := g.rdb.HGetAll(ctx, g.key(asset, timestamp)).Result()
	if err != nil {
		return Price{}, fmt.Errorf("redis price lookup: %w", err)
	}
	if len(fields) == 0 {
		return Price{}, fmt.Errorf("%w: %s at %d", ErrPriceNotFound, asset.Hex(), timestamp)
	}

	value, err := fpmath.ParseDecimal(fields["price"])
	if err != nil {
		return Price{}, fmt.Errorf("redis price %s: %w", g.key(asset, timestamp), err)
	}
	finalized, _ := strconv.ParseBool(fields["finalized"])

	return Price{Value: value, Finalized: finalized}, nil
}

// Submit writes a price entry. Used by operators and integration tests.
func (g *RedisGateway) Submit(ctx context.Context, asset common.Address, timestamp uint64, value fpmath.Int, finalized bool) error {
	return g.rdb.HSet(ctx, g.key(asset, timestamp),
		"price", value.String(),
		"finalized", strconv.FormatBool(finalized),
	).Err()
}

// Ping reports whether Redis is reachable.
func (g *RedisGateway) Ping(ctx context.Context) error {
	return g.rdb.Ping(ctx).Err()
}

func (g *RedisGateway) Close() error {
	return g.rdb.Close()
}
