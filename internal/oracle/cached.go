package oracle

import (
	"context"
	"fmt"
	"time"

	"OptionLedger/internal/observability"

	"github.com/dgraph-io/ristretto"
	"github.com/ethereum/go-ethereum/common"
)

// CachedGateway caches finalized prices in front of another gateway.
// Unfinalized prices are never cached since they may still change.
type CachedGateway struct {
	next    Gateway
	cache   *ristretto.Cache
	ttl     time.Duration
	metrics *observability.Metrics
}

type CacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	TTL         time.Duration
}

func NewCachedGateway(next Gateway, cfg CacheConfig, metrics *observability.Metrics) (*CachedGateway, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		// cost is one per price, MaxCost bounds the entry count
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create price cache: %w", err)
	}
	return &CachedGateway{next: next, cache: cache, ttl: cfg.TTL, metrics: metrics}, nil
}

func (g *CachedGateway) Price(ctx context.Context, asset common.Address, timestamp uint64) (Price, error) {
	key := fmt.Sprintf("%s:%d", asset.Hex(), timestamp)

	if v, ok := g.cache.Get(key); ok {
		if g.metrics != nil {
			g.metrics.OracleCacheHits.Inc()
		}
		return v.(Price), nil
	}
	if g.metrics != nil {
		g.metrics.OracleCacheMisses.Inc()
	}

	p, err := g.next.Price(ctx, asset, timestamp)
	if err != nil {
		return Price{}, err
	}
	if p.Finalized {
		g.cache.SetWithTTL(key, p, 1, g.ttl)
	}
	return p, nil
}

// Wait blocks until buffered cache writes are visible.
func (g *CachedGateway) Wait() {
	g.cache.Wait()
}

func (g *CachedGateway) Close() {
	g.cache.Close()
}
