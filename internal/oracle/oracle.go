package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	fpmath "OptionLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var ErrPriceNotFound = errors.New("oracle: no price submitted")

// Price is an asset price in the internal 1e18 base, denominated in the
// common quote unit shared by all assets.
type Price struct {
	Value     fpmath.Int `json:"value"`
	Finalized bool       `json:"finalized"`
}

// Gateway returns the settlement price of asset at timestamp.
type Gateway interface {
	Price(ctx context.Context, asset common.Address, timestamp uint64) (Price, error)
}

type priceKey struct {
	asset     common.Address
	timestamp uint64
}

// Static is an in-memory gateway fed by the submission pipeline or tests.
type Static struct {
	mu     sync.RWMutex
	prices map[priceKey]Price
}

func NewStatic() *Static {
	return &Static{prices: make(map[priceKey]Price)}
}

// Set records a price. A finalized price cannot be replaced.
func (s *Static) Set(asset common.Address, timestamp uint64, value fpmath.Int, finalized bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := priceKey{asset: asset, timestamp: timestamp}
	if existing, ok := s.prices[key]; ok && existing.Finalized {
		return fmt.Errorf("price for %s at %d already finalized", asset.Hex(), timestamp)
	}
	s.prices[key] = Price{Value: value, Finalized: finalized}
	return nil
}

func (s *Static) Price(_ context.Context, asset common.Address, timestamp uint64) (Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[priceKey{asset: asset, timestamp: timestamp}]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s at %d", ErrPriceNotFound, asset.Hex(), timestamp)
	}
	return p, nil
}
