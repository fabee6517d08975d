package whitelist

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Whitelist decides which collateral assets and option products may be used.
type Whitelist interface {
	IsAllowedCollateral(asset common.Address) bool
	IsAllowedProduct(p Product) bool
}

// Product is an (underlying, strike, collateral, isPut) tuple. Instruments
// of the same product differ only by strike price and expiry.
type Product struct {
	Underlying  common.Address
	StrikeAsset common.Address
	Collateral  common.Address
	IsPut       bool
}

func (p Product) String() string {
	kind := "call"
	if p.IsPut {
		kind = "put"
	}
	return fmt.Sprintf("%s/%s/%s:%s", p.Underlying.Hex(), p.StrikeAsset.Hex(), p.Collateral.Hex(), kind)
}

// Static is an in-memory whitelist populated from configuration.
type Static struct {
	mu         sync.RWMutex
	collateral map[common.Address]bool
	products   map[Product]bool
}

func NewStatic() *Static {
	return &Static{
		collateral: make(map[common.Address]bool),
		products:   make(map[Product]bool),
	}
}

func (w *Static) AllowCollateral(asset common.Address) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.collateral[asset] = true
}

func (w *Static) RevokeCollateral(asset common.Address) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.collateral, asset)
}

// AllowProduct whitelists a product and its collateral asset.
func (w *Static) AllowProduct(p Product) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.products[p] = true
	w.collateral[p.Collateral] = true
}

func (w *Static) RevokeProduct(p Product) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.products, p)
}

func (w *Static) IsAllowedCollateral(asset common.Address) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.collateral[asset]
}

func (w *Static) IsAllowedProduct(p Product) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.products[p]
}

// Products lists whitelisted products in a stable order.
func (w *Static) Products() []Product {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Product, 0, len(w.products))
	for p := range w.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}
