package whitelist

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Asset describes an ERC20-like token known to the ledger.
type Asset struct {
	Symbol   string
	Address  common.Address
	Decimals uint8
}

// AssetRegistry maps token addresses to their decimals and symbols.
type AssetRegistry struct {
	mu       sync.RWMutex
	byAddr   map[common.Address]Asset
	bySymbol map[string]Asset
}

func NewAssetRegistry(assets ...Asset) *AssetRegistry {
	r := &AssetRegistry{
		byAddr:   make(map[common.Address]Asset),
		bySymbol: make(map[string]Asset),
	}
	for _, a := range assets {
		r.Register(a)
	}
	return r
}

func (r *AssetRegistry) Register(a Asset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAddr[a.Address] = a
	if a.Symbol != "" {
		r.bySymbol[strings.ToUpper(a.Symbol)] = a
	}
}

func (r *AssetRegistry) Decimals(addr common.Address) (uint8, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byAddr[addr]
	return a.Decimals, ok
}

func (r *AssetRegistry) Get(addr common.Address) (Asset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byAddr[addr]
	return a, ok
}

func (r *AssetRegistry) BySymbol(symbol string) (Asset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.bySymbol[strings.ToUpper(symbol)]
	return a, ok
}

// Symbol returns the asset symbol, or the hex address if unknown.
func (r *AssetRegistry) Symbol(addr common.Address) string {
	if a, ok := r.Get(addr); ok && a.Symbol != "" {
		return a.Symbol
	}
	return addr.Hex()
}

// ParseAssets parses "SYMBOL:0xaddr:decimals" entries separated by commas.
func ParseAssets(s string) ([]Asset, error) {
	var out []Asset
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("asset %q: want SYMBOL:ADDRESS:DECIMALS", entry)
		}
		if !common.IsHexAddress(parts[1]) {
			return nil, fmt.Errorf("asset %q: invalid address", entry)
		}
		dec, err := strconv.ParseUint(parts[2], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("asset %q: invalid decimals: %w", entry, err)
		}
		out = append(out, Asset{
			Symbol:   parts[0],
			Address:  common.HexToAddress(parts[1]),
			Decimals: uint8(dec),
		})
	}
	return out, nil
}

// ParseProducts parses "UNDERLYING/STRIKE/COLLATERAL/call|put" entries
// separated by commas, resolving symbols through the registry.
func ParseProducts(s string, assets *AssetRegistry) ([]Product, error) {
	var out []Product
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "/")
		if len(parts) != 4 {
			return nil, fmt.Errorf("product %q: want UNDERLYING/STRIKE/COLLATERAL/KIND", entry)
		}
		var addrs [3]common.Address
		for i := 0; i < 3; i++ {
			a, ok := assets.BySymbol(parts[i])
			if !ok {
				return nil, fmt.Errorf("product %q: unknown asset %s", entry, parts[i])
			}
			addrs[i] = a.Address
		}
		var isPut bool
		switch strings.ToLower(parts[3]) {
		case "put":
			isPut = true
		case "call":
		default:
			return nil, fmt.Errorf("product %q: kind must be call or put", entry)
		}
		out = append(out, Product{
			Underlying:  addrs[0],
			StrikeAsset: addrs[1],
			Collateral:  addrs[2],
			IsPut:       isPut,
		})
	}
	return out, nil
}
