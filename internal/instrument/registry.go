package instrument

import (
	"fmt"
	"sort"
	"sync"

	"OptionLedger/internal/whitelist"

	"github.com/ethereum/go-ethereum/common"
)

// AssetDecimals resolves token decimals.
type AssetDecimals interface {
	Decimals(asset common.Address) (uint8, bool)
}

// Registry creates and stores instruments. Creation is idempotent: the same
// spec always maps to the same instrument.
type Registry struct {
	mu          sync.RWMutex
	whitelist   whitelist.Whitelist
	assets      AssetDecimals
	instruments map[common.Address]*Instrument
}

func NewRegistry(wl whitelist.Whitelist, assets AssetDecimals) *Registry {
	return &Registry{
		whitelist:   wl,
		assets:      assets,
		instruments: make(map[common.Address]*Instrument),
	}
}

// Create validates spec and registers it. The bool is false when the
// instrument already existed.
func (r *Registry) Create(spec Spec, now uint64) (*Instrument, bool, error) {
	id, err := spec.ID()
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.instruments[id]; ok {
		return existing, false, nil
	}

	if err := r.validate(spec, now); err != nil {
		return nil, false, err
	}

	inst := &Instrument{ID: id, Spec: spec}
	r.instruments[id] = inst
	return inst, true, nil
}

func (r *Registry) validate(spec Spec, now uint64) error {
	if spec.StrikePrice.Sign() <= 0 {
		return fmt.Errorf("%w: strike price must be positive", ErrInvalidSpec)
	}
	if spec.Underlying == (common.Address{}) || spec.StrikeAsset == (common.Address{}) || spec.Collateral == (common.Address{}) {
		return fmt.Errorf("%w: zero asset address", ErrInvalidSpec)
	}
	if spec.Underlying == spec.StrikeAsset {
		return fmt.Errorf("%w: underlying equals strike asset", ErrInvalidSpec)
	}
	if spec.Expiry <= now {
		return ErrExpiryInPast
	}
	if spec.Collateral != spec.Underlying && spec.Collateral != spec.StrikeAsset {
		return ErrCollateralMismatch
	}
	if spec.IsPut && spec.Collateral != spec.StrikeAsset {
		return ErrPutNeedsStrikeAsset
	}
	for _, a := range []common.Address{spec.Underlying, spec.StrikeAsset, spec.Collateral} {
		if _, ok := r.assets.Decimals(a); !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedAsset, a.Hex())
		}
	}
	if r.whitelist != nil && !r.whitelist.IsAllowedProduct(spec.Product()) {
		return fmt.Errorf("%w: %s", ErrProductNotAllowed, spec.Product())
	}
	return nil
}

func (r *Registry) Get(id common.Address) (*Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instruments[id]
	return inst, ok
}

// List returns all instruments ordered by expiry then id.
func (r *Registry) List() []*Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instrument, 0, len(r.instruments))
	for _, inst := range r.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Expiry != out[j].Expiry {
			return out[i].Expiry < out[j].Expiry
		}
		return out[i].ID.Hex() < out[j].ID.Hex()
	})
	return out
}

// Restore loads instruments from a snapshot without re-validating expiry.
func (r *Registry) Restore(insts []*Instrument) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, inst := range insts {
		id, err := inst.Spec.ID()
		if err != nil {
			return err
		}
		if id != inst.ID {
			return fmt.Errorf("instrument %s: id does not match spec (want %s)", inst.ID.Hex(), id.Hex())
		}
		r.instruments[id] = inst
	}
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}
