package ledger

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "OptionLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// MaxSlots bounds the distinct assets a single vault sequence may hold.
const MaxSlots = 8

var (
	ErrSlotsFull        = errors.New("vault slot capacity reached")
	ErrInsufficientSlot = errors.New("vault slot amount too small")
)

// Slot is one (asset, amount) entry. A zero Asset marks a free slot.
type Slot struct {
	Asset  common.Address
	Amount *big.Int
}

func (s Slot) free() bool {
	return s.Asset == (common.Address{})
}

// Slots is a fixed-capacity arena keyed by asset address. Clearing a slot
// resets its key so indices of other entries never shift. Amounts are
// replaced, never mutated in place, so copying the array is a full clone.
type Slots struct {
	entries [MaxSlots]Slot
}

func (s *Slots) find(asset common.Address) int {
	for i, e := range s.entries {
		if !e.free() && e.Asset == asset {
			return i
		}
	}
	return -1
}

// Add increases the slot for asset, claiming the first free slot if needed.
// A slot never holds more than MaxUint256.
func (s *Slots) Add(asset common.Address, amount *big.Int) error {
	if asset == (common.Address{}) {
		return fmt.Errorf("zero asset address")
	}
	if amount.Sign() <= 0 {
		return nil
	}
	if amount.Cmp(fpmath.MaxUint256) > 0 {
		return fmt.Errorf("slot amount %s: %w", amount, fpmath.ErrOverflow)
	}
	if i := s.find(asset); i >= 0 {
		sum := new(big.Int).Add(s.entries[i].Amount, amount)
		if sum.Cmp(fpmath.MaxUint256) > 0 {
			return fmt.Errorf("slot %s holds %s, adding %s: %w", asset.Hex(), s.entries[i].Amount, amount, fpmath.ErrOverflow)
		}
		s.entries[i].Amount = sum
		return nil
	}
	for i := range s.entries {
		if s.entries[i].free() {
			s.entries[i] = Slot{Asset: asset, Amount: new(big.Int).Set(amount)}
			return nil
		}
	}
	return ErrSlotsFull
}

// Sub decreases the slot for asset, clearing it when it reaches zero.
func (s *Slots) Sub(asset common.Address, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return nil
	}
	i := s.find(asset)
	if i < 0 {
		return fmt.Errorf("%w: no %s in vault", ErrInsufficientSlot, asset.Hex())
	}
	left := new(big.Int).Sub(s.entries[i].Amount, amount)
	switch left.Sign() {
	case -1:
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientSlot, s.entries[i].Amount, amount)
	case 0:
		s.entries[i] = Slot{}
	default:
		s.entries[i].Amount = left
	}
	return nil
}

// Amount returns the amount held for asset (zero if absent).
func (s *Slots) Amount(asset common.Address) *big.Int {
	if i := s.find(asset); i >= 0 {
		return new(big.Int).Set(s.entries[i].Amount)
	}
	return new(big.Int)
}

// Live returns the occupied slots in slot order.
func (s *Slots) Live() []Position {
	var out []Position
	for _, e := range s.entries {
		if !e.free() {
			out = append(out, Position{Asset: e.Asset, Amount: new(big.Int).Set(e.Amount)})
		}
	}
	return out
}

// Len is the number of occupied slots.
func (s *Slots) Len() int {
	n := 0
	for _, e := range s.entries {
		if !e.free() {
			n++
		}
	}
	return n
}

func (s *Slots) Clear() {
	s.entries = [MaxSlots]Slot{}
}

// VaultType is fixed when a vault is opened.
type VaultType uint8

const (
	VaultTypeFullyCollateralized     VaultType = 0
	VaultTypePartiallyCollateralized VaultType = 1
)

// VaultKey identifies a vault.
type VaultKey struct {
	Owner common.Address
	ID    uint64
}

func (k VaultKey) String() string {
	return fmt.Sprintf("%s/%d", k.Owner.Hex(), k.ID)
}

// Vault holds an owner's shorts, longs and collateral for one vault id.
type Vault struct {
	Owner      common.Address
	ID         uint64
	Type       VaultType
	Shorts     Slots
	Longs      Slots
	Collateral Slots
}

func NewVault(owner common.Address, id uint64, typ VaultType) *Vault {
	return &Vault{Owner: owner, ID: id, Type: typ}
}

func (v *Vault) Key() VaultKey {
	return VaultKey{Owner: v.Owner, ID: v.ID}
}

// Clone returns an independent copy for staged mutation.
func (v *Vault) Clone() *Vault {
	c := *v
	return &c
}

// IsEmpty is true when all three sequences have no live entries.
func (v *Vault) IsEmpty() bool {
	return v.Shorts.Len() == 0 && v.Longs.Len() == 0 && v.Collateral.Len() == 0
}

// Clear drains every sequence, as settlement does.
func (v *Vault) Clear() {
	v.Shorts.Clear()
	v.Longs.Clear()
	v.Collateral.Clear()
}

// Position is a live (asset, amount) entry in a vault snapshot.
type Position struct {
	Asset  common.Address `json:"asset"`
	Amount *big.Int       `json:"amount"`
}

// VaultSnapshot is a read-only copy of a vault returned to callers.
type VaultSnapshot struct {
	Owner      common.Address `json:"owner"`
	ID         uint64         `json:"vault_id"`
	Type       VaultType      `json:"vault_type"`
	Shorts     []Position     `json:"shorts"`
	Longs      []Position     `json:"longs"`
	Collateral []Position     `json:"collateral"`
}

func (v *Vault) Snapshot() VaultSnapshot {
	return VaultSnapshot{
		Owner:      v.Owner,
		ID:         v.ID,
		Type:       v.Type,
		Shorts:     v.Shorts.Live(),
		Longs:      v.Longs.Live(),
		Collateral: v.Collateral.Live(),
	}
}

// IsEmpty mirrors Vault.IsEmpty on a snapshot.
func (s VaultSnapshot) IsEmpty() bool {
	return len(s.Shorts) == 0 && len(s.Longs) == 0 && len(s.Collateral) == 0
}

// VaultFromSnapshot rebuilds a vault, e.g. when restoring from storage.
func VaultFromSnapshot(s VaultSnapshot) (*Vault, error) {
	v := NewVault(s.Owner, s.ID, s.Type)
	for _, p := range s.Shorts {
		if err := v.Shorts.Add(p.Asset, p.Amount); err != nil {
			return nil, err
		}
	}
	for _, p := range s.Longs {
		if err := v.Longs.Add(p.Asset, p.Amount); err != nil {
			return nil, err
		}
	}
	for _, p := range s.Collateral {
		if err := v.Collateral.Add(p.Asset, p.Amount); err != nil {
			return nil, err
		}
	}
	return v, nil
}
