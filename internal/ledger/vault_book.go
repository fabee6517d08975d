package ledger

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// VaultBook stores committed vaults and per-owner vault counters.
// Not thread-safe; owned by the engine goroutine.
type VaultBook struct {
	vaults   map[VaultKey]*Vault
	counters map[common.Address]uint64
}

func NewVaultBook() *VaultBook {
	return &VaultBook{
		vaults:   make(map[VaultKey]*Vault),
		counters: make(map[common.Address]uint64),
	}
}

func (b *VaultBook) Get(key VaultKey) (*Vault, bool) {
	v, ok := b.vaults[key]
	return v, ok
}

func (b *VaultBook) Put(v *Vault) {
	b.vaults[v.Key()] = v
	if v.ID > b.counters[v.Owner] {
		b.counters[v.Owner] = v.ID
	}
}

// Count is the number of vaults opened by owner, which is also the
// highest vault id in use.
func (b *VaultBook) Count(owner common.Address) uint64 {
	return b.counters[owner]
}

func (b *VaultBook) Len() int {
	return len(b.vaults)
}

// All returns every vault ordered by owner then id.
func (b *VaultBook) All() []*Vault {
	out := make([]*Vault, 0, len(b.vaults))
	for _, v := range b.vaults {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner.Hex() < out[j].Owner.Hex()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Reset drops all vaults and counters, used before restoring a snapshot.
func (b *VaultBook) Reset() {
	b.vaults = make(map[VaultKey]*Vault)
	b.counters = make(map[common.Address]uint64)
}
