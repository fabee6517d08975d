package access

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Operators tracks which accounts may act on another owner's vaults.
// Not thread-safe; owned by the engine goroutine.
type Operators struct {
	approvals map[common.Address]map[common.Address]bool
}

func NewOperators() *Operators {
	return &Operators{approvals: make(map[common.Address]map[common.Address]bool)}
}

// Set grants or revokes operator rights over owner's vaults.
func (o *Operators) Set(owner, operator common.Address, approved bool) {
	if !approved {
		if m, ok := o.approvals[owner]; ok {
			delete(m, operator)
			if len(m) == 0 {
				delete(o.approvals, owner)
			}
		}
		return
	}
	m, ok := o.approvals[owner]
	if !ok {
		m = make(map[common.Address]bool)
		o.approvals[owner] = m
	}
	m[operator] = true
}

func (o *Operators) IsOperator(owner, operator common.Address) bool {
	return o.approvals[owner][operator]
}

// IsAuthorized reports whether actor may operate owner's vaults.
func (o *Operators) IsAuthorized(actor, owner common.Address) bool {
	return actor == owner || o.IsOperator(owner, actor)
}

// Approval is one (owner, operator) grant, used for snapshots.
type Approval struct {
	Owner    common.Address `json:"owner"`
	Operator common.Address `json:"operator"`
}

// Export lists all grants ordered by owner then operator.
func (o *Operators) Export() []Approval {
	var out []Approval
	for owner, m := range o.approvals {
		for op := range m {
			out = append(out, Approval{Owner: owner, Operator: op})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner.Hex() < out[j].Owner.Hex()
		}
		return out[i].Operator.Hex() < out[j].Operator.Hex()
	})
	return out
}

func (o *Operators) Restore(approvals []Approval) {
	o.approvals = make(map[common.Address]map[common.Address]bool)
	for _, a := range approvals {
		o.Set(a.Owner, a.Operator, true)
	}
}
