package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeMarginPool

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalIssuance
)

// AccountKey is the in-memory key for balance tracking. Token is either a
// collateral asset or an instrument address.
type AccountKey struct {
	Scope   AccountScope
	Owner   common.Address // zero for system and external accounts
	SubType AccountSubType
	Token   common.Address
}

// WalletKey is an owner's free token balance.
func WalletKey(owner, token common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeUser,
		Owner:   owner,
		SubType: SubTypeWallet,
		Token:   token,
	}
}

// PoolKey is the margin pool holding vault collateral and deposited longs.
func PoolKey(token common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: SubTypeMarginPool,
		Token:   token,
	}
}

// ExternalKey is a boundary account; its balance may go negative.
func ExternalKey(subType AccountSubType, token common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Token:   token,
	}
}

// IsExternal reports whether the account sits outside the ledger boundary.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	token := strings.ToLower(k.Token.Hex())

	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", strings.ToLower(k.Owner.Hex()), k.subTypeName(), token)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), token)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), token)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeMarginPool:
		return "margin_pool"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	case SubTypeExternalIssuance:
		return "issuance"
	default:
		return "unknown"
	}
}
