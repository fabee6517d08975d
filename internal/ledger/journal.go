package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeFunding JournalType = iota
	JournalTypeWithdrawal
	JournalTypeTransfer
	JournalTypeCollateralDeposit
	JournalTypeCollateralWithdrawal
	JournalTypeLongDeposit
	JournalTypeLongWithdrawal
	JournalTypeShortMint
	JournalTypeShortBurn
	JournalTypeSettlementPayout
	JournalTypeSettlementLongBurn
	JournalTypeRedeemBurn
	JournalTypeRedeemPayout
)

var journalTypeNames = map[JournalType]string{
	JournalTypeFunding:              "funding",
	JournalTypeWithdrawal:           "withdrawal",
	JournalTypeTransfer:             "transfer",
	JournalTypeCollateralDeposit:    "collateral_deposit",
	JournalTypeCollateralWithdrawal: "collateral_withdrawal",
	JournalTypeLongDeposit:          "long_deposit",
	JournalTypeLongWithdrawal:       "long_withdrawal",
	JournalTypeShortMint:            "short_mint",
	JournalTypeShortBurn:            "short_burn",
	JournalTypeSettlementPayout:     "settlement_payout",
	JournalTypeSettlementLongBurn:   "settlement_long_burn",
	JournalTypeRedeemBurn:           "redeem_burn",
	JournalTypeRedeemPayout:         "redeem_payout",
}

func (t JournalType) String() string {
	if name, ok := journalTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("journal_type(%d)", int32(t))
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID      // Unique identifier
	BatchID       uuid.UUID      // Groups balanced entries
	EventRef      string         // Idempotency key of source batch
	Sequence      int64          // Global batch sequence
	DebitAccount  AccountKey     // Account receiving debit (balance increases)
	CreditAccount AccountKey     // Account receiving credit (balance decreases)
	Token         common.Address // Token being transferred
	Amount        *big.Int       // Native amount (ALWAYS positive)
	JournalType   JournalType
	Timestamp     int64 // Versioned input timestamp (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from credit to debit, so debits equal credits per entry.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Token != j.Token || j.CreditAccount.Token != j.Token {
			return fmt.Errorf("journal %s moves %s between accounts of another token", j.JournalID, j.Token.Hex())
		}
	}

	return nil
}
