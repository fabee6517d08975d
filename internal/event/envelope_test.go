package event

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealDecode_BatchApplied(t *testing.T) {
	owner := common.HexToAddress("0xA11CE")
	in := &BatchApplied{
		Actions: []ActionRecord{
			{Kind: KindOpenVault, Owner: owner, VaultID: 1},
			{Kind: KindDepositCollateral, Owner: owner, VaultID: 1, Asset: common.HexToAddress("0x02"), Amount: "1000", Counterparty: owner},
		},
		Vaults: []VaultRef{{Owner: owner, VaultID: 1}},
	}

	env, err := Seal(uuid.New(), owner, 42, in)
	require.NoError(t, err)
	assert.Equal(t, EventTypeBatchApplied, env.EventType)
	assert.Equal(t, uint64(42), env.Timestamp)

	out, err := env.Decode()
	require.NoError(t, err)
	got, ok := out.(*BatchApplied)
	require.True(t, ok)
	assert.Equal(t, in.Actions, got.Actions)
	assert.Equal(t, in.Vaults, got.Vaults)
}

func TestDecode_TokensMovedKeepsKind(t *testing.T) {
	env, err := Seal(uuid.New(), common.Address{}, 1, &TokensMoved{
		Kind:   EventTypeTokensWithdrawn,
		From:   common.HexToAddress("0x01"),
		Token:  common.HexToAddress("0x02"),
		Amount: "5",
	})
	require.NoError(t, err)
	assert.Equal(t, EventTypeTokensWithdrawn, env.EventType)

	out, err := env.Decode()
	require.NoError(t, err)
	assert.Equal(t, EventTypeTokensWithdrawn, out.EventType())
}

func TestDecode_UnknownType(t *testing.T) {
	env := &EventEnvelope{EventType: EventType(99), Payload: []byte(`{}`)}
	_, err := env.Decode()
	assert.Error(t, err)
}

func TestParseEventType(t *testing.T) {
	for typ := EventTypeBatchApplied; typ <= EventTypeTokensTransferred; typ++ {
		got, err := ParseEventType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}

	_, err := ParseEventType("trade_fill")
	assert.Error(t, err)
}
