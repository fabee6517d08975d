package core_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"OptionLedger/internal/core"
	"OptionLedger/internal/ledger"
	fpmath "OptionLedger/internal/math"
	"OptionLedger/internal/oracle"
	"OptionLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

type harness struct {
	t       *testing.T
	engine  *core.Engine
	oracle  *oracle.Static
	persist chan core.CoreOutput
	now     uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	persist := make(chan core.CoreOutput, 1024)
	gw := oracle.NewStatic()
	e := core.NewEngine(core.Config{
		Whitelist:   testutil.Whitelist(),
		Assets:      testutil.Assets(),
		Oracle:      gw,
		PersistChan: persist,
		Logger:      zerolog.Nop(),
	})
	return &harness{t: t, engine: e, oracle: gw, persist: persist, now: testutil.Now}
}

func (h *harness) create(strike string, kind string) common.Address {
	h.t.Helper()
	spec := testutil.CallSpec(strike, testutil.Expiry)
	switch kind {
	case "put":
		spec = testutil.PutSpec(strike, testutil.Expiry)
	case "cash-call":
		spec = testutil.CashCallSpec(strike, testutil.Expiry)
	}
	inst, created, err := h.engine.CreateInstrument(uuid.New(), testutil.Alice, spec, h.now)
	if err != nil {
		h.t.Fatalf("CreateInstrument failed: %v", err)
	}
	if !created {
		h.t.Fatalf("expected %s %s to be new", kind, strike)
	}
	return inst.ID
}

func (h *harness) mustFund(owner, token common.Address, amount *big.Int) {
	h.t.Helper()
	err := h.engine.Fund(core.TokenMove{ID: uuid.New(), Timestamp: h.now, To: owner, Token: token, Amount: amount})
	if err != nil {
		h.t.Fatalf("Fund failed: %v", err)
	}
}

func (h *harness) operate(actor common.Address, actions ...core.Action) (*core.Receipt, error) {
	return h.engine.Operate(context.Background(), core.Batch{
		ID:        uuid.New(),
		Actor:     actor,
		Timestamp: h.now,
		Actions:   actions,
	})
}

func (h *harness) mustOperate(actor common.Address, actions ...core.Action) *core.Receipt {
	h.t.Helper()
	r, err := h.operate(actor, actions...)
	if err != nil {
		h.t.Fatalf("Operate failed: %v", err)
	}
	return r
}

// expire moves the clock to expiry and finalizes prices (USDC = 1).
func (h *harness) expire(wethPrice string) {
	h.t.Helper()
	h.expireAt(wethPrice, "1")
}

func (h *harness) expireAt(wethPrice, usdcPrice string) {
	h.t.Helper()
	h.now = testutil.Expiry
	if err := h.oracle.Set(testutil.WETH, testutil.Expiry, fpmath.MustParseDecimal(wethPrice), true); err != nil {
		h.t.Fatalf("set WETH price: %v", err)
	}
	if err := h.oracle.Set(testutil.USDC, testutil.Expiry, fpmath.MustParseDecimal(usdcPrice), true); err != nil {
		h.t.Fatalf("set USDC price: %v", err)
	}
}

func (h *harness) balance(owner, token common.Address) *big.Int {
	return h.engine.BalanceOf(owner, token)
}

func assertAmount(t *testing.T, what string, got, want *big.Int) {
	t.Helper()
	if got.Cmp(want) != 0 {
		t.Errorf("%s: expected %s, got %s", what, want, got)
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// writeNakedCall has Alice write 10 WETH-collateralized calls to Bob.
func writeNakedCall(h *harness, call common.Address) {
	h.t.Helper()
	h.mustFund(testutil.Alice, testutil.WETH, testutil.WETHAmount("10"))
	h.mustOperate(testutil.Alice,
		core.OpenVault{Owner: testutil.Alice, VaultID: 1},
		core.DepositCollateral{Owner: testutil.Alice, VaultID: 1, Asset: testutil.WETH, Amount: testutil.WETHAmount("10"), From: testutil.Alice},
		core.MintShortOption{Owner: testutil.Alice, VaultID: 1, Instrument: call, Amount: testutil.Options("10"), To: testutil.Bob},
	)
}

// ============================================================================
// Test: Scenario A - naked covered call settles at 400
// ============================================================================

func TestNakedCall_SettleAndRedeem(t *testing.T) {
	h := newHarness(t)
	call := h.create("300", "call")
	writeNakedCall(h, call)

	assertAmount(t, "bob options", h.balance(testutil.Bob, call), testutil.Options("10"))
	assertAmount(t, "pool WETH", h.engine.PoolBalance(testutil.WETH), testutil.WETHAmount("10"))

	h.expire("400")

	paid, err := h.engine.SettleVault(context.Background(), testutil.Alice, testutil.Alice, 1, common.Address{}, h.now)
	if err != nil {
		t.Fatalf("SettleVault failed: %v", err)
	}
	assertAmount(t, "writer payout", paid, testutil.WETHAmount("7.5"))
	assertAmount(t, "alice WETH", h.balance(testutil.Alice, testutil.WETH), testutil.WETHAmount("7.5"))

	paid, err = h.engine.Redeem(context.Background(), testutil.Bob, call, testutil.Options("10"), common.Address{}, h.now)
	if err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	assertAmount(t, "holder payout", paid, testutil.WETHAmount("2.5"))
	assertAmount(t, "bob WETH", h.balance(testutil.Bob, testutil.WETH), testutil.WETHAmount("2.5"))

	if h.engine.PoolBalance(testutil.WETH).Sign() != 0 {
		t.Errorf("expected empty WETH pool, got %s", h.engine.PoolBalance(testutil.WETH))
	}
	if h.engine.TotalSupply(call).Sign() != 0 {
		t.Errorf("expected zero supply, got %s", h.engine.TotalSupply(call))
	}

	snap, err := h.engine.GetVault(testutil.Alice, 1)
	if err != nil {
		t.Fatalf("GetVault failed: %v", err)
	}
	if !snap.IsEmpty() {
		t.Errorf("expected settled vault to be empty, got %+v", snap)
	}
}

// ============================================================================
// Test: settlement converts through a strike asset not priced at 1
// ============================================================================

func TestNakedCall_SettlesThroughStrikeAssetPrice(t *testing.T) {
	h := newHarness(t)
	call := h.create("300", "call")
	writeNakedCall(h, call)

	// WETH 400, USDC 0.5: spot is 800 USDC, so 10 calls owe 5000 USDC,
	// worth 2500 in the pricing unit, i.e. 6.25 WETH.
	h.expireAt("400", "0.5")

	paid, err := h.engine.SettleVault(context.Background(), testutil.Alice, testutil.Alice, 1, common.Address{}, h.now)
	if err != nil {
		t.Fatalf("SettleVault failed: %v", err)
	}
	assertAmount(t, "writer payout", paid, testutil.WETHAmount("3.75"))

	paid, err = h.engine.Redeem(context.Background(), testutil.Bob, call, testutil.Options("10"), common.Address{}, h.now)
	if err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	assertAmount(t, "holder payout", paid, testutil.WETHAmount("6.25"))
	if h.engine.PoolBalance(testutil.WETH).Sign() != 0 {
		t.Errorf("expected empty WETH pool, got %s", h.engine.PoolBalance(testutil.WETH))
	}
}

// ============================================================================
// Test: payouts the margin pool cannot cover are rejected, not applied
// ============================================================================

func TestRedeem_PoolShortfallIsRejected(t *testing.T) {
	h := newHarness(t)
	call := h.create("300", "cash-call")

	// Two writers each lock 3000 USDC against 10 calls.
	for _, writer := range []common.Address{testutil.Alice, testutil.Carol} {
		h.mustFund(writer, testutil.USDC, testutil.USDCAmount("3000"))
		h.mustOperate(writer,
			core.OpenVault{Owner: writer, VaultID: 1},
			core.DepositCollateral{Owner: writer, VaultID: 1, Asset: testutil.USDC, Amount: testutil.USDCAmount("3000"), From: writer},
			core.MintShortOption{Owner: writer, VaultID: 1, Instrument: call, Amount: testutil.Options("10"), To: writer},
		)
	}
	// Settling at 700 each block of 10 calls is worth 4000 USDC.
	h.expire("700")

	paid, err := h.engine.Redeem(context.Background(), testutil.Alice, call, testutil.Options("10"), common.Address{}, h.now)
	if err != nil {
		t.Fatalf("first Redeem failed: %v", err)
	}
	assertAmount(t, "first payout", paid, testutil.USDCAmount("4000"))
	assertAmount(t, "pool USDC", h.engine.PoolBalance(testutil.USDC), testutil.USDCAmount("2000"))

	seq := h.engine.GetSequence()
	_, err = h.engine.Redeem(context.Background(), testutil.Carol, call, testutil.Options("10"), common.Address{}, h.now)
	if !errors.Is(err, core.ErrPoolShortfall) {
		t.Fatalf("expected ErrPoolShortfall, got %v", err)
	}
	if core.ErrorKind(err) != "pool_shortfall" {
		t.Errorf("expected kind pool_shortfall, got %s", core.ErrorKind(err))
	}
	if h.engine.GetSequence() != seq {
		t.Errorf("rejected redeem must not commit")
	}
	assertAmount(t, "carol options", h.balance(testutil.Carol, call), testutil.Options("10"))
	assertAmount(t, "pool USDC", h.engine.PoolBalance(testutil.USDC), testutil.USDCAmount("2000"))

	// An underwater vault still settles for nothing.
	paid, err = h.engine.SettleVault(context.Background(), testutil.Carol, testutil.Carol, 1, common.Address{}, h.now)
	if err != nil {
		t.Fatalf("SettleVault failed: %v", err)
	}
	if paid.Sign() != 0 {
		t.Errorf("expected zero settlement payout, got %s", paid)
	}
}

// ============================================================================
// Test: Scenario B - call spread nets to the strike distance
// ============================================================================

func TestCallSpread_SettlesNetOfLong(t *testing.T) {
	h := newHarness(t)
	call200 := h.create("200", "call")
	call300 := h.create("300", "call")

	// Bob writes the 300 calls Alice uses as her long leg.
	h.mustFund(testutil.Bob, testutil.WETH, testutil.WETHAmount("10"))
	h.mustOperate(testutil.Bob,
		core.OpenVault{Owner: testutil.Bob, VaultID: 1},
		core.DepositCollateral{Owner: testutil.Bob, VaultID: 1, Asset: testutil.WETH, Amount: testutil.WETHAmount("10"), From: testutil.Bob},
		core.MintShortOption{Owner: testutil.Bob, VaultID: 1, Instrument: call300, Amount: testutil.Options("10"), To: testutil.Alice},
	)

	// Spread requirement is (300-200)*10/300 = 3.33.. WETH, well under 10.
	h.mustFund(testutil.Alice, testutil.WETH, testutil.WETHAmount("4"))
	h.mustOperate(testutil.Alice,
		core.OpenVault{Owner: testutil.Alice, VaultID: 1},
		core.DepositCollateral{Owner: testutil.Alice, VaultID: 1, Asset: testutil.WETH, Amount: testutil.WETHAmount("4"), From: testutil.Alice},
		core.DepositLongOption{Owner: testutil.Alice, VaultID: 1, Instrument: call300, Amount: testutil.Options("10"), From: testutil.Alice},
		core.MintShortOption{Owner: testutil.Alice, VaultID: 1, Instrument: call200, Amount: testutil.Options("10"), To: testutil.Carol},
	)

	h.expire("400")
	ctx := context.Background()

	paid, err := h.engine.SettleVault(ctx, testutil.Alice, testutil.Alice, 1, common.Address{}, h.now)
	if err != nil {
		t.Fatalf("settle spread: %v", err)
	}
	// Owes (200-100)*10 = 1000 USDC = 2.5 WETH.
	assertAmount(t, "spread writer payout", paid, testutil.WETHAmount("1.5"))

	paid, err = h.engine.SettleVault(ctx, testutil.Bob, testutil.Bob, 1, common.Address{}, h.now)
	if err != nil {
		t.Fatalf("settle naked: %v", err)
	}
	assertAmount(t, "naked writer payout", paid, testutil.WETHAmount("7.5"))

	paid, err = h.engine.Redeem(ctx, testutil.Carol, call200, testutil.Options("10"), common.Address{}, h.now)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	assertAmount(t, "carol payout", paid, testutil.WETHAmount("5"))

	if h.engine.PoolBalance(testutil.WETH).Sign() != 0 {
		t.Errorf("expected empty WETH pool, got %s", h.engine.PoolBalance(testutil.WETH))
	}
	if h.engine.TotalSupply(call300).Sign() != 0 {
		t.Errorf("expected vault-held longs burned, supply %s", h.engine.TotalSupply(call300))
	}
}

// ============================================================================
// Test: Scenario C - out-of-the-money put
// ============================================================================

func TestOTMPut_FullCollateralReturnedAndZeroRedeem(t *testing.T) {
	h := newHarness(t)
	put := h.create("300", "put")

	h.mustFund(testutil.Alice, testutil.USDC, testutil.USDCAmount("3000"))
	h.mustOperate(testutil.Alice,
		core.OpenVault{Owner: testutil.Alice, VaultID: 1},
		core.DepositCollateral{Owner: testutil.Alice, VaultID: 1, Asset: testutil.USDC, Amount: testutil.USDCAmount("3000"), From: testutil.Alice},
		core.MintShortOption{Owner: testutil.Alice, VaultID: 1, Instrument: put, Amount: testutil.Options("10"), To: testutil.Bob},
	)

	h.expire("400")
	ctx := context.Background()

	paid, err := h.engine.Redeem(ctx, testutil.Bob, put, testutil.Options("10"), common.Address{}, h.now)
	if err != nil {
		t.Fatalf("OTM redeem must succeed: %v", err)
	}
	if paid.Sign() != 0 {
		t.Errorf("expected zero payout, got %s", paid)
	}
	if h.balance(testutil.Bob, put).Sign() != 0 {
		t.Errorf("expected redeemed options burned, got %s", h.balance(testutil.Bob, put))
	}

	paid, err = h.engine.SettleVault(ctx, testutil.Alice, testutil.Alice, 1, common.Address{}, h.now)
	if err != nil {
		t.Fatalf("SettleVault failed: %v", err)
	}
	assertAmount(t, "writer payout", paid, testutil.USDCAmount("3000"))
}

// ============================================================================
// Test: Scenario D - lifecycle errors
// ============================================================================

func TestRedeemBeforeExpiry_Fails(t *testing.T) {
	h := newHarness(t)
	call := h.create("300", "call")
	writeNakedCall(h, call)

	_, err := h.engine.Redeem(context.Background(), testutil.Bob, call, testutil.Options("1"), common.Address{}, h.now)
	if !errors.Is(err, core.ErrInstrumentNotExpired) {
		t.Fatalf("expected ErrInstrumentNotExpired, got %v", err)
	}
}

func TestSettleBeforeFinalPrice_Fails(t *testing.T) {
	h := newHarness(t)
	call := h.create("300", "call")
	writeNakedCall(h, call)
	h.now = testutil.Expiry

	_, err := h.engine.SettleVault(context.Background(), testutil.Alice, testutil.Alice, 1, common.Address{}, h.now)
	if !errors.Is(err, core.ErrPriceNotFinalized) {
		t.Fatalf("missing price: expected ErrPriceNotFinalized, got %v", err)
	}

	if err := h.oracle.Set(testutil.WETH, testutil.Expiry, fpmath.MustParseDecimal("400"), false); err != nil {
		t.Fatal(err)
	}
	if err := h.oracle.Set(testutil.USDC, testutil.Expiry, fpmath.MustParseDecimal("1"), true); err != nil {
		t.Fatal(err)
	}
	_, err = h.engine.SettleVault(context.Background(), testutil.Alice, testutil.Alice, 1, common.Address{}, h.now)
	if !errors.Is(err, core.ErrPriceNotFinalized) {
		t.Fatalf("unfinalized price: expected ErrPriceNotFinalized, got %v", err)
	}
}

func TestSettleBeforeExpiry_Fails(t *testing.T) {
	h := newHarness(t)
	call := h.create("300", "call")
	writeNakedCall(h, call)

	_, err := h.engine.SettleVault(context.Background(), testutil.Alice, testutil.Alice, 1, common.Address{}, h.now)
	if !errors.Is(err, core.ErrInstrumentNotExpired) {
		t.Fatalf("expected ErrInstrumentNotExpired, got %v", err)
	}
}

func TestExpiredInstrument_RejectsMintBurnAndWithdraw(t *testing.T) {
	h := newHarness(t)
	call := h.create("300", "call")
	writeNakedCall(h, call)
	h.expire("400")

	cases := []struct {
		name   string
		action core.Action
	}{
		{"mint", core.MintShortOption{Owner: testutil.Alice, VaultID: 1, Instrument: call, Amount: testutil.Options("1"), To: testutil.Alice}},
		{"burn", core.BurnShortOption{Owner: testutil.Alice, VaultID: 1, Instrument: call, Amount: testutil.Options("1"), From: testutil.Alice}},
		{"withdraw collateral", core.WithdrawCollateral{Owner: testutil.Alice, VaultID: 1, Asset: testutil.WETH, Amount: big.NewInt(1), To: testutil.Alice}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.operate(testutil.Alice, tc.action)
			if !errors.Is(err, core.ErrInstrumentExpired) {
				t.Fatalf("expected ErrInstrumentExpired, got %v", err)
			}
		})
	}
}

// ============================================================================
// Test: Atomicity
// ============================================================================

func TestUndercollateralizedBatch_RollsBack(t *testing.T) {
	h := newHarness(t)
	call := h.create("300", "call")
	h.mustFund(testutil.Alice, testutil.WETH, testutil.WETHAmount("10"))
	seq := h.engine.GetSequence()
	hash := h.engine.GetStateHash()
	drainOutputs(h.persist)

	_, err := h.operate(testutil.Alice,
		core.OpenVault{Owner: testutil.Alice, VaultID: 1},
		core.DepositCollateral{Owner: testutil.Alice, VaultID: 1, Asset: testutil.WETH, Amount: testutil.WETHAmount("9"), From: testutil.Alice},
		core.MintShortOption{Owner: testutil.Alice, VaultID: 1, Instrument: call, Amount: testutil.Options("10"), To: testutil.Bob},
	)
	if !errors.Is(err, core.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	var ae *core.ActionError
	if !errors.As(err, &ae) || ae.Index != 2 || ae.Kind != core.ActionMintShortOption {
		t.Errorf("expected failure attributed to action 2 (mint), got %v", err)
	}

	if n := h.engine.VaultCount(testutil.Alice); n != 0 {
		t.Errorf("expected no vault opened, got count %d", n)
	}
	assertAmount(t, "alice WETH", h.balance(testutil.Alice, testutil.WETH), testutil.WETHAmount("10"))
	if h.balance(testutil.Bob, call).Sign() != 0 {
		t.Errorf("expected no options minted")
	}
	if h.engine.GetSequence() != seq || h.engine.GetStateHash() != hash {
		t.Errorf("expected sequence and hash unchanged")
	}
	if outs := drainOutputs(h.persist); len(outs) != 0 {
		t.Errorf("expected no output for rejected batch, got %d", len(outs))
	}
}

func TestLaterActionFailure_DiscardsEarlierActions(t *testing.T) {
	h := newHarness(t)
	h.mustFund(testutil.Alice, testutil.USDC, testutil.USDCAmount("100"))

	_, err := h.operate(testutil.Alice,
		core.OpenVault{Owner: testutil.Alice, VaultID: 1},
		core.DepositCollateral{Owner: testutil.Alice, VaultID: 1, Asset: testutil.USDC, Amount: testutil.USDCAmount("60"), From: testutil.Alice},
		core.DepositCollateral{Owner: testutil.Alice, VaultID: 1, Asset: testutil.USDC, Amount: testutil.USDCAmount("60"), From: testutil.Alice},
	)
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance on second deposit, got %v", err)
	}
	var ae *core.ActionError
	if !errors.As(err, &ae) || ae.Index != 2 {
		t.Errorf("expected action index 2, got %v", err)
	}
	assertAmount(t, "alice USDC", h.balance(testutil.Alice, testutil.USDC), testutil.USDCAmount("100"))
	if _, err := h.engine.GetVault(testutil.Alice, 1); !errors.Is(err, core.ErrVaultNotFound) {
		t.Errorf("expected vault not to exist, got %v", err)
	}
}

func TestSlotOverflow_FailsTheOverflowingAction(t *testing.T) {
	h := newHarness(t)
	call := h.create("300", "call")

	_, err := h.operate(testutil.Alice,
		core.OpenVault{Owner: testutil.Alice, VaultID: 1},
		core.MintShortOption{Owner: testutil.Alice, VaultID: 1, Instrument: call, Amount: fpmath.MaxUint256, To: testutil.Alice},
		core.MintShortOption{Owner: testutil.Alice, VaultID: 1, Instrument: call, Amount: big.NewInt(1), To: testutil.Alice},
		core.DepositCollateral{Owner: testutil.Alice, VaultID: 1, Asset: testutil.WETH, Amount: big.NewInt(1), From: testutil.Alice},
	)
	if !errors.Is(err, core.ErrArithmeticOverflow) {
		t.Fatalf("expected ErrArithmeticOverflow, got %v", err)
	}
	var ae *core.ActionError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *ActionError, got %T", err)
	}
	if ae.Index != 2 || ae.Kind != core.ActionMintShortOption {
		t.Errorf("expected failure at action 2 (mint), got %d (%s)", ae.Index, ae.Kind)
	}
	if h.engine.VaultCount(testutil.Alice) != 0 {
		t.Errorf("rejected batch must not open the vault")
	}
}

func TestTwoShortsInOneVault_InvalidStructure(t *testing.T) {
	h := newHarness(t)
	put300 := h.create("300", "put")
	put250 := h.create("250", "put")
	h.mustFund(testutil.Alice, testutil.USDC, testutil.USDCAmount("10000"))

	_, err := h.operate(testutil.Alice,
		core.OpenVault{Owner: testutil.Alice, VaultID: 1},
		core.DepositCollateral{Owner: testutil.Alice, VaultID: 1, Asset: testutil.USDC, Amount: testutil.USDCAmount("10000"), From: testutil.Alice},
		core.MintShortOption{Owner: testutil.Alice, VaultID: 1, Instrument: put300, Amount: testutil.Options("1"), To: testutil.Alice},
		core.MintShortOption{Owner: testutil.Alice, VaultID: 1, Instrument: put250, Amount: testutil.Options("1"), To: testutil.Alice},
	)
	if !errors.Is(err, core.ErrInvalidVaultStructure) {
		t.Fatalf("expected ErrInvalidVaultStructure, got %v", err)
	}
}

// ============================================================================
// Test: Authorization
// ============================================================================

func TestOperatorAuthorization(t *testing.T) {
	h := newHarness(t)
	h.mustFund(testutil.Bob, testutil.USDC, testutil.USDCAmount("10"))
	h.mustOperate(testutil.Alice, core.OpenVault{Owner: testutil.Alice, VaultID: 1})

	deposit := core.DepositCollateral{Owner: testutil.Alice, VaultID: 1, Asset: testutil.USDC, Amount: testutil.USDCAmount("10"), From: testutil.Bob}

	if _, err := h.operate(testutil.Bob, deposit); !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized before approval, got %v", err)
	}

	if err := h.engine.SetOperator(uuid.New(), testutil.Alice, testutil.Bob, true, h.now); err != nil {
		t.Fatalf("SetOperator failed: %v", err)
	}
	h.mustOperate(testutil.Bob, deposit)

	snap, _ := h.engine.GetVault(testutil.Alice, 1)
	if len(snap.Collateral) != 1 {
		t.Fatalf("expected collateral in alice's vault, got %+v", snap.Collateral)
	}
	assertAmount(t, "vault collateral", snap.Collateral[0].Amount, testutil.USDCAmount("10"))

	// An operator cannot pull tokens from a third party.
	h.mustFund(testutil.Carol, testutil.USDC, testutil.USDCAmount("1"))
	deposit.From = testutil.Carol
	deposit.Amount = testutil.USDCAmount("1")
	if _, err := h.operate(testutil.Bob, deposit); !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign from, got %v", err)
	}
}

// ============================================================================
// Test: Vault lifecycle
// ============================================================================

func TestOpenVault_SequentialIDs(t *testing.T) {
	h := newHarness(t)

	if _, err := h.operate(testutil.Alice, core.OpenVault{Owner: testutil.Alice, VaultID: 2}); !errors.Is(err, core.ErrInvalidVaultID) {
		t.Fatalf("expected ErrInvalidVaultID for skipped id, got %v", err)
	}
	if _, err := h.operate(testutil.Alice, core.OpenVault{Owner: testutil.Alice, VaultID: 0}); !errors.Is(err, core.ErrInvalidVaultID) {
		t.Fatalf("expected ErrInvalidVaultID for id 0, got %v", err)
	}

	h.mustOperate(testutil.Alice,
		core.OpenVault{Owner: testutil.Alice, VaultID: 1},
		core.OpenVault{Owner: testutil.Alice, VaultID: 2},
	)
	if n := h.engine.VaultCount(testutil.Alice); n != 2 {
		t.Fatalf("expected 2 vaults, got %d", n)
	}

	// Reopening with the same type is a no-op.
	h.mustOperate(testutil.Alice, core.OpenVault{Owner: testutil.Alice, VaultID: 1})
	if n := h.engine.VaultCount(testutil.Alice); n != 2 {
		t.Fatalf("expected count unchanged, got %d", n)
	}

	_, err := h.operate(testutil.Alice, core.OpenVault{Owner: testutil.Alice, VaultID: 1, VaultType: ledger.VaultTypePartiallyCollateralized})
	if !errors.Is(err, core.ErrVaultConfigConflict) {
		t.Fatalf("expected ErrVaultConfigConflict, got %v", err)
	}
	_, err = h.operate(testutil.Alice, core.OpenVault{Owner: testutil.Alice, VaultID: 3, VaultType: ledger.VaultTypePartiallyCollateralized})
	if !errors.Is(err, core.ErrUnsupportedVaultType) {
		t.Fatalf("expected ErrUnsupportedVaultType, got %v", err)
	}
}

func TestSettleTwice_SecondIsNoop(t *testing.T) {
	h := newHarness(t)
	call := h.create("300", "call")
	writeNakedCall(h, call)
	h.expire("400")
	ctx := context.Background()

	if _, err := h.engine.SettleVault(ctx, testutil.Alice, testutil.Alice, 1, common.Address{}, h.now); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	before := h.balance(testutil.Alice, testutil.WETH)
	pool := h.engine.PoolBalance(testutil.WETH)

	paid, err := h.engine.SettleVault(ctx, testutil.Alice, testutil.Alice, 1, common.Address{}, h.now)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if paid.Sign() != 0 {
		t.Errorf("expected zero on second settle, got %s", paid)
	}
	assertAmount(t, "alice WETH", h.balance(testutil.Alice, testutil.WETH), before)
	assertAmount(t, "pool WETH", h.engine.PoolBalance(testutil.WETH), pool)
}

func TestDepositWithdraw_RoundTripKeepsExcess(t *testing.T) {
	h := newHarness(t)
	put := h.create("300", "put")
	h.mustFund(testutil.Alice, testutil.USDC, testutil.USDCAmount("4000"))
	h.mustOperate(testutil.Alice,
		core.OpenVault{Owner: testutil.Alice, VaultID: 1},
		core.DepositCollateral{Owner: testutil.Alice, VaultID: 1, Asset: testutil.USDC, Amount: testutil.USDCAmount("3500"), From: testutil.Alice},
		core.MintShortOption{Owner: testutil.Alice, VaultID: 1, Instrument: put, Amount: testutil.Options("10"), To: testutil.Alice},
	)
	ctx := context.Background()

	excess := func() *big.Int {
		t.Helper()
		snap, err := h.engine.GetVault(testutil.Alice, 1)
		if err != nil {
			t.Fatal(err)
		}
		res, err := h.engine.GetExcessCollateral(ctx, snap, nil)
		if err != nil {
			t.Fatal(err)
		}
		return res.Native
	}

	start := excess()
	assertAmount(t, "initial excess", start, testutil.USDCAmount("500"))

	h.mustOperate(testutil.Alice, core.DepositCollateral{Owner: testutil.Alice, VaultID: 1, Asset: testutil.USDC, Amount: testutil.USDCAmount("123.456789"), From: testutil.Alice})
	h.mustOperate(testutil.Alice, core.WithdrawCollateral{Owner: testutil.Alice, VaultID: 1, Asset: testutil.USDC, Amount: testutil.USDCAmount("123.456789"), To: testutil.Alice})

	assertAmount(t, "excess after round trip", excess(), start)

	// Withdrawing past the excess fails the end-of-batch check.
	_, err := h.operate(testutil.Alice, core.WithdrawCollateral{Owner: testutil.Alice, VaultID: 1, Asset: testutil.USDC, Amount: testutil.USDCAmount("500.000001"), To: testutil.Alice})
	if !errors.Is(err, core.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
}

func TestBurnShort_ReleasesRequirement(t *testing.T) {
	h := newHarness(t)
	call := h.create("300", "call")
	h.mustFund(testutil.Alice, testutil.WETH, testutil.WETHAmount("10"))
	h.mustOperate(testutil.Alice,
		core.OpenVault{Owner: testutil.Alice, VaultID: 1},
		core.DepositCollateral{Owner: testutil.Alice, VaultID: 1, Asset: testutil.WETH, Amount: testutil.WETHAmount("10"), From: testutil.Alice},
		core.MintShortOption{Owner: testutil.Alice, VaultID: 1, Instrument: call, Amount: testutil.Options("10"), To: testutil.Alice},
	)

	h.mustOperate(testutil.Alice,
		core.BurnShortOption{Owner: testutil.Alice, VaultID: 1, Instrument: call, Amount: testutil.Options("4"), From: testutil.Alice},
		core.WithdrawCollateral{Owner: testutil.Alice, VaultID: 1, Asset: testutil.WETH, Amount: testutil.WETHAmount("4"), To: testutil.Alice},
	)
	assertAmount(t, "alice options", h.balance(testutil.Alice, call), testutil.Options("6"))
	assertAmount(t, "alice WETH", h.balance(testutil.Alice, testutil.WETH), testutil.WETHAmount("4"))

	_, err := h.operate(testutil.Alice,
		core.BurnShortOption{Owner: testutil.Alice, VaultID: 1, Instrument: call, Amount: testutil.Options("7"), From: testutil.Alice},
	)
	if !errors.Is(err, core.ErrInsufficientPosition) {
		t.Fatalf("expected ErrInsufficientPosition, got %v", err)
	}
}

// ============================================================================
// Test: Batch admission
// ============================================================================

func TestDuplicateBatch_Rejected(t *testing.T) {
	h := newHarness(t)
	b := core.Batch{
		ID:        uuid.New(),
		Actor:     testutil.Alice,
		Timestamp: h.now,
		Actions:   []core.Action{core.OpenVault{Owner: testutil.Alice, VaultID: 1}},
	}
	if _, err := h.engine.Operate(context.Background(), b); err != nil {
		t.Fatalf("first operate: %v", err)
	}
	if _, err := h.engine.Operate(context.Background(), b); !errors.Is(err, core.ErrDuplicateBatch) {
		t.Fatalf("expected ErrDuplicateBatch, got %v", err)
	}
}

func TestStaleTimestamp_Rejected(t *testing.T) {
	h := newHarness(t)
	h.mustOperate(testutil.Alice, core.OpenVault{Owner: testutil.Alice, VaultID: 1})
	h.now--

	_, err := h.operate(testutil.Alice, core.OpenVault{Owner: testutil.Alice, VaultID: 2})
	if !errors.Is(err, core.ErrStaleTimestamp) {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
}

func TestEmptyBatch_Rejected(t *testing.T) {
	h := newHarness(t)
	if _, err := h.operate(testutil.Alice); !errors.Is(err, core.ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
}

// ============================================================================
// Test: Outputs, hash chain and recovery
// ============================================================================

func TestCommittedBatch_EmitsChainedEnvelope(t *testing.T) {
	h := newHarness(t)
	call := h.create("300", "call")
	writeNakedCall(h, call)

	outs := drainOutputs(h.persist)
	// instrument created, funding, operate
	if len(outs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outs))
	}
	for i := 1; i < len(outs); i++ {
		if outs[i].Envelope.Sequence != outs[i-1].Envelope.Sequence+1 {
			t.Errorf("sequence gap at %d", i)
		}
		if outs[i].Envelope.PrevHash != outs[i-1].Envelope.StateHash {
			t.Errorf("hash chain broken at %d", i)
		}
	}

	last := outs[2]
	if last.Batch == nil || len(last.Batch.Journals) != 2 {
		t.Fatalf("expected deposit and mint journals, got %+v", last.Batch)
	}
	if last.Batch.Journals[1].JournalType != ledger.JournalTypeShortMint {
		t.Errorf("expected mint journal, got %s", last.Batch.Journals[1].JournalType)
	}
}

func TestReplay_ReproducesState(t *testing.T) {
	h := newHarness(t)
	call := h.create("300", "call")
	writeNakedCall(h, call)
	h.expire("400")
	if _, err := h.engine.SettleVault(context.Background(), testutil.Alice, testutil.Alice, 1, common.Address{}, h.now); err != nil {
		t.Fatalf("SettleVault failed: %v", err)
	}
	outs := drainOutputs(h.persist)

	replica := core.NewEngine(core.Config{
		Whitelist: testutil.Whitelist(),
		Assets:    testutil.Assets(),
		Oracle:    h.oracle,
		Logger:    zerolog.Nop(),
	})
	for _, o := range outs {
		if err := replica.Replay(context.Background(), o.Envelope); err != nil {
			t.Fatalf("replay seq %d: %v", o.Envelope.Sequence, err)
		}
	}

	if replica.GetStateHash() != h.engine.GetStateHash() {
		t.Fatalf("replica hash %s != %s", replica.GetStateHash().Hex(), h.engine.GetStateHash().Hex())
	}
	assertAmount(t, "replica alice WETH", replica.BalanceOf(testutil.Alice, testutil.WETH), testutil.WETHAmount("7.5"))
}

func TestSnapshot_RestoreRoundTrip(t *testing.T) {
	h := newHarness(t)
	call := h.create("300", "call")
	writeNakedCall(h, call)
	if err := h.engine.SetOperator(uuid.New(), testutil.Alice, testutil.Carol, true, h.now); err != nil {
		t.Fatal(err)
	}
	snap := h.engine.CreateSnapshotState()

	restored := core.NewEngine(core.Config{
		Whitelist: testutil.Whitelist(),
		Assets:    testutil.Assets(),
		Oracle:    h.oracle,
		Logger:    zerolog.Nop(),
	})
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("RestoreFromSnapshot failed: %v", err)
	}

	if restored.GetSequence() != h.engine.GetSequence() {
		t.Errorf("sequence: expected %d, got %d", h.engine.GetSequence(), restored.GetSequence())
	}
	if restored.GetStateHash() != h.engine.GetStateHash() {
		t.Errorf("state hash mismatch")
	}
	if !restored.IsOperator(testutil.Alice, testutil.Carol) {
		t.Errorf("expected operator approval restored")
	}
	v, err := restored.GetVault(testutil.Alice, 1)
	if err != nil {
		t.Fatalf("GetVault: %v", err)
	}
	if len(v.Shorts) != 1 || v.Shorts[0].Asset != call {
		t.Errorf("expected short restored, got %+v", v.Shorts)
	}
	assertAmount(t, "bob options", restored.BalanceOf(testutil.Bob, call), testutil.Options("10"))

	// The restored engine keeps processing.
	if err := restored.Fund(core.TokenMove{ID: uuid.New(), Timestamp: testutil.Now, To: testutil.Alice, Token: testutil.USDC, Amount: big.NewInt(1)}); err != nil {
		t.Fatalf("Fund after restore: %v", err)
	}
	if restored.GetSequence() != h.engine.GetSequence()+1 {
		t.Errorf("expected restored engine to advance")
	}
}
