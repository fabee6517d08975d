package core

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"OptionLedger/internal/access"
	"OptionLedger/internal/event"
	"OptionLedger/internal/instrument"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/margin"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/oracle"
	"OptionLedger/internal/whitelist"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is the single-threaded vault ledger and action processor.
// Not thread-safe: callers serialize access, normally through a Runner.
type Engine struct {
	sequence    int64
	hasher      *StateHasher
	vaults      *ledger.VaultBook
	balances    *ledger.BalanceTracker
	validator   *ledger.InvariantValidator
	instruments *instrument.Registry
	whitelist   whitelist.Whitelist
	assets      *whitelist.AssetRegistry
	operators   *access.Operators
	oracle      oracle.Gateway
	calc        *margin.Calculator
	idempotency *IdempotencyChecker
	clock       *TimestampValidator
	metrics     *observability.Metrics
	log         zerolog.Logger

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput

	replaying bool
}

// CoreOutput is one committed event together with its journals.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
}

type Config struct {
	Whitelist whitelist.Whitelist
	Assets    *whitelist.AssetRegistry
	Oracle    oracle.Gateway

	IdempotencyCapacity int
	DBChecker           DBIdempotencyChecker

	Metrics *observability.Metrics
	Logger  zerolog.Logger

	// PersistChan receives every committed event with a blocking send.
	PersistChan chan<- CoreOutput
	// PublishChan receives events with a non-blocking send; full means drop.
	PublishChan chan<- CoreOutput
}

func NewEngine(cfg Config) *Engine {
	balances := ledger.NewBalanceTracker()
	registry := instrument.NewRegistry(cfg.Whitelist, cfg.Assets)

	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 100_000
	}

	return &Engine{
		hasher:      NewStateHasher(),
		vaults:      ledger.NewVaultBook(),
		balances:    balances,
		validator:   ledger.NewInvariantValidator(balances),
		instruments: registry,
		whitelist:   cfg.Whitelist,
		assets:      cfg.Assets,
		operators:   access.NewOperators(),
		oracle:      cfg.Oracle,
		calc:        margin.NewCalculator(registry, cfg.Assets),
		idempotency: NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics),
		clock:       NewTimestampValidator(),
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		persistChan: cfg.PersistChan,
		publishChan: cfg.PublishChan,
	}
}

// Operate applies every action of b in order, then checks that each vault
// the batch touched is well formed and solvent. Either all of the batch
// commits or none of it does.
func (e *Engine) Operate(ctx context.Context, b Batch) (*Receipt, error) {
	start := time.Now()

	if err := e.admit(b.ID, b.Timestamp); err != nil {
		return nil, e.reject(b, err)
	}
	if len(b.Actions) == 0 {
		return nil, e.reject(b, ErrEmptyBatch)
	}
	if b.Actor == (common.Address{}) {
		return nil, e.reject(b, fmt.Errorf("%w: actor", ErrInvalidAddress))
	}

	tx := e.begin(b)
	for i, a := range b.Actions {
		if err := tx.apply(ctx, i, a); err != nil {
			return nil, e.reject(b, &ActionError{Index: i, Kind: a.Kind(), Err: err})
		}
	}
	if err := tx.checkSolvency(); err != nil {
		return nil, e.reject(b, err)
	}

	env, err := event.Seal(b.ID, b.Actor, b.Timestamp, tx.record())
	if err != nil {
		return nil, err
	}
	staged := tx.staged()
	e.commit(env, tx.gen.Batch(), staged)

	if e.metrics != nil {
		e.metrics.CoreBatchesApplied.Inc()
		for _, a := range b.Actions {
			e.metrics.CoreActionsApplied.WithLabelValues(a.Kind().String()).Inc()
		}
		e.metrics.CoreBatchDuration.Observe(time.Since(start).Seconds())
	}
	e.recordPayouts(b, tx.payouts)

	return &Receipt{
		BatchID:   b.ID,
		Sequence:  env.Sequence,
		StateHash: env.StateHash,
		Payouts:   tx.payouts,
		Touched:   tx.order,
	}, nil
}

// admit runs the checks every incoming event passes before it is applied.
func (e *Engine) admit(id uuid.UUID, ts uint64) error {
	if !e.replaying && e.idempotency.IsDuplicate(id) {
		return fmt.Errorf("%w: %s", ErrDuplicateBatch, id)
	}
	return e.clock.Validate(ts)
}

func (e *Engine) reject(b Batch, err error) error {
	kind := ErrorKind(err)
	ev := e.log.Warn().
		Str("batch_id", b.ID.String()).
		Str("actor", b.Actor.Hex()).
		Str("kind", kind).
		Err(err)
	if ae, ok := err.(*ActionError); ok {
		ev = ev.Int("action_index", ae.Index).Str("action", ae.Kind.String())
	}
	ev.Msg("batch rejected")

	if e.metrics != nil {
		e.metrics.CoreBatchesRejected.WithLabelValues(kind).Inc()
	}
	return err
}

func (e *Engine) recordPayouts(b Batch, payouts []Payout) {
	for _, p := range payouts {
		asset := e.assets.Symbol(p.Asset)
		switch p.Kind {
		case ActionSettleVault:
			e.log.Info().
				Str("batch_id", b.ID.String()).
				Str("recipient", p.Recipient.Hex()).
				Str("asset", asset).
				Str("amount", p.Amount.String()).
				Msg("vault settled")
			if e.metrics != nil {
				e.metrics.SettlementsTotal.Inc()
				e.metrics.SettlementPayouts.WithLabelValues(asset).Add(float64Of(p.Amount))
			}
		case ActionRedeem:
			if e.metrics != nil {
				e.metrics.RedemptionsTotal.Inc()
				e.metrics.RedemptionPayouts.WithLabelValues(asset).Add(float64Of(p.Amount))
			}
		}
	}
}

// commit applies journals and staged vaults, extends the hash chain and
// emits the event. Nothing in here may fail for a validated batch.
func (e *Engine) commit(env *event.EventEnvelope, journals *ledger.Batch, staged []*ledger.Vault) {
	if journals != nil {
		if err := e.validator.ValidateBatchBalance(journals); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := e.balances.ApplyBatch(journals); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch %s: %v", env.EventID, err))
		}
	}
	for _, v := range staged {
		e.vaults.Put(v)
	}

	if err := e.postCheckInvariants(journals); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	env.Sequence = e.sequence
	env.PrevHash = e.hasher.GetPrevHash()
	env.StateHash = e.hasher.ComputeHash(e.sequence, e.computeStateDigest(journals, staged))
	e.sequence++
	e.clock.Advance(env.Timestamp)
	e.idempotency.MarkProcessed(env.EventID)

	if e.metrics != nil {
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.metrics.CoreVaults.Set(float64(e.vaults.Len()))
		if journals != nil {
			for _, j := range journals.Journals {
				e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	if e.replaying {
		return
	}
	output := CoreOutput{Envelope: env, Batch: journals}

	// Persistence: blocking send. The core stalls until the worker drains,
	// so no committed event is lost.
	if e.persistChan != nil {
		e.persistChan <- output
	}

	// Publishing: non-blocking send, dropped when full. Subscribers can
	// rebuild from the event log.
	if e.publishChan != nil {
		select {
		case e.publishChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

// postCheckInvariants verifies every pool account touched by the batch.
func (e *Engine) postCheckInvariants(journals *ledger.Batch) error {
	if journals == nil {
		return nil
	}
	for _, j := range journals.Journals {
		for _, k := range []ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
			if k.Scope == ledger.AccountScopeSystem {
				if err := e.validator.ValidatePoolNonNegative(k.Token); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// computeStateDigest creates canonical bytes for the state hash: every
// affected account balance followed by every touched vault.
func (e *Engine) computeStateDigest(journals *ledger.Batch, staged []*ledger.Vault) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if journals != nil {
		for _, j := range journals.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*96)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendBigInt(digest, e.balances.GetBalance(key))
	}

	vaults := append([]*ledger.Vault(nil), staged...)
	sort.Slice(vaults, func(i, j int) bool {
		return vaults[i].Key().String() < vaults[j].Key().String()
	})
	for _, v := range vaults {
		digest = append(digest, v.Owner.Bytes()...)
		digest = appendUint64LE(digest, v.ID)
		digest = append(digest, byte(v.Type))
		snap := v.Snapshot()
		for _, seq := range [][]ledger.Position{snap.Shorts, snap.Longs, snap.Collateral} {
			digest = append(digest, byte(len(seq)))
			for _, p := range seq {
				digest = append(digest, p.Asset.Bytes()...)
				digest = appendBigInt(digest, p.Amount)
			}
		}
	}

	return digest
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// appendBigInt writes sign, byte length and big-endian magnitude.
func appendBigInt(buf []byte, v *big.Int) []byte {
	sign := byte(0)
	if v.Sign() < 0 {
		sign = 1
	}
	mag := v.Bytes()
	buf = append(buf, sign, byte(len(mag)))
	return append(buf, mag...)
}

func float64Of(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// --- Queries ---

// GetVault returns a copy of the committed vault.
func (e *Engine) GetVault(owner common.Address, id uint64) (ledger.VaultSnapshot, error) {
	v, ok := e.vaults.Get(ledger.VaultKey{Owner: owner, ID: id})
	if !ok {
		return ledger.VaultSnapshot{}, fmt.Errorf("%w: %s/%d", ErrVaultNotFound, owner.Hex(), id)
	}
	return v.Snapshot(), nil
}

// VaultCount is the number of vaults owner has opened.
func (e *Engine) VaultCount(owner common.Address) uint64 {
	return e.vaults.Count(owner)
}

// GetExcessCollateral evaluates a vault snapshot. With at == nil, or when
// not every instrument in the vault has expired at *at, the pre-expiry
// requirement applies; otherwise the vault is valued at its expiry prices.
func (e *Engine) GetExcessCollateral(ctx context.Context, snap ledger.VaultSnapshot, at *uint64) (margin.Result, error) {
	if at == nil {
		return e.calc.ExcessCollateral(snap, false, nil)
	}

	ref, expired, err := e.expiryState(snap, *at)
	if err != nil {
		return margin.Result{}, err
	}
	if !expired || ref == nil {
		return e.calc.ExcessCollateral(snap, false, nil)
	}
	prices, err := margin.ResolvePrices(ctx, e.oracle, ref)
	if err != nil {
		return margin.Result{}, err
	}
	return e.calc.ExcessCollateral(snap, true, prices)
}

// expiryState reports the vault's reference instrument (short, else long)
// and whether every instrument in it has expired at now.
func (e *Engine) expiryState(snap ledger.VaultSnapshot, now uint64) (*instrument.Instrument, bool, error) {
	var ref *instrument.Instrument
	expired := true
	for _, seq := range [][]ledger.Position{snap.Shorts, snap.Longs} {
		for _, p := range seq {
			if p.Amount == nil || p.Amount.Sign() == 0 {
				continue
			}
			inst, ok := e.instruments.Get(p.Asset)
			if !ok {
				return nil, false, fmt.Errorf("%w: %s", ErrUnknownInstrument, p.Asset.Hex())
			}
			if ref == nil {
				ref = inst
			}
			if !inst.IsExpired(now) {
				expired = false
			}
		}
	}
	return ref, expired, nil
}

// GetPayout is the collateral a holder of amount would receive by
// redeeming inst now, without burning anything.
func (e *Engine) GetPayout(ctx context.Context, id common.Address, amount *big.Int) (*big.Int, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	inst, ok := e.instruments.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, id.Hex())
	}
	prices, err := margin.ResolvePrices(ctx, e.oracle, inst)
	if err != nil {
		return nil, err
	}
	_, native, err := e.calc.Payout(inst, amount, prices)
	return native, err
}

func (e *Engine) GetInstrument(id common.Address) (*instrument.Instrument, bool) {
	return e.instruments.Get(id)
}

func (e *Engine) ListInstruments() []*instrument.Instrument {
	return e.instruments.List()
}

// BalanceOf returns owner's wallet balance of token, including instrument
// tokens.
func (e *Engine) BalanceOf(owner, token common.Address) *big.Int {
	return e.balances.BalanceOf(owner, token)
}

func (e *Engine) PoolBalance(token common.Address) *big.Int {
	return e.balances.PoolBalance(token)
}

func (e *Engine) TotalSupply(id common.Address) *big.Int {
	return e.balances.TotalSupply(id)
}

func (e *Engine) IsOperator(owner, operator common.Address) bool {
	return e.operators.IsOperator(owner, operator)
}

// GetSequence returns the next sequence number to assign.
func (e *Engine) GetSequence() int64 {
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() common.Hash {
	return e.hasher.GetPrevHash()
}

// WarmLRU loads recently committed batch ids, oldest first, into the
// dedup cache.
func (e *Engine) WarmLRU(ids []uuid.UUID) {
	e.idempotency.lru.WarmFromKeys(ids)
}

// RecentBatchIDs returns the cached batch ids oldest first, ready for
// WarmLRU.
func (e *Engine) RecentBatchIDs() []uuid.UUID {
	keys := e.idempotency.lru.Keys()
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys
}

// --- Single-action helpers ---

// SettleVault settles one vault in its own batch and returns the payout.
func (e *Engine) SettleVault(ctx context.Context, actor, owner common.Address, vaultID uint64, to common.Address, now uint64) (*big.Int, error) {
	receipt, err := e.Operate(ctx, Batch{
		ID:        uuid.New(),
		Actor:     actor,
		Timestamp: now,
		Actions:   []Action{SettleVault{Owner: owner, VaultID: vaultID, To: to}},
	})
	if err != nil {
		return nil, err
	}
	return receipt.Payouts[0].Amount, nil
}

// Redeem exercises amount of inst held by holder in its own batch and
// returns the payout, which is zero for an out-of-the-money instrument.
func (e *Engine) Redeem(ctx context.Context, holder, inst common.Address, amount *big.Int, receiver common.Address, now uint64) (*big.Int, error) {
	receipt, err := e.Operate(ctx, Batch{
		ID:        uuid.New(),
		Actor:     holder,
		Timestamp: now,
		Actions:   []Action{Redeem{Instrument: inst, Amount: amount, Receiver: receiver}},
	})
	if err != nil {
		return nil, err
	}
	return receipt.Payouts[0].Amount, nil
}
