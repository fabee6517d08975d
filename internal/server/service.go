package server

import (
	"context"
	"math/big"

	"OptionLedger/internal/core"
	"OptionLedger/internal/event"
	"OptionLedger/internal/ingestion"
	"OptionLedger/internal/instrument"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/margin"
	fpmath "OptionLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Mutating requests carry the same JSON documents the NATS subjects accept
// and are decoded by ingestion.ParseCommand.

type OperateResponse struct {
	BatchID   string           `json:"batch_id"`
	Sequence  int64            `json:"sequence"`
	StateHash string           `json:"state_hash"`
	Payouts   []PayoutView     `json:"payouts,omitempty"`
	Touched   []event.VaultRef `json:"touched,omitempty"`
}

type PayoutView struct {
	Index     int            `json:"index"`
	Kind      string         `json:"kind"`
	Recipient common.Address `json:"recipient"`
	Asset     common.Address `json:"asset"`
	Amount    string         `json:"amount"`
}

type InstrumentResponse struct {
	Instrument *instrument.Instrument `json:"instrument"`
	Created    bool                   `json:"created"`
}

type AckResponse struct {
	RequestID string `json:"request_id"`
}

type VaultRequest struct {
	Owner   string `json:"owner"`
	VaultID uint64 `json:"vault_id"`
	// At evaluates the vault as of a timestamp; expired vaults are then
	// valued at their settlement prices.
	At *uint64 `json:"at,omitempty"`
}

type ExcessView struct {
	Collateral common.Address `json:"collateral"`
	Required   fpmath.Int     `json:"required"`
	Excess     fpmath.Int     `json:"excess"`
	Native     string         `json:"excess_native"`
	Valid      bool           `json:"valid"`
	Reason     string         `json:"reason,omitempty"`
}

type VaultResponse struct {
	Vault  ledger.VaultSnapshot `json:"vault"`
	Excess ExcessView           `json:"excess"`
}

type SettleRequest struct {
	Actor     string `json:"actor"`
	Owner     string `json:"owner"`
	VaultID   uint64 `json:"vault_id"`
	To        string `json:"to"`
	Timestamp uint64 `json:"timestamp"`
}

type RedeemRequest struct {
	Holder     string `json:"holder"`
	Instrument string `json:"instrument"`
	Amount     string `json:"amount"`
	Receiver   string `json:"receiver"`
	Timestamp  uint64 `json:"timestamp"`
}

type PayoutResponse struct {
	Payout string `json:"payout"`
}

type PayoutRequest struct {
	Instrument string `json:"instrument"`
	Amount     string `json:"amount"`
}

type InstrumentRequest struct {
	ID string `json:"id"`
}

type ListInstrumentsRequest struct{}

type ListInstrumentsResponse struct {
	Instruments []*instrument.Instrument `json:"instruments"`
}

type BalanceRequest struct {
	Owner string `json:"owner"`
	Token string `json:"token"`
}

type BalanceResponse struct {
	Owner   common.Address `json:"owner"`
	Token   common.Address `json:"token"`
	Balance string         `json:"balance"`
}

type StatusRequest struct{}

type StatusResponse struct {
	Sequence   int64  `json:"sequence"`
	StateHash  string `json:"state_hash"`
	QueueDepth int    `json:"queue_depth"`
}

// LedgerAPI is the service surface shared by gRPC and the HTTP gateway.
type LedgerAPI interface {
	Operate(ctx context.Context, req *json.RawMessage) (*OperateResponse, error)
	CreateInstrument(ctx context.Context, req *json.RawMessage) (*InstrumentResponse, error)
	SetOperator(ctx context.Context, req *json.RawMessage) (*AckResponse, error)
	Fund(ctx context.Context, req *json.RawMessage) (*AckResponse, error)
	Withdraw(ctx context.Context, req *json.RawMessage) (*AckResponse, error)
	Transfer(ctx context.Context, req *json.RawMessage) (*AckResponse, error)
	SettleVault(ctx context.Context, req *SettleRequest) (*PayoutResponse, error)
	Redeem(ctx context.Context, req *RedeemRequest) (*PayoutResponse, error)
	GetVault(ctx context.Context, req *VaultRequest) (*VaultResponse, error)
	GetPayout(ctx context.Context, req *PayoutRequest) (*PayoutResponse, error)
	GetInstrument(ctx context.Context, req *InstrumentRequest) (*InstrumentResponse, error)
	ListInstruments(ctx context.Context, req *ListInstrumentsRequest) (*ListInstrumentsResponse, error)
	Balance(ctx context.Context, req *BalanceRequest) (*BalanceResponse, error)
	Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error)
}

// LedgerService serves LedgerAPI from a running engine.
type LedgerService struct {
	runner *core.Runner
	log    zerolog.Logger
}

var _ LedgerAPI = (*LedgerService)(nil)

func NewLedgerService(runner *core.Runner, log zerolog.Logger) *LedgerService {
	return &LedgerService{runner: runner, log: log}
}

func (s *LedgerService) parse(req *json.RawMessage, kind string) (ingestion.Command, error) {
	if req == nil || len(*req) == 0 {
		return nil, invalidArg("empty %s request", kind)
	}
	cmd, err := ingestion.ParseCommand(*req, kind)
	if err != nil {
		return nil, invalidArg("%v", err)
	}
	return cmd, nil
}

func (s *LedgerService) Operate(ctx context.Context, req *json.RawMessage) (*OperateResponse, error) {
	cmd, err := s.parse(req, ingestion.KindBatch)
	if err != nil {
		return nil, err
	}
	b := cmd.(*ingestion.BatchCommand).Batch
	receipt, err := s.runner.Operate(ctx, b)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &OperateResponse{
		BatchID:   receipt.BatchID.String(),
		Sequence:  receipt.Sequence,
		StateHash: receipt.StateHash.Hex(),
	}
	for _, p := range receipt.Payouts {
		resp.Payouts = append(resp.Payouts, PayoutView{
			Index:     p.Index,
			Kind:      p.Kind.String(),
			Recipient: p.Recipient,
			Asset:     p.Asset,
			Amount:    p.Amount.String(),
		})
	}
	for _, k := range receipt.Touched {
		resp.Touched = append(resp.Touched, event.VaultRef{Owner: k.Owner, VaultID: k.ID})
	}
	return resp, nil
}

func (s *LedgerService) CreateInstrument(ctx context.Context, req *json.RawMessage) (*InstrumentResponse, error) {
	cmd, err := s.parse(req, ingestion.KindInstrument)
	if err != nil {
		return nil, err
	}
	c := cmd.(*ingestion.InstrumentCommand)
	inst, created, err := s.runner.CreateInstrument(ctx, c.ID, c.Actor, c.Spec, c.Timestamp)
	if err != nil {
		return nil, toStatus(err)
	}
	return &InstrumentResponse{Instrument: inst, Created: created}, nil
}

func (s *LedgerService) SetOperator(ctx context.Context, req *json.RawMessage) (*AckResponse, error) {
	return s.apply(ctx, req, ingestion.KindOperator)
}

func (s *LedgerService) Fund(ctx context.Context, req *json.RawMessage) (*AckResponse, error) {
	return s.apply(ctx, req, ingestion.KindFund)
}

func (s *LedgerService) Withdraw(ctx context.Context, req *json.RawMessage) (*AckResponse, error) {
	return s.apply(ctx, req, ingestion.KindWithdraw)
}

func (s *LedgerService) Transfer(ctx context.Context, req *json.RawMessage) (*AckResponse, error) {
	return s.apply(ctx, req, ingestion.KindTransfer)
}

func (s *LedgerService) apply(ctx context.Context, req *json.RawMessage, kind string) (*AckResponse, error) {
	cmd, err := s.parse(req, kind)
	if err != nil {
		return nil, err
	}
	if err := cmd.Apply(ctx, s.runner); err != nil {
		return nil, toStatus(err)
	}
	return &AckResponse{RequestID: cmd.Key().String()}, nil
}

func (s *LedgerService) SettleVault(ctx context.Context, req *SettleRequest) (*PayoutResponse, error) {
	actor, err := address("actor", req.Actor)
	if err != nil {
		return nil, err
	}
	owner, err := address("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	to, err := address("to", req.To)
	if err != nil {
		return nil, err
	}
	paid, err := s.runner.SettleVault(ctx, actor, owner, req.VaultID, to, req.Timestamp)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PayoutResponse{Payout: paid.String()}, nil
}

func (s *LedgerService) Redeem(ctx context.Context, req *RedeemRequest) (*PayoutResponse, error) {
	holder, err := address("holder", req.Holder)
	if err != nil {
		return nil, err
	}
	inst, err := address("instrument", req.Instrument)
	if err != nil {
		return nil, err
	}
	receiver, err := address("receiver", req.Receiver)
	if err != nil {
		return nil, err
	}
	amount, err := nativeAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	paid, err := s.runner.Redeem(ctx, holder, inst, amount, receiver, req.Timestamp)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PayoutResponse{Payout: paid.String()}, nil
}

func (s *LedgerService) GetVault(ctx context.Context, req *VaultRequest) (*VaultResponse, error) {
	owner, err := address("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	snap, err := s.runner.GetVault(ctx, owner, req.VaultID)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.runner.GetExcessCollateral(ctx, snap, req.At)
	if err != nil {
		return nil, toStatus(err)
	}
	return &VaultResponse{Vault: snap, Excess: excessView(res)}, nil
}

func excessView(res margin.Result) ExcessView {
	v := ExcessView{
		Collateral: res.Collateral,
		Required:   res.Required,
		Excess:     res.Excess,
		Native:     "0",
		Valid:      res.Valid,
	}
	if res.Native != nil {
		v.Native = res.Native.String()
	}
	if res.Reason != nil {
		v.Reason = res.Reason.Error()
	}
	return v
}

func (s *LedgerService) GetPayout(ctx context.Context, req *PayoutRequest) (*PayoutResponse, error) {
	inst, err := address("instrument", req.Instrument)
	if err != nil {
		return nil, err
	}
	amount, err := nativeAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	paid, err := s.runner.GetPayout(ctx, inst, amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PayoutResponse{Payout: paid.String()}, nil
}

func (s *LedgerService) GetInstrument(ctx context.Context, req *InstrumentRequest) (*InstrumentResponse, error) {
	id, err := address("id", req.ID)
	if err != nil {
		return nil, err
	}
	inst, ok, err := s.runner.GetInstrument(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	if !ok {
		return nil, status.Errorf(codes.NotFound, "instrument %s not found", id.Hex())
	}
	return &InstrumentResponse{Instrument: inst}, nil
}

func (s *LedgerService) ListInstruments(ctx context.Context, _ *ListInstrumentsRequest) (*ListInstrumentsResponse, error) {
	var list []*instrument.Instrument
	if err := s.runner.Do(ctx, func(e *core.Engine) { list = e.ListInstruments() }); err != nil {
		return nil, toStatus(err)
	}
	return &ListInstrumentsResponse{Instruments: list}, nil
}

func (s *LedgerService) Balance(ctx context.Context, req *BalanceRequest) (*BalanceResponse, error) {
	owner, err := address("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	token, err := address("token", req.Token)
	if err != nil {
		return nil, err
	}
	bal, err := s.runner.BalanceOf(ctx, owner, token)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BalanceResponse{Owner: owner, Token: token, Balance: bal.String()}, nil
}

func (s *LedgerService) Status(ctx context.Context, _ *StatusRequest) (*StatusResponse, error) {
	resp := &StatusResponse{QueueDepth: s.runner.QueueDepth()}
	err := s.runner.Do(ctx, func(e *core.Engine) {
		resp.Sequence = e.GetSequence()
		resp.StateHash = e.GetStateHash().Hex()
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func address(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, invalidArg("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func nativeAmount(s string) (*big.Int, error) {
	v, err := fpmath.ParseNative(s)
	if err != nil {
		return nil, invalidArg("amount %q: %v", s, err)
	}
	return v, nil
}
