// Package cfa implements the constant flow agreement: a per-second stream
// of units from a sender to a receiver. The sender commits a deposit of
// rate * liquidation period while the flow is open.
package cfa

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"FlowLedger/internal/agreement"
	xerrors "FlowLedger/internal/errors"
	"FlowLedger/internal/ledger"
	"FlowLedger/pkg/logger"
)

// DefaultLiquidationPeriod is the deposit horizon in seconds.
const DefaultLiquidationPeriod uint64 = 4 * 60 * 60

// Host is the part of the ledger the handler uses.
type Host interface {
	WithAgreements(ctx context.Context, caller, handler common.Address, fn func(*ledger.AgreementTx) error) error
	GetAgreementData(ctx context.Context, handler common.Address, id common.Hash) ([]byte, error)
	GetAgreementAccountState(ctx context.Context, handler, account common.Address) ([]byte, error)
	IsAccountInsolvent(ctx context.Context, account common.Address) (bool, error)
	LiquidateAgreement(ctx context.Context, liquidator, handler common.Address, id common.Hash, account common.Address, deposit *big.Int) (ledger.Liquidation, error)
}

// Handler is the constant flow agreement handler.
type Handler struct {
	addr   common.Address
	host   Host
	period uint64
	log    *slog.Logger
}

// New creates a handler living at addr. It still has to be registered with
// the host under the same address.
func New(addr common.Address, host Host, liquidationPeriod uint64) *Handler {
	if liquidationPeriod == 0 {
		liquidationPeriod = DefaultLiquidationPeriod
	}
	return &Handler{
		addr:   addr,
		host:   host,
		period: liquidationPeriod,
		log:    logger.Named("cfa"),
	}
}

// Address returns the handler address.
func (h *Handler) Address() common.Address {
	return h.addr
}

// LiquidationPeriod returns the deposit horizon in seconds.
func (h *Handler) LiquidationPeriod() uint64 {
	return h.period
}

// DepositFor returns the deposit a flow of rate requires.
func (h *Handler) DepositFor(rate *big.Int) *big.Int {
	return new(big.Int).Mul(rate, new(big.Int).SetUint64(h.period))
}

// RealtimeBalanceOf 实现 agreement.Handler 接口。
func (h *Handler) RealtimeBalanceOf(_ common.Address, st []byte, timestamp uint64) (agreement.Delta, error) {
	s, err := DecodeAccountState(st)
	if err != nil {
		return agreement.Delta{}, err
	}
	return agreement.Delta{
		Dynamic:     s.DynamicAt(timestamp),
		Deposit:     new(big.Int).Set(s.Deposit),
		OwedDeposit: new(big.Int),
	}, nil
}

// AgreementDeposit 实现 agreement.DepositReporter 接口。
func (h *Handler) AgreementDeposit(_ common.Hash, data []byte) (*big.Int, error) {
	flow, err := DecodeFlowData(data)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(flow.Deposit), nil
}

// LiquidationUpdates 实现 agreement.Settler 接口：只有发送方可被清算，流在双方同时关闭，
// 发送方的已结算累计由账本转入静态余额。
func (h *Handler) LiquidationUpdates(liquidated common.Address, _ common.Hash, data []byte, read agreement.StateReader, timestamp uint64) (map[common.Address][]byte, error) {
	flow, err := DecodeFlowData(data)
	if err != nil {
		return nil, err
	}
	if liquidated != flow.Sender {
		return nil, xerrors.New(ledger.CodeUnauthorized, "only the flow sender can be liquidated",
			xerrors.WithMetadata("account", liquidated.Hex()),
			xerrors.WithMetadata("sender", flow.Sender.Hex()))
	}
	updates := make(map[common.Address][]byte, 2)
	sides := []struct {
		account common.Address
		net     *big.Int
		deposit *big.Int
	}{
		{flow.Sender, new(big.Int).Set(flow.FlowRate), new(big.Int).Neg(flow.Deposit)},
		{flow.Receiver, new(big.Int).Neg(flow.FlowRate), new(big.Int)},
	}
	for _, side := range sides {
		raw, err := read(side.account)
		if err != nil {
			return nil, err
		}
		st, err := DecodeAccountState(raw)
		if err != nil {
			return nil, err
		}
		next := st.settle(timestamp)
		next.NetFlowRate.Add(next.NetFlowRate, side.net)
		next.Deposit.Add(next.Deposit, side.deposit)
		if side.account == liquidated {
			next.Settled = new(big.Int)
		}
		encoded, err := EncodeAccountState(next)
		if err != nil {
			return nil, err
		}
		updates[side.account] = encoded
	}
	return updates, nil
}

// GetFlow returns the open flow from sender to receiver.
func (h *Handler) GetFlow(ctx context.Context, sender, receiver common.Address) (FlowData, error) {
	data, err := h.host.GetAgreementData(ctx, h.addr, FlowID(sender, receiver))
	if err != nil {
		return FlowData{}, err
	}
	return DecodeFlowData(data)
}

// GetAccountFlowState returns the aggregated flow state of account.
func (h *Handler) GetAccountFlowState(ctx context.Context, account common.Address) (AccountState, error) {
	raw, err := h.host.GetAgreementAccountState(ctx, h.addr, account)
	if err != nil {
		return AccountState{}, err
	}
	return DecodeAccountState(raw)
}

// CreateFlow opens a flow of rate units per second. Only the sender may open
// it and the sender must stay solvent with the new deposit.
func (h *Handler) CreateFlow(ctx context.Context, caller, sender, receiver common.Address, rate *big.Int) error {
	if err := validateFlow(caller, sender, receiver, rate); err != nil {
		return err
	}
	id := FlowID(sender, receiver)
	err := h.host.WithAgreements(ctx, h.addr, h.addr, func(tx *ledger.AgreementTx) error {
		now := tx.Now()
		deposit := h.DepositFor(rate)
		data, err := EncodeFlowData(FlowData{
			Sender:    sender,
			Receiver:  receiver,
			Timestamp: now,
			FlowRate:  new(big.Int).Set(rate),
			Deposit:   deposit,
		})
		if err != nil {
			return err
		}
		if err := tx.CreateAgreement(id, data); err != nil {
			return err
		}
		if err := adjust(tx, sender, new(big.Int).Neg(rate), deposit); err != nil {
			return err
		}
		if err := adjust(tx, receiver, rate, new(big.Int)); err != nil {
			return err
		}
		return requireSolvent(tx, sender)
	})
	if err != nil {
		return err
	}
	h.log.Info("flow created",
		slog.String("sender", sender.Hex()),
		slog.String("receiver", receiver.Hex()),
		slog.String("rate", rate.String()))
	return nil
}

// UpdateFlow changes the rate of an open flow. Raising the rate requires the
// sender to stay solvent.
func (h *Handler) UpdateFlow(ctx context.Context, caller, sender, receiver common.Address, rate *big.Int) error {
	if err := validateFlow(caller, sender, receiver, rate); err != nil {
		return err
	}
	id := FlowID(sender, receiver)
	return h.host.WithAgreements(ctx, h.addr, h.addr, func(tx *ledger.AgreementTx) error {
		raw, err := tx.AgreementData(id)
		if err != nil {
			return err
		}
		flow, err := DecodeFlowData(raw)
		if err != nil {
			return err
		}
		now := tx.Now()
		deposit := h.DepositFor(rate)
		rateDelta := new(big.Int).Sub(rate, flow.FlowRate)
		depositDelta := new(big.Int).Sub(deposit, flow.Deposit)

		data, err := EncodeFlowData(FlowData{
			Sender:    sender,
			Receiver:  receiver,
			Timestamp: now,
			FlowRate:  new(big.Int).Set(rate),
			Deposit:   deposit,
		})
		if err != nil {
			return err
		}
		if err := tx.UpdateAgreementData(id, data); err != nil {
			return err
		}
		if err := adjust(tx, sender, new(big.Int).Neg(rateDelta), depositDelta); err != nil {
			return err
		}
		if err := adjust(tx, receiver, rateDelta, new(big.Int)); err != nil {
			return err
		}
		if rateDelta.Sign() > 0 {
			return requireSolvent(tx, sender)
		}
		return nil
	})
}

// DeleteFlow closes a flow. The sender or receiver may close a flow of a
// solvent sender; anyone may close the flow of an insolvent sender, which
// liquidates it with the caller as liquidator.
func (h *Handler) DeleteFlow(ctx context.Context, caller, sender, receiver common.Address) error {
	id := FlowID(sender, receiver)
	insolvent, err := h.host.IsAccountInsolvent(ctx, sender)
	if err != nil {
		return err
	}
	if insolvent {
		result, err := h.host.LiquidateAgreement(ctx, caller, h.addr, id, sender, nil)
		if err != nil {
			return err
		}
		h.log.Warn("flow liquidated",
			slog.String("sender", sender.Hex()),
			slog.String("receiver", receiver.Hex()),
			slog.String("liquidator", caller.Hex()),
			slog.String("deposit", result.Deposit.String()))
		return nil
	}
	if caller != sender && caller != receiver {
		return xerrors.New(ledger.CodeUnauthorized, "only flow parties may close a solvent flow",
			xerrors.WithMetadata("caller", caller.Hex()))
	}
	return h.host.WithAgreements(ctx, h.addr, h.addr, func(tx *ledger.AgreementTx) error {
		raw, err := tx.AgreementData(id)
		if err != nil {
			return err
		}
		flow, err := DecodeFlowData(raw)
		if err != nil {
			return err
		}
		if err := adjust(tx, sender, flow.FlowRate, new(big.Int).Neg(flow.Deposit)); err != nil {
			return err
		}
		if err := adjust(tx, receiver, new(big.Int).Neg(flow.FlowRate), new(big.Int)); err != nil {
			return err
		}
		return tx.TerminateAgreement(id)
	})
}

func validateFlow(caller, sender, receiver common.Address, rate *big.Int) error {
	if caller != sender {
		return xerrors.New(ledger.CodeUnauthorized, "only the sender may open or change a flow",
			xerrors.WithMetadata("caller", caller.Hex()))
	}
	if sender == receiver {
		return xerrors.New(xerrors.CodeInvalidArgument, "sender and receiver must differ")
	}
	if rate == nil || rate.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "flow rate must be positive")
	}
	return nil
}

// adjust checkpoints account at the transaction time and applies the rate
// and deposit changes.
func adjust(tx *ledger.AgreementTx, account common.Address, rate, deposit *big.Int) error {
	raw, err := tx.AccountState(account)
	if err != nil {
		return err
	}
	st, err := DecodeAccountState(raw)
	if err != nil {
		return err
	}
	next := st.settle(tx.Now())
	next.NetFlowRate.Add(next.NetFlowRate, rate)
	next.Deposit.Add(next.Deposit, deposit)
	encoded, err := EncodeAccountState(next)
	if err != nil {
		return err
	}
	return tx.UpdateAccountState(account, encoded)
}

func requireSolvent(tx *ledger.AgreementTx, account common.Address) error {
	balance, err := tx.RealtimeBalanceOf(account, tx.Now())
	if err != nil {
		return err
	}
	if balance.Insolvent() {
		return xerrors.New(ledger.CodeInsufficientBalance, "sender cannot cover the flow deposit",
			xerrors.WithMetadata("account", account.Hex()),
			xerrors.WithMetadata("available", balance.Available.String()))
	}
	return nil
}

var (
	_ agreement.Handler         = (*Handler)(nil)
	_ agreement.DepositReporter = (*Handler)(nil)
	_ agreement.Settler         = (*Handler)(nil)
)
