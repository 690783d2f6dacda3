package ledger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"FlowLedger/internal/agreement"
	xerrors "FlowLedger/internal/errors"
	"FlowLedger/internal/events"
	"FlowLedger/internal/state"
)

// Routing tells the coordinator where liquidation funds go.
type Routing struct {
	// RewardAccount receives the liquidated deposit. Zero means the
	// liquidator.
	RewardAccount common.Address
	// BailoutAccount covers a deficit left after the deposit is paid. Zero
	// leaves the deficit on the liquidated account.
	BailoutAccount common.Address
}

// RewardPolicy supplies liquidation routing per handler.
type RewardPolicy interface {
	Route(handler, liquidator common.Address) Routing
}

// LiquidatorRewardPolicy pays the deposit to the liquidator and has no
// bailout account.
type LiquidatorRewardPolicy struct{}

// Route implements RewardPolicy.
func (LiquidatorRewardPolicy) Route(_, liquidator common.Address) Routing {
	return Routing{RewardAccount: liquidator}
}

// StaticRewardPolicy routes every liquidation to fixed accounts, with
// optional per-handler overrides.
type StaticRewardPolicy struct {
	Default   Routing
	Overrides map[common.Address]Routing
}

// Route implements RewardPolicy.
func (p StaticRewardPolicy) Route(handler, _ common.Address) Routing {
	if routing, ok := p.Overrides[handler]; ok {
		return routing
	}
	return p.Default
}

// Payout kinds reported to metrics.
const (
	PayoutReward  = "reward"
	PayoutBailout = "bailout"
)

// Liquidation describes a committed liquidation.
type Liquidation struct {
	Handler        common.Address
	AgreementID    common.Hash
	PenaltyAccount common.Address
	RewardAccount  common.Address
	BailoutAccount common.Address
	Liquidator     common.Address
	Deposit        *big.Int
	// Settled is the dynamic balance moved into the account's static
	// balance when its state was cleared.
	Settled       *big.Int
	BailoutAmount *big.Int
	Timestamp     uint64
}

// LiquidateAgreement force-terminates agreement id of handler against an
// insolvent account that holds state for the handler. deposit is paid from the account to the reward account;
// a nil deposit uses the amount the handler reports for the agreement, and a
// supplied deposit below that amount is rejected.
func (h *Host) LiquidateAgreement(ctx context.Context, liquidator, handlerAddr common.Address, id common.Hash, account common.Address, deposit *big.Int) (Liquidation, error) {
	var result Liquidation
	handler, err := h.mustHandler(handlerAddr)
	if err != nil {
		h.metrics.ObserveOperation("liquidate", err)
		return result, err
	}
	if deposit != nil && deposit.Sign() < 0 {
		err := xerrors.New(xerrors.CodeInvalidArgument, "deposit cannot be negative")
		h.metrics.ObserveOperation("liquidate", err)
		return result, err
	}

	err = h.run(ctx, "liquidate", func(ctx context.Context, batch *[]events.Event) error {
		now := h.clock()
		routing := h.policy.Route(handlerAddr, liquidator)
		if routing.RewardAccount == (common.Address{}) {
			routing.RewardAccount = liquidator
		}

		var pending []events.Event
		err := h.store.Update(ctx, func(tx state.Tx) error {
			pending = pending[:0]
			res, err := h.liquidate(tx, handler, handlerAddr, id, account, deposit, routing, now, &pending)
			if err != nil {
				return err
			}
			res.Liquidator = liquidator
			result = res
			return nil
		})
		if err != nil {
			return err
		}

		ev := events.New(events.KindAgreementLiquidated, now)
		ev.Handler = handlerAddr
		ev.AgreementID = id
		ev.PenaltyAccount = account
		ev.RewardAccount = result.RewardAccount
		ev.Liquidator = liquidator
		ev.Amount = new(big.Int).Set(result.Deposit)
		ev.RewardAmount = new(big.Int).Set(result.Deposit)
		ev.BailoutAmount = new(big.Int).Set(result.BailoutAmount)
		*batch = append(*batch, pending...)
		*batch = append(*batch, ev)

		h.metrics.ObserveLiquidation(PayoutReward)
		if result.BailoutAmount.Sign() > 0 {
			h.metrics.ObserveLiquidation(PayoutBailout)
		}
		h.audit.Info("agreement liquidated",
			slog.String("handler", handlerAddr.Hex()),
			slog.String("agreement_id", id.Hex()),
			slog.String("account", account.Hex()),
			slog.String("reward_account", result.RewardAccount.Hex()),
			slog.String("liquidator", liquidator.Hex()),
			slog.String("deposit", result.Deposit.String()),
			slog.String("bailout", result.BailoutAmount.String()))
		return nil
	})
	if err != nil {
		return Liquidation{}, err
	}
	return result, nil
}

func (h *Host) liquidate(tx state.Tx, handler agreement.Handler, handlerAddr common.Address, id common.Hash, account common.Address, deposit *big.Int, routing Routing, now uint64, batch *[]events.Event) (Liquidation, error) {
	data, err := agreementData(tx, handlerAddr, id)
	if err != nil {
		return Liquidation{}, err
	}
	st, err := tx.AccountState(handlerAddr, account)
	if err != nil {
		return Liquidation{}, err
	}
	if len(st) == 0 {
		return Liquidation{}, xerrors.New(xerrors.CodeInvalidArgument, "account holds no state for the handler",
			xerrors.WithMetadata("handler", handlerAddr.Hex()),
			xerrors.WithMetadata("account", account.Hex()))
	}

	balance, err := h.balanceOf(tx, account, now)
	if err != nil {
		return Liquidation{}, err
	}
	eligible := balance.Insolvent()
	if checker, ok := handler.(agreement.EligibilityChecker); ok {
		if eligible, err = checker.IsEligibleForLiquidation(account, st, new(big.Int).Set(balance.Available)); err != nil {
			return Liquidation{}, xerrors.Wrap(CodeInvalidState, err, "check liquidation eligibility")
		}
	}
	if !eligible {
		return Liquidation{}, xerrors.New(CodeAccountSolvent, "",
			xerrors.WithMetadata("account", account.Hex()),
			xerrors.WithMetadata("available", balance.Available.String()))
	}

	deposit, err = resolveDeposit(handler, id, data, deposit)
	if err != nil {
		return Liquidation{}, err
	}

	before, err := evaluate(handler, handlerAddr, account, st, now)
	if err != nil {
		return Liquidation{}, err
	}

	// 未实现 Settler 的处理器：被清算账户的状态被清空
	updates := map[common.Address][]byte{}
	if settler, ok := handler.(agreement.Settler); ok {
		read := func(addr common.Address) ([]byte, error) { return tx.AccountState(handlerAddr, addr) }
		updates, err = settler.LiquidationUpdates(account, id, data, read, now)
		if err != nil {
			if _, coded := xerrors.From(err); coded {
				return Liquidation{}, err
			}
			return Liquidation{}, xerrors.Wrap(CodeInvalidState, err, "compute liquidation updates")
		}
		if _, ok := updates[account]; !ok {
			return Liquidation{}, xerrors.New(CodeInvalidState, "settler left the liquidated account unsettled",
				xerrors.WithMetadata("handler", handlerAddr.Hex()),
				xerrors.WithMetadata("account", account.Hex()))
		}
	}
	remaining := updates[account]
	after, err := evaluate(handler, handlerAddr, account, remaining, now)
	if err != nil {
		return Liquidation{}, err
	}

	// The dynamic balance that leaves with the cleared state stays with the
	// account as static balance.
	settled := new(big.Int).Sub(before.Dynamic, after.Dynamic)
	if err := addStatic(tx, account, new(big.Int).Sub(settled, deposit)); err != nil {
		return Liquidation{}, err
	}
	if err := addStatic(tx, routing.RewardAccount, deposit); err != nil {
		return Liquidation{}, err
	}

	if err := tx.DeleteAgreementData(handlerAddr, id); err != nil {
		return Liquidation{}, err
	}
	ev := events.New(events.KindAgreementTerminated, now)
	ev.Handler = handlerAddr
	ev.AgreementID = id
	*batch = append(*batch, ev)

	if err := writeAccountState(tx, handlerAddr, account, remaining, now, batch); err != nil {
		return Liquidation{}, err
	}
	for _, addr := range sortedAccounts(updates, account) {
		if err := writeAccountState(tx, handlerAddr, addr, updates[addr], now, batch); err != nil {
			return Liquidation{}, err
		}
	}

	bailout := new(big.Int)
	if routing.BailoutAccount != (common.Address{}) && routing.BailoutAccount != account {
		post, err := h.balanceOf(tx, account, now)
		if err != nil {
			return Liquidation{}, err
		}
		if post.Available.Sign() < 0 {
			bailout.Neg(post.Available)
			if err := addStatic(tx, routing.BailoutAccount, new(big.Int).Neg(bailout)); err != nil {
				return Liquidation{}, err
			}
			if err := addStatic(tx, account, bailout); err != nil {
				return Liquidation{}, err
			}
		}
	}

	return Liquidation{
		Handler:        handlerAddr,
		AgreementID:    id,
		PenaltyAccount: account,
		RewardAccount:  routing.RewardAccount,
		BailoutAccount: routing.BailoutAccount,
		Deposit:        new(big.Int).Set(deposit),
		Settled:        settled,
		BailoutAmount:  bailout,
		Timestamp:      now,
	}, nil
}

func resolveDeposit(handler agreement.Handler, id common.Hash, data []byte, deposit *big.Int) (*big.Int, error) {
	reporter, ok := handler.(agreement.DepositReporter)
	if !ok {
		if deposit == nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "deposit is required for this handler")
		}
		return deposit, nil
	}
	minimum, err := reporter.AgreementDeposit(id, data)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidState, err, "read agreement deposit")
	}
	if deposit == nil {
		return minimum, nil
	}
	if deposit.Cmp(minimum) < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("deposit %s below agreement deposit %s", deposit, minimum))
	}
	return deposit, nil
}

func sortedAccounts(updates map[common.Address][]byte, skip common.Address) []common.Address {
	out := make([]common.Address, 0, len(updates))
	for addr := range updates {
		if addr != skip {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
