package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "FlowLedger/internal/errors"
	"FlowLedger/internal/events"
	"FlowLedger/internal/state"
)

// TokenLedger is the fungible side of the host.
type TokenLedger interface {
	Upgrade(ctx context.Context, account common.Address, amount *big.Int) error
	Downgrade(ctx context.Context, account common.Address, amount *big.Int) error
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
	StaticBalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
}

var _ TokenLedger = (*Host)(nil)

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "amount must be positive")
	}
	return nil
}

// Upgrade credits amount after locking the same amount of the underlying
// asset. The credit is committed first; if the lock fails it is reverted
// before the operation returns.
func (h *Host) Upgrade(ctx context.Context, account common.Address, amount *big.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	return h.run(ctx, "upgrade", func(ctx context.Context, batch *[]events.Event) error {
		now := h.clock()
		if err := h.store.Update(ctx, func(tx state.Tx) error {
			return addStatic(tx, account, amount)
		}); err != nil {
			return err
		}

		if err := h.asset.Lock(ctx, account, amount); err != nil {
			return h.compensate(ctx, "upgrade", account, new(big.Int).Neg(amount), err)
		}

		ev := events.New(events.KindTokenUpgraded, now)
		ev.Account = account
		ev.Amount = new(big.Int).Set(amount)
		*batch = append(*batch, ev)
		h.audit.Info("token upgraded", slog.String("account", account.Hex()), slog.String("amount", amount.String()))
		return nil
	})
}

// Downgrade debits amount and releases the same amount of the underlying
// asset. amount must not exceed the account's available balance.
func (h *Host) Downgrade(ctx context.Context, account common.Address, amount *big.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	return h.run(ctx, "downgrade", func(ctx context.Context, batch *[]events.Event) error {
		now := h.clock()
		if err := h.store.Update(ctx, func(tx state.Tx) error {
			if err := h.requireSpendable(tx, account, amount, now); err != nil {
				return err
			}
			return addStatic(tx, account, new(big.Int).Neg(amount))
		}); err != nil {
			return err
		}

		if err := h.asset.Release(ctx, account, amount); err != nil {
			return h.compensate(ctx, "downgrade", account, amount, err)
		}

		ev := events.New(events.KindTokenDowngraded, now)
		ev.Account = account
		ev.Amount = new(big.Int).Set(amount)
		*batch = append(*batch, ev)
		h.audit.Info("token downgraded", slog.String("account", account.Hex()), slog.String("amount", amount.String()))
		return nil
	})
}

// Transfer moves amount of static balance from one account to another.
func (h *Host) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	return h.run(ctx, "transfer", func(ctx context.Context, batch *[]events.Event) error {
		now := h.clock()
		if err := h.store.Update(ctx, func(tx state.Tx) error {
			if err := h.requireSpendable(tx, from, amount, now); err != nil {
				return err
			}
			if err := addStatic(tx, from, new(big.Int).Neg(amount)); err != nil {
				return err
			}
			return addStatic(tx, to, amount)
		}); err != nil {
			return err
		}

		ev := events.New(events.KindTransfer, now)
		ev.From = from
		ev.To = to
		ev.Amount = new(big.Int).Set(amount)
		*batch = append(*batch, ev)
		h.audit.Info("token transferred",
			slog.String("from", from.Hex()),
			slog.String("to", to.Hex()),
			slog.String("amount", amount.String()))
		return nil
	})
}

func (h *Host) requireSpendable(r state.Reader, account common.Address, amount *big.Int, now uint64) error {
	balance, err := h.balanceOf(r, account, now)
	if err != nil {
		return err
	}
	if balance.Available.Cmp(amount) < 0 {
		return xerrors.New(CodeInsufficientBalance,
			fmt.Sprintf("available %s below %s", balance.Available, amount),
			xerrors.WithMetadata("account", account.Hex()))
	}
	return nil
}

// compensate reverts a committed static balance change after the external
// asset refused the matching call and returns the asset error. If the revert
// itself fails the ledger and the asset disagree, which is reported as
// STORAGE_FAILURE carrying both errors.
func (h *Host) compensate(ctx context.Context, op string, account common.Address, delta *big.Int, cause error) error {
	err := h.store.Update(context.WithoutCancel(ctx), func(tx state.Tx) error {
		return addStatic(tx, account, delta)
	})
	if err == nil {
		return cause
	}
	h.log.Error("回滚静态余额失败",
		slog.String("op", op),
		slog.String("account", account.Hex()),
		slog.String("delta", delta.String()),
		slog.Any("error", err))
	return xerrors.Wrap(xerrors.CodeStorageFailure, errors.Join(cause, err), "revert "+op+" balance change",
		xerrors.WithMetadata("op", op),
		xerrors.WithMetadata("account", account.Hex()),
		xerrors.WithMetadata("delta", delta.String()))
}

func addStatic(tx state.Tx, account common.Address, delta *big.Int) error {
	balance, err := tx.StaticBalance(account)
	if err != nil {
		return err
	}
	return tx.SetStaticBalance(account, balance.Add(balance, delta))
}
