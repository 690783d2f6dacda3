package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"FlowLedger/internal/agreement"
	xerrors "FlowLedger/internal/errors"
	"FlowLedger/internal/state"
)

// Balance is an account's balance evaluated at Timestamp.
type Balance struct {
	Timestamp uint64
	// Static is the persisted, non-agreement balance.
	Static *big.Int
	// Dynamic is the sum of all active handlers' accrued deltas.
	Dynamic *big.Int
	// Deposit and OwedDeposit are summed over active handlers.
	Deposit     *big.Int
	OwedDeposit *big.Int
	// Available is Static + Dynamic minus the deposits not covered by owed
	// deposits. It is the real-time balance; negative means insolvent.
	Available *big.Int
}

// Insolvent reports whether the available balance is below zero.
func (b Balance) Insolvent() bool {
	return b.Available.Sign() < 0
}

// RealtimeBalanceOf evaluates account at timestamp. It never mutates state.
func (h *Host) RealtimeBalanceOf(ctx context.Context, account common.Address, timestamp uint64) (Balance, error) {
	var out Balance
	err := h.view(ctx, func(r state.Reader) error {
		var err error
		out, err = h.balanceOf(r, account, timestamp)
		return err
	})
	return out, err
}

// IsAccountInsolvent evaluates the account at the host clock.
func (h *Host) IsAccountInsolvent(ctx context.Context, account common.Address) (bool, error) {
	return h.IsAccountInsolventAt(ctx, account, h.clock())
}

// IsAccountInsolventAt evaluates the account at timestamp.
func (h *Host) IsAccountInsolventAt(ctx context.Context, account common.Address, timestamp uint64) (bool, error) {
	balance, err := h.RealtimeBalanceOf(ctx, account, timestamp)
	if err != nil {
		return false, err
	}
	return balance.Insolvent(), nil
}

// StaticBalanceOf returns the persisted static balance.
func (h *Host) StaticBalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	var out *big.Int
	err := h.view(ctx, func(r state.Reader) error {
		var err error
		out, err = r.StaticBalance(account)
		return err
	})
	return out, err
}

func (h *Host) balanceOf(r state.Reader, account common.Address, timestamp uint64) (Balance, error) {
	static, err := r.StaticBalance(account)
	if err != nil {
		return Balance{}, err
	}
	handlers, err := r.ActiveHandlers(account)
	if err != nil {
		return Balance{}, err
	}

	out := Balance{
		Timestamp:   timestamp,
		Static:      static,
		Dynamic:     new(big.Int),
		Deposit:     new(big.Int),
		OwedDeposit: new(big.Int),
		Available:   new(big.Int).Set(static),
	}
	for _, addr := range handlers {
		delta, err := h.deltaOf(r, addr, account, timestamp)
		if err != nil {
			return Balance{}, err
		}
		out.Dynamic.Add(out.Dynamic, delta.Dynamic)
		out.Deposit.Add(out.Deposit, delta.Deposit)
		out.OwedDeposit.Add(out.OwedDeposit, delta.OwedDeposit)
		out.Available.Add(out.Available, delta.Dynamic)
		if uncovered := new(big.Int).Sub(delta.Deposit, delta.OwedDeposit); uncovered.Sign() > 0 {
			out.Available.Sub(out.Available, uncovered)
		}
	}
	return out, nil
}

func (h *Host) deltaOf(r state.Reader, addr, account common.Address, timestamp uint64) (agreement.Delta, error) {
	handler, err := h.mustHandler(addr)
	if err != nil {
		return agreement.Delta{}, err
	}
	st, err := r.AccountState(addr, account)
	if err != nil {
		return agreement.Delta{}, err
	}
	return evaluate(handler, addr, account, st, timestamp)
}

func evaluate(handler agreement.Handler, addr, account common.Address, st []byte, timestamp uint64) (agreement.Delta, error) {
	if len(st) == 0 {
		return agreement.Zero(), nil
	}
	delta, err := handler.RealtimeBalanceOf(account, st, timestamp)
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return agreement.Delta{}, err
		}
		return agreement.Delta{}, xerrors.Wrap(CodeInvalidState, err, "evaluate agreement state",
			xerrors.WithMetadata("handler", addr.Hex()),
			xerrors.WithMetadata("account", account.Hex()))
	}
	return delta.Normalize(), nil
}
