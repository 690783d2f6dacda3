// Package agreement defines the capabilities an agreement handler exposes to
// the ledger. A handler owns a namespace of agreement ids and interprets the
// data and per-account state blobs it writes; the ledger only stores them and
// asks the handler what they are worth at a given time.
package agreement

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Delta is the contribution of one handler's account state to an account's
// balance at a query timestamp.
type Delta struct {
	// Dynamic is the signed amount accrued by the state (e.g. -rate*elapsed
	// for a stream sender).
	Dynamic *big.Int
	// Deposit is collateral the account has committed through the handler.
	Deposit *big.Int
	// OwedDeposit is deposit owed to the account by others; it offsets Deposit.
	OwedDeposit *big.Int
}

// Zero returns a delta with all fields set to zero.
func Zero() Delta {
	return Delta{Dynamic: new(big.Int), Deposit: new(big.Int), OwedDeposit: new(big.Int)}
}

// Normalize replaces nil fields with zero so callers can sum without checks.
func (d Delta) Normalize() Delta {
	if d.Dynamic == nil {
		d.Dynamic = new(big.Int)
	}
	if d.Deposit == nil {
		d.Deposit = new(big.Int)
	}
	if d.OwedDeposit == nil {
		d.OwedDeposit = new(big.Int)
	}
	return d
}

// Handler is the capability every registered agreement handler must provide.
// RealtimeBalanceOf must be a pure function of its arguments: it is called
// from views and may be called many times for the same inputs.
type Handler interface {
	RealtimeBalanceOf(account common.Address, state []byte, timestamp uint64) (Delta, error)
}

// EligibilityChecker lets a handler replace the global insolvency rule when
// deciding whether an agreement may be liquidated. available is the account's
// real-time available balance at the liquidation time.
type EligibilityChecker interface {
	IsEligibleForLiquidation(account common.Address, state []byte, available *big.Int) (bool, error)
}

// DepositReporter reports the deposit held by a single agreement. The ledger
// uses it as the minimum accepted liquidation deposit and as the default when
// the caller supplies none.
type DepositReporter interface {
	AgreementDeposit(id common.Hash, data []byte) (*big.Int, error)
}

// StateReader gives a Settler read access to account states of its own
// handler as they are inside the liquidation.
type StateReader func(account common.Address) ([]byte, error)

// Settler describes how a liquidated agreement affects the liquidated account
// and its counterparties. The returned map holds the new state per account
// and must include the liquidated account; an empty state deactivates it.
// A Settler rejects an account that does not own the agreement's collateral.
type Settler interface {
	LiquidationUpdates(liquidated common.Address, id common.Hash, data []byte, read StateReader, timestamp uint64) (map[common.Address][]byte, error)
}
