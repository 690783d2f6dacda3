// Package asset adapts the external asset that backs the ledger's static
// balances. Upgrading locks external units into ledger custody and
// downgrading releases them back.
package asset

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "FlowLedger/internal/errors"
)

const (
	CodeInsufficientAllowance       xerrors.Code = "INSUFFICIENT_ALLOWANCE"
	CodeInsufficientExternalBalance xerrors.Code = "INSUFFICIENT_EXTERNAL_BALANCE"
)

func init() {
	xerrors.Register(CodeInsufficientAllowance, xerrors.Attributes{
		Message:  "allowance towards the ledger is too low",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientExternalBalance, xerrors.Attributes{
		Message:  "external balance is too low",
		Severity: xerrors.SeverityInfo,
	})
}

// Underlying 表示账本背后的外部资产。
type Underlying interface {
	// Lock 从账户扣除外部资产并转入账本托管。
	Lock(ctx context.Context, account common.Address, amount *big.Int) error
	// Release 将托管资产归还给账户。
	Release(ctx context.Context, account common.Address, amount *big.Int) error
}
