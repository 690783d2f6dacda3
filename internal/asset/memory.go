package asset

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "FlowLedger/internal/errors"
)

// Memory 是进程内的外部资产实现，主要用于测试和本地运行。
type Memory struct {
	mu         sync.Mutex
	balances   map[common.Address]*big.Int
	allowances map[common.Address]*big.Int
	custody    *big.Int
}

// NewMemory 创建内存资产。
func NewMemory() *Memory {
	return &Memory{
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]*big.Int),
		custody:    new(big.Int),
	}
}

// Mint 增加账户的外部余额。
func (m *Memory) Mint(account common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] = new(big.Int).Add(valueOf(m.balances[account]), amount)
}

// Approve 设置账户对账本的授权额度。
func (m *Memory) Approve(account common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[account] = new(big.Int).Set(amount)
}

// BalanceOf 返回账户的外部余额。
func (m *Memory) BalanceOf(account common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(valueOf(m.balances[account]))
}

// Custody 返回账本托管的资产总量。
func (m *Memory) Custody() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.custody)
}

// Lock 实现 Underlying 接口。
func (m *Memory) Lock(ctx context.Context, account common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	allowance := valueOf(m.allowances[account])
	if allowance.Cmp(amount) < 0 {
		return xerrors.New(CodeInsufficientAllowance, "", xerrors.WithMetadata("account", account.Hex()))
	}
	balance := valueOf(m.balances[account])
	if balance.Cmp(amount) < 0 {
		return xerrors.New(CodeInsufficientExternalBalance, "", xerrors.WithMetadata("account", account.Hex()))
	}
	m.allowances[account] = new(big.Int).Sub(allowance, amount)
	m.balances[account] = new(big.Int).Sub(balance, amount)
	m.custody = new(big.Int).Add(m.custody, amount)
	return nil
}

// Release 实现 Underlying 接口。
func (m *Memory) Release(ctx context.Context, account common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.custody.Cmp(amount) < 0 {
		return xerrors.Newf(CodeInsufficientExternalBalance, "custody %s below release %s", m.custody, amount)
	}
	m.custody = new(big.Int).Sub(m.custody, amount)
	m.balances[account] = new(big.Int).Add(valueOf(m.balances[account]), amount)
	return nil
}

func valueOf(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

var _ Underlying = (*Memory)(nil)
