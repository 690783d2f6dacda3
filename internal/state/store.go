package state

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "FlowLedger/internal/errors"
)

// Reader 暴露账本持久化状态的只读视图。
type Reader interface {
	// StaticBalance 返回账户的静态余额，不存在时为 0。
	StaticBalance(account common.Address) (*big.Int, error)
	// AgreementData 返回协议数据以及是否存在。
	AgreementData(handler common.Address, id common.Hash) ([]byte, bool, error)
	// AccountState 返回 (handler, account) 的状态，不存在时为空。
	AccountState(handler, account common.Address) ([]byte, error)
	// ActiveHandlers 按加入顺序返回账户的活跃 handler。
	ActiveHandlers(account common.Address) ([]common.Address, error)
}

// Tx 在 Reader 之上提供写能力，所有写入在 Update 返回 nil 时一并提交。
type Tx interface {
	Reader
	SetStaticBalance(account common.Address, balance *big.Int) error
	PutAgreementData(handler common.Address, id common.Hash, data []byte) error
	DeleteAgreementData(handler common.Address, id common.Hash) error
	// PutAccountState 覆盖状态，空状态等价于删除。
	PutAccountState(handler, account common.Address, state []byte) error
	AddActiveHandler(account, handler common.Address) error
	RemoveActiveHandler(account, handler common.Address) error
}

// Store 抽象了账本状态的存储后端。
type Store interface {
	View(ctx context.Context, fn func(Reader) error) error
	// Update 执行 fn，fn 返回错误时不产生任何可见修改。
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// ErrStoreClosed 表示存储已关闭。
var ErrStoreClosed = xerrors.New(xerrors.CodeInitializationFailure, "state store closed")

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, item := range list {
		if item == addr {
			return true
		}
	}
	return false
}

func removeAddress(list []common.Address, addr common.Address) []common.Address {
	out := make([]common.Address, 0, len(list))
	for _, item := range list {
		if item != addr {
			out = append(out, item)
		}
	}
	return out
}
