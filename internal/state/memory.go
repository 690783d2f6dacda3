package state

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type agreementKey struct {
	handler common.Address
	id      common.Hash
}

type stateKey struct {
	handler common.Address
	account common.Address
}

// MemoryStore 以内存方式保存账本状态，写事务使用写时复制的覆盖层。
type MemoryStore struct {
	writeMu sync.Mutex

	mu       sync.RWMutex
	closed   bool
	balances map[common.Address]*big.Int
	data     map[agreementKey][]byte
	states   map[stateKey][]byte
	active   map[common.Address][]common.Address
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[common.Address]*big.Int),
		data:     make(map[agreementKey][]byte),
		states:   make(map[stateKey][]byte),
		active:   make(map[common.Address][]common.Address),
	}
}

// View 实现 Store 接口。每次读取单独加锁，fn 内可以安全地再次读取。
func (m *MemoryStore) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.isClosed() {
		return ErrStoreClosed
	}
	return fn(m)
}

// Update 实现 Store 接口。写事务互斥执行，fn 成功后覆盖层整体合并。
func (m *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.isClosed() {
		return ErrStoreClosed
	}

	tx := newCowTx(m)
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

// Close 标记存储为关闭状态。
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// StaticBalance 实现 Reader 接口。
func (m *MemoryStore) StaticBalance(account common.Address) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneBig(m.balances[account]), nil
}

// AgreementData 实现 Reader 接口。
func (m *MemoryStore) AgreementData(handler common.Address, id common.Hash) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[agreementKey{handler: handler, id: id}]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(data), true, nil
}

// AccountState 实现 Reader 接口。
func (m *MemoryStore) AccountState(handler, account common.Address) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneBytes(m.states[stateKey{handler: handler, account: account}]), nil
}

// ActiveHandlers 实现 Reader 接口。
func (m *MemoryStore) ActiveHandlers(account common.Address) ([]common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]common.Address(nil), m.active[account]...), nil
}

func (m *MemoryStore) commit(tx *cowTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for account, balance := range tx.balances {
		if balance.Sign() == 0 {
			delete(m.balances, account)
			continue
		}
		m.balances[account] = balance
	}
	for key, entry := range tx.data {
		if entry.deleted {
			delete(m.data, key)
			continue
		}
		m.data[key] = entry.value
	}
	for key, value := range tx.states {
		if len(value) == 0 {
			delete(m.states, key)
			continue
		}
		m.states[key] = value
	}
	for account, handlers := range tx.active {
		if len(handlers) == 0 {
			delete(m.active, account)
			continue
		}
		m.active[account] = handlers
	}
}

type dataEntry struct {
	value   []byte
	deleted bool
}

// cowTx 记录一次写事务中的修改，读取时优先命中本地修改再回落到父存储。
type cowTx struct {
	parent   Reader
	balances map[common.Address]*big.Int
	data     map[agreementKey]dataEntry
	states   map[stateKey][]byte
	active   map[common.Address][]common.Address
}

func newCowTx(parent Reader) *cowTx {
	return &cowTx{
		parent:   parent,
		balances: make(map[common.Address]*big.Int),
		data:     make(map[agreementKey]dataEntry),
		states:   make(map[stateKey][]byte),
		active:   make(map[common.Address][]common.Address),
	}
}

func (tx *cowTx) StaticBalance(account common.Address) (*big.Int, error) {
	if balance, ok := tx.balances[account]; ok {
		return cloneBig(balance), nil
	}
	return tx.parent.StaticBalance(account)
}

func (tx *cowTx) AgreementData(handler common.Address, id common.Hash) ([]byte, bool, error) {
	if entry, ok := tx.data[agreementKey{handler: handler, id: id}]; ok {
		if entry.deleted {
			return nil, false, nil
		}
		return cloneBytes(entry.value), true, nil
	}
	return tx.parent.AgreementData(handler, id)
}

func (tx *cowTx) AccountState(handler, account common.Address) ([]byte, error) {
	if value, ok := tx.states[stateKey{handler: handler, account: account}]; ok {
		return cloneBytes(value), nil
	}
	return tx.parent.AccountState(handler, account)
}

func (tx *cowTx) ActiveHandlers(account common.Address) ([]common.Address, error) {
	if handlers, ok := tx.active[account]; ok {
		return append([]common.Address(nil), handlers...), nil
	}
	return tx.parent.ActiveHandlers(account)
}

func (tx *cowTx) SetStaticBalance(account common.Address, balance *big.Int) error {
	tx.balances[account] = cloneBig(balance)
	return nil
}

func (tx *cowTx) PutAgreementData(handler common.Address, id common.Hash, data []byte) error {
	tx.data[agreementKey{handler: handler, id: id}] = dataEntry{value: cloneBytes(data)}
	return nil
}

func (tx *cowTx) DeleteAgreementData(handler common.Address, id common.Hash) error {
	tx.data[agreementKey{handler: handler, id: id}] = dataEntry{deleted: true}
	return nil
}

func (tx *cowTx) PutAccountState(handler, account common.Address, state []byte) error {
	tx.states[stateKey{handler: handler, account: account}] = cloneBytes(state)
	return nil
}

func (tx *cowTx) AddActiveHandler(account, handler common.Address) error {
	handlers, err := tx.ActiveHandlers(account)
	if err != nil {
		return err
	}
	if containsAddress(handlers, handler) {
		return nil
	}
	tx.active[account] = append(handlers, handler)
	return nil
}

func (tx *cowTx) RemoveActiveHandler(account, handler common.Address) error {
	handlers, err := tx.ActiveHandlers(account)
	if err != nil {
		return err
	}
	if !containsAddress(handlers, handler) {
		return nil
	}
	tx.active[account] = removeAddress(handlers, handler)
	return nil
}

// ensure interface compliance at compile time
var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*cowTx)(nil)
)
