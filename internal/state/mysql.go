package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	xerrors "FlowLedger/internal/errors"
)

// MySQLConfig 描述 MySQL 存储的连接参数。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// MySQLStore 将账本状态保存在 MySQL 中，每次 Update 对应一个数据库事务。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 打开数据库连接并执行内置迁移。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "open mysql state store")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "migrate mysql state store")
	}
	return &MySQLStore{db: db}, nil
}

func openDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}
	if _, err := mysql.ParseDSN(cfg.DSN); err != nil {
		return nil, fmt.Errorf("解析 MySQL DSN 失败: %w", err)
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	return db, nil
}

// View 实现 Store 接口。
func (s *MySQLStore) View(ctx context.Context, fn func(Reader) error) error {
	return fn(&sqlTx{ctx: ctx, q: s.db})
}

// Update 实现 Store 接口。
func (s *MySQLStore) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin state transaction")
	}
	if err := fn(&sqlTx{ctx: ctx, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit state transaction")
	}
	return nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTx struct {
	ctx context.Context
	q   queryer
}

func storageError(err error, op string) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return xerrors.Wrap(xerrors.CodeConflict, err, op)
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, op)
}

func (t *sqlTx) StaticBalance(account common.Address) (*big.Int, error) {
	var raw string
	err := t.q.QueryRowContext(t.ctx, `SELECT balance FROM static_balances WHERE account = ?`, account.Hex()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, storageError(err, "query static balance")
	}
	balance, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeStorageFailure, "malformed balance %q for %s", raw, account.Hex())
	}
	return balance, nil
}

func (t *sqlTx) AgreementData(handler common.Address, id common.Hash) ([]byte, bool, error) {
	var data []byte
	err := t.q.QueryRowContext(t.ctx, `SELECT data FROM agreement_data WHERE handler = ? AND agreement_id = ?`,
		handler.Hex(), id.Hex()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageError(err, "query agreement data")
	}
	return data, true, nil
}

func (t *sqlTx) AccountState(handler, account common.Address) ([]byte, error) {
	var state []byte
	err := t.q.QueryRowContext(t.ctx, `SELECT state FROM account_states WHERE handler = ? AND account = ?`,
		handler.Hex(), account.Hex()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError(err, "query account state")
	}
	return cloneBytes(state), nil
}

func (t *sqlTx) ActiveHandlers(account common.Address) ([]common.Address, error) {
	rows, err := t.q.QueryContext(t.ctx, `SELECT handler FROM active_handlers WHERE account = ? ORDER BY seq`, account.Hex())
	if err != nil {
		return nil, storageError(err, "query active handlers")
	}
	defer rows.Close()

	var handlers []common.Address
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storageError(err, "scan active handler")
		}
		handlers = append(handlers, common.HexToAddress(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "iterate active handlers")
	}
	return handlers, nil
}

func (t *sqlTx) SetStaticBalance(account common.Address, balance *big.Int) error {
	_, err := t.q.ExecContext(t.ctx, `INSERT INTO static_balances (account, balance, updated_at) VALUES (?, ?, ?)
    ON DUPLICATE KEY UPDATE balance = VALUES(balance), updated_at = VALUES(updated_at)`,
		account.Hex(), cloneBig(balance).String(), time.Now().Unix())
	if err != nil {
		return storageError(err, "upsert static balance")
	}
	return nil
}

func (t *sqlTx) PutAgreementData(handler common.Address, id common.Hash, data []byte) error {
	_, err := t.q.ExecContext(t.ctx, `INSERT INTO agreement_data (handler, agreement_id, data, updated_at) VALUES (?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE data = VALUES(data), updated_at = VALUES(updated_at)`,
		handler.Hex(), id.Hex(), nonNil(data), time.Now().Unix())
	if err != nil {
		return storageError(err, "upsert agreement data")
	}
	return nil
}

func (t *sqlTx) DeleteAgreementData(handler common.Address, id common.Hash) error {
	if _, err := t.q.ExecContext(t.ctx, `DELETE FROM agreement_data WHERE handler = ? AND agreement_id = ?`,
		handler.Hex(), id.Hex()); err != nil {
		return storageError(err, "delete agreement data")
	}
	return nil
}

func (t *sqlTx) PutAccountState(handler, account common.Address, state []byte) error {
	if len(state) == 0 {
		if _, err := t.q.ExecContext(t.ctx, `DELETE FROM account_states WHERE handler = ? AND account = ?`,
			handler.Hex(), account.Hex()); err != nil {
			return storageError(err, "delete account state")
		}
		return nil
	}
	_, err := t.q.ExecContext(t.ctx, `INSERT INTO account_states (handler, account, state, updated_at) VALUES (?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE state = VALUES(state), updated_at = VALUES(updated_at)`,
		handler.Hex(), account.Hex(), state, time.Now().Unix())
	if err != nil {
		return storageError(err, "upsert account state")
	}
	return nil
}

func (t *sqlTx) AddActiveHandler(account, handler common.Address) error {
	if _, err := t.q.ExecContext(t.ctx, `INSERT IGNORE INTO active_handlers (account, handler) VALUES (?, ?)`,
		account.Hex(), handler.Hex()); err != nil {
		return storageError(err, "insert active handler")
	}
	return nil
}

func (t *sqlTx) RemoveActiveHandler(account, handler common.Address) error {
	if _, err := t.q.ExecContext(t.ctx, `DELETE FROM active_handlers WHERE account = ? AND handler = ?`,
		account.Hex(), handler.Hex()); err != nil {
		return storageError(err, "delete active handler")
	}
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

var (
	_ Store = (*MySQLStore)(nil)
	_ Tx    = (*sqlTx)(nil)
)
