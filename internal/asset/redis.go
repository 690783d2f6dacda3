package asset

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	xerrors "FlowLedger/internal/errors"
)

const maxWatchRetries = 8

// RedisConfig 描述 Redis 外部资产的连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Redis 将外部余额、授权额度与托管量保存在 Redis 字符串键中，
// 使用 WATCH/MULTI 保证扣减的原子性。
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis 创建 Redis 外部资产。
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisWithClient(client, cfg.Prefix), nil
}

// NewRedisWithClient 复用已有的 Redis 客户端。
func NewRedisWithClient(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "flowledger:asset"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) balanceKey(account common.Address) string {
	return r.prefix + ":balance:" + account.Hex()
}

func (r *Redis) allowanceKey(account common.Address) string {
	return r.prefix + ":allowance:" + account.Hex()
}

func (r *Redis) custodyKey() string {
	return r.prefix + ":custody"
}

// Lock 实现 Underlying 接口。
func (r *Redis) Lock(ctx context.Context, account common.Address, amount *big.Int) error {
	balanceKey, allowanceKey, custodyKey := r.balanceKey(account), r.allowanceKey(account), r.custodyKey()
	return r.transact(ctx, func(tx *redis.Tx) error {
		values, err := readAmounts(ctx, tx, balanceKey, allowanceKey, custodyKey)
		if err != nil {
			return err
		}
		balance, allowance, custody := values[0], values[1], values[2]
		if allowance.Cmp(amount) < 0 {
			return xerrors.New(CodeInsufficientAllowance, "", xerrors.WithMetadata("account", account.Hex()))
		}
		if balance.Cmp(amount) < 0 {
			return xerrors.New(CodeInsufficientExternalBalance, "", xerrors.WithMetadata("account", account.Hex()))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, balanceKey, new(big.Int).Sub(balance, amount).String(), 0)
			pipe.Set(ctx, allowanceKey, new(big.Int).Sub(allowance, amount).String(), 0)
			pipe.Set(ctx, custodyKey, new(big.Int).Add(custody, amount).String(), 0)
			return nil
		})
		return err
	}, balanceKey, allowanceKey, custodyKey)
}

// Release 实现 Underlying 接口。
func (r *Redis) Release(ctx context.Context, account common.Address, amount *big.Int) error {
	balanceKey, custodyKey := r.balanceKey(account), r.custodyKey()
	return r.transact(ctx, func(tx *redis.Tx) error {
		values, err := readAmounts(ctx, tx, balanceKey, custodyKey)
		if err != nil {
			return err
		}
		balance, custody := values[0], values[1]
		if custody.Cmp(amount) < 0 {
			return xerrors.Newf(CodeInsufficientExternalBalance, "custody %s below release %s", custody, amount)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, balanceKey, new(big.Int).Add(balance, amount).String(), 0)
			pipe.Set(ctx, custodyKey, new(big.Int).Sub(custody, amount).String(), 0)
			return nil
		})
		return err
	}, balanceKey, custodyKey)
}

// Mint 增加账户的外部余额，用于初始化与测试环境。
func (r *Redis) Mint(ctx context.Context, account common.Address, amount *big.Int) error {
	key := r.balanceKey(account)
	return r.transact(ctx, func(tx *redis.Tx) error {
		values, err := readAmounts(ctx, tx, key)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, new(big.Int).Add(values[0], amount).String(), 0)
			return nil
		})
		return err
	}, key)
}

// Approve 设置账户对账本的授权额度。
func (r *Redis) Approve(ctx context.Context, account common.Address, amount *big.Int) error {
	if err := r.client.Set(ctx, r.allowanceKey(account), amount.String(), 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "set allowance")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Redis) transact(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := r.client.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "redis asset transaction")
	}
	return xerrors.New(xerrors.CodeConflict, "redis asset transaction kept conflicting")
}

func readAmounts(ctx context.Context, tx *redis.Tx, keys ...string) ([]*big.Int, error) {
	raw, err := tx.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	amounts := make([]*big.Int, len(keys))
	for i, value := range raw {
		amounts[i] = new(big.Int)
		text, ok := value.(string)
		if !ok || text == "" {
			continue
		}
		if _, ok := amounts[i].SetString(text, 10); !ok {
			return nil, xerrors.Newf(xerrors.CodeStorageFailure, "malformed amount %q at %s", text, keys[i])
		}
	}
	return amounts, nil
}

var _ Underlying = (*Redis)(nil)
