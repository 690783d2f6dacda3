package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "FlowLedger/internal/errors"
)

// RedisConfig 描述 Redis 事件通道的连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// Redis 通过 PUBLISH 将事件以 JSON 推送到 Redis 频道。
type Redis struct {
	client  redis.UniversalClient
	channel string
}

// NewRedis 创建 Redis 事件通道。
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
	return NewRedisWithClient(client, cfg.Channel), nil
}

// NewRedisWithClient 复用已有的 Redis 客户端。
func NewRedisWithClient(client redis.UniversalClient, channel string) *Redis {
	if channel == "" {
		channel = "flowledger:events"
	}
	return &Redis{client: client, channel: channel}
}

// Publish 实现 Sink 接口，整批事件在一个 pipeline 中发送。
func (r *Redis) Publish(ctx context.Context, batch []Event) error {
	if len(batch) == 0 {
		return nil
	}
	payloads, err := encodeBatch(batch)
	if err != nil {
		return err
	}
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, payload := range payloads {
			pipe.Publish(ctx, r.channel, payload)
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "publish events to redis",
			xerrors.WithMetadata("channel", r.channel))
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

func encodeBatch(batch []Event) ([][]byte, error) {
	payloads := make([][]byte, 0, len(batch))
	for _, ev := range batch {
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "encode event",
				xerrors.WithMetadata("kind", string(ev.Kind)))
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}
