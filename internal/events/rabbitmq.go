package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "FlowLedger/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 事件交换机的连接参数。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Durable  bool   `yaml:"durable"`
}

// RabbitMQ 将事件发布到 topic 交换机，routing key 为事件类型。
type RabbitMQ struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbitMQ 创建 RabbitMQ 事件通道。
func NewRabbitMQ(cfg RabbitMQConfig) (*RabbitMQ, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "flowledger.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &RabbitMQ{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish 实现 Sink 接口。
func (r *RabbitMQ) Publish(ctx context.Context, batch []Event) error {
	if r == nil || r.ch == nil {
		return errors.New("RabbitMQ 事件通道未初始化")
	}
	payloads, err := encodeBatch(batch)
	if err != nil {
		return err
	}
	// amqp.Channel 不支持并发发布
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, payload := range payloads {
		err := r.ch.PublishWithContext(ctx, r.exchange, string(batch[i].Kind), false, false, amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    batch[i].ID,
			DeliveryMode: amqp.Persistent,
			Body:         payload,
		})
		if err != nil {
			return xerrors.Wrap(xerrors.CodePublishFailure, err, "publish event to rabbitmq",
				xerrors.WithMetadata("exchange", r.exchange),
				xerrors.WithMetadata("kind", string(batch[i].Kind)))
		}
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (r *RabbitMQ) Close() error {
	if r == nil {
		return nil
	}
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
