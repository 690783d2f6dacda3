package sentinel

import (
	"context"
)

// Handler 处理来自消息队列的清算请求。
type Handler func(ctx context.Context, req Request) error

// Producer 负责向队列投递清算请求。
type Producer interface {
	Publish(ctx context.Context, req Request) error
	Close() error
}

// Consumer 负责从队列中消费清算请求。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
