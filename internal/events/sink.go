package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/event"

	"FlowLedger/pkg/logger"
)

// Sink receives the events of one committed ledger operation, in order.
type Sink interface {
	Publish(ctx context.Context, batch []Event) error
	Close() error
}

// Fanout delivers every batch to all sinks and joins their errors.
type Fanout []Sink

// Publish 实现 Sink 接口。
func (f Fanout) Publish(ctx context.Context, batch []Event) error {
	var err error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		err = errors.Join(err, sink.Publish(ctx, batch))
	}
	return err
}

// Close 实现 Sink 接口。
func (f Fanout) Close() error {
	var err error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		err = errors.Join(err, sink.Close())
	}
	return err
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, []Event) error { return nil }
func (Discard) Close() error                           { return nil }

// Memory keeps published events in memory, mainly for tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Publish 实现 Sink 接口。
func (m *Memory) Publish(_ context.Context, batch []Event) error {
	m.mu.Lock()
	m.events = append(m.events, batch...)
	m.mu.Unlock()
	return nil
}

// Close 实现 Sink 接口。
func (m *Memory) Close() error { return nil }

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Kinds returns the kinds of published events in order.
func (m *Memory) Kinds() []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]Kind, len(m.events))
	for i, ev := range m.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// Reset drops recorded events.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
}

// Feed broadcasts events to in-process subscribers. Send blocks until every
// subscriber has received the event, so subscribers must keep reading.
type Feed struct {
	feed  event.Feed
	scope event.SubscriptionScope
}

// NewFeed creates an in-process feed.
func NewFeed() *Feed {
	return &Feed{}
}

// Subscribe registers ch for all future events.
func (f *Feed) Subscribe(ch chan<- Event) event.Subscription {
	return f.scope.Track(f.feed.Subscribe(ch))
}

// Publish 实现 Sink 接口。
func (f *Feed) Publish(ctx context.Context, batch []Event) error {
	for _, ev := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		f.feed.Send(ev)
	}
	return nil
}

// Close unsubscribes every subscriber.
func (f *Feed) Close() error {
	f.scope.Close()
	return nil
}

// Audit writes each event to the audit logger.
type Audit struct {
	log *slog.Logger
}

// NewAudit creates a sink writing to logger.Audit().
func NewAudit() *Audit {
	return &Audit{log: logger.Audit()}
}

// Publish 实现 Sink 接口。
func (a *Audit) Publish(ctx context.Context, batch []Event) error {
	for _, ev := range batch {
		a.log.InfoContext(ctx, "ledger event",
			slog.String("id", ev.ID),
			slog.String("kind", string(ev.Kind)),
			slog.Uint64("timestamp", ev.Timestamp),
			slog.String("handler", ev.Handler.Hex()),
			slog.String("agreement_id", ev.AgreementID.Hex()),
			slog.String("account", ev.Account.Hex()),
			slog.Any("amount", ev.Amount),
		)
	}
	return nil
}

// Close 实现 Sink 接口。
func (a *Audit) Close() error { return nil }
