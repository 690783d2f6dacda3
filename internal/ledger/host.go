// Package ledger implements the token ledger that hosts time-dependent
// agreements. A Host keeps static balances, stores agreement data and
// per-account agreement state written by registered handlers, computes
// real-time balances on demand and liquidates agreements of insolvent
// accounts.
//
// Every mutating operation runs under one host lock, commits through a single
// state.Store.Update and only then talks to external collaborators (the
// underlying asset and the event sinks).
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"FlowLedger/internal/agreement"
	"FlowLedger/internal/asset"
	xerrors "FlowLedger/internal/errors"
	"FlowLedger/internal/events"
	"FlowLedger/internal/state"
	"FlowLedger/pkg/logger"
)

// Metrics receives ledger activity. internal/observability/metrics provides
// the Prometheus implementation.
type Metrics interface {
	ObserveOperation(op string, err error)
	ObserveLiquidation(payout string)
	ObservePublishFailure(kind string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, error) {}
func (noopMetrics) ObserveLiquidation(string)      {}
func (noopMetrics) ObservePublishFailure(string)   {}

// Host composes the token ledger and the agreement host capabilities.
type Host struct {
	mu    sync.RWMutex
	pubMu sync.Mutex

	store    state.Store
	asset    asset.Underlying
	clock    func() uint64
	sink     events.Sink
	policy   RewardPolicy
	metrics  Metrics
	log      *slog.Logger
	audit    *slog.Logger
	registry handlerRegistry
}

// Option 定义 Host 的可选配置。
type Option func(*Host)

// WithClock overrides the source of "now" in Unix seconds.
func WithClock(clock func() uint64) Option {
	return func(h *Host) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithSink sets where committed events are published.
func WithSink(sink events.Sink) Option {
	return func(h *Host) {
		if sink != nil {
			h.sink = sink
		}
	}
}

// WithRewardPolicy sets the routing of liquidation rewards and bailouts.
func WithRewardPolicy(policy RewardPolicy) Option {
	return func(h *Host) {
		if policy != nil {
			h.policy = policy
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(h *Host) {
		if m != nil {
			h.metrics = m
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.log = l
		}
	}
}

// New creates a Host on top of store and the underlying asset.
func New(store state.Store, underlying asset.Underlying, opts ...Option) (*Host, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "state store is required")
	}
	if underlying == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "underlying asset is required")
	}
	h := &Host{
		store:   store,
		asset:   underlying,
		clock:   func() uint64 { return uint64(time.Now().Unix()) },
		sink:    events.Discard{},
		policy:  LiquidatorRewardPolicy{},
		metrics: noopMetrics{},
		log:     logger.Named("ledger"),
		audit:   logger.Audit(),
		registry: handlerRegistry{
			handlers: make(map[common.Address]agreement.Handler),
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Now returns the host clock in Unix seconds.
func (h *Host) Now() uint64 {
	return h.clock()
}

type operationKey struct{}

func (h *Host) inOperation(ctx context.Context) bool {
	owner, _ := ctx.Value(operationKey{}).(*Host)
	return owner == h
}

// run executes one mutating operation. fn receives a context marked as being
// inside this host's operation and appends the events to publish after it
// returns successfully.
func (h *Host) run(ctx context.Context, op string, fn func(ctx context.Context, batch *[]events.Event) error) error {
	if h.inOperation(ctx) {
		err := xerrors.New(CodeReentrantCall, "", xerrors.WithMetadata("op", op))
		h.metrics.ObserveOperation(op, err)
		return err
	}

	h.mu.Lock()
	ctx = context.WithValue(ctx, operationKey{}, h)
	var batch []events.Event
	err := fn(ctx, &batch)
	h.metrics.ObserveOperation(op, err)
	if err != nil || len(batch) == 0 {
		h.mu.Unlock()
		return err
	}

	// 释放主锁前先拿到发布锁，保证事件按提交顺序发出
	h.pubMu.Lock()
	h.mu.Unlock()
	defer h.pubMu.Unlock()
	h.publish(ctx, batch)
	return nil
}

// view runs fn against committed state. Calls made from inside an operation
// do not take the lock again.
func (h *Host) view(ctx context.Context, fn func(state.Reader) error) error {
	if !h.inOperation(ctx) {
		h.mu.RLock()
		defer h.mu.RUnlock()
	}
	return h.store.View(ctx, fn)
}

func (h *Host) publish(ctx context.Context, batch []events.Event) {
	if err := h.sink.Publish(ctx, batch); err != nil {
		h.metrics.ObservePublishFailure(string(batch[0].Kind))
		h.log.Error("发布账本事件失败",
			slog.Int("events", len(batch)),
			slog.String("first_kind", string(batch[0].Kind)),
			slog.Any("error", err))
	}
}

// Close closes the event sink. The store and asset are owned by the caller.
func (h *Host) Close() error {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()
	return h.sink.Close()
}

type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[common.Address]agreement.Handler
}

// RegisterHandler makes handler's calls honored under addr.
func (h *Host) RegisterHandler(addr common.Address, handler agreement.Handler) error {
	if addr == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "handler address cannot be zero")
	}
	if handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "handler cannot be nil")
	}
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	if _, exists := h.registry.handlers[addr]; exists {
		return xerrors.New(xerrors.CodeConflict, "handler already registered", xerrors.WithMetadata("handler", addr.Hex()))
	}
	h.registry.handlers[addr] = handler
	h.log.Info("注册协议处理器", slog.String("handler", addr.Hex()))
	return nil
}

// IsHandlerRegistered reports whether addr has a registered handler.
func (h *Host) IsHandlerRegistered(addr common.Address) bool {
	_, ok := h.handler(addr)
	return ok
}

func (h *Host) handler(addr common.Address) (agreement.Handler, bool) {
	h.registry.mu.RLock()
	defer h.registry.mu.RUnlock()
	handler, ok := h.registry.handlers[addr]
	return handler, ok
}

func (h *Host) mustHandler(addr common.Address) (agreement.Handler, error) {
	handler, ok := h.handler(addr)
	if !ok {
		return nil, xerrors.New(CodeHandlerNotRegistered, "", xerrors.WithMetadata("handler", addr.Hex()))
	}
	return handler, nil
}

// authorize enforces that caller is the registered owner of handler.
func (h *Host) authorize(caller, handler common.Address) error {
	if caller != handler {
		return xerrors.New(CodeUnauthorized, "caller is not the agreement handler",
			xerrors.WithMetadata("caller", caller.Hex()),
			xerrors.WithMetadata("handler", handler.Hex()))
	}
	if !h.IsHandlerRegistered(handler) {
		return xerrors.New(CodeUnauthorized, "caller is not a registered handler",
			xerrors.WithMetadata("caller", caller.Hex()))
	}
	return nil
}
