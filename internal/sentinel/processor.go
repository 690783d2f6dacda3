package sentinel

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "FlowLedger/internal/errors"
	"FlowLedger/internal/ledger"
	"FlowLedger/internal/observability/alerting"
	"FlowLedger/pkg/logger"
)

// Liquidator 定义了处理器所需的账本能力。
type Liquidator interface {
	LiquidateAgreement(ctx context.Context, liquidator, handler common.Address, id common.Hash, account common.Address, deposit *big.Int) (ledger.Liquidation, error)
}

// Processor 负责从队列消费清算请求并交给账本执行。
type Processor struct {
	ledger      Liquidator
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。producer 用于重投可重试的失败请求。
func NewProcessor(l Liquidator, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		ledger:      l,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动清算处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置清算请求消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, req Request) error {
	if p.ledger == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	req.Attempts++
	result, err := p.ledger.LiquidateAgreement(ctx, req.Liquidator, req.Handler, req.AgreementID, req.Account, req.DepositAmount())
	if err != nil {
		return p.handleFailure(ctx, req, err)
	}

	logger.Audit().Info("清算执行成功",
		slog.String("request_id", req.ID),
		slog.String("handler", req.Handler.Hex()),
		slog.String("agreement_id", req.AgreementID.Hex()),
		slog.String("account", req.Account.Hex()),
		slog.String("reward_account", result.RewardAccount.Hex()),
		slog.String("deposit", result.Deposit.String()),
	)
	if result.BailoutAmount != nil && result.BailoutAmount.Sign() > 0 {
		p.emitAlert(ctx, req, CodeLiquidationBailout, nil, "bailout", map[string]string{
			"bailout_account": result.BailoutAccount.Hex(),
			"bailout_amount":  result.BailoutAmount.String(),
		})
	}
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, req Request, cause error) error {
	// 账户已恢复偿付或协议已被清算时请求过期，直接跳过
	if xerrors.HasCode(cause, ledger.CodeAccountSolvent) || xerrors.HasCode(cause, ledger.CodeAgreementNotFound) {
		p.logDebug("跳过清算请求",
			slog.String("request_id", req.ID),
			slog.String("reason", cause.Error()))
		return nil
	}

	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeLiquidationFailed
	}
	retryable := xerrors.RetryableError(cause)
	terminal := !retryable || req.Attempts > req.MaxRetries

	logger.Audit().Warn("清算执行失败",
		slog.String("request_id", req.ID),
		slog.String("account", req.Account.Hex()),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", req.Attempts),
		slog.Int("max_retries", req.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
		if !retryable {
			stage = "non_retryable"
		}
	}
	p.emitAlert(ctx, req, code, cause, stage, nil)

	if terminal {
		return nil
	}
	if p.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置清算请求生产者")
	}
	if err := p.producer.Publish(ctx, req); err != nil {
		return xerrors.Wrap(CodeRequestPublish, err, fmt.Sprintf("清算请求 %s 重投失败", req.ID))
	}
	p.logDebug("清算请求已重新排队", slog.String("request_id", req.ID), slog.Int("attempts", req.Attempts))
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, req Request, code xerrors.Code, cause error, stage string, extra map[string]string) {
	if p == nil || p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage":      stage,
		"liquidator": req.Liquidator.Hex(),
	}
	for k, v := range extra {
		metadata[k] = v
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		RequestID:   req.ID,
		Handler:     req.Handler.Hex(),
		AgreementID: req.AgreementID.Hex(),
		Account:     req.Account.Hex(),
		Attempts:    req.Attempts,
		MaxRetries:  req.MaxRetries,
		Metadata:    metadata,
		OccurredAt:  time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("request_id", req.ID),
			slog.String("stage", stage),
		)
	}
}
