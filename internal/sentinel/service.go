package sentinel

import (
	"context"
	"log/slog"
	"time"

	xerrors "FlowLedger/internal/errors"
	"FlowLedger/pkg/logger"
)

// Service 负责校验清算请求并推送到队列。
type Service struct {
	producer   Producer
	maxRetries int
	now        func() time.Time
}

// NewService 构造清算请求服务。
func NewService(producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{producer: producer, maxRetries: maxRetries, now: time.Now}
}

// Submit 校验请求并入队，返回带 ID 的请求。
func (s *Service) Submit(ctx context.Context, req Request) (Request, error) {
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	if s == nil || s.producer == nil {
		return Request{}, xerrors.New(xerrors.CodeInitializationFailure, "清算服务未初始化")
	}
	req.ensureID()
	req.Attempts = 0
	req.MaxRetries = s.maxRetries
	req.SubmittedAt = s.now().Unix()
	if err := s.producer.Publish(ctx, req); err != nil {
		logger.L().Error("清算请求入队失败", slog.Any("error", err), slog.String("request_id", req.ID))
		return Request{}, xerrors.Wrap(CodeRequestPublish, err, "发布清算请求到队列失败")
	}
	logger.Audit().Info("清算请求已入队",
		slog.String("request_id", req.ID),
		slog.String("handler", req.Handler.Hex()),
		slog.String("account", req.Account.Hex()),
		slog.String("liquidator", req.Liquidator.Hex()))
	return req, nil
}
