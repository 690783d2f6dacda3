package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"FlowLedger/internal/agreement/cfa"
	"FlowLedger/internal/api"
	"FlowLedger/internal/asset"
	"FlowLedger/internal/auth"
	"FlowLedger/internal/config"
	xerrors "FlowLedger/internal/errors"
	"FlowLedger/internal/events"
	"FlowLedger/internal/ledger"
	"FlowLedger/internal/observability/alerting"
	"FlowLedger/internal/observability/metrics"
	"FlowLedger/internal/sentinel"
	"FlowLedger/internal/state"
	"FlowLedger/pkg/logger"
)

// main 是 FlowLedger 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("flowledgerd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	log := logger.Named("flowledgerd")

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Warn("关闭组件失败", slog.Any("error", err))
			}
		}
	}()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	closers = append(closers, store)

	underlying, faucet, err := openAsset(ctx, cfg.Asset)
	if err != nil {
		return err
	}
	if c, ok := underlying.(io.Closer); ok {
		closers = append(closers, c)
	}

	sink, err := openSinks(ctx, cfg.Events)
	if err != nil {
		return err
	}

	registry := metrics.New()
	host, err := ledger.New(store, underlying,
		ledger.WithSink(sink),
		ledger.WithMetrics(registry),
		ledger.WithRewardPolicy(ledger.StaticRewardPolicy{Default: ledger.Routing{
			RewardAccount:  config.Address(cfg.Ledger.RewardAccount),
			BailoutAccount: config.Address(cfg.Ledger.BailoutAccount),
		}}),
	)
	if err != nil {
		_ = sink.Close()
		return err
	}
	closers = append(closers, host)

	flowAddr := common.HexToAddress(cfg.Ledger.FlowAgreementAddress)
	flows := cfa.New(flowAddr, host, cfg.Ledger.LiquidationPeriod)
	if err := host.RegisterHandler(flowAddr, flows); err != nil {
		return err
	}

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	opts := []api.Option{
		api.WithAuth(authSvc),
		api.WithFlows(flows),
		api.WithFaucet(faucet),
		api.WithRequestObserver(registry),
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("组件退出", slog.String("component", name), slog.Any("error", err))
				errCh <- err
			}
		}()
	}

	if cfg.Sentinel.Enabled {
		queue, err := openQueue(ctx, cfg.Sentinel)
		if err != nil {
			return err
		}
		closers = append(closers, queue)
		dispatcher, err := openAlerting(ctx, cfg.Alerting)
		if err != nil {
			return err
		}
		processor := sentinel.NewProcessor(host, queue, queue,
			sentinel.WithWorkerCount(cfg.Sentinel.Workers),
			sentinel.WithProcessorLogger(logger.Named("sentinel")),
			sentinel.WithAlertDispatcher(dispatcher))
		opts = append(opts, api.WithLiquidations(sentinel.NewService(queue, cfg.Sentinel.MaxRetries)))
		start("sentinel", processor.Start)
	}
	if cfg.Server.MetricsAddress != "" {
		start("metrics", func(ctx context.Context) error {
			return registry.StartServer(ctx, cfg.Server.MetricsAddress)
		})
	}
	server := api.NewServer(cfg.Server.Address, host, opts...)
	start("api", server.Start)

	log.Info("flowledgerd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("flow_agreement", flowAddr.Hex()))

	select {
	case <-ctx.Done():
		wg.Wait()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig) (state.Store, error) {
	switch cfg.Driver {
	case "mysql":
		return state.NewMySQLStore(ctx, cfg.MySQL)
	default:
		return state.NewMemoryStore(), nil
	}
}

func openAsset(ctx context.Context, cfg config.AssetConfig) (asset.Underlying, api.Faucet, error) {
	switch cfg.Driver {
	case "redis":
		r, err := asset.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	default:
		m := asset.NewMemory()
		return m, memoryFaucet{m}, nil
	}
}

func openSinks(ctx context.Context, cfg config.EventsConfig) (events.Sink, error) {
	var sinks events.Fanout
	if cfg.Audit {
		sinks = append(sinks, events.NewAudit())
	}
	if cfg.Redis.Address != "" {
		r, err := events.NewRedis(ctx, cfg.Redis)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, r)
	}
	if cfg.RabbitMQ.URL != "" {
		r, err := events.NewRabbitMQ(cfg.RabbitMQ)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, r)
	}
	if len(sinks) == 0 {
		return events.Discard{}, nil
	}
	return sinks, nil
}

func openQueue(ctx context.Context, cfg config.SentinelConfig) (sentinel.Queue, error) {
	switch cfg.Driver {
	case "redis":
		return sentinel.NewRedisQueue(ctx, cfg.Redis)
	case "rabbitmq":
		return sentinel.NewRabbitMQQueue(cfg.RabbitMQ)
	default:
		return sentinel.NewMemoryQueue(cfg.QueueSize), nil
	}
}

func openAlerting(ctx context.Context, cfg config.AlertingConfig) (alerting.Dispatcher, error) {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接告警 Redis 失败")
		}
		notifiers = append(notifiers, &alerting.RedisNotifier{Client: client, ChannelName: cfg.RedisChannel})
	}
	return alerting.NewFanout(notifiers...), nil
}

// memoryFaucet 适配内存资产的铸币接口。
type memoryFaucet struct{ m *asset.Memory }

func (f memoryFaucet) Mint(_ context.Context, account common.Address, amount *big.Int) error {
	f.m.Mint(account, amount)
	return nil
}

func (f memoryFaucet) Approve(_ context.Context, account common.Address, amount *big.Int) error {
	f.m.Approve(account, amount)
	return nil
}
