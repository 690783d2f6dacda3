package api

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"FlowLedger/internal/agreement/cfa"
	"FlowLedger/internal/auth"
	"FlowLedger/internal/ledger"
	"FlowLedger/internal/sentinel"
	"FlowLedger/pkg/logger"
)

// Ledger 是 API 使用的账本能力。
type Ledger interface {
	Now() uint64
	RealtimeBalanceOf(ctx context.Context, account common.Address, timestamp uint64) (ledger.Balance, error)
	IsAccountInsolventAt(ctx context.Context, account common.Address, timestamp uint64) (bool, error)
	GetAccountActiveAgreements(ctx context.Context, account common.Address) ([]common.Address, error)
	GetAgreementData(ctx context.Context, handler common.Address, id common.Hash) ([]byte, error)
	GetAgreementAccountState(ctx context.Context, handler, account common.Address) ([]byte, error)
	Upgrade(ctx context.Context, account common.Address, amount *big.Int) error
	Downgrade(ctx context.Context, account common.Address, amount *big.Int) error
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
}

// Flows 是 API 使用的恒定流处理器能力。
type Flows interface {
	Address() common.Address
	DepositFor(rate *big.Int) *big.Int
	GetFlow(ctx context.Context, sender, receiver common.Address) (cfa.FlowData, error)
	CreateFlow(ctx context.Context, caller, sender, receiver common.Address, rate *big.Int) error
	UpdateFlow(ctx context.Context, caller, sender, receiver common.Address, rate *big.Int) error
	DeleteFlow(ctx context.Context, caller, sender, receiver common.Address) error
}

// Liquidations 接收排队执行的清算请求。
type Liquidations interface {
	Submit(ctx context.Context, req sentinel.Request) (sentinel.Request, error)
}

// Faucet 为底层资产铸币和授权，仅用于测试部署。
type Faucet interface {
	Mint(ctx context.Context, account common.Address, amount *big.Int) error
	Approve(ctx context.Context, account common.Address, amount *big.Int) error
}

// RequestObserver 记录 HTTP 请求指标。
type RequestObserver interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr         string
	ledger       Ledger
	flows        Flows
	liquidations Liquidations
	faucet       Faucet
	auth         *auth.Service
	observer     RequestObserver
	log          *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithFlows 挂载恒定流接口。
func WithFlows(flows Flows) Option {
	return func(s *Server) { s.flows = flows }
}

// WithLiquidations 挂载清算请求接口。
func WithLiquidations(l Liquidations) Option {
	return func(s *Server) { s.liquidations = l }
}

// WithFaucet 挂载底层资产的铸币接口。
func WithFaucet(f Faucet) Option {
	return func(s *Server) { s.faucet = f }
}

// WithAuth 启用 API key 认证，调用方账户取自认证主体。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithRequestObserver 配置请求指标。
func WithRequestObserver(o RequestObserver) Option {
	return func(s *Server) { s.observer = o }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, l Ledger, opts ...Option) *Server {
	s := &Server{addr: addr, ledger: l, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/accounts/{account}/balance", s.handleBalance)
	mux.HandleFunc("GET /api/v1/accounts/{account}/solvency", s.handleSolvency)
	mux.HandleFunc("GET /api/v1/accounts/{account}/agreements", s.handleActiveAgreements)
	mux.HandleFunc("GET /api/v1/agreements/{handler}/{id}", s.handleAgreementData)
	mux.HandleFunc("GET /api/v1/agreements/{handler}/accounts/{account}", s.handleAccountState)
	mux.HandleFunc("POST /api/v1/assets/mint", s.handleMint)
	mux.HandleFunc("POST /api/v1/assets/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/tokens/upgrade", s.handleUpgrade)
	mux.HandleFunc("POST /api/v1/tokens/downgrade", s.handleDowngrade)
	mux.HandleFunc("POST /api/v1/tokens/transfer", s.handleTransfer)
	mux.HandleFunc("GET /api/v1/flows/{sender}/{receiver}", s.handleGetFlow)
	mux.HandleFunc("POST /api/v1/flows", s.handleCreateFlow)
	mux.HandleFunc("PUT /api/v1/flows", s.handleUpdateFlow)
	mux.HandleFunc("DELETE /api/v1/flows/{sender}/{receiver}", s.handleDeleteFlow)
	mux.HandleFunc("POST /api/v1/liquidations", s.handleLiquidation)
	var handler http.Handler = mux
	if s.auth.Enabled() {
		handler = s.auth.Middleware(auth.DefaultMiddlewareConfig())(mux)
	}
	return s.instrument(mux, handler)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(mux *http.ServeMux, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.observer == nil {
			return
		}
		_, pattern := mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		s.observer.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
