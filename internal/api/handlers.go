package api

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"

	"FlowLedger/internal/agreement/cfa"
	"FlowLedger/internal/asset"
	"FlowLedger/internal/auth"
	xerrors "FlowLedger/internal/errors"
	"FlowLedger/internal/ledger"
	"FlowLedger/internal/sentinel"
)

type balanceResponse struct {
	Account     string `json:"account"`
	Timestamp   uint64 `json:"timestamp"`
	Static      string `json:"static"`
	Dynamic     string `json:"dynamic"`
	Deposit     string `json:"deposit"`
	OwedDeposit string `json:"owed_deposit"`
	Available   string `json:"available"`
	Insolvent   bool   `json:"insolvent"`
}

type amountRequest struct {
	Account common.Address        `json:"account"`
	Amount  *math.HexOrDecimal256 `json:"amount"`
}

type transferRequest struct {
	From   common.Address        `json:"from"`
	To     common.Address        `json:"to"`
	Amount *math.HexOrDecimal256 `json:"amount"`
}

type flowRequest struct {
	Caller   common.Address        `json:"caller"`
	Sender   common.Address        `json:"sender"`
	Receiver common.Address        `json:"receiver"`
	FlowRate *math.HexOrDecimal256 `json:"flow_rate"`
}

type flowResponse struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Timestamp uint64 `json:"timestamp"`
	FlowRate  string `json:"flow_rate"`
	Deposit   string `json:"deposit"`
}

type liquidationRequest struct {
	Handler     common.Address        `json:"handler"`
	AgreementID common.Hash           `json:"agreement_id"`
	Account     common.Address        `json:"account"`
	Liquidator  common.Address        `json:"liquidator"`
	Deposit     *math.HexOrDecimal256 `json:"deposit,omitempty"`
}

type errorResponse struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": s.ledger.Now()})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := s.pathAddress(w, r, "account")
	if !ok {
		return
	}
	at, ok := s.timestamp(w, r)
	if !ok {
		return
	}
	balance, err := s.ledger.RealtimeBalanceOf(r.Context(), account, at)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Account:     account.Hex(),
		Timestamp:   balance.Timestamp,
		Static:      balance.Static.String(),
		Dynamic:     balance.Dynamic.String(),
		Deposit:     balance.Deposit.String(),
		OwedDeposit: balance.OwedDeposit.String(),
		Available:   balance.Available.String(),
		Insolvent:   balance.Insolvent(),
	})
}

func (s *Server) handleSolvency(w http.ResponseWriter, r *http.Request) {
	account, ok := s.pathAddress(w, r, "account")
	if !ok {
		return
	}
	at, ok := s.timestamp(w, r)
	if !ok {
		return
	}
	insolvent, err := s.ledger.IsAccountInsolventAt(r.Context(), account, at)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account.Hex(), "timestamp": at, "insolvent": insolvent})
}

func (s *Server) handleActiveAgreements(w http.ResponseWriter, r *http.Request) {
	account, ok := s.pathAddress(w, r, "account")
	if !ok {
		return
	}
	handlers, err := s.ledger.GetAccountActiveAgreements(r.Context(), account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]string, 0, len(handlers))
	for _, h := range handlers {
		out = append(out, h.Hex())
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account.Hex(), "handlers": out})
}

func (s *Server) handleAgreementData(w http.ResponseWriter, r *http.Request) {
	handler, ok := s.pathAddress(w, r, "handler")
	if !ok {
		return
	}
	raw, err := hexutil.Decode(r.PathValue("id"))
	if err != nil || len(raw) != common.HashLength {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "agreement id must be a 32 byte hex string"))
		return
	}
	id := common.BytesToHash(raw)
	data, err := s.ledger.GetAgreementData(r.Context(), handler, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"handler": handler.Hex(), "id": id.Hex(), "data": hexutil.Bytes(data)})
}

func (s *Server) handleAccountState(w http.ResponseWriter, r *http.Request) {
	handler, ok := s.pathAddress(w, r, "handler")
	if !ok {
		return
	}
	account, ok := s.pathAddress(w, r, "account")
	if !ok {
		return
	}
	st, err := s.ledger.GetAgreementAccountState(r.Context(), handler, account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"handler": handler.Hex(), "account": account.Hex(), "state": hexutil.Bytes(st)})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	if s.faucet == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "资产铸币接口未启用"))
		return
	}
	if !s.requirePermission(w, r, auth.PermissionAsset) {
		return
	}
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Amount == nil || toBig(req.Amount).Sign() < 0 {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "amount must be non-negative"))
		return
	}
	if err := s.faucet.Mint(r.Context(), req.Account, toBig(req.Amount)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if s.faucet == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "资产铸币接口未启用"))
		return
	}
	if !s.requirePermission(w, r, auth.PermissionAsset) {
		return
	}
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Amount == nil || toBig(req.Amount).Sign() < 0 {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "amount must be non-negative"))
		return
	}
	if err := s.faucet.Approve(r.Context(), req.Account, toBig(req.Amount)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, ok := s.callerFor(w, r, req.Account)
	if !ok {
		return
	}
	if err := s.ledger.Upgrade(r.Context(), account, toBig(req.Amount)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDowngrade(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, ok := s.callerFor(w, r, req.Account)
	if !ok {
		return
	}
	if err := s.ledger.Downgrade(r.Context(), account, toBig(req.Amount)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !s.decode(w, r, &req) {
		return
	}
	from, ok := s.callerFor(w, r, req.From)
	if !ok {
		return
	}
	if err := s.ledger.Transfer(r.Context(), from, req.To, toBig(req.Amount)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	if !s.requireFlows(w) {
		return
	}
	sender, ok := s.pathAddress(w, r, "sender")
	if !ok {
		return
	}
	receiver, ok := s.pathAddress(w, r, "receiver")
	if !ok {
		return
	}
	flow, err := s.flows.GetFlow(r.Context(), sender, receiver)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flowResponse{
		ID:        flowID(sender, receiver),
		Sender:    flow.Sender.Hex(),
		Receiver:  flow.Receiver.Hex(),
		Timestamp: flow.Timestamp,
		FlowRate:  flow.FlowRate.String(),
		Deposit:   flow.Deposit.String(),
	})
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	if !s.requireFlows(w) {
		return
	}
	var req flowRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := s.callerFor(w, r, req.Caller)
	if !ok {
		return
	}
	if err := s.flows.CreateFlow(r.Context(), caller, req.Sender, req.Receiver, toBig(req.FlowRate)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":      flowID(req.Sender, req.Receiver),
		"deposit": s.flows.DepositFor(toBig(req.FlowRate)).String(),
	})
}

func (s *Server) handleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	if !s.requireFlows(w) {
		return
	}
	var req flowRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := s.callerFor(w, r, req.Caller)
	if !ok {
		return
	}
	if err := s.flows.UpdateFlow(r.Context(), caller, req.Sender, req.Receiver, toBig(req.FlowRate)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": flowID(req.Sender, req.Receiver)})
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	if !s.requireFlows(w) {
		return
	}
	sender, ok := s.pathAddress(w, r, "sender")
	if !ok {
		return
	}
	receiver, ok := s.pathAddress(w, r, "receiver")
	if !ok {
		return
	}
	var claimed common.Address
	if _, authenticated := auth.AccountFromContext(r.Context()); !authenticated || r.URL.Query().Get("caller") != "" {
		if claimed, ok = s.queryAddress(w, r, "caller"); !ok {
			return
		}
	}
	caller, ok := s.callerFor(w, r, claimed)
	if !ok {
		return
	}
	if err := s.flows.DeleteFlow(r.Context(), caller, sender, receiver); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLiquidation(w http.ResponseWriter, r *http.Request) {
	if s.liquidations == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "清算队列未启用"))
		return
	}
	if !s.requirePermission(w, r, auth.PermissionLiquidate) {
		return
	}
	var req liquidationRequest
	if !s.decode(w, r, &req) {
		return
	}
	liquidator, ok := s.callerFor(w, r, req.Liquidator)
	if !ok {
		return
	}
	queued := sentinel.Request{
		Handler:     req.Handler,
		AgreementID: req.AgreementID,
		Account:     req.Account,
		Liquidator:  liquidator,
	}
	if req.Deposit != nil {
		queued.Deposit = (*hexutil.Big)(toBig(req.Deposit))
	}
	accepted, err := s.liquidations.Submit(r.Context(), queued)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

// callerFor 返回操作的调用方。启用认证时调用方为认证主体绑定的账户，
// 请求中声明的其他账户被拒绝。
func (s *Server) callerFor(w http.ResponseWriter, r *http.Request, claimed common.Address) (common.Address, bool) {
	account, ok := auth.AccountFromContext(r.Context())
	if !ok {
		return claimed, true
	}
	if claimed != (common.Address{}) && claimed != account {
		s.writeError(w, xerrors.New(xerrors.CodeUnauthorized, "caller does not match the authenticated account",
			xerrors.WithMetadata("claimed", claimed.Hex()),
			xerrors.WithMetadata("account", account.Hex())))
		return common.Address{}, false
	}
	return account, true
}

func (s *Server) requirePermission(w http.ResponseWriter, r *http.Request, perm string) bool {
	subject := auth.SubjectFromContext(r.Context())
	if subject == nil {
		return true
	}
	if err := subject.Authorize(perm); err != nil {
		s.writeError(w, err)
		return false
	}
	return true
}

func (s *Server) requireFlows(w http.ResponseWriter) bool {
	if s.flows == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "恒定流处理器未启用"))
		return false
	}
	return true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return false
	}
	return true
}

func (s *Server) pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	return s.parseAddress(w, name, r.PathValue(name))
}

func (s *Server) queryAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	return s.parseAddress(w, name, r.URL.Query().Get(name))
}

func (s *Server) parseAddress(w http.ResponseWriter, name, raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, name+" is not a valid address",
			xerrors.WithMetadata(name, raw)))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// timestamp 读取 ?at= 参数，缺省为账本当前时间。
func (s *Server) timestamp(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("at"))
	if raw == "" {
		return s.ledger.Now(), true
	}
	at, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "at must be a unix timestamp"))
		return 0, false
	}
	return at, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败", slog.Any("error", err))
	}
	resp := errorResponse{Code: xerrors.CodeOf(err), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		resp.Metadata = coded.Metadata()
	}
	writeJSON(w, status, resp)
}

func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, sentinel.CodeRequestInvalid:
		return http.StatusBadRequest
	case xerrors.CodeUnauthorized, auth.CodePermissionDenied:
		return http.StatusForbidden
	case auth.CodeMissingToken, auth.CodeInvalidToken:
		return http.StatusUnauthorized
	case xerrors.CodeNotFound, ledger.CodeAgreementNotFound, ledger.CodeHandlerNotRegistered:
		return http.StatusNotFound
	case xerrors.CodeConflict, ledger.CodeAgreementAlreadyExists, ledger.CodeReentrantCall:
		return http.StatusConflict
	case ledger.CodeInsufficientBalance, ledger.CodeAccountSolvent,
		asset.CodeInsufficientAllowance, asset.CodeInsufficientExternalBalance:
		return http.StatusUnprocessableEntity
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func toBig(v *math.HexOrDecimal256) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set((*big.Int)(v))
}

func flowID(sender, receiver common.Address) string {
	return cfa.FlowID(sender, receiver).Hex()
}
