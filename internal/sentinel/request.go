package sentinel

import (
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	xerrors "FlowLedger/internal/errors"
)

// 清算请求相关错误码
const (
	CodeRequestInvalid     xerrors.Code = "LIQUIDATION_REQUEST_INVALID"
	CodeRequestPublish     xerrors.Code = "LIQUIDATION_REQUEST_PUBLISH"
	CodeLiquidationFailed  xerrors.Code = "LIQUIDATION_FAILED"
	CodeLiquidationBailout xerrors.Code = "LIQUIDATION_BAILOUT"
)

func init() {
	xerrors.Register(CodeRequestInvalid, xerrors.Attributes{
		Message:  "invalid liquidation request",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeRequestPublish, xerrors.Attributes{
		Message:   "failed to enqueue liquidation request",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeLiquidationFailed, xerrors.Attributes{
		Message:  "liquidation failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeLiquidationBailout, xerrors.Attributes{
		Message:  "liquidation drew on the bailout account",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Request 描述一次排队等待执行的清算。
type Request struct {
	ID          string         `json:"id"`
	Handler     common.Address `json:"handler"`
	AgreementID common.Hash    `json:"agreement_id"`
	Account     common.Address `json:"account"`
	Liquidator  common.Address `json:"liquidator"`
	// Deposit 为空时使用处理器上报的押金。
	Deposit     *hexutil.Big `json:"deposit,omitempty"`
	Attempts    int          `json:"attempts"`
	MaxRetries  int          `json:"max_retries"`
	SubmittedAt int64        `json:"submitted_at"`
}

// DepositAmount returns the requested deposit or nil.
func (r Request) DepositAmount() *big.Int {
	if r.Deposit == nil {
		return nil
	}
	return new(big.Int).Set(r.Deposit.ToInt())
}

// Validate checks the fields a liquidation needs.
func (r Request) Validate() error {
	switch {
	case r.Handler == (common.Address{}):
		return xerrors.New(CodeRequestInvalid, "handler is required")
	case r.AgreementID == (common.Hash{}):
		return xerrors.New(CodeRequestInvalid, "agreement id is required")
	case r.Account == (common.Address{}):
		return xerrors.New(CodeRequestInvalid, "account is required")
	case r.Liquidator == (common.Address{}):
		return xerrors.New(CodeRequestInvalid, "liquidator is required")
	case r.Deposit != nil && r.Deposit.ToInt().Sign() < 0:
		return xerrors.New(CodeRequestInvalid, "deposit cannot be negative")
	}
	return nil
}

func (r *Request) ensureID() {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
}

func encodeRequest(r Request) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRequest(raw []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(raw, &r); err != nil {
		return Request{}, xerrors.Wrap(CodeRequestInvalid, err, "decode liquidation request")
	}
	return r, nil
}
