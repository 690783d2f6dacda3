package ledger

import (
	xerrors "FlowLedger/internal/errors"
)

const (
	CodeUnauthorized           = xerrors.CodeUnauthorized
	CodeAgreementAlreadyExists xerrors.Code = "AGREEMENT_ALREADY_EXISTS"
	CodeAgreementNotFound      xerrors.Code = "AGREEMENT_NOT_FOUND"
	CodeInsufficientBalance    xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeAccountSolvent         xerrors.Code = "ACCOUNT_SOLVENT"
	CodeInvalidState           xerrors.Code = "INVALID_STATE"
	CodeHandlerNotRegistered   xerrors.Code = "HANDLER_NOT_REGISTERED"
	CodeReentrantCall          xerrors.Code = "REENTRANT_CALL"
)

func init() {
	xerrors.Register(CodeAgreementAlreadyExists, xerrors.Attributes{
		Message:  "agreement already exists",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgreementNotFound, xerrors.Attributes{
		Message:  "agreement not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:  "insufficient balance",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAccountSolvent, xerrors.Attributes{
		Message:  "account is solvent",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidState, xerrors.Attributes{
		Message:  "agreement state rejected by handler",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeHandlerNotRegistered, xerrors.Attributes{
		Message:  "agreement handler not registered",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeReentrantCall, xerrors.Attributes{
		Message:  "reentrant ledger mutation rejected",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}
