package ledger

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "FlowLedger/internal/errors"
	"FlowLedger/internal/events"
	"FlowLedger/internal/state"
)

// AgreementHost is the capability set agreement handlers call into.
type AgreementHost interface {
	CreateAgreement(ctx context.Context, caller, handler common.Address, id common.Hash, data []byte) error
	GetAgreementData(ctx context.Context, handler common.Address, id common.Hash) ([]byte, error)
	TerminateAgreement(ctx context.Context, caller, handler common.Address, id common.Hash) error
	UpdateAgreementAccountState(ctx context.Context, caller, handler, account common.Address, st []byte) error
	GetAgreementAccountState(ctx context.Context, handler, account common.Address) ([]byte, error)
	GetAccountActiveAgreements(ctx context.Context, account common.Address) ([]common.Address, error)
	WithAgreements(ctx context.Context, caller, handler common.Address, fn func(*AgreementTx) error) error
	RealtimeBalanceOf(ctx context.Context, account common.Address, timestamp uint64) (Balance, error)
	LiquidateAgreement(ctx context.Context, liquidator, handler common.Address, id common.Hash, account common.Address, deposit *big.Int) (Liquidation, error)
}

var _ AgreementHost = (*Host)(nil)

// AgreementTx is the write access a handler gets inside one atomic
// operation. Reads observe the operation's own pending writes.
type AgreementTx struct {
	host    *Host
	tx      state.Tx
	handler common.Address
	now     uint64
	events  *[]events.Event
}

// Now returns the operation timestamp.
func (a *AgreementTx) Now() uint64 {
	return a.now
}

// Handler returns the handler the transaction writes for.
func (a *AgreementTx) Handler() common.Address {
	return a.handler
}

// CreateAgreement stores data under id. The id must not be live.
func (a *AgreementTx) CreateAgreement(id common.Hash, data []byte) error {
	_, exists, err := a.tx.AgreementData(a.handler, id)
	if err != nil {
		return err
	}
	if exists {
		return xerrors.New(CodeAgreementAlreadyExists, "",
			xerrors.WithMetadata("handler", a.handler.Hex()),
			xerrors.WithMetadata("id", id.Hex()))
	}
	if err := a.tx.PutAgreementData(a.handler, id, data); err != nil {
		return err
	}
	ev := events.New(events.KindAgreementCreated, a.now)
	ev.Handler = a.handler
	ev.AgreementID = id
	ev.Data = append([]byte(nil), data...)
	*a.events = append(*a.events, ev)
	return nil
}

// UpdateAgreementData rewrites the data of a live agreement.
func (a *AgreementTx) UpdateAgreementData(id common.Hash, data []byte) error {
	if _, err := a.AgreementData(id); err != nil {
		return err
	}
	return a.tx.PutAgreementData(a.handler, id, data)
}

// AgreementData returns the data stored under id.
func (a *AgreementTx) AgreementData(id common.Hash) ([]byte, error) {
	return agreementData(a.tx, a.handler, id)
}

// TerminateAgreement removes id. Account states are left untouched.
func (a *AgreementTx) TerminateAgreement(id common.Hash) error {
	if _, err := a.AgreementData(id); err != nil {
		return err
	}
	if err := a.tx.DeleteAgreementData(a.handler, id); err != nil {
		return err
	}
	ev := events.New(events.KindAgreementTerminated, a.now)
	ev.Handler = a.handler
	ev.AgreementID = id
	*a.events = append(*a.events, ev)
	return nil
}

// UpdateAccountState overwrites the handler's state for account and keeps
// the active set in step with it.
func (a *AgreementTx) UpdateAccountState(account common.Address, st []byte) error {
	return writeAccountState(a.tx, a.handler, account, st, a.now, a.events)
}

// AccountState returns the handler's state for account.
func (a *AgreementTx) AccountState(account common.Address) ([]byte, error) {
	return a.tx.AccountState(a.handler, account)
}

// RealtimeBalanceOf evaluates account including the pending writes.
func (a *AgreementTx) RealtimeBalanceOf(account common.Address, timestamp uint64) (Balance, error) {
	return a.host.balanceOf(a.tx, account, timestamp)
}

// WithAgreements runs fn as one atomic operation on behalf of handler.
// Nothing fn writes is visible unless it returns nil.
func (h *Host) WithAgreements(ctx context.Context, caller, handler common.Address, fn func(*AgreementTx) error) error {
	return h.agreementOp(ctx, "agreement_tx", caller, handler, fn)
}

func (h *Host) agreementOp(ctx context.Context, op string, caller, handler common.Address, fn func(*AgreementTx) error) error {
	if err := h.authorize(caller, handler); err != nil {
		h.metrics.ObserveOperation(op, err)
		return err
	}
	return h.run(ctx, op, func(ctx context.Context, batch *[]events.Event) error {
		now := h.clock()
		var pending []events.Event
		err := h.store.Update(ctx, func(tx state.Tx) error {
			pending = pending[:0]
			return fn(&AgreementTx{host: h, tx: tx, handler: handler, now: now, events: &pending})
		})
		if err != nil {
			return err
		}
		for _, ev := range pending {
			h.audit.Info("agreement "+string(ev.Kind),
				slog.String("handler", ev.Handler.Hex()),
				slog.String("agreement_id", ev.AgreementID.Hex()),
				slog.String("account", ev.Account.Hex()))
		}
		*batch = append(*batch, pending...)
		return nil
	})
}

// CreateAgreement stores data for a new agreement owned by handler.
func (h *Host) CreateAgreement(ctx context.Context, caller, handler common.Address, id common.Hash, data []byte) error {
	return h.agreementOp(ctx, "create_agreement", caller, handler, func(tx *AgreementTx) error {
		return tx.CreateAgreement(id, data)
	})
}

// TerminateAgreement removes a live agreement of handler.
func (h *Host) TerminateAgreement(ctx context.Context, caller, handler common.Address, id common.Hash) error {
	return h.agreementOp(ctx, "terminate_agreement", caller, handler, func(tx *AgreementTx) error {
		return tx.TerminateAgreement(id)
	})
}

// UpdateAgreementAccountState overwrites handler's state for account.
func (h *Host) UpdateAgreementAccountState(ctx context.Context, caller, handler, account common.Address, st []byte) error {
	return h.agreementOp(ctx, "update_account_state", caller, handler, func(tx *AgreementTx) error {
		return tx.UpdateAccountState(account, st)
	})
}

// GetAgreementData returns the data of a live agreement.
func (h *Host) GetAgreementData(ctx context.Context, handler common.Address, id common.Hash) ([]byte, error) {
	var out []byte
	err := h.view(ctx, func(r state.Reader) error {
		var err error
		out, err = agreementData(r, handler, id)
		return err
	})
	return out, err
}

// GetAgreementAccountState returns handler's state for account, empty when
// the account is not active for handler.
func (h *Host) GetAgreementAccountState(ctx context.Context, handler, account common.Address) ([]byte, error) {
	var out []byte
	err := h.view(ctx, func(r state.Reader) error {
		var err error
		out, err = r.AccountState(handler, account)
		return err
	})
	return out, err
}

// GetAccountActiveAgreements returns the handlers with non-empty state for
// account in the order they became active.
func (h *Host) GetAccountActiveAgreements(ctx context.Context, account common.Address) ([]common.Address, error) {
	var out []common.Address
	err := h.view(ctx, func(r state.Reader) error {
		var err error
		out, err = r.ActiveHandlers(account)
		return err
	})
	return out, err
}

func agreementData(r state.Reader, handler common.Address, id common.Hash) ([]byte, error) {
	data, ok, err := r.AgreementData(handler, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xerrors.New(CodeAgreementNotFound, "",
			xerrors.WithMetadata("handler", handler.Hex()),
			xerrors.WithMetadata("id", id.Hex()))
	}
	return data, nil
}

func writeAccountState(tx state.Tx, handler, account common.Address, st []byte, now uint64, batch *[]events.Event) error {
	if err := tx.PutAccountState(handler, account, st); err != nil {
		return err
	}
	if len(st) == 0 {
		if err := tx.RemoveActiveHandler(account, handler); err != nil {
			return err
		}
	} else if err := tx.AddActiveHandler(account, handler); err != nil {
		return err
	}
	ev := events.New(events.KindAgreementAccountStateUpdated, now)
	ev.Handler = handler
	ev.Account = account
	ev.Data = append([]byte(nil), st...)
	*batch = append(*batch, ev)
	return nil
}
