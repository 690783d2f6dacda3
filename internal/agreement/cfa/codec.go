package cfa

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	xerrors "FlowLedger/internal/errors"
	"FlowLedger/internal/ledger"
)

// FlowData is the agreement data of one flow.
type FlowData struct {
	Sender    common.Address
	Receiver  common.Address
	Timestamp uint64
	FlowRate  *big.Int
	Deposit   *big.Int
}

// FlowID returns the agreement id of the flow from sender to receiver.
func FlowID(sender, receiver common.Address) common.Hash {
	return crypto.Keccak256Hash(sender.Bytes(), receiver.Bytes())
}

// EncodeFlowData RLP-encodes a flow.
func EncodeFlowData(f FlowData) ([]byte, error) {
	return rlp.EncodeToBytes(&f)
}

// DecodeFlowData decodes agreement data written by EncodeFlowData.
func DecodeFlowData(data []byte) (FlowData, error) {
	var f FlowData
	if err := rlp.DecodeBytes(data, &f); err != nil {
		return FlowData{}, xerrors.Wrap(ledger.CodeInvalidState, err, "decode flow data")
	}
	return f, nil
}

// AccountState aggregates every flow of one account.
type AccountState struct {
	// Timestamp is the last checkpoint; Settled holds what accrued until then.
	Timestamp   uint64
	NetFlowRate *big.Int
	Settled     *big.Int
	Deposit     *big.Int
}

func zeroState(ts uint64) AccountState {
	return AccountState{
		Timestamp:   ts,
		NetFlowRate: new(big.Int),
		Settled:     new(big.Int),
		Deposit:     new(big.Int),
	}
}

// IsZero reports whether the state carries nothing and can be dropped.
func (s AccountState) IsZero() bool {
	return s.NetFlowRate.Sign() == 0 && s.Settled.Sign() == 0 && s.Deposit.Sign() == 0
}

// DynamicAt returns the balance accrued by the state at ts.
func (s AccountState) DynamicAt(ts uint64) *big.Int {
	elapsed := new(big.Int).Sub(new(big.Int).SetUint64(ts), new(big.Int).SetUint64(s.Timestamp))
	return elapsed.Mul(elapsed, s.NetFlowRate).Add(elapsed, s.Settled)
}

// settle moves accrual up to ts into Settled.
func (s AccountState) settle(ts uint64) AccountState {
	return AccountState{
		Timestamp:   ts,
		NetFlowRate: new(big.Int).Set(s.NetFlowRate),
		Settled:     s.DynamicAt(ts),
		Deposit:     new(big.Int).Set(s.Deposit),
	}
}

var accountStateArgs = mustArguments(
	[2]string{"timestamp", "uint256"},
	[2]string{"netFlowRate", "int256"},
	[2]string{"settled", "int256"},
	[2]string{"deposit", "uint256"},
)

func mustArguments(fields ...[2]string) abi.Arguments {
	args := make(abi.Arguments, 0, len(fields))
	for _, field := range fields {
		typ, err := abi.NewType(field[1], "", nil)
		if err != nil {
			panic(err)
		}
		args = append(args, abi.Argument{Name: field[0], Type: typ})
	}
	return args
}

// EncodeAccountState ABI-packs the state. A zero state encodes as empty,
// which deactivates the account for the handler.
func EncodeAccountState(s AccountState) ([]byte, error) {
	if s.IsZero() {
		return nil, nil
	}
	return accountStateArgs.Pack(
		new(big.Int).SetUint64(s.Timestamp),
		s.NetFlowRate,
		s.Settled,
		s.Deposit,
	)
}

// DecodeAccountState reverses EncodeAccountState. Empty input is the zero
// state.
func DecodeAccountState(data []byte) (AccountState, error) {
	if len(data) == 0 {
		return zeroState(0), nil
	}
	values, err := accountStateArgs.Unpack(data)
	if err != nil {
		return AccountState{}, xerrors.Wrap(ledger.CodeInvalidState, err, "decode flow account state")
	}
	ints := make([]*big.Int, len(values))
	for i, v := range values {
		n, ok := v.(*big.Int)
		if !ok {
			return AccountState{}, xerrors.Newf(ledger.CodeInvalidState, "unexpected field %d type %T", i, v)
		}
		ints[i] = n
	}
	if !ints[0].IsUint64() {
		return AccountState{}, xerrors.New(ledger.CodeInvalidState, "timestamp overflows uint64")
	}
	return AccountState{
		Timestamp:   ints[0].Uint64(),
		NetFlowRate: ints[1],
		Settled:     ints[2],
		Deposit:     ints[3],
	}, nil
}
