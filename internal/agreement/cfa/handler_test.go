package cfa

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"FlowLedger/internal/asset"
	xerrors "FlowLedger/internal/errors"
	"FlowLedger/internal/ledger"
	"FlowLedger/internal/state"
)

var (
	cfaAddr = common.HexToAddress("0x0000000000000000000000000000000000001001")
	senderA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	recvB   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	keeper  = common.HexToAddress("0x00000000000000000000000000000000000000c4")
)

type fixture struct {
	host       *ledger.Host
	handler    *Handler
	underlying *asset.Memory
	now        uint64
}

// newFixture funds senderA with 100 units; flows need a deposit of ten
// seconds of their rate.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	underlying := asset.NewMemory()
	host, err := ledger.New(state.NewMemoryStore(), underlying, ledger.WithClock(func() uint64 { return f.now }))
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	f.host = host
	f.underlying = underlying
	f.handler = New(cfaAddr, host, 10)
	if err := host.RegisterHandler(cfaAddr, f.handler); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.fund(t, senderA, 100)
	return f
}

func (f *fixture) fund(t *testing.T, account common.Address, amount int64) {
	t.Helper()
	f.underlying.Mint(account, big.NewInt(amount))
	f.underlying.Approve(account, big.NewInt(amount))
	if err := f.host.Upgrade(context.Background(), account, big.NewInt(amount)); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
}

// total returns static plus accrued balance summed over accounts.
func (f *fixture) total(t *testing.T, ts uint64, accounts ...common.Address) int64 {
	t.Helper()
	sum := new(big.Int)
	for _, account := range accounts {
		balance, err := f.host.RealtimeBalanceOf(context.Background(), account, ts)
		if err != nil {
			t.Fatalf("balance: %v", err)
		}
		sum.Add(sum, balance.Static).Add(sum, balance.Dynamic)
	}
	return sum.Int64()
}

func (f *fixture) available(t *testing.T, account common.Address, ts uint64) int64 {
	t.Helper()
	balance, err := f.host.RealtimeBalanceOf(context.Background(), account, ts)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance.Available.Int64()
}

func (f *fixture) static(t *testing.T, account common.Address) int64 {
	t.Helper()
	balance, err := f.host.StaticBalanceOf(context.Background(), account)
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	return balance.Int64()
}

func TestStreamScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.handler.CreateFlow(ctx, senderA, senderA, recvB, big.NewInt(1)); err != nil {
		t.Fatalf("create flow: %v", err)
	}
	if got := f.available(t, senderA, 50); got != 40 {
		t.Fatalf("A at 50: expected 40, got %d", got)
	}
	if got := f.available(t, recvB, 50); got != 50 {
		t.Fatalf("B at 50: expected 50, got %d", got)
	}
	if got := f.available(t, senderA, 91); got != -1 {
		t.Fatalf("A at 91: expected -1, got %d", got)
	}

	f.now = 91
	insolvent, err := f.host.IsAccountInsolvent(ctx, senderA)
	if err != nil || !insolvent {
		t.Fatalf("A should be insolvent at 91: %v %v", insolvent, err)
	}
	flow, err := f.handler.GetFlow(ctx, senderA, recvB)
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}
	if flow.Deposit.Int64() != 10 || flow.FlowRate.Int64() != 1 {
		t.Fatalf("unexpected flow %+v", flow)
	}
}

func TestCreateFlowRequiresSolventSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// deposit of 110 exceeds the 100 available
	err := f.handler.CreateFlow(ctx, senderA, senderA, recvB, big.NewInt(11))
	if !xerrors.HasCode(err, ledger.CodeInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if _, err := f.handler.GetFlow(ctx, senderA, recvB); !xerrors.HasCode(err, ledger.CodeAgreementNotFound) {
		t.Fatalf("flow must not exist, got %v", err)
	}
	if active, _ := f.host.GetAccountActiveAgreements(ctx, recvB); len(active) != 0 {
		t.Fatalf("receiver should not be active, got %v", active)
	}

	err = f.handler.CreateFlow(ctx, keeper, senderA, recvB, big.NewInt(1))
	if !xerrors.HasCode(err, ledger.CodeUnauthorized) {
		t.Fatalf("only the sender may open a flow, got %v", err)
	}
	err = f.handler.CreateFlow(ctx, senderA, senderA, senderA, big.NewInt(1))
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("self flow should be rejected, got %v", err)
	}
	if err := f.handler.CreateFlow(ctx, senderA, senderA, recvB, big.NewInt(1)); err != nil {
		t.Fatalf("create flow: %v", err)
	}
	err = f.handler.CreateFlow(ctx, senderA, senderA, recvB, big.NewInt(1))
	if !xerrors.HasCode(err, ledger.CodeAgreementAlreadyExists) {
		t.Fatalf("duplicate flow should fail, got %v", err)
	}
}

func TestUpdateFlowCheckpointsBothSides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.handler.CreateFlow(ctx, senderA, senderA, recvB, big.NewInt(1)); err != nil {
		t.Fatalf("create flow: %v", err)
	}

	f.now = 20
	if err := f.handler.UpdateFlow(ctx, senderA, senderA, recvB, big.NewInt(2)); err != nil {
		t.Fatalf("update flow: %v", err)
	}
	// 100 - 20 streamed at rate 1 - 20 streamed at rate 2 - deposit 20
	if got := f.available(t, senderA, 30); got != 40 {
		t.Fatalf("A at 30: expected 40, got %d", got)
	}
	if got := f.available(t, recvB, 30); got != 40 {
		t.Fatalf("B at 30: expected 40, got %d", got)
	}
	st, err := f.handler.GetAccountFlowState(ctx, senderA)
	if err != nil {
		t.Fatalf("flow state: %v", err)
	}
	if st.Timestamp != 20 || st.NetFlowRate.Int64() != -2 || st.Settled.Int64() != -20 {
		t.Fatalf("unexpected sender state %+v", st)
	}
}

func TestDeleteFlowBySenderSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.handler.CreateFlow(ctx, senderA, senderA, recvB, big.NewInt(1)); err != nil {
		t.Fatalf("create flow: %v", err)
	}

	f.now = 30
	err := f.handler.DeleteFlow(ctx, keeper, senderA, recvB)
	if !xerrors.HasCode(err, ledger.CodeUnauthorized) {
		t.Fatalf("third party must not close a solvent flow, got %v", err)
	}
	if err := f.handler.DeleteFlow(ctx, senderA, senderA, recvB); err != nil {
		t.Fatalf("delete flow: %v", err)
	}
	for _, ts := range []uint64{30, 500} {
		if got := f.available(t, senderA, ts); got != 70 {
			t.Fatalf("A at %d: expected 70, got %d", ts, got)
		}
		if got := f.available(t, recvB, ts); got != 30 {
			t.Fatalf("B at %d: expected 30, got %d", ts, got)
		}
	}
	if _, err := f.handler.GetFlow(ctx, senderA, recvB); !xerrors.HasCode(err, ledger.CodeAgreementNotFound) {
		t.Fatalf("flow should be gone, got %v", err)
	}
}

func TestDeleteFlowLiquidatesInsolventSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.handler.CreateFlow(ctx, senderA, senderA, recvB, big.NewInt(1)); err != nil {
		t.Fatalf("create flow: %v", err)
	}

	f.now = 91
	if err := f.handler.DeleteFlow(ctx, keeper, senderA, recvB); err != nil {
		t.Fatalf("liquidating delete: %v", err)
	}
	if got := f.static(t, keeper); got != 10 {
		t.Fatalf("keeper should receive the deposit, got %d", got)
	}
	if got := f.static(t, senderA); got != -1 {
		t.Fatalf("A static: expected -1, got %d", got)
	}
	if active, _ := f.host.GetAccountActiveAgreements(ctx, senderA); len(active) != 0 {
		t.Fatalf("A should have no active agreements, got %v", active)
	}
	if got := f.available(t, recvB, 1000); got != 91 {
		t.Fatalf("B keeps accrued 91, got %d", got)
	}
	if _, err := f.host.LiquidateAgreement(ctx, keeper, cfaAddr, FlowID(senderA, recvB), senderA, nil); !xerrors.HasCode(err, ledger.CodeAgreementNotFound) {
		t.Fatalf("second liquidation should fail, got %v", err)
	}
}

func TestLiquidationOnlyTargetsTheFlowSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	senderC := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	recvD := common.HexToAddress("0x00000000000000000000000000000000000000d0")
	f.fund(t, senderC, 100)
	if err := f.handler.CreateFlow(ctx, senderA, senderA, recvB, big.NewInt(1)); err != nil {
		t.Fatalf("create A->B: %v", err)
	}
	if err := f.handler.CreateFlow(ctx, senderC, senderC, recvD, big.NewInt(2)); err != nil {
		t.Fatalf("create C->D: %v", err)
	}
	everyone := []common.Address{senderA, recvB, senderC, recvD, keeper}

	// C is insolvent at 50 but does not fund A->B
	f.now = 50
	_, err := f.host.LiquidateAgreement(ctx, keeper, cfaAddr, FlowID(senderA, recvB), senderC, nil)
	if !xerrors.HasCode(err, ledger.CodeUnauthorized) {
		t.Fatalf("liquidating a non-sender should fail, got %v", err)
	}
	if _, err := f.handler.GetFlow(ctx, senderA, recvB); err != nil {
		t.Fatalf("A->B should survive: %v", err)
	}
	st, err := f.handler.GetAccountFlowState(ctx, senderC)
	if err != nil || st.NetFlowRate.Int64() != -2 || st.Deposit.Int64() != 20 {
		t.Fatalf("C state should be untouched: %+v %v", st, err)
	}
	if got := f.static(t, keeper); got != 0 {
		t.Fatalf("keeper paid on failure: %d", got)
	}

	// C's own flow can be liquidated and nothing is created or lost
	if _, err := f.host.LiquidateAgreement(ctx, keeper, cfaAddr, FlowID(senderC, recvD), senderC, nil); err != nil {
		t.Fatalf("liquidate C->D: %v", err)
	}
	for _, ts := range []uint64{50, 100} {
		if got := f.total(t, ts, everyone...); got != 200 {
			t.Fatalf("supply at %d: expected 200, got %d", ts, got)
		}
	}
	if got := f.available(t, recvD, 100); got != 100 {
		t.Fatalf("D keeps 100 accrued before liquidation, got %d", got)
	}
}

func TestAccountStateCodecKeepsSignedValues(t *testing.T) {
	in := AccountState{
		Timestamp:   1700000000,
		NetFlowRate: big.NewInt(-42),
		Settled:     new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 200)),
		Deposit:     big.NewInt(7),
	}
	raw, err := EncodeAccountState(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeAccountState(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Timestamp != in.Timestamp || out.NetFlowRate.Cmp(in.NetFlowRate) != 0 || out.Settled.Cmp(in.Settled) != 0 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if raw, _ := EncodeAccountState(zeroState(5)); len(raw) != 0 {
		t.Fatalf("zero state should encode empty")
	}
	if _, err := DecodeAccountState([]byte{1, 2, 3}); !xerrors.HasCode(err, ledger.CodeInvalidState) {
		t.Fatalf("garbage should be invalid state, got %v", err)
	}
	if FlowID(senderA, recvB) == FlowID(recvB, senderA) {
		t.Fatalf("flow ids must be directional")
	}
}
