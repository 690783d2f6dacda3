package flowledger

import (
	"context"
	"math/big"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"FlowLedger/internal/agreement/cfa"
	"FlowLedger/internal/api"
	"FlowLedger/internal/asset"
	"FlowLedger/internal/ledger"
	"FlowLedger/internal/sentinel"
	"FlowLedger/internal/state"
)

var (
	cfaAddr = common.HexToAddress("0x0000000000000000000000000000000000001001")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob     = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	keeper  = common.HexToAddress("0x00000000000000000000000000000000000000c4")
)

func newClient(t *testing.T, now *uint64) (*Client, *sentinel.MemoryQueue) {
	t.Helper()
	underlying := asset.NewMemory()
	underlying.Mint(alice, big.NewInt(100))
	underlying.Approve(alice, big.NewInt(100))
	host, err := ledger.New(state.NewMemoryStore(), underlying, ledger.WithClock(func() uint64 { return *now }))
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	flows := cfa.New(cfaAddr, host, 10)
	if err := host.RegisterHandler(cfaAddr, flows); err != nil {
		t.Fatalf("register: %v", err)
	}
	queue := sentinel.NewMemoryQueue(4)
	server := api.NewServer(":0", host, api.WithFlows(flows), api.WithLiquidations(sentinel.NewService(queue, 2)))
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, queue
}

func TestClientStreamsAgainstServer(t *testing.T) {
	var now uint64
	client, _ := newClient(t, &now)
	ctx := context.Background()

	if err := client.Upgrade(ctx, alice, big.NewInt(100)); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if err := client.CreateFlow(ctx, FlowChange{Caller: alice, Sender: alice, Receiver: bob, FlowRate: big.NewInt(1)}); err != nil {
		t.Fatalf("create flow: %v", err)
	}
	at := uint64(50)
	balance, err := client.Balance(ctx, bob, &at)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if v, ok := balance.AvailableInt(); !ok || v.Int64() != 50 {
		t.Fatalf("bob at 50: got %s", balance.Available)
	}
	flow, err := client.GetFlow(ctx, alice, bob)
	if err != nil || flow.Deposit != "10" {
		t.Fatalf("get flow: %+v %v", flow, err)
	}
	handlers, err := client.ActiveAgreements(ctx, alice)
	if err != nil || len(handlers) != 1 || handlers[0] != cfaAddr {
		t.Fatalf("active agreements: %v %v", handlers, err)
	}

	now = 20
	if err := client.UpdateFlow(ctx, FlowChange{Caller: alice, Sender: alice, Receiver: bob, FlowRate: big.NewInt(2)}); err != nil {
		t.Fatalf("update flow: %v", err)
	}
	if err := client.DeleteFlow(ctx, bob, alice, bob); err != nil {
		t.Fatalf("delete flow: %v", err)
	}
	if _, err := client.GetFlow(ctx, alice, bob); !IsCode(err, "AGREEMENT_NOT_FOUND") {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	var now uint64
	client, queue := newClient(t, &now)
	ctx := context.Background()

	err := client.Transfer(ctx, alice, bob, big.NewInt(1))
	if !IsCode(err, "INSUFFICIENT_BALANCE") {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	var apiErr *APIError
	if e, ok := err.(*APIError); ok {
		apiErr = e
	}
	if apiErr == nil || apiErr.StatusCode != 422 {
		t.Fatalf("unexpected error %#v", err)
	}

	ticket, err := client.SubmitLiquidation(ctx, Liquidation{
		Handler:     cfaAddr,
		AgreementID: cfa.FlowID(alice, bob),
		Account:     alice,
		Liquidator:  keeper,
		Deposit:     big.NewInt(10),
	})
	if err != nil {
		t.Fatalf("submit liquidation: %v", err)
	}
	if ticket.ID == "" || ticket.MaxRetries != 2 || queue.Len() != 1 {
		t.Fatalf("unexpected ticket %+v", ticket)
	}
}
