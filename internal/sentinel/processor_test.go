package sentinel

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "FlowLedger/internal/errors"
	"FlowLedger/internal/ledger"
	"FlowLedger/internal/observability/alerting"
)

var (
	cfa      = common.HexToAddress("0x0000000000000000000000000000000000001001")
	account  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	keeper   = common.HexToAddress("0x00000000000000000000000000000000000000c4")
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000d5")
)

type fakeLedger struct {
	calls   atomic.Int32
	mu      sync.Mutex
	results []error
	bailout *big.Int
	seen    []*big.Int
}

func (f *fakeLedger) LiquidateAgreement(_ context.Context, liquidator, handler common.Address, id common.Hash, acct common.Address, deposit *big.Int) (ledger.Liquidation, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, deposit)
	if len(f.results) > 0 {
		err := f.results[0]
		f.results = f.results[1:]
		if err != nil {
			return ledger.Liquidation{}, err
		}
	}
	bailout := new(big.Int)
	if f.bailout != nil {
		bailout.Set(f.bailout)
	}
	return ledger.Liquidation{
		Handler:        handler,
		AgreementID:    id,
		PenaltyAccount: acct,
		RewardAccount:  liquidator,
		BailoutAccount: treasury,
		Liquidator:     liquidator,
		Deposit:        big.NewInt(10),
		Settled:        new(big.Int),
		BailoutAmount:  bailout,
	}, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingDispatcher) snapshot() []alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Event(nil), r.events...)
}

func request(i byte) Request {
	return Request{
		Handler:     cfa,
		AgreementID: common.BytesToHash([]byte{i + 1}),
		Account:     account,
		Liquidator:  keeper,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProcessorHandlesConcurrentRequests(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	queue := NewMemoryQueue(1024)
	fake := &fakeLedger{}
	service := NewService(queue, 3)
	processor := NewProcessor(fake, queue, queue, WithWorkerCount(8))

	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	total := 100
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, request(byte(i))); err != nil {
			t.Fatalf("提交清算请求失败: %v", err)
		}
	}
	waitFor(t, "all requests", func() bool { return int(fake.calls.Load()) >= total })
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("processor exited: %v", err)
	}
}

func TestProcessorSkipsStaleRequests(t *testing.T) {
	fake := &fakeLedger{results: []error{
		xerrors.New(ledger.CodeAccountSolvent, ""),
		xerrors.New(ledger.CodeAgreementNotFound, ""),
	}}
	alerts := &recordingDispatcher{}
	queue := NewMemoryQueue(4)
	processor := NewProcessor(fake, queue, queue, WithAlertDispatcher(alerts))

	for i := 0; i < 2; i++ {
		if err := processor.handle(context.Background(), request(0)); err != nil {
			t.Fatalf("stale request should be skipped, got %v", err)
		}
	}
	if queue.Len() != 0 {
		t.Fatalf("stale requests must not be requeued")
	}
	if got := alerts.snapshot(); len(got) != 0 {
		t.Fatalf("stale requests must not alert, got %+v", got)
	}
}

func TestProcessorRequeuesRetryableFailures(t *testing.T) {
	fake := &fakeLedger{results: []error{
		xerrors.New(xerrors.CodeStorageFailure, "db down"),
	}}
	alerts := &recordingDispatcher{}
	queue := NewMemoryQueue(4)
	processor := NewProcessor(fake, queue, queue, WithAlertDispatcher(alerts))

	req := request(0)
	req.ID = "req-1"
	req.MaxRetries = 2
	if err := processor.handle(context.Background(), req); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if queue.Len() != 1 {
		t.Fatalf("retryable failure should be requeued")
	}
	requeued := <-queue.ch
	if requeued.Attempts != 1 || requeued.ID != "req-1" {
		t.Fatalf("unexpected requeued request %+v", requeued)
	}
	events := alerts.snapshot()
	if len(events) != 1 || events[0].Metadata["stage"] != "retry" || events[0].Code != xerrors.CodeStorageFailure {
		t.Fatalf("unexpected alerts %+v", events)
	}

	if err := processor.handle(context.Background(), requeued); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if fake.calls.Load() != 2 || queue.Len() != 0 {
		t.Fatalf("second attempt should succeed without requeue")
	}
}

func TestProcessorStopsAfterMaxRetries(t *testing.T) {
	fake := &fakeLedger{results: []error{xerrors.New(xerrors.CodeStorageFailure, "db down")}}
	alerts := &recordingDispatcher{}
	queue := NewMemoryQueue(4)
	processor := NewProcessor(fake, queue, queue, WithAlertDispatcher(alerts))

	req := request(0)
	req.Attempts = 3
	req.MaxRetries = 3
	if err := processor.handle(context.Background(), req); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if queue.Len() != 0 {
		t.Fatalf("exhausted request must not be requeued")
	}
	events := alerts.snapshot()
	if len(events) != 1 || events[0].Metadata["stage"] != "terminal" || events[0].Attempts != 4 {
		t.Fatalf("unexpected alerts %+v", events)
	}
}

func TestProcessorAlertsOnNonRetryableFailure(t *testing.T) {
	fake := &fakeLedger{results: []error{errors.New("handler exploded")}}
	alerts := &recordingDispatcher{}
	queue := NewMemoryQueue(4)
	processor := NewProcessor(fake, queue, queue, WithAlertDispatcher(alerts))

	if err := processor.handle(context.Background(), request(0)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	events := alerts.snapshot()
	if len(events) != 1 || events[0].Code != CodeLiquidationFailed || events[0].Metadata["stage"] != "non_retryable" {
		t.Fatalf("unexpected alerts %+v", events)
	}
	if queue.Len() != 0 {
		t.Fatalf("non retryable failure must not be requeued")
	}
}

func TestProcessorAlertsOnBailout(t *testing.T) {
	fake := &fakeLedger{bailout: big.NewInt(5)}
	alerts := &recordingDispatcher{}
	processor := NewProcessor(fake, nil, nil, WithAlertDispatcher(alerts))

	req := request(0)
	req.Deposit = (*hexutil.Big)(big.NewInt(12))
	if err := processor.handle(context.Background(), req); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if fake.seen[0] == nil || fake.seen[0].Int64() != 12 {
		t.Fatalf("requested deposit should be forwarded, got %v", fake.seen[0])
	}
	events := alerts.snapshot()
	if len(events) != 1 || events[0].Code != CodeLiquidationBailout || events[0].Metadata["bailout_amount"] != "5" {
		t.Fatalf("unexpected alerts %+v", events)
	}
}

func TestServiceValidatesRequests(t *testing.T) {
	queue := NewMemoryQueue(4)
	service := NewService(queue, 0)

	bad := request(0)
	bad.Account = common.Address{}
	if _, err := service.Submit(context.Background(), bad); !xerrors.HasCode(err, CodeRequestInvalid) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	neg := request(0)
	neg.Deposit = (*hexutil.Big)(big.NewInt(-1))
	if _, err := service.Submit(context.Background(), neg); !xerrors.HasCode(err, CodeRequestInvalid) {
		t.Fatalf("negative deposit should be rejected, got %v", err)
	}

	req, err := service.Submit(context.Background(), request(0))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.ID == "" || req.MaxRetries != 3 || req.SubmittedAt == 0 {
		t.Fatalf("unexpected submitted request %+v", req)
	}

	_ = queue.Close()
	if _, err := service.Submit(context.Background(), request(1)); !xerrors.HasCode(err, CodeRequestPublish) {
		t.Fatalf("closed queue should fail publish, got %v", err)
	}
}

func TestRequestJSONRoundTrip(t *testing.T) {
	in := request(3)
	in.ID = "abc"
	in.Deposit = (*hexutil.Big)(big.NewInt(255))
	raw, err := encodeRequest(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := decodeRequest(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.AgreementID != in.AgreementID || out.DepositAmount().Int64() != 255 {
		t.Fatalf("round trip mismatch %+v", out)
	}
	if _, err := decodeRequest([]byte("{")); !xerrors.HasCode(err, CodeRequestInvalid) {
		t.Fatalf("garbage should be invalid, got %v", err)
	}
}
