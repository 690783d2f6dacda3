package asset

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	xerrors "FlowLedger/internal/errors"
)

var holder = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func TestMemoryLockRequiresAllowanceAndBalance(t *testing.T) {
	ctx := context.Background()
	asset := NewMemory()
	asset.Mint(holder, big.NewInt(100))

	if err := asset.Lock(ctx, holder, big.NewInt(10)); !xerrors.HasCode(err, CodeInsufficientAllowance) {
		t.Fatalf("expected allowance error, got %v", err)
	}

	asset.Approve(holder, big.NewInt(500))
	if err := asset.Lock(ctx, holder, big.NewInt(200)); !xerrors.HasCode(err, CodeInsufficientExternalBalance) {
		t.Fatalf("expected balance error, got %v", err)
	}

	if err := asset.Lock(ctx, holder, big.NewInt(60)); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if got := asset.BalanceOf(holder); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("unexpected external balance %s", got)
	}
	if got := asset.Custody(); got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("unexpected custody %s", got)
	}
}

func TestMemoryReleaseReturnsCustody(t *testing.T) {
	ctx := context.Background()
	asset := NewMemory()
	asset.Mint(holder, big.NewInt(100))
	asset.Approve(holder, big.NewInt(100))
	_ = asset.Lock(ctx, holder, big.NewInt(100))

	if err := asset.Release(ctx, holder, big.NewInt(30)); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if got := asset.BalanceOf(holder); got.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("unexpected external balance %s", got)
	}
	if err := asset.Release(ctx, holder, big.NewInt(71)); !xerrors.HasCode(err, CodeInsufficientExternalBalance) {
		t.Fatalf("expected custody error, got %v", err)
	}
}

func TestRedisAssetWrapsConnectionErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	asset := NewRedisWithClient(client, "test")
	defer asset.Close()

	err := asset.Lock(context.Background(), holder, big.NewInt(1))
	if !xerrors.HasCode(err, xerrors.CodeStorageFailure) {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if key := asset.balanceKey(holder); key != "test:balance:"+holder.Hex() {
		t.Fatalf("unexpected key %s", key)
	}
}
