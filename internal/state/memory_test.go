package state

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob     = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	handler = common.HexToAddress("0x0000000000000000000000000000000000000c0a")
	other   = common.HexToAddress("0x0000000000000000000000000000000000000c0b")
)

func TestMemoryStoreUpdateCommitsAllWrites(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id := common.HexToHash("0x01")

	err := store.Update(ctx, func(tx Tx) error {
		if err := tx.SetStaticBalance(alice, big.NewInt(100)); err != nil {
			return err
		}
		if err := tx.PutAgreementData(handler, id, []byte{1, 2}); err != nil {
			return err
		}
		if err := tx.PutAccountState(handler, alice, []byte{3}); err != nil {
			return err
		}
		if err := tx.AddActiveHandler(alice, handler); err != nil {
			return err
		}
		if err := tx.AddActiveHandler(alice, other); err != nil {
			return err
		}
		// duplicate insert keeps the original order
		if err := tx.AddActiveHandler(alice, handler); err != nil {
			return err
		}
		balance, err := tx.StaticBalance(alice)
		if err != nil {
			return err
		}
		if balance.Cmp(big.NewInt(100)) != 0 {
			t.Fatalf("tx should read its own writes, got %s", balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	err = store.View(ctx, func(r Reader) error {
		balance, _ := r.StaticBalance(alice)
		if balance.Cmp(big.NewInt(100)) != 0 {
			t.Fatalf("unexpected balance %s", balance)
		}
		data, ok, _ := r.AgreementData(handler, id)
		if !ok || len(data) != 2 {
			t.Fatalf("unexpected agreement data %x ok=%v", data, ok)
		}
		handlers, _ := r.ActiveHandlers(alice)
		if len(handlers) != 2 || handlers[0] != handler || handlers[1] != other {
			t.Fatalf("unexpected active handlers %v", handlers)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
}

func TestMemoryStoreUpdateDiscardsOnError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	if err := store.Update(ctx, func(tx Tx) error {
		return tx.SetStaticBalance(bob, big.NewInt(7))
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	err := store.Update(ctx, func(tx Tx) error {
		if err := tx.SetStaticBalance(bob, big.NewInt(1000)); err != nil {
			return err
		}
		if err := tx.PutAccountState(handler, bob, []byte{9}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	balance, _ := store.StaticBalance(bob)
	if balance.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("rolled back write leaked: %s", balance)
	}
	state, _ := store.AccountState(handler, bob)
	if len(state) != 0 {
		t.Fatalf("rolled back state leaked: %x", state)
	}
}

func TestMemoryStoreDeletes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id := common.HexToHash("0x02")

	_ = store.Update(ctx, func(tx Tx) error {
		_ = tx.PutAgreementData(handler, id, []byte{1})
		_ = tx.PutAccountState(handler, alice, []byte{1})
		return tx.AddActiveHandler(alice, handler)
	})
	err := store.Update(ctx, func(tx Tx) error {
		if err := tx.DeleteAgreementData(handler, id); err != nil {
			return err
		}
		if _, ok, _ := tx.AgreementData(handler, id); ok {
			t.Fatalf("deleted data still visible inside tx")
		}
		if err := tx.PutAccountState(handler, alice, nil); err != nil {
			return err
		}
		return tx.RemoveActiveHandler(alice, handler)
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if _, ok, _ := store.AgreementData(handler, id); ok {
		t.Fatalf("agreement data should be gone")
	}
	if state, _ := store.AccountState(handler, alice); len(state) != 0 {
		t.Fatalf("account state should be gone")
	}
	if handlers, _ := store.ActiveHandlers(alice); len(handlers) != 0 {
		t.Fatalf("active handlers should be empty, got %v", handlers)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	payload := []byte{1, 2, 3}
	_ = store.Update(ctx, func(tx Tx) error { return tx.PutAccountState(handler, alice, payload) })
	payload[0] = 9

	state, _ := store.AccountState(handler, alice)
	if state[0] != 1 {
		t.Fatalf("store aliased caller slice")
	}
	state[1] = 9
	again, _ := store.AccountState(handler, alice)
	if again[1] != 2 {
		t.Fatalf("store returned internal slice")
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Close()
	err := store.Update(context.Background(), func(Tx) error { return nil })
	if !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}
