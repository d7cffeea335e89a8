//go:build integration

package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mbd888/admarket/internal/money"
	"github.com/mbd888/admarket/internal/testutil"
)

func TestPostgresLedger_ConcurrentDebits(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := New(NewPostgresStore(db), nil)
	ctx := context.Background()

	if _, err := l.Credit(ctx, Request{UserID: "u1", Currency: money.Stable, Amount: d("100"), Reason: ReasonDeposit, ExternalRef: "0xseed"}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, Request{UserID: "u1", Currency: money.Stable, Amount: d("30"), Reason: ReasonWithdrawal})
			if err == nil {
				ok.Add(1)
			} else if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 3 {
		t.Errorf("successful debits = %d, want 3", ok.Load())
	}
	assertBalanceMatchesLog(t, l, "u1", money.Stable)
}

func TestPostgresLedger_ConcurrentSameReference(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := New(NewPostgresStore(db), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var applied atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mv, err := l.Credit(ctx, Request{UserID: "u1", Currency: money.Coin, Amount: d("0.5"), Reason: ReasonDeposit, Source: "chain:coin", ExternalRef: "0xtx"})
			if err != nil {
				t.Errorf("Credit: %v", err)
				return
			}
			if !mv.Replayed {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	if applied.Load() != 1 {
		t.Errorf("applied = %d, want 1", applied.Load())
	}
	bal, _ := l.Balance(ctx, "u1", money.Coin)
	if !bal.Equal(d("0.5")) {
		t.Errorf("balance = %s, want 0.5", bal)
	}
}
