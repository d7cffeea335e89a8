package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mbd888/admarket/internal/idempotency"
	"github.com/mbd888/admarket/internal/money"
	"github.com/mbd888/admarket/internal/pagination"
	"github.com/shopspring/decimal"
)

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore(nil)
	return New(store, nil), store
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func credit(t *testing.T, l *Ledger, user string, c money.Currency, amount, ref string) *Movement {
	t.Helper()
	mv, err := l.Credit(context.Background(), Request{
		UserID: user, Currency: c, Amount: d(amount), Reason: ReasonDeposit, ExternalRef: ref,
	})
	if err != nil {
		t.Fatalf("Credit(%s %s): %v", amount, c, err)
	}
	return mv
}

func assertBalanceMatchesLog(t *testing.T, l *Ledger, user string, c money.Currency) {
	t.Helper()
	ctx := context.Background()
	bal, err := l.Balance(ctx, user, c)
	if err != nil {
		t.Fatal(err)
	}
	sum, err := l.SumMovements(ctx, user, c)
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Equal(sum) {
		t.Errorf("balance %s != sum of movements %s for %s/%s", bal, sum, user, c)
	}
}

func TestLedger_CreditAndDebit(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	credit(t, l, "u1", money.Stable, "100", "0xdeposit")

	mv, err := l.Debit(ctx, Request{
		UserID: "u1", Currency: money.Stable, Amount: d("60"), Reason: ReasonOrderEscrow, ExternalRef: "ord_1",
	})
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if !mv.Amount.Equal(d("-60")) {
		t.Errorf("movement amount = %s, want -60", mv.Amount)
	}
	if !mv.BalanceAfter.Equal(d("40")) {
		t.Errorf("balance after = %s, want 40", mv.BalanceAfter)
	}
	if mv.Source != "order_escrow" {
		t.Errorf("source = %q, want order_escrow", mv.Source)
	}

	bal, _ := l.Balance(ctx, "u1", money.Stable)
	if !bal.Equal(d("40")) {
		t.Errorf("balance = %s, want 40", bal)
	}
	assertBalanceMatchesLog(t, l, "u1", money.Stable)
}

func TestLedger_DebitInsufficientFunds(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	credit(t, l, "u1", money.Points, "10", "")

	_, err := l.Debit(ctx, Request{UserID: "u1", Currency: money.Points, Amount: d("11"), Reason: ReasonWithdrawal, ExternalRef: "wd_1"})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	bal, _ := l.Balance(ctx, "u1", money.Points)
	if !bal.Equal(d("10")) {
		t.Errorf("balance changed after failed debit: %s", bal)
	}

	// The failed debit must not leave its reference reserved.
	credit(t, l, "u1", money.Points, "1", "")
	if _, err := l.Debit(ctx, Request{UserID: "u1", Currency: money.Points, Amount: d("11"), Reason: ReasonWithdrawal, ExternalRef: "wd_1"}); err != nil {
		t.Fatalf("retry after top-up: %v", err)
	}
	assertBalanceMatchesLog(t, l, "u1", money.Points)
}

func TestLedger_SameReferenceAppliedOnce(t *testing.T) {
	l, store := newTestLedger()

	first := credit(t, l, "u1", money.Coin, "1.5", "0xabc")
	second := credit(t, l, "u1", money.Coin, "1.5", "0xabc")

	if first.Replayed {
		t.Error("first credit should not be a replay")
	}
	if !second.Replayed || second.ID != first.ID {
		t.Errorf("second credit = %+v, want replay of %s", second, first.ID)
	}

	bal, _ := l.Balance(context.Background(), "u1", money.Coin)
	if !bal.Equal(d("1.5")) {
		t.Errorf("balance = %s, want 1.5", bal)
	}
	if n := len(store.movements); n != 1 {
		t.Errorf("movements = %d, want 1", n)
	}
}

func TestLedger_ConcurrentSameReference(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	var applied atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mv, err := l.Credit(ctx, Request{
				UserID: "u1", Currency: money.Stable, Amount: d("5"), Reason: ReasonDeposit, ExternalRef: "0xdup",
			})
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
	count := 0
	for _, mv := range store.movements {
		if mv.ExternalRef == "0xdup" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("movements with ref = %d, want 1", count)
	}
	assertBalanceMatchesLog(t, l, "u1", money.Stable)
}

func TestLedger_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	credit(t, l, "u1", money.Points, "100", "")

	const n = 40
	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, Request{UserID: "u1", Currency: money.Points, Amount: d("7"), Reason: ReasonOrderEscrow})
			if err == nil {
				ok.Add(1)
			} else if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 14 {
		t.Errorf("successful debits = %d, want 14", ok.Load())
	}
	bal, _ := l.Balance(ctx, "u1", money.Points)
	if !bal.Equal(d("2")) {
		t.Errorf("balance = %s, want 2", bal)
	}
	assertBalanceMatchesLog(t, l, "u1", money.Points)
}

func TestLedger_ReleaseAndRefundShareNamespace(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	release, err := l.Credit(ctx, Request{UserID: "seller", Currency: money.Stable, Amount: d("60"), Reason: ReasonOrderRelease, ExternalRef: "ord_1"})
	if err != nil {
		t.Fatal(err)
	}
	refund, err := l.Credit(ctx, Request{UserID: "buyer", Currency: money.Stable, Amount: d("60"), Reason: ReasonOrderRefund, ExternalRef: "ord_1"})
	if err != nil {
		t.Fatal(err)
	}
	if !refund.Replayed || refund.ID != release.ID {
		t.Fatalf("refund after release should replay the release movement, got %+v", refund)
	}

	bal, _ := l.Balance(ctx, "buyer", money.Stable)
	if !bal.IsZero() {
		t.Errorf("buyer balance = %s, want 0", bal)
	}
}

func TestLedger_RejectedReference(t *testing.T) {
	guard := idempotency.NewGuard(idempotency.NewMemoryStore())
	l := New(NewMemoryStore(guard), nil)
	ctx := context.Background()

	if _, err := guard.Reserve(ctx, "invoice", "inv_1", idempotency.OutcomeRejected, ""); err != nil {
		t.Fatal(err)
	}
	_, err := l.Credit(ctx, Request{UserID: "u1", Currency: money.Points, Amount: d("10"), Reason: ReasonDeposit, Source: "invoice", ExternalRef: "inv_1"})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}
}

func TestLedger_Validation(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{"missing user", Request{Currency: money.Points, Amount: d("1"), Reason: ReasonDeposit}, ErrInvalidAccount},
		{"unknown currency", Request{UserID: "u", Currency: "gold", Amount: d("1"), Reason: ReasonDeposit}, ErrInvalidAccount},
		{"zero amount", Request{UserID: "u", Currency: money.Points, Amount: decimal.Zero, Reason: ReasonDeposit}, ErrInvalidAmount},
		{"negative amount", Request{UserID: "u", Currency: money.Points, Amount: d("-1"), Reason: ReasonDeposit}, ErrInvalidAmount},
		{"too precise", Request{UserID: "u", Currency: money.Points, Amount: d("1.5"), Reason: ReasonDeposit}, ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Credit(ctx, tt.req); !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := l.Credit(ctx, Request{UserID: "u", Currency: money.Points, Amount: d("1"), Reason: "gift"}); err == nil {
		t.Error("expected unknown reason to fail")
	}
}

func TestLedger_BalancesIncludesAllCurrencies(t *testing.T) {
	l, _ := newTestLedger()
	credit(t, l, "u1", money.Coin, "2", "")

	accounts, err := l.Balances(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 3 {
		t.Fatalf("accounts = %d, want 3", len(accounts))
	}
	for _, a := range accounts {
		want := decimal.Zero
		if a.Currency == money.Coin {
			want = d("2")
		}
		if !a.Available.Equal(want) {
			t.Errorf("%s = %s, want %s", a.Currency, a.Available, want)
		}
	}
}

func TestLedger_HistoryNewestFirst(t *testing.T) {
	l, _ := newTestLedger()
	credit(t, l, "u1", money.Points, "1", "a")
	credit(t, l, "u1", money.Points, "2", "b")
	credit(t, l, "u1", money.Stable, "3", "c")

	all, _ := l.History(context.Background(), "u1", "", 10)
	if len(all) != 3 || all[0].ExternalRef != "c" {
		t.Fatalf("history = %+v", all)
	}
	points, _ := l.History(context.Background(), "u1", money.Points, 10)
	if len(points) != 2 || points[0].ExternalRef != "b" {
		t.Errorf("points history = %+v", points)
	}
}

func TestLedger_HistoryPage(t *testing.T) {
	l, _ := newTestLedger()
	for _, ref := range []string{"a", "b", "c", "d", "e"} {
		credit(t, l, "u1", money.Points, "1", ref)
	}
	ctx := context.Background()

	var refs []string
	cursor := ""
	for pages := 0; pages < 5; pages++ {
		page, next, err := l.HistoryPage(ctx, "u1", "", cursor, 2)
		if err != nil {
			t.Fatalf("HistoryPage: %v", err)
		}
		for _, mv := range page {
			refs = append(refs, mv.ExternalRef)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if got := strings.Join(refs, ""); got != "edcba" {
		t.Errorf("paged refs = %q, want edcba", got)
	}

	if _, _, err := l.HistoryPage(ctx, "u1", "", "%%%", 2); !errors.Is(err, pagination.ErrInvalidCursor) {
		t.Errorf("bad cursor err = %v", err)
	}
}

func TestLedger_LookupByReference(t *testing.T) {
	l, _ := newTestLedger()
	mv := credit(t, l, "u1", money.Points, "5", "inv_9")

	got, err := l.Lookup(context.Background(), "deposit", "inv_9")
	if err != nil || got.ID != mv.ID {
		t.Fatalf("Lookup = %+v, %v", got, err)
	}
	if _, err := l.Lookup(context.Background(), "deposit", "missing"); !errors.Is(err, ErrMovementNotFound) {
		t.Errorf("expected ErrMovementNotFound, got %v", err)
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	moves []*Movement
}

func (r *recordingObserver) MovementApplied(ctx context.Context, m *Movement) {
	r.mu.Lock()
	r.moves = append(r.moves, m)
	r.mu.Unlock()
}

func TestLedger_ObserverSkipsReplays(t *testing.T) {
	l, _ := newTestLedger()
	obs := &recordingObserver{}
	l.AddObserver(obs)

	credit(t, l, "u1", money.Points, "5", "ref")
	credit(t, l, "u1", money.Points, "5", "ref")

	if len(obs.moves) != 1 {
		t.Errorf("observer saw %d movements, want 1", len(obs.moves))
	}
}
