package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/admarket/internal/ledger"
	"github.com/mbd888/admarket/internal/money"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeLedger struct {
	accounts []*ledger.Account
	journal  map[string]decimal.Decimal
}

func (f *fakeLedger) AllAccounts(context.Context) ([]*ledger.Account, error) {
	return f.accounts, nil
}

func (f *fakeLedger) SumMovements(_ context.Context, userID string, c money.Currency) (decimal.Decimal, error) {
	return f.journal[userID+"/"+string(c)], nil
}

type fakeWallet struct {
	balances map[money.Currency]decimal.Decimal
	err      error
}

func (f *fakeWallet) Balance(_ context.Context, c money.Currency) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.balances[c], nil
}

func fundedLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(nil), slog.Default())
	ctx := context.Background()
	for i, req := range []ledger.Request{
		{UserID: "u1", Currency: money.Stable, Amount: d("100"), Reason: ledger.ReasonDeposit, Source: "chain:stable", ExternalRef: "tx1"},
		{UserID: "u2", Currency: money.Stable, Amount: d("25"), Reason: ledger.ReasonDeposit, Source: "chain:stable", ExternalRef: "tx2"},
		{UserID: "u1", Currency: money.Points, Amount: d("500"), Reason: ledger.ReasonDeposit, Source: "invoice", ExternalRef: "inv1"},
	} {
		if _, err := l.Credit(ctx, req); err != nil {
			t.Fatalf("credit %d: %v", i, err)
		}
	}
	return l
}

func TestCheckLedger_Consistent(t *testing.T) {
	svc := NewService(fundedLedger(t), nil)
	mismatches, err := svc.CheckLedger(context.Background())
	if err != nil {
		t.Fatalf("CheckLedger failed: %v", err)
	}
	if len(mismatches) != 0 {
		t.Errorf("expected no mismatches, got %+v", mismatches)
	}
}

func TestCheckLedger_Mismatch(t *testing.T) {
	fl := &fakeLedger{
		accounts: []*ledger.Account{
			{UserID: "u1", Currency: money.Stable, Available: d("100")},
			{UserID: "u2", Currency: money.Points, Available: d("10")},
		},
		journal: map[string]decimal.Decimal{
			"u1/stable": d("100"),
			"u2/points": d("7"),
		},
	}
	mismatches, err := NewService(fl, nil).CheckLedger(context.Background())
	if err != nil {
		t.Fatalf("CheckLedger failed: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].UserID != "u2" || !mismatches[0].Journal.Equal(d("7")) {
		t.Errorf("unexpected mismatches: %+v", mismatches)
	}
}

func TestCheckOnChain(t *testing.T) {
	escrow := func(_ context.Context, c money.Currency) (decimal.Decimal, error) {
		if c == money.Stable {
			return d("15"), nil
		}
		return decimal.Zero, nil
	}

	tests := []struct {
		name    string
		wallet  string
		covered bool
		diff    string
	}{
		{"exact", "140", true, "0"},
		{"surplus from fees", "142.7", true, "2.7"},
		{"shortfall within threshold", "139.5", true, "-0.5"},
		{"shortfall", "130", false, "-10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWallet{balances: map[money.Currency]decimal.Decimal{money.Stable: d(tt.wallet)}}
			svc := NewService(fundedLedger(t), w)
			svc.AddLiability(escrow)

			res, err := svc.CheckOnChain(context.Background(), money.Stable)
			if err != nil {
				t.Fatalf("CheckOnChain failed: %v", err)
			}
			if res.Covered != tt.covered {
				t.Errorf("covered = %v, want %v (diff %s)", res.Covered, tt.covered, res.Diff)
			}
			if !res.LedgerTotal.Equal(d("140")) {
				t.Errorf("ledger total = %s, want 140", res.LedgerTotal)
			}
			if !res.Diff.Equal(d(tt.diff)) {
				t.Errorf("diff = %s, want %s", res.Diff, tt.diff)
			}
		})
	}
}

func TestCheckOnChain_CustomThreshold(t *testing.T) {
	w := &fakeWallet{balances: map[money.Currency]decimal.Decimal{money.Stable: d("120")}}
	svc := NewService(fundedLedger(t), w)
	svc.SetAlertThreshold(money.Stable, d("5"))

	res, err := svc.CheckOnChain(context.Background(), money.Stable)
	if err != nil {
		t.Fatalf("CheckOnChain failed: %v", err)
	}
	if !res.Covered {
		t.Errorf("expected shortfall of 5 to be tolerated, diff %s", res.Diff)
	}
}

func TestRunAll(t *testing.T) {
	w := &fakeWallet{balances: map[money.Currency]decimal.Decimal{
		money.Stable: d("125"),
		money.Coin:   d("0"),
	}}
	runner := NewRunner(NewService(fundedLedger(t), w), []money.Currency{money.Coin, money.Stable}, slog.Default())

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if !report.Healthy {
		t.Errorf("expected healthy report, got %+v", report)
	}
	if len(report.OnChain) != 2 {
		t.Errorf("expected 2 on-chain results, got %d", len(report.OnChain))
	}
}

func TestRunAll_ChainErrorIsNotFatal(t *testing.T) {
	w := &fakeWallet{err: errors.New("node down")}
	runner := NewRunner(NewService(fundedLedger(t), w), []money.Currency{money.Stable}, slog.Default())

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if len(report.OnChain) != 0 {
		t.Errorf("expected no on-chain results, got %d", len(report.OnChain))
	}
	if !report.Healthy {
		t.Error("an unreachable node is not a ledger problem")
	}
}

func TestRunAll_Shortfall(t *testing.T) {
	w := &fakeWallet{balances: map[money.Currency]decimal.Decimal{money.Stable: d("50")}}
	runner := NewRunner(NewService(fundedLedger(t), w), []money.Currency{money.Stable}, slog.Default())

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if report.Healthy {
		t.Error("expected unhealthy report for a wallet shortfall")
	}
}

func TestTimer_RunsOnStart(t *testing.T) {
	w := &fakeWallet{balances: map[money.Currency]decimal.Decimal{money.Stable: d("125")}}
	runner := NewRunner(NewService(fundedLedger(t), w), []money.Currency{money.Stable}, slog.Default())
	timer := NewTimer(runner, time.Hour, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for !timer.Running() {
		select {
		case <-deadline:
			t.Fatal("timer never started")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop on context cancel")
	}
	if timer.Running() {
		t.Error("timer still reports running")
	}
}

func TestTimer_TracksSolvency(t *testing.T) {
	w := &fakeWallet{balances: map[money.Currency]decimal.Decimal{money.Stable: d("125")}}
	runner := NewRunner(NewService(fundedLedger(t), w), []money.Currency{money.Stable}, slog.Default())
	timer := NewTimer(runner, time.Minute, slog.Default())

	if timer.LastReport() != nil || !timer.Solvent() {
		t.Fatal("a timer that never ran should report solvent with no report")
	}

	timer.runOnce(context.Background())
	if r := timer.LastReport(); r == nil || !r.Healthy {
		t.Fatalf("expected healthy report, got %+v", r)
	}

	w.balances[money.Stable] = d("50")
	timer.runOnce(context.Background())
	if timer.Solvent() {
		t.Error("expected shortfall to flip solvency")
	}
}
