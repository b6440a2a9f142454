package main

import (
	"errors"
	"sync"
	"testing"
)

func newTestBank(t *testing.T) (*Bank, *FileStore) {
	t.Helper()
	store := newTestFileStore(t)
	return NewBank(store, newDice(1), NewAuditQueue(nil)), store
}

func TestLoanBooksDoubleAndRepayClearsIt(t *testing.T) {
	bank, _ := newTestBank(t)

	rec, err := bank.Loan("alice", 3000)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if rec.Balance != startingBalance+3000 || rec.Loan != 6000 {
		t.Fatalf("after loan balance=%d loan=%d, want %d and 6000", rec.Balance, rec.Loan, startingBalance+3000)
	}

	// Repaying the full debt costs more than was borrowed and can
	// leave the balance deep in the red.
	res, err := bank.Repay("alice", 4000)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if res.Repaid != 4000 || res.Account.Loan != 2000 {
		t.Fatalf("partial repay: repaid=%d loan=%d", res.Repaid, res.Account.Loan)
	}
	res, err = bank.Repay("alice", 2000)
	if err != nil {
		t.Fatalf("repay rest: %v", err)
	}
	if res.Account.Loan != 0 || res.Account.Balance != startingBalance+3000-6000 {
		t.Fatalf("after full repay balance=%d loan=%d, want -2000 and 0", res.Account.Balance, res.Account.Loan)
	}
}

func TestLoanCeilingAndStateErrors(t *testing.T) {
	bank, store := newTestBank(t)

	if _, err := bank.Loan("a", 5001); !errors.Is(err, ErrLoanExceedsLimit) {
		t.Fatalf("expected LoanExceedsLimit, got %v", err)
	}
	if _, err := bank.Loan("a", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected InvalidAmount, got %v", err)
	}
	if _, err := bank.Loan("a", 5000); err != nil {
		t.Fatalf("loan at floor: %v", err)
	}
	if _, err := bank.Loan("a", 100); !errors.Is(err, ErrLoanActive) {
		t.Fatalf("expected LoanAlreadyActive, got %v", err)
	}
	if _, err := bank.Repay("fresh", 10); !errors.Is(err, ErrNoActiveLoan) {
		t.Fatalf("expected NoActiveLoan, got %v", err)
	}

	// Above the floor the ceiling is the inventory's catalog value.
	if _, err := store.Mutate("rich", func(rec *AccountRecord) error {
		rec.Balance = 10000
		rec.Items = []string{"Rolex", "Rolex"}
		return nil
	}); err != nil {
		t.Fatalf("seed rich: %v", err)
	}
	if _, err := bank.Loan("rich", 10001); !errors.Is(err, ErrLoanExceedsLimit) {
		t.Fatalf("expected ceiling at item value 10000, got %v", err)
	}
	if _, err := bank.Loan("rich", 10000); err != nil {
		t.Fatalf("loan at item-value ceiling: %v", err)
	}
}

func TestRepayCappedAboveBalanceGoesNegative(t *testing.T) {
	bank, _ := newTestBank(t)

	// balance 1000, loan 2000 -> balance 3000 owing 4000; repaying
	// 5000 caps at the debt and leaves the account at -1000.
	if _, err := bank.Loan("a", 2000); err != nil {
		t.Fatalf("loan: %v", err)
	}
	res, err := bank.Repay("a", 5000)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if res.Repaid != 4000 {
		t.Fatalf("repaid = %d, want 4000", res.Repaid)
	}
	if res.Account.Balance != -1000 || res.Account.Loan != 0 {
		t.Fatalf("after capped repay balance=%d loan=%d, want -1000 and 0", res.Account.Balance, res.Account.Loan)
	}
}

func TestTransferConservesTotalAndValidates(t *testing.T) {
	bank, store := newTestBank(t)
	if _, err := store.Get("bob"); err != nil {
		t.Fatalf("seed bob: %v", err)
	}

	if err := bank.Transfer("alice", "ghost", 10); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected UnknownUser for absent recipient, got %v", err)
	}
	if err := bank.Transfer("alice", "bob", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected InvalidAmount, got %v", err)
	}
	if err := bank.Transfer("alice", "bob", startingBalance+1); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}

	if err := bank.Transfer("alice", "bob", 400); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	a, _ := store.Get("alice")
	b, _ := store.Get("bob")
	if a.Balance != startingBalance-400 || b.Balance != startingBalance+400 {
		t.Fatalf("balances a=%d b=%d", a.Balance, b.Balance)
	}
	if a.Balance+b.Balance != 2*startingBalance {
		t.Fatalf("transfer must conserve total, got %d", a.Balance+b.Balance)
	}
}

func TestConcurrentOpposingTransfersConserveExactly(t *testing.T) {
	bank, store := newTestBank(t)
	if _, err := store.Get("a"); err != nil {
		t.Fatalf("seed a: %v", err)
	}
	if _, err := store.Get("b"); err != nil {
		t.Fatalf("seed b: %v", err)
	}

	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if err := bank.Transfer("a", "b", 1); err != nil {
				t.Errorf("a->b: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if err := bank.Transfer("b", "a", 1); err != nil {
				t.Errorf("b->a: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	a, _ := store.Get("a")
	b, _ := store.Get("b")
	if a.Balance != startingBalance || b.Balance != startingBalance {
		t.Fatalf("equal opposing transfers must cancel exactly, a=%d b=%d", a.Balance, b.Balance)
	}
}

func TestPurchaseThenSellNeverProfits(t *testing.T) {
	bank, store := newTestBank(t)
	if _, err := store.Mutate("a", func(rec *AccountRecord) error {
		rec.Balance = 2_000_000
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	for item, price := range shopCatalog {
		before, _ := store.Get("a")
		if _, err := bank.Buy("a", item); err != nil {
			t.Fatalf("buy %s: %v", item, err)
		}
		res, err := bank.Sell("a", item)
		if err != nil {
			t.Fatalf("sell %s: %v", item, err)
		}
		if res.Credit != price*7/10 {
			t.Fatalf("%s sell credit = %d, want %d", item, res.Credit, price*7/10)
		}
		after, _ := store.Get("a")
		if after.Balance >= before.Balance {
			t.Fatalf("%s round trip must not profit: %d -> %d", item, before.Balance, after.Balance)
		}
	}
}

func TestBuyAndSellErrors(t *testing.T) {
	bank, _ := newTestBank(t)

	if _, err := bank.Buy("a", "Yacht"); !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("expected UnknownItem, got %v", err)
	}
	if _, err := bank.Buy("a", "Lambo"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}
	if _, err := bank.Sell("a", "Rolex"); !errors.Is(err, ErrItemNotOwned) {
		t.Fatalf("expected ItemNotOwned, got %v", err)
	}

	if _, err := bank.Sell("a", "Yacht"); !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("expected UnknownItem on sell, got %v", err)
	}
}

func TestSellRemovesExactlyOneEntry(t *testing.T) {
	bank, store := newTestBank(t)
	if _, err := store.Mutate("a", func(rec *AccountRecord) error {
		rec.Balance = 12000
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := bank.Buy("a", "Rolex"); err != nil {
		t.Fatalf("buy 1: %v", err)
	}
	if _, err := bank.Buy("a", "Rolex"); err != nil {
		t.Fatalf("buy 2: %v", err)
	}
	if _, err := bank.Sell("a", "Rolex"); err != nil {
		t.Fatalf("sell: %v", err)
	}
	items, _ := bank.Inventory("a")
	if len(items) != 1 || items[0] != "Rolex" {
		t.Fatalf("expected one Rolex left, got %v", items)
	}
}

func TestResetAllKeepsInventories(t *testing.T) {
	bank, store := newTestBank(t)
	if _, err := store.Mutate("a", func(rec *AccountRecord) error {
		rec.Balance = 50
		rec.Loan = 700
		rec.Items = []string{"Porsche"}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.Get("b"); err != nil {
		t.Fatalf("seed b: %v", err)
	}

	if err := bank.ResetAll(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	a, _ := store.Get("a")
	if a.Balance != startingBalance || a.Loan != 0 {
		t.Fatalf("reset balance=%d loan=%d", a.Balance, a.Loan)
	}
	if len(a.Items) != 1 || a.Items[0] != "Porsche" {
		t.Fatalf("reset must keep items, got %v", a.Items)
	}
}

func TestLeaderboardOrdersByBalanceThenID(t *testing.T) {
	bank, store := newTestBank(t)
	seed := map[string]int64{"zoe": 500, "amy": 500, "max": 900, "kim": -20}
	for id, bal := range seed {
		if _, err := store.Mutate(id, func(rec *AccountRecord) error {
			rec.Balance = bal
			return nil
		}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	rows, err := bank.Leaderboard()
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	want := []string{"max", "amy", "zoe", "kim"}
	if len(rows) != len(want) {
		t.Fatalf("rows = %d, want %d", len(rows), len(want))
	}
	for i, id := range want {
		if rows[i].UserID != id {
			t.Fatalf("row %d = %s, want %s (rows: %+v)", i, rows[i].UserID, id, rows)
		}
	}
}

func TestPlayRPSAccounting(t *testing.T) {
	bank, store := newTestBank(t)

	if _, err := bank.PlayRPS("a", 0, "rock"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected InvalidAmount, got %v", err)
	}
	if _, err := bank.PlayRPS("a", 10, "lizard"); !errors.Is(err, ErrInvalidChoice) {
		t.Fatalf("expected InvalidChoice, got %v", err)
	}
	if _, err := bank.PlayRPS("a", startingBalance+1, "rock"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}

	for i := 0; i < 30; i++ {
		before, _ := store.Get("a")
		if before.Balance < 100 {
			break
		}
		res, err := bank.PlayRPS("a", 100, "paper")
		if err != nil {
			t.Fatalf("play %d: %v", i, err)
		}
		delta := res.Balance - before.Balance
		switch res.Outcome {
		case "win":
			if delta != 100 {
				t.Fatalf("win delta = %d", delta)
			}
		case "tie":
			if delta != 0 {
				t.Fatalf("tie delta = %d", delta)
			}
		case "lose":
			if delta != -100 {
				t.Fatalf("lose delta = %d", delta)
			}
		default:
			t.Fatalf("unknown outcome %q", res.Outcome)
		}
	}
}

func TestPlaySlotsAccounting(t *testing.T) {
	bank, store := newTestBank(t)

	if _, err := bank.PlaySlots("a", -5); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected InvalidAmount, got %v", err)
	}

	for i := 0; i < 60; i++ {
		before, _ := store.Get("a")
		if before.Balance < 10 {
			break
		}
		res, err := bank.PlaySlots("a", 10)
		if err != nil {
			t.Fatalf("spin %d: %v", i, err)
		}
		triple := res.Reels[0] == res.Reels[1] && res.Reels[1] == res.Reels[2]
		if triple && res.Payout != 30 {
			t.Fatalf("triple should pay 30, got %d", res.Payout)
		}
		if !triple && res.Payout != 0 {
			t.Fatalf("non-triple should pay 0, got %d (%v)", res.Payout, res.Reels)
		}
		if res.Balance != before.Balance-10+res.Payout {
			t.Fatalf("balance = %d, want %d", res.Balance, before.Balance-10+res.Payout)
		}
	}
}

func TestSideJobDeltaWithinRange(t *testing.T) {
	bank, store := newTestBank(t)

	for i := 0; i < 50; i++ {
		before, _ := store.Get("a")
		res, err := bank.SideJob("a")
		if err != nil {
			t.Fatalf("side job %d: %v", i, err)
		}
		if res.Delta < sideJobMin || res.Delta > sideJobMax {
			t.Fatalf("delta %d out of range", res.Delta)
		}
		if res.Balance != before.Balance+res.Delta {
			t.Fatalf("balance = %d, want %d", res.Balance, before.Balance+res.Delta)
		}
	}
}
