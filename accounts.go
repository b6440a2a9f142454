package main

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
)

const (
	loanInterestFactor = 2
	loanFloor          = 5000

	// Sell-back pays 70% of catalog price. Every catalog price is a
	// multiple of 10, so the credit is always exact.
	sellBackNum = 7
	sellBackDen = 10

	sideJobMin = -200
	sideJobMax = 500
)

// shopCatalog is the single source of item prices. Loan ceilings and
// sell-backs price through this same map so the valuations can never
// drift apart.
var shopCatalog = map[string]int64{
	"Rolex":     5000,
	"Lambo":     130000,
	"Porsche":   100000,
	"Apartment": 200000,
	"Penthouse": 1000000,
}

var rpsChoices = []string{"rock", "paper", "scissors"}

// rpsBeats maps a choice to the choice it defeats.
var rpsBeats = map[string]string{"rock": "scissors", "paper": "rock", "scissors": "paper"}

var slotSymbols = []string{"cherry", "lemon", "bell", "clover", "melon"}

// dice wraps a seeded math/rand source behind a mutex so concurrent
// operations can share one stream. Tests inject a fixed seed.
type dice struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newDice(seed int64) *dice {
	return &dice{r: rand.New(rand.NewSource(seed))}
}

func (d *dice) intn(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.r.Intn(n)
}

func (d *dice) pick(options []string) string {
	return options[d.intn(len(options))]
}

// between returns a uniform integer in [lo, hi], both inclusive.
func (d *dice) between(lo, hi int) int {
	return lo + d.intn(hi-lo+1)
}

// Bank enforces the balance, loan, shop and inventory rules on top of
// the Store. It holds no ledger state of its own; every mutation goes
// through the store's critical section with validation inside it.
type Bank struct {
	store Store
	dice  *dice
	audit *AuditQueue
}

func NewBank(store Store, dice *dice, audit *AuditQueue) *Bank {
	return &Bank{store: store, dice: dice, audit: audit}
}

func (b *Bank) Balance(userID string) (AccountRecord, error) {
	return b.store.Get(userID)
}

func (b *Bank) Inventory(userID string) ([]string, error) {
	rec, err := b.store.Get(userID)
	if err != nil {
		return nil, err
	}
	return rec.Items, nil
}

// Shop lists the catalog in a stable order.
func (b *Bank) Shop() []ShopEntry {
	out := make([]ShopEntry, 0, len(shopCatalog))
	for name, price := range shopCatalog {
		out = append(out, ShopEntry{Item: name, Price: price})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Item < out[j].Item })
	return out
}

type ShopEntry struct {
	Item  string `json:"item"`
	Price int64  `json:"price"`
}

// itemValue sums catalog prices over owned items; unowned catalog
// entries and unknown item names contribute nothing.
func itemValue(rec *AccountRecord) int64 {
	var total int64
	for _, item := range rec.Items {
		total += shopCatalog[item]
	}
	return total
}

// Loan grants amount immediately and books a debt of twice that: the
// full 100% interest is charged up front. The ceiling is the value of
// the borrower's inventory, with a 5000 floor while their balance is
// below 5000.
func (b *Bank) Loan(userID string, amount int64) (AccountRecord, error) {
	if amount <= 0 {
		return AccountRecord{}, ErrInvalidAmount
	}
	return b.store.Mutate(userID, func(rec *AccountRecord) error {
		if rec.Loan > 0 {
			return ErrLoanActive
		}
		ceiling := itemValue(rec)
		if rec.Balance < loanFloor && ceiling < loanFloor {
			ceiling = loanFloor
		}
		if amount > ceiling {
			return ErrLoanExceedsLimit
		}
		rec.Balance += amount
		rec.Loan = amount * loanInterestFactor
		return nil
	})
}

type RepayResult struct {
	Repaid  int64         `json:"repaid"`
	Account AccountRecord `json:"account"`
}

// Repay pays down the loan by min(amount, loan), with no balance
// floor: clearing a debt larger than the balance leaves the account in
// the red.
func (b *Bank) Repay(userID string, amount int64) (RepayResult, error) {
	if amount <= 0 {
		return RepayResult{}, ErrInvalidAmount
	}
	var repaid int64
	rec, err := b.store.Mutate(userID, func(rec *AccountRecord) error {
		if rec.Loan == 0 {
			return ErrNoActiveLoan
		}
		repaid = amount
		if repaid > rec.Loan {
			repaid = rec.Loan
		}
		rec.Balance -= repaid
		rec.Loan -= repaid
		return nil
	})
	if err != nil {
		return RepayResult{}, err
	}
	return RepayResult{Repaid: repaid, Account: rec}, nil
}

// Transfer moves amount from one user to another as a single two-key
// mutation, so no interleaving can observe the coins debited but not
// yet credited. The recipient must already hold an account.
func (b *Bank) Transfer(fromID, toID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	ok, err := b.store.Exists(toID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("transfer to %s: %w", toID, ErrUnknownUser)
	}
	err = b.store.MutateMany([]string{fromID, toID}, func(recs map[string]*AccountRecord) error {
		sender := recs[fromID]
		if sender.Balance < amount {
			return ErrInsufficientBalance
		}
		sender.Balance -= amount
		recs[toID].Balance += amount
		return nil
	})
	if err != nil {
		return err
	}
	b.audit.Push("transfer", map[string]any{"from": fromID, "to": toID, "amount": amount})
	return nil
}

// Buy purchases one catalog item, appending it to the inventory.
func (b *Bank) Buy(userID, item string) (AccountRecord, error) {
	price, ok := shopCatalog[item]
	if !ok {
		return AccountRecord{}, fmt.Errorf("buy %q: %w", item, ErrUnknownItem)
	}
	return b.store.Mutate(userID, func(rec *AccountRecord) error {
		if price > rec.Balance {
			return ErrInsufficientBalance
		}
		rec.Balance -= price
		rec.Items = append(rec.Items, item)
		return nil
	})
}

type SellResult struct {
	Credit  int64         `json:"credit"`
	Account AccountRecord `json:"account"`
}

// Sell removes exactly one matching inventory entry and credits 70% of
// the catalog price.
func (b *Bank) Sell(userID, item string) (SellResult, error) {
	price, ok := shopCatalog[item]
	if !ok {
		return SellResult{}, fmt.Errorf("sell %q: %w", item, ErrUnknownItem)
	}
	credit := price * sellBackNum / sellBackDen
	rec, err := b.store.Mutate(userID, func(rec *AccountRecord) error {
		idx := -1
		for i, owned := range rec.Items {
			if owned == item {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("sell %q: %w", item, ErrItemNotOwned)
		}
		rec.Items = append(rec.Items[:idx], rec.Items[idx+1:]...)
		rec.Balance += credit
		return nil
	})
	if err != nil {
		return SellResult{}, err
	}
	return SellResult{Credit: credit, Account: rec}, nil
}

// ResetAll puts every existing account back to the starting balance
// with no loan. Inventories survive a reset.
func (b *Bank) ResetAll() error {
	err := b.store.MutateMany(nil, func(recs map[string]*AccountRecord) error {
		for _, rec := range recs {
			rec.Balance = startingBalance
			rec.Loan = 0
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.audit.Push("reset_all", nil)
	return nil
}

type LeaderboardRow struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	Loan    int64  `json:"loan"`
}

// Leaderboard lists every account by balance descending; ties break on
// user ID ascending so the order is deterministic.
func (b *Bank) Leaderboard() ([]LeaderboardRow, error) {
	all, err := b.store.All()
	if err != nil {
		return nil, err
	}
	rows := make([]LeaderboardRow, 0, len(all))
	for id, rec := range all {
		rows = append(rows, LeaderboardRow{UserID: id, Balance: rec.Balance, Loan: rec.Loan})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Balance != rows[j].Balance {
			return rows[i].Balance > rows[j].Balance
		}
		return rows[i].UserID < rows[j].UserID
	})
	return rows, nil
}

type RPSResult struct {
	Player  string `json:"player"`
	House   string `json:"house"`
	Outcome string `json:"outcome"`
	Balance int64  `json:"balance"`
}

// PlayRPS wagers bet on one hand of rock-paper-scissors against a
// uniform house draw: double back on a win, refund on a tie, nothing
// on a loss.
func (b *Bank) PlayRPS(userID string, bet int64, choice string) (RPSResult, error) {
	if bet <= 0 {
		return RPSResult{}, ErrInvalidAmount
	}
	if _, ok := rpsBeats[choice]; !ok {
		return RPSResult{}, fmt.Errorf("rps %q: %w", choice, ErrInvalidChoice)
	}
	house := b.dice.pick(rpsChoices)
	outcome := "lose"
	rec, err := b.store.Mutate(userID, func(rec *AccountRecord) error {
		if bet > rec.Balance {
			return ErrInsufficientBalance
		}
		rec.Balance -= bet
		switch {
		case rpsBeats[choice] == house:
			rec.Balance += bet * 2
			outcome = "win"
		case choice == house:
			rec.Balance += bet
			outcome = "tie"
		}
		return nil
	})
	if err != nil {
		return RPSResult{}, err
	}
	b.audit.Push("rps", map[string]any{"user": userID, "bet": bet, "outcome": outcome})
	return RPSResult{Player: choice, House: house, Outcome: outcome, Balance: rec.Balance}, nil
}

type SlotsResult struct {
	Reels   [3]string `json:"reels"`
	Payout  int64     `json:"payout"`
	Balance int64     `json:"balance"`
}

// PlaySlots spins three independent reels over a five-symbol alphabet
// and pays triple the stake on three of a kind.
func (b *Bank) PlaySlots(userID string, bet int64) (SlotsResult, error) {
	if bet <= 0 {
		return SlotsResult{}, ErrInvalidAmount
	}
	var reels [3]string
	for i := range reels {
		reels[i] = b.dice.pick(slotSymbols)
	}
	var payout int64
	rec, err := b.store.Mutate(userID, func(rec *AccountRecord) error {
		if bet > rec.Balance {
			return ErrInsufficientBalance
		}
		rec.Balance -= bet
		if reels[0] == reels[1] && reels[1] == reels[2] {
			payout = bet * 3
			rec.Balance += payout
		}
		return nil
	})
	if err != nil {
		return SlotsResult{}, err
	}
	b.audit.Push("slots", map[string]any{"user": userID, "bet": bet, "payout": payout})
	return SlotsResult{Reels: reels, Payout: payout, Balance: rec.Balance}, nil
}

type SideJobResult struct {
	Delta   int64 `json:"delta"`
	Balance int64 `json:"balance"`
}

// SideJob applies a uniform delta in [-200, 500] unconditionally; a bad
// night can drive the balance negative.
func (b *Bank) SideJob(userID string) (SideJobResult, error) {
	delta := int64(b.dice.between(sideJobMin, sideJobMax))
	rec, err := b.store.Mutate(userID, func(rec *AccountRecord) error {
		rec.Balance += delta
		return nil
	})
	if err != nil {
		return SideJobResult{}, err
	}
	return SideJobResult{Delta: delta, Balance: rec.Balance}, nil
}
