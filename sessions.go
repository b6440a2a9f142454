package main

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	gridSize  = 5
	gridCells = gridSize * gridSize

	defaultRevealWait = 60 * time.Second
	defaultDoorWait   = 30 * time.Second
)

var doorChoices = []string{"left", "middle", "right"}

// minefield is one active grid session. The bet is already debited;
// the deadline timer restarts after every safe reveal. deadlineGen
// counts re-arms so a timer that fired for a superseded deadline can
// recognize itself as stale.
type minefield struct {
	bet         int64
	mines       map[int]bool
	revealed    map[int]bool
	multiplier  float64
	timer       *time.Timer
	deadlineGen int
}

// Arcade runs the timed mini-game sessions: one grid session and one
// door session per user at a time. The mutex guards both session maps;
// nothing holds it across a wait, so a suspended door pick never
// blocks other players.
type Arcade struct {
	mu     sync.Mutex
	store  Store
	dice   *dice
	inter  Interactor
	audit  *AuditQueue
	fields map[string]*minefield
	doors  map[string]bool

	revealWait time.Duration
	doorWait   time.Duration
}

func NewArcade(store Store, dice *dice, inter Interactor, audit *AuditQueue) *Arcade {
	return &Arcade{
		store:      store,
		dice:       dice,
		inter:      inter,
		audit:      audit,
		fields:     make(map[string]*minefield),
		doors:      make(map[string]bool),
		revealWait: defaultRevealWait,
		doorWait:   defaultDoorWait,
	}
}

type MinefieldInfo struct {
	Cells int   `json:"cells"`
	Mines int   `json:"mines"`
	Bet   int64 `json:"bet"`
}

// StartMinefield debits bet and lays out a 5x5 grid with the requested
// number of mines sampled without replacement. The session forfeits the
// bet if a reveal does not arrive before the deadline.
func (a *Arcade) StartMinefield(userID string, bet int64, mineCount int) (MinefieldInfo, error) {
	if bet < 1 {
		return MinefieldInfo{}, ErrInvalidAmount
	}
	if mineCount < 1 || mineCount >= gridCells {
		return MinefieldInfo{}, fmt.Errorf("%d mines on %d cells: %w", mineCount, gridCells, ErrInvalidMineCount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.fields[userID]; ok {
		return MinefieldInfo{}, ErrSessionActive
	}
	if _, err := a.store.Mutate(userID, func(rec *AccountRecord) error {
		if bet > rec.Balance {
			return ErrInsufficientBalance
		}
		rec.Balance -= bet
		return nil
	}); err != nil {
		return MinefieldInfo{}, err
	}
	f := &minefield{
		bet:        bet,
		mines:      make(map[int]bool, mineCount),
		revealed:   make(map[int]bool),
		multiplier: 1,
	}
	for len(f.mines) < mineCount {
		f.mines[a.dice.intn(gridCells)] = true
	}
	a.armDeadlineLocked(userID, f)
	a.fields[userID] = f
	return MinefieldInfo{Cells: gridCells, Mines: mineCount, Bet: bet}, nil
}

// armDeadlineLocked starts a fresh deadline for the session, retiring
// any previous one. Caller holds a.mu.
func (a *Arcade) armDeadlineLocked(userID string, f *minefield) {
	f.deadlineGen++
	gen := f.deadlineGen
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(a.revealWait, func() { a.expireMinefield(userID, f, gen) })
}

// expireMinefield ends a session whose deadline fired before the next
// reveal. The pointer check skips timers from a session that already
// ended; the generation check skips a deadline that lost the race to a
// reveal which re-armed it in time.
func (a *Arcade) expireMinefield(userID string, f *minefield, gen int) {
	a.mu.Lock()
	if a.fields[userID] != f || f.deadlineGen != gen {
		a.mu.Unlock()
		return
	}
	delete(a.fields, userID)
	bet := f.bet
	a.mu.Unlock()
	a.inter.Emit(userID, fmt.Sprintf("minefield timed out, %d forfeited", bet))
	a.audit.Push("minefield_timeout", map[string]any{"user": userID, "bet": bet})
}

type RevealResult struct {
	Cell       int     `json:"cell"`
	Mine       bool    `json:"mine"`
	Revealed   int     `json:"revealed"`
	Multiplier float64 `json:"multiplier"`
	CashedOut  bool    `json:"cashed_out"`
	Payout     int64   `json:"payout"`
}

// Reveal uncovers one cell. A mine ends the session with the bet lost;
// a safe cell compounds the cash-out multiplier by the fair odds of
// that reveal and restarts the deadline. Clearing every safe cell
// cashes out automatically.
func (a *Arcade) Reveal(userID string, cell int) (RevealResult, error) {
	if cell < 0 || cell >= gridCells {
		return RevealResult{}, fmt.Errorf("cell %d: %w", cell, ErrInvalidCell)
	}
	a.mu.Lock()
	f, ok := a.fields[userID]
	if !ok {
		a.mu.Unlock()
		return RevealResult{}, ErrNoActiveSession
	}
	if f.revealed[cell] {
		a.mu.Unlock()
		return RevealResult{}, fmt.Errorf("cell %d: %w", cell, ErrAlreadyRevealed)
	}
	if f.mines[cell] {
		f.timer.Stop()
		delete(a.fields, userID)
		bet := f.bet
		a.mu.Unlock()
		a.inter.Emit(userID, fmt.Sprintf("mine on cell %d, %d lost", cell, bet))
		a.audit.Push("minefield_loss", map[string]any{"user": userID, "bet": bet, "cell": cell})
		return RevealResult{Cell: cell, Mine: true}, nil
	}
	unrevealed := gridCells - len(f.revealed)
	f.multiplier *= float64(unrevealed) / float64(unrevealed-len(f.mines))
	f.revealed[cell] = true
	res := RevealResult{Cell: cell, Revealed: len(f.revealed), Multiplier: f.multiplier}
	if len(f.revealed) == gridCells-len(f.mines) {
		payout, err := a.settleMinefieldLocked(userID, f)
		a.mu.Unlock()
		if err != nil {
			return RevealResult{}, err
		}
		res.CashedOut = true
		res.Payout = payout
		return res, nil
	}
	a.armDeadlineLocked(userID, f)
	a.mu.Unlock()
	return res, nil
}

type CashOutResult struct {
	Payout     int64   `json:"payout"`
	Multiplier float64 `json:"multiplier"`
	Balance    int64   `json:"balance"`
}

// CashOut ends the session voluntarily, crediting the bet times the
// compounded multiplier, rounded down. Cashing out before any reveal
// simply refunds the bet.
func (a *Arcade) CashOut(userID string) (CashOutResult, error) {
	a.mu.Lock()
	f, ok := a.fields[userID]
	if !ok {
		a.mu.Unlock()
		return CashOutResult{}, ErrNoActiveSession
	}
	multiplier := f.multiplier
	payout, err := a.settleMinefieldLocked(userID, f)
	a.mu.Unlock()
	if err != nil {
		return CashOutResult{}, err
	}
	rec, err := a.store.Get(userID)
	if err != nil {
		return CashOutResult{}, err
	}
	return CashOutResult{Payout: payout, Multiplier: multiplier, Balance: rec.Balance}, nil
}

// settleMinefieldLocked credits the payout and removes the session.
// Caller holds a.mu.
func (a *Arcade) settleMinefieldLocked(userID string, f *minefield) (int64, error) {
	payout := int64(math.Floor(float64(f.bet) * f.multiplier))
	if _, err := a.store.Mutate(userID, func(rec *AccountRecord) error {
		rec.Balance += payout
		return nil
	}); err != nil {
		return 0, err
	}
	f.timer.Stop()
	delete(a.fields, userID)
	a.audit.Push("minefield_cashout", map[string]any{"user": userID, "bet": f.bet, "payout": payout})
	return payout, nil
}

type DoorsResult struct {
	Picked     string `json:"picked,omitempty"`
	Winning    string `json:"winning"`
	Won        bool   `json:"won"`
	Multiplier int64  `json:"multiplier,omitempty"`
	Payout     int64  `json:"payout"`
	TimedOut   bool   `json:"timed_out"`
}

// StartDoors debits amount, hides a prize behind one of three doors
// and waits for the player's pick via the Interactor. The returned
// channel delivers exactly one result when the session resolves or
// times out.
func (a *Arcade) StartDoors(userID string, amount int64) (<-chan DoorsResult, error) {
	if amount < 1 {
		return nil, ErrInvalidAmount
	}
	a.mu.Lock()
	if a.doors[userID] {
		a.mu.Unlock()
		return nil, ErrSessionActive
	}
	if _, err := a.store.Mutate(userID, func(rec *AccountRecord) error {
		if amount > rec.Balance {
			return ErrInsufficientBalance
		}
		rec.Balance -= amount
		return nil
	}); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	a.doors[userID] = true
	a.mu.Unlock()

	winning := a.dice.pick(doorChoices)
	a.inter.Emit(userID, "pick a door: left, middle or right")

	// Register the wait before returning so a pick arriving right
	// after the start call already has somewhere to land.
	pending := a.inter.Expect(userID, doorChoices)

	done := make(chan DoorsResult, 1)
	go func() {
		var res DoorsResult
		// Free the session slot before handing out the result, so a
		// caller that sees the result can immediately start again.
		defer func() {
			a.mu.Lock()
			delete(a.doors, userID)
			a.mu.Unlock()
			done <- res
		}()
		picked, err := pending.Await(a.doorWait)
		if err != nil {
			res = DoorsResult{Winning: winning, TimedOut: true}
			a.inter.Emit(userID, fmt.Sprintf("no pick in time, %d forfeited", amount))
			a.audit.Push("doors_timeout", map[string]any{"user": userID, "amount": amount})
			return
		}
		res = DoorsResult{Picked: picked, Winning: winning}
		if picked == winning {
			res.Won = true
			res.Multiplier = int64(2 + a.dice.intn(3))
			res.Payout = amount * res.Multiplier
			if _, err := a.store.Mutate(userID, func(rec *AccountRecord) error {
				rec.Balance += res.Payout
				return nil
			}); err != nil {
				a.inter.Emit(userID, "payout failed: "+err.Error())
				return
			}
			a.inter.Emit(userID, fmt.Sprintf("door %s wins %d", picked, res.Payout))
		} else {
			a.inter.Emit(userID, fmt.Sprintf("door %s was empty, prize was behind %s", picked, winning))
		}
		a.audit.Push("doors_resolved", res)
	}()
	return done, nil
}

// ChooseDoor forwards the player's pick to their waiting session.
func (a *Arcade) ChooseDoor(userID, door string) error {
	valid := false
	for _, d := range doorChoices {
		if d == door {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("door %q: %w", door, ErrInvalidDoor)
	}
	return a.inter.Deliver(userID, door)
}
