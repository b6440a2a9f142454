package main

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	PredictWin  = "win"
	PredictLose = "lose"
)

type placement struct {
	userID     string
	amount     int64
	prediction string
}

// WagerBoard holds at most one open pool at a time. The mutex covers
// the whole state machine: the open/closed check, the duplicate check
// and the placement insert happen as one step, with the escrow debit
// nested inside so a rejected debit leaves no placement behind.
type WagerBoard struct {
	mu    sync.Mutex
	store Store
	audit *AuditQueue

	poolID     string
	reason     string
	winPayout  float64
	losePayout float64
	placements []placement
	placed     map[string]bool
}

func NewWagerBoard(store Store, audit *AuditQueue) *WagerBoard {
	return &WagerBoard{store: store, audit: audit}
}

type PoolInfo struct {
	PoolID     string  `json:"pool_id"`
	Reason     string  `json:"reason"`
	WinPayout  float64 `json:"win_payout"`
	LosePayout float64 `json:"lose_payout"`
	Placements int     `json:"placements"`
}

// Open starts a fresh pool accepting placements.
func (w *WagerBoard) Open(reason string, winPayout, losePayout float64) (PoolInfo, error) {
	if winPayout <= 0 || losePayout <= 0 {
		return PoolInfo{}, ErrInvalidAmount
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.poolID != "" {
		return PoolInfo{}, ErrPoolAlreadyOpen
	}
	w.poolID = uuid.NewString()
	w.reason = reason
	w.winPayout = winPayout
	w.losePayout = losePayout
	w.placements = nil
	w.placed = make(map[string]bool)
	return w.infoLocked(), nil
}

// Current reports the open pool, or NoOpenPool when closed.
func (w *WagerBoard) Current() (PoolInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.poolID == "" {
		return PoolInfo{}, ErrNoOpenPool
	}
	return w.infoLocked(), nil
}

func (w *WagerBoard) infoLocked() PoolInfo {
	return PoolInfo{
		PoolID:     w.poolID,
		Reason:     w.reason,
		WinPayout:  w.winPayout,
		LosePayout: w.losePayout,
		Placements: len(w.placements),
	}
}

// Place escrows amount from the user and records a directional bet.
// One placement per user per pool.
func (w *WagerBoard) Place(userID string, amount int64, prediction string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	prediction = strings.ToLower(prediction)
	if prediction != PredictWin && prediction != PredictLose {
		return fmt.Errorf("prediction %q: %w", prediction, ErrInvalidPrediction)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.poolID == "" {
		return ErrNoOpenPool
	}
	if w.placed[userID] {
		return ErrDuplicatePlacement
	}
	_, err := w.store.Mutate(userID, func(rec *AccountRecord) error {
		if amount > rec.Balance {
			return ErrInsufficientBalance
		}
		rec.Balance -= amount
		return nil
	})
	if err != nil {
		return err
	}
	w.placements = append(w.placements, placement{userID: userID, amount: amount, prediction: prediction})
	w.placed[userID] = true
	return nil
}

type WagerResult struct {
	UserID string `json:"user_id"`
	Won    bool   `json:"won"`
	Amount int64  `json:"amount"`
}

type PoolOutcome struct {
	PoolID  string        `json:"pool_id"`
	Reason  string        `json:"reason"`
	Outcome string        `json:"outcome"`
	Results []WagerResult `json:"results"`
}

// Resolve settles the pool: correct predictions collect their stake
// times the matching payout, rounded down; everyone else gets nothing.
// Results follow placement order. The pool closes either way.
func (w *WagerBoard) Resolve(outcome string) (PoolOutcome, error) {
	outcome = strings.ToLower(outcome)
	if outcome != PredictWin && outcome != PredictLose {
		return PoolOutcome{}, fmt.Errorf("outcome %q: %w", outcome, ErrInvalidOutcome)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.poolID == "" {
		return PoolOutcome{}, ErrNoOpenPool
	}
	payout := w.winPayout
	if outcome == PredictLose {
		payout = w.losePayout
	}
	settled := PoolOutcome{PoolID: w.poolID, Reason: w.reason, Outcome: outcome}
	winnings := make(map[string]int64)
	for _, p := range w.placements {
		result := WagerResult{UserID: p.userID}
		if p.prediction == outcome {
			result.Won = true
			result.Amount = int64(math.Floor(float64(p.amount) * payout))
			winnings[p.userID] = result.Amount
		}
		settled.Results = append(settled.Results, result)
	}
	// All winners are paid in one atomic multi-key mutation: a failed
	// write credits nobody and leaves the pool open, so a retried
	// resolve cannot double-pay.
	if len(winnings) > 0 {
		winners := make([]string, 0, len(winnings))
		for id := range winnings {
			winners = append(winners, id)
		}
		err := w.store.MutateMany(winners, func(recs map[string]*AccountRecord) error {
			for id, amount := range winnings {
				recs[id].Balance += amount
			}
			return nil
		})
		if err != nil {
			return PoolOutcome{}, err
		}
	}
	w.poolID = ""
	w.reason = ""
	w.placements = nil
	w.placed = nil
	w.audit.Push("wager_resolved", settled)
	return settled, nil
}
