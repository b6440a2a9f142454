package main

import (
	"fmt"
	"sync"
	"time"
)

// Interactor is the engine's view of whatever front end carries
// messages to users and collects their picks. Emit is fire-and-forget.
// Expect registers a wait synchronously, so the choice can be
// delivered the moment the registering call returns; the returned
// PendingChoice blocks the calling goroutine (never the process) until
// one valid choice arrives or its deadline elapses. Deliver is the
// inbound path a transport uses to answer an outstanding wait.
type Interactor interface {
	Emit(userID, text string)
	Expect(userID string, choices []string) PendingChoice
	AwaitChoice(userID string, choices []string, wait time.Duration) (string, error)
	Deliver(userID, choice string) error
}

// PendingChoice is one registered wait. Await returns the delivered
// choice, or ErrChoiceTimeout once the deadline fires; either way the
// wait is retired.
type PendingChoice interface {
	Await(wait time.Duration) (string, error)
}

type pendingChoice struct {
	hub    *ChoiceHub
	userID string
	valid  map[string]bool
	ch     chan string
}

func (p *pendingChoice) Await(wait time.Duration) (string, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	defer p.hub.forget(p)

	select {
	case choice := <-p.ch:
		return choice, nil
	case <-timer.C:
		return "", ErrChoiceTimeout
	}
}

// ChoiceHub is the in-process Interactor. Each user holds at most one
// outstanding wait; Deliver while none is pending reports
// NoPendingChoice, and a choice outside the offered set reports
// InvalidChoice without consuming the wait.
type ChoiceHub struct {
	mu      sync.Mutex
	pending map[string]*pendingChoice
	emit    func(userID, text string)
}

// NewChoiceHub builds a hub; emit may be nil for callers that only
// need the choice path.
func NewChoiceHub(emit func(userID, text string)) *ChoiceHub {
	return &ChoiceHub{pending: make(map[string]*pendingChoice), emit: emit}
}

func (h *ChoiceHub) Emit(userID, text string) {
	if h.emit != nil {
		h.emit(userID, text)
	}
}

// Expect registers the user's single outstanding wait and returns it.
// The registration is complete when Expect returns; a Deliver arriving
// any time after that finds the wait.
func (h *ChoiceHub) Expect(userID string, choices []string) PendingChoice {
	p := &pendingChoice{
		hub:    h,
		userID: userID,
		valid:  make(map[string]bool, len(choices)),
		ch:     make(chan string, 1),
	}
	for _, c := range choices {
		p.valid[c] = true
	}
	h.mu.Lock()
	h.pending[userID] = p
	h.mu.Unlock()
	return p
}

// AwaitChoice registers and waits in one call, for callers that have
// no gap between the two.
func (h *ChoiceHub) AwaitChoice(userID string, choices []string, wait time.Duration) (string, error) {
	return h.Expect(userID, choices).Await(wait)
}

func (h *ChoiceHub) forget(p *pendingChoice) {
	h.mu.Lock()
	if h.pending[p.userID] == p {
		delete(h.pending, p.userID)
	}
	h.mu.Unlock()
}

// Deliver hands a user's pick to their outstanding wait. The deadline
// and the first valid choice race; once either side has won, the other
// is a no-op.
func (h *ChoiceHub) Deliver(userID, choice string) error {
	h.mu.Lock()
	p, ok := h.pending[userID]
	if ok && !p.valid[choice] {
		h.mu.Unlock()
		return fmt.Errorf("choice %q: %w", choice, ErrInvalidChoice)
	}
	if ok {
		delete(h.pending, userID)
	}
	h.mu.Unlock()
	if !ok {
		return ErrNoPendingChoice
	}
	select {
	case p.ch <- choice:
	default:
	}
	return nil
}
