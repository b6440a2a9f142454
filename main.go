package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
)

const (
	defaultAddr       = ":8080"
	defaultLedgerPath = "data/ledger.json"
	defaultAdminToken = "DEV"
	maxFeedEvents     = 300
)

type FeedEvent struct {
	ID     int64     `json:"id"`
	UserID string    `json:"user_id,omitempty"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// eventFeed is a bounded in-memory ring of notifications, the engine's
// outbound channel to whoever polls it.
type eventFeed struct {
	mu     sync.Mutex
	events []FeedEvent
	nextID int64
}

func newEventFeed() *eventFeed {
	return &eventFeed{nextID: 1}
}

func (f *eventFeed) Add(userID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, FeedEvent{ID: f.nextID, UserID: userID, Text: text, At: time.Now().UTC()})
	f.nextID++
	if len(f.events) > maxFeedEvents {
		f.events = f.events[len(f.events)-maxFeedEvents:]
	}
}

// Recent returns events with ID greater than after, oldest first.
func (f *eventFeed) Recent(after int64) []FeedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FeedEvent, 0, len(f.events))
	for _, e := range f.events {
		if e.ID > after {
			out = append(out, e)
		}
	}
	return out
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("env file: %v", err)
	}

	store, err := openStoreFromEnv()
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	audit := NewAuditQueue(openRedisFromEnv())
	feed := newEventFeed()
	hub := NewChoiceHub(feed.Add)
	roll := newDice(time.Now().UnixNano())

	bank := NewBank(store, roll, audit)
	wagers := NewWagerBoard(store, audit)
	arcade := NewArcade(store, roll, hub, audit)

	mux := newMux(bank, wagers, arcade, feed, adminTokenFromEnv())

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	log.Printf("listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

// openStoreFromEnv picks the ledger backend: STORE_BACKEND=file (the
// default, at LEDGER_FILE), or sqlite/postgres via the DB_* variables.
func openStoreFromEnv() (Store, error) {
	switch backend := os.Getenv("STORE_BACKEND"); backend {
	case "", "file":
		path := os.Getenv("LEDGER_FILE")
		if path == "" {
			path = defaultLedgerPath
		}
		return OpenFileStore(path)
	case "sqlite", "postgres":
		return openSQLStoreFromEnv()
	default:
		return nil, errors.New("unknown STORE_BACKEND " + backend)
	}
}

// openRedisFromEnv returns nil when REDIS_ADDR is unset; the audit
// queue treats a nil client as disabled.
func openRedisFromEnv() *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("redis %s unreachable, audit disabled: %v", addr, err)
		return nil
	}
	return rdb
}

func adminTokenFromEnv() string {
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		return v
	}
	return defaultAdminToken
}

func newMux(bank *Bank, wagers *WagerBoard, arcade *Arcade, feed *eventFeed, adminToken string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/balance", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		user := r.URL.Query().Get("user")
		if user == "" {
			http.Error(w, "user required", http.StatusBadRequest)
			return
		}
		rec, err := bank.Balance(user)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"user_id": user, "balance": rec.Balance, "loan": rec.Loan})
	})

	mux.HandleFunc("/inventory", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		user := r.URL.Query().Get("user")
		if user == "" {
			http.Error(w, "user required", http.StatusBadRequest)
			return
		}
		items, err := bank.Inventory(user)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"user_id": user, "items": items})
	})

	mux.HandleFunc("/shop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, bank.Shop())
	})

	mux.HandleFunc("/leaderboard", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rows, err := bank.Leaderboard()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, rows)
	})

	mux.HandleFunc("/loan", func(w http.ResponseWriter, r *http.Request) {
		user, ok := requirePostUser(w, r)
		if !ok {
			return
		}
		amount, ok := formInt(w, r, "amount")
		if !ok {
			return
		}
		rec, err := bank.Loan(user, amount)
		if err != nil {
			writeError(w, err)
			return
		}
		feed.Add(user, "loan granted: "+strconv.FormatInt(amount, 10))
		writeJSON(w, rec)
	})

	mux.HandleFunc("/repay", func(w http.ResponseWriter, r *http.Request) {
		user, ok := requirePostUser(w, r)
		if !ok {
			return
		}
		amount, ok := formInt(w, r, "amount")
		if !ok {
			return
		}
		res, err := bank.Repay(user, amount)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, res)
	})

	mux.HandleFunc("/transfer", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		from := r.FormValue("from")
		to := r.FormValue("to")
		if from == "" || to == "" {
			http.Error(w, "from and to required", http.StatusBadRequest)
			return
		}
		amount, ok := formInt(w, r, "amount")
		if !ok {
			return
		}
		if err := bank.Transfer(from, to, amount); err != nil {
			writeError(w, err)
			return
		}
		feed.Add(to, from+" sent you "+strconv.FormatInt(amount, 10))
		writeJSON(w, map[string]any{"ok": true})
	})

	mux.HandleFunc("/buy", func(w http.ResponseWriter, r *http.Request) {
		user, ok := requirePostUser(w, r)
		if !ok {
			return
		}
		rec, err := bank.Buy(user, r.FormValue("item"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, rec)
	})

	mux.HandleFunc("/sell", func(w http.ResponseWriter, r *http.Request) {
		user, ok := requirePostUser(w, r)
		if !ok {
			return
		}
		res, err := bank.Sell(user, r.FormValue("item"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, res)
	})

	mux.HandleFunc("/rps", func(w http.ResponseWriter, r *http.Request) {
		user, ok := requirePostUser(w, r)
		if !ok {
			return
		}
		bet, ok := formInt(w, r, "bet")
		if !ok {
			return
		}
		res, err := bank.PlayRPS(user, bet, strings.ToLower(r.FormValue("choice")))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, res)
	})

	mux.HandleFunc("/slots", func(w http.ResponseWriter, r *http.Request) {
		user, ok := requirePostUser(w, r)
		if !ok {
			return
		}
		bet, ok := formInt(w, r, "bet")
		if !ok {
			return
		}
		res, err := bank.PlaySlots(user, bet)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, res)
	})

	mux.HandleFunc("/sidejob", func(w http.ResponseWriter, r *http.Request) {
		user, ok := requirePostUser(w, r)
		if !ok {
			return
		}
		res, err := bank.SideJob(user)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, res)
	})

	mux.HandleFunc("/wager", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		info, err := wagers.Current()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, info)
	})

	mux.HandleFunc("/wager/open", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !isAdmin(r, adminToken) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		winPayout, ok := formFloat(w, r, "win_payout")
		if !ok {
			return
		}
		losePayout, ok := formFloat(w, r, "lose_payout")
		if !ok {
			return
		}
		info, err := wagers.Open(r.FormValue("reason"), winPayout, losePayout)
		if err != nil {
			writeError(w, err)
			return
		}
		feed.Add("", "wager open: "+info.Reason)
		writeJSON(w, info)
	})

	mux.HandleFunc("/wager/place", func(w http.ResponseWriter, r *http.Request) {
		user, ok := requirePostUser(w, r)
		if !ok {
			return
		}
		amount, ok := formInt(w, r, "amount")
		if !ok {
			return
		}
		if err := wagers.Place(user, amount, r.FormValue("prediction")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})

	mux.HandleFunc("/wager/resolve", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !isAdmin(r, adminToken) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		outcome, err := wagers.Resolve(r.FormValue("outcome"))
		if err != nil {
			writeError(w, err)
			return
		}
		feed.Add("", "wager resolved: "+outcome.Outcome)
		writeJSON(w, outcome)
	})

	mux.HandleFunc("/minefield/start", func(w http.ResponseWriter, r *http.Request) {
		user, ok := requirePostUser(w, r)
		if !ok {
			return
		}
		bet, ok := formInt(w, r, "bet")
		if !ok {
			return
		}
		mines, err := strconv.Atoi(r.FormValue("mines"))
		if err != nil {
			http.Error(w, "mines must be an integer", http.StatusBadRequest)
			return
		}
		info, err := arcade.StartMinefield(user, bet, mines)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, info)
	})

	mux.HandleFunc("/minefield/reveal", func(w http.ResponseWriter, r *http.Request) {
		user, ok := requirePostUser(w, r)
		if !ok {
			return
		}
		cell, err := strconv.Atoi(r.FormValue("cell"))
		if err != nil {
			http.Error(w, "cell must be an integer", http.StatusBadRequest)
			return
		}
		res, err := arcade.Reveal(user, cell)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, res)
	})

	mux.HandleFunc("/minefield/cashout", func(w http.ResponseWriter, r *http.Request) {
		user, ok := requirePostUser(w, r)
		if !ok {
			return
		}
		res, err := arcade.CashOut(user)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, res)
	})

	mux.HandleFunc("/doors/start", func(w http.ResponseWriter, r *http.Request) {
		user, ok := requirePostUser(w, r)
		if !ok {
			return
		}
		amount, ok := formInt(w, r, "amount")
		if !ok {
			return
		}
		// The session resolves asynchronously; the outcome lands on
		// the event feed when the player picks or the deadline fires.
		if _, err := arcade.StartDoors(user, amount); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"doors": doorChoices, "amount": amount})
	})

	mux.HandleFunc("/doors/choose", func(w http.ResponseWriter, r *http.Request) {
		user, ok := requirePostUser(w, r)
		if !ok {
			return
		}
		if err := arcade.ChooseDoor(user, r.FormValue("door")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})

	mux.HandleFunc("/admin/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !isAdmin(r, adminToken) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if err := bank.ResetAll(); err != nil {
			writeError(w, err)
			return
		}
		feed.Add("", "economy reset")
		writeJSON(w, map[string]any{"ok": true})
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var after int64
		if v := r.URL.Query().Get("after"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				http.Error(w, "after must be an integer", http.StatusBadRequest)
				return
			}
			after = n
		}
		writeJSON(w, feed.Recent(after))
	})

	return mux
}

func requirePostUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}
	user := r.FormValue("user")
	if user == "" {
		http.Error(w, "user required", http.StatusBadRequest)
		return "", false
	}
	return user, true
}

func formInt(w http.ResponseWriter, r *http.Request, field string) (int64, bool) {
	v, err := strconv.ParseInt(r.FormValue(field), 10, 64)
	if err != nil {
		http.Error(w, field+" must be an integer", http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

func formFloat(w http.ResponseWriter, r *http.Request, field string) (float64, bool) {
	v, err := strconv.ParseFloat(r.FormValue(field), 64)
	if err != nil {
		http.Error(w, field+" must be a number", http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

// writeError maps the failure taxonomy onto HTTP statuses: malformed
// input is 400, missing things are 404, rule conflicts are 409.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidPrediction),
		errors.Is(err, ErrInvalidOutcome),
		errors.Is(err, ErrInvalidMineCount),
		errors.Is(err, ErrInvalidCell),
		errors.Is(err, ErrInvalidChoice),
		errors.Is(err, ErrInvalidDoor):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnknownUser),
		errors.Is(err, ErrUnknownItem),
		errors.Is(err, ErrNoOpenPool),
		errors.Is(err, ErrNoActiveLoan),
		errors.Is(err, ErrNoActiveSession),
		errors.Is(err, ErrNoPendingChoice):
		status = http.StatusNotFound
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrLoanActive),
		errors.Is(err, ErrLoanExceedsLimit),
		errors.Is(err, ErrItemNotOwned),
		errors.Is(err, ErrPoolAlreadyOpen),
		errors.Is(err, ErrDuplicatePlacement),
		errors.Is(err, ErrAlreadyRevealed),
		errors.Is(err, ErrSessionActive):
		status = http.StatusConflict
	case errors.Is(err, ErrChoiceTimeout):
		status = http.StatusRequestTimeout
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}); encodeErr != nil {
		log.Printf("encode error response: %v", encodeErr)
	}
}

// isAdmin accepts the configured token (query or header) or a loopback
// caller.
func isAdmin(r *http.Request, adminToken string) bool {
	if r.FormValue("token") == adminToken || r.Header.Get("X-Admin-Token") == adminToken {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return host == "localhost" || (ip != nil && ip.IsLoopback())
}
