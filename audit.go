package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

const auditListKey = "vault:audit"

// AuditQueue appends engine events to a Redis list for an external
// consumer. A nil client disables the queue; every method is safe to
// call on a nil or disabled queue so callers never have to branch.
type AuditQueue struct {
	rdb *redis.Client
	now func() time.Time
}

func NewAuditQueue(rdb *redis.Client) *AuditQueue {
	return &AuditQueue{rdb: rdb, now: func() time.Time { return time.Now().UTC() }}
}

type auditEvent struct {
	Kind    string          `json:"kind"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Push enqueues one event. Failures are logged and swallowed: the
// audit trail is advisory and must never fail a ledger operation.
func (q *AuditQueue) Push(kind string, payload any) {
	if q == nil || q.rdb == nil {
		return
	}
	ev := auditEvent{Kind: kind, At: q.now()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			log.Printf("audit: marshal %s: %v", kind, err)
			return
		}
		ev.Payload = raw
	}
	body, err := json.Marshal(ev)
	if err != nil {
		log.Printf("audit: marshal %s: %v", kind, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.rdb.RPush(ctx, auditListKey, body).Err(); err != nil {
		log.Printf("audit: push %s: %v", kind, err)
	}
}
