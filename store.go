package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const startingBalance = 1000

// AccountRecord is one user's slice of the shared ledger. Balance is
// signed and allowed to go negative; Items is an ordered multiset
// (owning two of an item means two entries).
type AccountRecord struct {
	Balance int64    `json:"balance"`
	Loan    int64    `json:"loan"`
	Items   []string `json:"items"`
}

func newAccountRecord() AccountRecord {
	return AccountRecord{Balance: startingBalance, Loan: 0, Items: []string{}}
}

func (r AccountRecord) clone() AccountRecord {
	out := r
	out.Items = append([]string{}, r.Items...)
	return out
}

// Store is the persistence collaborator every component mutates the
// ledger through. Implementations must make each call atomic with
// respect to the others: two concurrent mutations of the same key must
// not interleave their read-modify-write, and nothing may be applied
// in memory without a confirmed durable write.
type Store interface {
	// Mutate runs fn on the user's record inside the store's critical
	// section and persists the result before returning. A missing
	// record is created with defaults first; the creation is persisted
	// even when fn rejects the operation, matching lazy account
	// creation on first touch. When fn returns an error the record is
	// otherwise left unchanged and the error is passed through.
	Mutate(userID string, fn func(*AccountRecord) error) (AccountRecord, error)

	// MutateMany is Mutate across several keys as one atomic unit,
	// acquiring keys in sorted order. A nil userIDs selects every
	// existing record.
	MutateMany(userIDs []string, fn func(records map[string]*AccountRecord) error) error

	// Get returns the user's record, creating and persisting the
	// default record if absent.
	Get(userID string) (AccountRecord, error)

	// Exists reports whether a record exists, without creating one.
	Exists(userID string) (bool, error)

	// All returns a point-in-time snapshot of every record.
	All() (map[string]AccountRecord, error)
}

// FileStore keeps the whole ledger as a single JSON document mapping
// user ID to record, the same layout the ledger used historically.
// One mutex serializes every mutation; the document is rewritten and
// renamed into place before a mutation is considered committed.
type FileStore struct {
	mu      sync.Mutex
	path    string
	records map[string]AccountRecord
}

func OpenFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	s := &FileStore{path: path, records: map[string]AccountRecord{}}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger file: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.records); err != nil {
			return nil, fmt.Errorf("decode ledger file: %w", err)
		}
	}
	return s, nil
}

// flushLocked writes the document to a temp file and renames it over
// the old one, so a crash mid-write never truncates the ledger.
func (s *FileStore) flushLocked() error {
	raw, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

func (s *FileStore) Mutate(userID string, fn func(*AccountRecord) error) (AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, existed := s.records[userID]
	if !existed {
		rec = newAccountRecord()
	}
	work := rec.clone()
	ferr := fn(&work)
	if ferr != nil {
		if !existed {
			s.records[userID] = rec
			if err := s.flushLocked(); err != nil {
				delete(s.records, userID)
				return AccountRecord{}, err
			}
		}
		return rec.clone(), ferr
	}

	s.records[userID] = work
	if err := s.flushLocked(); err != nil {
		if existed {
			s.records[userID] = rec
		} else {
			delete(s.records, userID)
		}
		return AccountRecord{}, err
	}
	return work.clone(), nil
}

func (s *FileStore) MutateMany(userIDs []string, fn func(map[string]*AccountRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if userIDs == nil {
		for id := range s.records {
			userIDs = append(userIDs, id)
		}
	}
	sort.Strings(userIDs)

	work := make(map[string]*AccountRecord, len(userIDs))
	for _, id := range userIDs {
		rec, ok := s.records[id]
		if !ok {
			rec = newAccountRecord()
		}
		w := rec.clone()
		work[id] = &w
	}
	if err := fn(work); err != nil {
		return err
	}

	before := make(map[string]AccountRecord, len(work))
	existed := make(map[string]bool, len(work))
	for id, w := range work {
		if rec, ok := s.records[id]; ok {
			before[id] = rec
			existed[id] = true
		}
		s.records[id] = w.clone()
	}
	if err := s.flushLocked(); err != nil {
		for id := range work {
			if existed[id] {
				s.records[id] = before[id]
			} else {
				delete(s.records, id)
			}
		}
		return err
	}
	return nil
}

func (s *FileStore) Get(userID string) (AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[userID]; ok {
		return rec.clone(), nil
	}
	rec := newAccountRecord()
	s.records[userID] = rec
	if err := s.flushLocked(); err != nil {
		delete(s.records, userID)
		return AccountRecord{}, err
	}
	return rec.clone(), nil
}

func (s *FileStore) Exists(userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[userID]
	return ok, nil
}

func (s *FileStore) All() (map[string]AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]AccountRecord, len(s.records))
	for id, rec := range s.records {
		out[id] = rec.clone()
	}
	return out, nil
}
