package main

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "ledger.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestFileStoreCreatesDefaultsAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	rec, err := s.Get("alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Balance != startingBalance || rec.Loan != 0 || len(rec.Items) != 0 {
		t.Fatalf("unexpected defaults: %+v", rec)
	}

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	ok, err := reopened.Exists("alice")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !ok {
		t.Fatalf("default creation should survive a reopen")
	}
}

func TestFileStoreMutatePersistsCreationOnRejectedOp(t *testing.T) {
	s := newTestFileStore(t)
	wantErr := errors.New("rejected")

	_, err := s.Mutate("bob", func(rec *AccountRecord) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected rejection to propagate, got %v", err)
	}

	ok, err := s.Exists("bob")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !ok {
		t.Fatalf("record created by a rejected op should still exist")
	}
	rec, err := s.Get("bob")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Balance != startingBalance {
		t.Fatalf("rejected op must not alter the record, balance=%d", rec.Balance)
	}
}

func TestFileStoreMutateManyIsAtomicAcrossKeys(t *testing.T) {
	s := newTestFileStore(t)
	if _, err := s.Get("a"); err != nil {
		t.Fatalf("seed a: %v", err)
	}
	if _, err := s.Get("b"); err != nil {
		t.Fatalf("seed b: %v", err)
	}

	err := s.MutateMany([]string{"a", "b"}, func(recs map[string]*AccountRecord) error {
		recs["a"].Balance -= 300
		recs["b"].Balance += 300
		return nil
	})
	if err != nil {
		t.Fatalf("mutate many: %v", err)
	}

	a, _ := s.Get("a")
	b, _ := s.Get("b")
	if a.Balance != startingBalance-300 || b.Balance != startingBalance+300 {
		t.Fatalf("unexpected balances a=%d b=%d", a.Balance, b.Balance)
	}

	boom := errors.New("boom")
	err = s.MutateMany([]string{"a", "b"}, func(recs map[string]*AccountRecord) error {
		recs["a"].Balance = 0
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	a, _ = s.Get("a")
	if a.Balance != startingBalance-300 {
		t.Fatalf("failed multi-key op must leave records untouched, a=%d", a.Balance)
	}
}

func TestFileStoreMutateManyNilTouchesAllRecords(t *testing.T) {
	s := newTestFileStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Get(id); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	err := s.MutateMany(nil, func(recs map[string]*AccountRecord) error {
		if len(recs) != 3 {
			t.Fatalf("expected 3 records, got %d", len(recs))
		}
		for _, rec := range recs {
			rec.Balance = 7
		}
		return nil
	})
	if err != nil {
		t.Fatalf("mutate many: %v", err)
	}

	all, err := s.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	for id, rec := range all {
		if rec.Balance != 7 {
			t.Fatalf("%s balance = %d, want 7", id, rec.Balance)
		}
	}
}

func TestFileStoreConcurrentMutationsDoNotLoseUpdates(t *testing.T) {
	s := newTestFileStore(t)
	if _, err := s.Get("u"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const workers = 8
	const perWorker = 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := s.Mutate("u", func(rec *AccountRecord) error {
					rec.Balance++
					return nil
				}); err != nil {
					t.Errorf("mutate: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	rec, _ := s.Get("u")
	if rec.Balance != startingBalance+workers*perWorker {
		t.Fatalf("lost update: balance=%d want %d", rec.Balance, startingBalance+workers*perWorker)
	}
}

func TestFileStoreReturnsCopies(t *testing.T) {
	s := newTestFileStore(t)
	rec, err := s.Mutate("u", func(rec *AccountRecord) error {
		rec.Items = append(rec.Items, "Rolex")
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	rec.Items[0] = "tampered"

	fresh, _ := s.Get("u")
	if fresh.Items[0] != "Rolex" {
		t.Fatalf("returned record must be detached from the store")
	}
}
