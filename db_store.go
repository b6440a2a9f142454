package main

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

type DBDialect string

const (
	dialectSQLite   DBDialect = "sqlite"
	dialectPostgres DBDialect = "postgres"
)

const sqlOpTimeout = 10 * time.Second

// SQLStore implements Store on sqlite or postgres. Each Mutate runs as
// one transaction; on postgres the touched rows are locked FOR UPDATE,
// on sqlite the single connection serializes writers. Multi-key
// mutations lock rows in sorted key order so two opposing transfers
// cannot deadlock each other.
type SQLStore struct {
	dialect DBDialect
	db      *sql.DB
}

func openSQLStoreFromEnv() (*SQLStore, error) {
	dialectRaw := strings.TrimSpace(strings.ToLower(os.Getenv("DB_DIALECT")))
	if dialectRaw == "" {
		dialectRaw = string(dialectSQLite)
	}
	dialect := DBDialect(dialectRaw)

	var driverName string
	var dsn string
	switch dialect {
	case dialectSQLite:
		driverName = "sqlite"
		path := strings.TrimSpace(os.Getenv("DB_SQLITE_PATH"))
		if path == "" {
			path = filepath.Join("tmp", "gilded_vault.sqlite")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		dsn = path
	case dialectPostgres:
		driverName = "pgx"
		dsn = strings.TrimSpace(os.Getenv("DB_POSTGRES_DSN"))
		if dsn == "" {
			dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
		}
		if dsn == "" {
			return nil, errors.New("DB_DIALECT=postgres requires DB_POSTGRES_DSN or DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported DB_DIALECT %q", dialectRaw)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	if dialect == dialectSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqlOpTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}

	store := &SQLStore{dialect: dialect, db: db}
	if err := store.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Printf("database: dialect=%s", dialect)
	return store, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) bind(pos int) string {
	if s.dialect == dialectPostgres {
		return fmt.Sprintf("$%d", pos)
	}
	return "?"
}

func (s *SQLStore) applyMigrations(ctx context.Context) error {
	create := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema migration: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate schema migrations: %w", err)
	}
	rows.Close()

	pattern := fmt.Sprintf("migrations/%s/*.sql", s.dialect)
	files, err := fs.Glob(migrationFS, pattern)
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	for _, file := range files {
		base := filepath.Base(file)
		if applied[base] {
			continue
		}
		sqlBytes, err := migrationFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		q := fmt.Sprintf(
			"INSERT INTO schema_migrations (version, applied_at) VALUES (%s, %s)",
			s.bind(1), s.bind(2),
		)
		if _, err := tx.ExecContext(ctx, q, base, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// lockRecord reads one record inside the transaction, taking a row
// lock on postgres. Reports whether the row existed.
func (s *SQLStore) lockRecord(ctx context.Context, tx *sql.Tx, userID string) (AccountRecord, bool, error) {
	q := "SELECT balance, loan, items FROM accounts WHERE user_id = " + s.bind(1)
	if s.dialect == dialectPostgres {
		q += " FOR UPDATE"
	}
	var rec AccountRecord
	var itemsRaw string
	err := tx.QueryRowContext(ctx, q, userID).Scan(&rec.Balance, &rec.Loan, &itemsRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return newAccountRecord(), false, nil
	}
	if err != nil {
		return AccountRecord{}, false, fmt.Errorf("read account %s: %w", userID, err)
	}
	rec.Items = []string{}
	if itemsRaw != "" {
		if err := json.Unmarshal([]byte(itemsRaw), &rec.Items); err != nil {
			return AccountRecord{}, false, fmt.Errorf("decode items for %s: %w", userID, err)
		}
	}
	return rec, true, nil
}

func (s *SQLStore) upsertRecord(ctx context.Context, tx *sql.Tx, userID string, rec AccountRecord) error {
	items, err := json.Marshal(rec.Items)
	if err != nil {
		return fmt.Errorf("encode items for %s: %w", userID, err)
	}
	q := fmt.Sprintf(`
		INSERT INTO accounts (user_id, balance, loan, items, updated_at)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (user_id) DO UPDATE SET
			balance = excluded.balance,
			loan = excluded.loan,
			items = excluded.items,
			updated_at = excluded.updated_at`,
		s.bind(1), s.bind(2), s.bind(3), s.bind(4), s.bind(5),
	)
	if _, err := tx.ExecContext(ctx, q, userID, rec.Balance, rec.Loan, string(items), time.Now().UTC()); err != nil {
		return fmt.Errorf("write account %s: %w", userID, err)
	}
	return nil
}

func (s *SQLStore) Mutate(userID string, fn func(*AccountRecord) error) (AccountRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOpTimeout)
	defer cancel()

	var out AccountRecord
	var ferr error
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, existed, err := s.lockRecord(ctx, tx, userID)
		if err != nil {
			return err
		}
		work := rec.clone()
		ferr = fn(&work)
		if ferr != nil {
			out = rec
			if existed {
				return nil
			}
			// First touch creates the default record even when the
			// operation itself is rejected.
			return s.upsertRecord(ctx, tx, userID, rec)
		}
		out = work
		return s.upsertRecord(ctx, tx, userID, work)
	})
	if err != nil {
		return AccountRecord{}, err
	}
	return out, ferr
}

func (s *SQLStore) MutateMany(userIDs []string, fn func(map[string]*AccountRecord) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOpTimeout)
	defer cancel()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		ids := append([]string{}, userIDs...)
		if userIDs == nil {
			rows, err := tx.QueryContext(ctx, "SELECT user_id FROM accounts ORDER BY user_id")
			if err != nil {
				return fmt.Errorf("list accounts: %w", err)
			}
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return fmt.Errorf("scan account id: %w", err)
				}
				ids = append(ids, id)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return fmt.Errorf("iterate account ids: %w", err)
			}
			rows.Close()
		}
		sort.Strings(ids)

		work := make(map[string]*AccountRecord, len(ids))
		for _, id := range ids {
			rec, _, err := s.lockRecord(ctx, tx, id)
			if err != nil {
				return err
			}
			w := rec.clone()
			work[id] = &w
		}
		if err := fn(work); err != nil {
			return err
		}
		for _, id := range ids {
			if err := s.upsertRecord(ctx, tx, id, *work[id]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) Get(userID string) (AccountRecord, error) {
	return s.Mutate(userID, func(*AccountRecord) error { return nil })
}

func (s *SQLStore) Exists(userID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOpTimeout)
	defer cancel()
	var one int
	q := "SELECT 1 FROM accounts WHERE user_id = " + s.bind(1)
	err := s.db.QueryRowContext(ctx, q, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check account %s: %w", userID, err)
	}
	return true, nil
}

func (s *SQLStore) All() (map[string]AccountRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOpTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, "SELECT user_id, balance, loan, items FROM accounts")
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	out := map[string]AccountRecord{}
	for rows.Next() {
		var id, itemsRaw string
		var rec AccountRecord
		if err := rows.Scan(&id, &rec.Balance, &rec.Loan, &itemsRaw); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		rec.Items = []string{}
		if itemsRaw != "" {
			if err := json.Unmarshal([]byte(itemsRaw), &rec.Items); err != nil {
				return nil, fmt.Errorf("decode items for %s: %w", id, err)
			}
		}
		out[id] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return out, nil
}
