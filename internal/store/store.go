// Package store provides the relational persistence layer on SQLite.
//
// One Store owns the database handle and all repositories: runs, DAG nodes,
// run events, artifacts, orders, fills, confirmations, portfolio snapshots,
// trade tickets, and the product catalog rows. Schema changes ship as
// ordered .sql files under migrations/; a schema_migrations table records
// applied filenames so a restart only applies what is new. ValidateSchema
// lets the API refuse to start runs against an outdated database.
//
// SQLite specifics: WAL journal, busy timeout, and a single writer
// connection. Hot transitions (confirmations, approvals, orders) are atomic
// UPDATE ... WHERE statements — optimistic concurrency, no row locks.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// requiredTables is what ValidateSchema checks for. Keep in lockstep with
// the migration files.
var requiredTables = []string{
	"tenants",
	"conversations",
	"runs",
	"dag_nodes",
	"run_events",
	"run_artifacts",
	"orders",
	"fills",
	"portfolio_snapshots",
	"approvals",
	"trade_confirmations",
	"trade_tickets",
	"product_catalog",
	"product_details",
	"schema_migrations",
}

// Store wraps the SQLite handle and exposes the repositories.
type Store struct {
	db  *sql.DB
	url string
}

// Open opens (or creates) the database at url. ":memory:" is accepted for
// tests. The caller is responsible for running Migrate before first use.
func Open(url string) (*Store, error) {
	dsn := url
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}
	if dir := filepath.Dir(url); dir != "." && dir != "" && url != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// SQLite supports one writer; keep the pool at a single connection so
	// in-memory databases see a single schema too.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db, url: url}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for repositories in other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate applies every .sql file in dir that is not yet recorded in
// schema_migrations, in lexical order. Filenames are the migration identity;
// editing an applied file is not detected and not supported.
func (s *Store) Migrate(dir string) error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var applied int
		if err := s.db.QueryRow(
			`SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`, name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}

		body, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`,
			name, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

// PendingMigrations returns the .sql filenames in dir not yet applied.
func (s *Store) PendingMigrations(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	applied := map[string]bool{}
	rows, err := s.db.Query(`SELECT filename FROM schema_migrations`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var f string
			if rows.Scan(&f) == nil {
				applied[f] = true
			}
		}
	}
	var pending []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") && !applied[e.Name()] {
			pending = append(pending, e.Name())
		}
	}
	sort.Strings(pending)
	return pending, nil
}

// ValidateSchema reports whether every required table exists, and which are
// missing. A run must not start when ok is false.
func (s *Store) ValidateSchema() (ok bool, missing []string) {
	present := map[string]bool{}
	rows, err := s.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return false, requiredTables
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if rows.Scan(&name) == nil {
			present[name] = true
		}
	}
	for _, t := range requiredTables {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	return len(missing) == 0, missing
}
