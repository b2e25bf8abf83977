// Package sqlite is the single-node durable store: bars and feature vectors
// in a WAL-mode SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"market-pipeline/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

var _ model.DurableStore = (*Store)(nil)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/pipeline.db"
}

// Store is the SQLite implementation of model.DurableStore.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database with WAL mode and creates the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log := slog.With("component", "sqlite")
	log.Info("opened database", "path", cfg.DBPath)
	return &Store{db: db, log: log}, nil
}

// Timestamps are stored as unix milliseconds.
func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			symbol         TEXT    NOT NULL,
			interval_start INTEGER NOT NULL,
			open           REAL    NOT NULL,
			high           REAL    NOT NULL,
			low            REAL    NOT NULL,
			close          REAL    NOT NULL,
			volume         REAL    NOT NULL,
			ticks          INTEGER NOT NULL,
			PRIMARY KEY (symbol, interval_start)
		);

		CREATE TABLE IF NOT EXISTS feature_vectors (
			symbol  TEXT    NOT NULL,
			ts      INTEGER NOT NULL,
			payload TEXT    NOT NULL,
			PRIMARY KEY (symbol, ts)
		);

		CREATE INDEX IF NOT EXISTS idx_bars_start ON bars (interval_start);
		CREATE INDEX IF NOT EXISTS idx_features_ts ON feature_vectors (ts);
	`)
	return err
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
