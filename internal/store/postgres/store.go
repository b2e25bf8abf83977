// Package postgres is the networked durable store. Connections use TLS unless
// configured otherwise; falling back to plaintext requires explicit opt-in
// and is reported as a security event.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"market-pipeline/internal/model"

	_ "github.com/lib/pq"
)

var _ model.DurableStore = (*Store)(nil)

// Config configures the Postgres store.
type Config struct {
	URL                    string // postgres:// or postgresql+asyncpg:// URL, or key=value DSN
	TLS                    bool   // sslmode=require (or the URL's verify mode) vs disable
	AllowPlaintextFallback bool   // retry without TLS when the TLS connect fails
	MaxOpenConns           int

	// OnDowngrade is called when a plaintext fallback connection is made.
	OnDowngrade func()
}

// Store is the Postgres implementation of model.DurableStore.
type Store struct {
	db         *sql.DB
	log        *slog.Logger
	downgraded bool
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Downgraded reports whether the connection fell back to plaintext.
func (s *Store) Downgraded() bool { return s.downgraded }

// opener opens and verifies a connection for dsn.
type opener func(ctx context.Context, dsn string) (*sql.DB, error)

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// New connects, applying the TLS policy, and creates the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	log := slog.With("component", "postgres")
	db, downgraded, err := dial(ctx, cfg, openDB, log)
	if err != nil {
		return nil, err
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := createSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &Store{db: db, log: log, downgraded: downgraded}, nil
}

// dial opens the connection. A TLS failure is fatal unless plaintext fallback
// is permitted, in which case the downgrade is logged with security_event=true.
func dial(ctx context.Context, cfg Config, open opener, log *slog.Logger) (*sql.DB, bool, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, false, fmt.Errorf("postgres: DATABASE_URL is empty: %w", model.ErrConfiguration)
	}
	dsn, err := buildDSN(cfg.URL, cfg.TLS)
	if err != nil {
		return nil, false, err
	}

	db, err := open(ctx, dsn)
	if err == nil {
		log.Info("connected", "dsn", redact(dsn), "tls", cfg.TLS)
		return db, false, nil
	}
	if !cfg.TLS {
		return nil, false, fmt.Errorf("postgres connect: %w: %w", model.ErrTransientIO, err)
	}
	if !cfg.AllowPlaintextFallback {
		return nil, false, fmt.Errorf("postgres TLS connect failed and plaintext fallback is not permitted: %w: %w",
			model.ErrConfiguration, err)
	}

	log.Warn("durable store TLS connect failed, downgrading to plaintext",
		"security_event", true,
		"dsn", redact(dsn),
		"err", err,
	)
	plain, _ := buildDSN(cfg.URL, false)
	db, err = open(ctx, plain)
	if err != nil {
		return nil, false, fmt.Errorf("postgres plaintext fallback connect: %w: %w", model.ErrTransientIO, err)
	}
	if cfg.OnDowngrade != nil {
		cfg.OnDowngrade()
	}
	log.Warn("durable store connected without TLS", "security_event", true, "dsn", redact(plain))
	return db, true, nil
}

// buildDSN normalizes the driver prefix and applies the sslmode for tls.
// A verify-ca or verify-full mode already in the URL is kept when tls is on.
func buildDSN(raw string, tls bool) (string, error) {
	raw = strings.TrimSpace(raw)
	for _, prefix := range []string{"postgresql+asyncpg://", "postgres+asyncpg://"} {
		if strings.HasPrefix(raw, prefix) {
			raw = "postgresql://" + strings.TrimPrefix(raw, prefix)
		}
	}

	if !strings.Contains(raw, "://") {
		return keyValueDSN(raw, tls), nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", model.ErrConfiguration)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("DATABASE_URL scheme %q: %w", u.Scheme, model.ErrConfiguration)
	}
	q := u.Query()
	q.Set("sslmode", sslMode(q.Get("sslmode"), tls))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func keyValueDSN(raw string, tls bool) string {
	var parts []string
	current := ""
	for _, f := range strings.Fields(raw) {
		if v, ok := strings.CutPrefix(f, "sslmode="); ok {
			current = v
			continue
		}
		parts = append(parts, f)
	}
	parts = append(parts, "sslmode="+sslMode(current, tls))
	return strings.Join(parts, " ")
}

func sslMode(current string, tls bool) string {
	if !tls {
		return "disable"
	}
	switch current {
	case "verify-ca", "verify-full":
		return current
	}
	return "require"
}

func redact(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
		return u.Redacted()
	}
	var parts []string
	for _, f := range strings.Fields(dsn) {
		if strings.HasPrefix(f, "password=") {
			f = "password=xxxxx"
		}
		parts = append(parts, f)
	}
	return strings.Join(parts, " ")
}

func createSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bars (
			symbol         TEXT             NOT NULL,
			interval_start TIMESTAMPTZ      NOT NULL,
			open           DOUBLE PRECISION NOT NULL,
			high           DOUBLE PRECISION NOT NULL,
			low            DOUBLE PRECISION NOT NULL,
			close          DOUBLE PRECISION NOT NULL,
			volume         DOUBLE PRECISION NOT NULL,
			ticks          INTEGER          NOT NULL,
			PRIMARY KEY (symbol, interval_start)
		);

		CREATE TABLE IF NOT EXISTS feature_vectors (
			symbol  TEXT        NOT NULL,
			ts      TIMESTAMPTZ NOT NULL,
			payload JSONB       NOT NULL,
			PRIMARY KEY (symbol, ts)
		);

		CREATE INDEX IF NOT EXISTS idx_bars_start ON bars (interval_start);
		CREATE INDEX IF NOT EXISTS idx_features_ts ON feature_vectors (ts);
	`)
	return err
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
