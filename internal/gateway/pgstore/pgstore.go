package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shieldstaff/callsignal/internal/gateway"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements gateway.AccountStore and gateway.RelayLogger using
// PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}

// GetAccount returns the account for userID, or nil, nil when unknown.
func (s *Store) GetAccount(ctx context.Context, userID string) (*gateway.Account, error) {
	var a gateway.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, api_key_hash, created_at
		 FROM accounts
		 WHERE user_id = $1`,
		userID,
	).Scan(&a.UserID, &a.APIKeyHash, &a.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	return &a, nil
}

// CreateAccount inserts a new account with an already-hashed API key.
func (s *Store) CreateAccount(ctx context.Context, account *gateway.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, api_key_hash) VALUES ($1, $2)`,
		account.UserID, account.APIKeyHash,
	)
	if err != nil {
		return fmt.Errorf("inserting account: %w", err)
	}
	return nil
}

// GetDevice returns the registered device for userID, or nil, nil when the
// user has no device token.
func (s *Store) GetDevice(ctx context.Context, userID string) (*gateway.Device, error) {
	var d gateway.Device
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, token, platform, updated_at
		 FROM devices
		 WHERE user_id = $1`,
		userID,
	).Scan(&d.UserID, &d.Token, &d.Platform, &d.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return &d, nil
}

// UpsertDevice registers or replaces the user's device token.
func (s *Store) UpsertDevice(ctx context.Context, dev *gateway.Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (user_id, token, platform, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (user_id)
		 DO UPDATE SET token = EXCLUDED.token,
		               platform = EXCLUDED.platform,
		               updated_at = NOW()`,
		dev.UserID, dev.Token, dev.Platform,
	)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}
	return nil
}

// Log records one relayed event.
func (s *Store) Log(ctx context.Context, entry gateway.RelayLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relay_log (sender_id, recipient_id, session_id, event_type, woke, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.SenderID, entry.RecipientID, entry.SessionID, entry.EventType, entry.Woke, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting relay log: %w", err)
	}
	return nil
}
