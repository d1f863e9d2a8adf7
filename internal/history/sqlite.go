package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// defaultListLimit bounds List queries when the caller gives no limit.
const defaultListLimit = 100

// DB is the SQLite-backed call history store.
type DB struct {
	db *sql.DB
}

// Open creates or opens the call history database under dataDir with WAL
// mode enabled and runs any pending migrations.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "callhistory.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{db: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("call history store opened", "path", dbPath)
	return db, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (d *DB) migrate() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
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
		if err := d.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := d.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
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

// Upsert writes one participant's record of a session. Keyed by
// (session_id, owner_id); a second write for the same key overwrites the row
// in place, which makes duplicate terminal observations harmless.
func (d *DB) Upsert(ctx context.Context, rec *Record) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO call_history (session_id, owner_id, caller_id, receiver_id,
		 direction, status, duration_seconds, context_ref, created_at,
		 connected_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, owner_id) DO UPDATE SET
		   status = excluded.status,
		   duration_seconds = excluded.duration_seconds,
		   connected_at = excluded.connected_at,
		   ended_at = excluded.ended_at`,
		rec.SessionID, rec.OwnerID, rec.CallerID, rec.ReceiverID,
		rec.Direction, rec.Status, rec.DurationSeconds, rec.ContextRef,
		rec.CreatedAt, rec.ConnectedAt, rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting call history row: %w", err)
	}
	return nil
}

// List returns the owner's records newest-first.
func (d *DB) List(ctx context.Context, ownerID string, opts ListOptions) ([]Record, error) {
	where := "owner_id = ?"
	args := []any{ownerID}

	switch opts.Filter {
	case "", FilterAll:
	case FilterIncoming:
		where += " AND direction = ?"
		args = append(args, DirectionIncoming)
	case FilterOutgoing:
		where += " AND direction = ?"
		args = append(args, DirectionOutgoing)
	case FilterMissed:
		where += " AND status IN ('missed', 'declined')"
	default:
		return nil, fmt.Errorf("unknown history filter %q", opts.Filter)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, session_id, owner_id, caller_id, receiver_id, direction,
		 status, duration_seconds, context_ref, created_at, connected_at, ended_at
		 FROM call_history WHERE `+where+` ORDER BY created_at DESC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing call history: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.SessionID, &r.OwnerID, &r.CallerID,
			&r.ReceiverID, &r.Direction, &r.Status, &r.DurationSeconds,
			&r.ContextRef, &r.CreatedAt, &r.ConnectedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scanning call history row: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call history rows: %w", err)
	}

	return recs, nil
}
