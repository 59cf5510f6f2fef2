package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrDatabaseInit = errors.New("database initialization failed")
	ErrConflict     = errors.New("event is in conflict")
)

// DB wraps the SQLite connection used by the tracked event store.
type DB struct {
	conn *sql.DB
}

// New opens (creating if necessary) the SQLite database at dbPath, applies
// pragmas tuned for a single-writer workload, and runs the idempotent
// migration list.
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA secure_delete=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	if err := os.Chmod(dbPath, 0600); err != nil {
		_ = err // best effort; file may not exist yet under WAL mode
	}

	return db, nil
}

func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) Ping() error {
	return db.conn.Ping()
}

// migrate creates every missing table and index with its full current column
// set. The list holds no ALTER TABLE ADD COLUMN steps, so a table that already
// exists without one of the current columns is not upgraded here;
// isDuplicateColumnError only tolerates errors from re-running a step. The
// status enum widening (adding FAILED) on an older tracked_events table is
// handled separately by upgradeEventStatusEnum, which rebuilds the table via
// rename-create-copy-drop.
func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			kind TEXT NOT NULL,
			settings TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_kind ON accounts(kind)`,

		`CREATE TABLE IF NOT EXISTS folder_selections (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			name TEXT NOT NULL,
			include_subfolders INTEGER NOT NULL DEFAULT 1,
			FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_folder_selections_account ON folder_selections(account_id)`,

		`CREATE TABLE IF NOT EXISTS sync_mappings (
			id TEXT PRIMARY KEY,
			mailbox_account_id TEXT NOT NULL,
			mailbox_folder TEXT NOT NULL,
			calendar_account_id TEXT NOT NULL,
			calendar_url TEXT NOT NULL,
			calendar_name TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (mailbox_account_id) REFERENCES accounts(id) ON DELETE CASCADE,
			FOREIGN KEY (calendar_account_id) REFERENCES accounts(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_mappings_mailbox ON sync_mappings(mailbox_account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_mappings_calendar ON sync_mappings(calendar_account_id)`,

		`CREATE TABLE IF NOT EXISTS tracked_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uid TEXT UNIQUE NOT NULL,
			source_account_id TEXT,
			source_folder TEXT,
			mailbox_message_id TEXT,
			summary TEXT NOT NULL DEFAULT '',
			organizer TEXT NOT NULL DEFAULT '',
			start DATETIME,
			end DATETIME,
			status TEXT NOT NULL DEFAULT 'new' CHECK(status IN ('new','updated','synced','cancelled','failed')),
			response_status TEXT NOT NULL DEFAULT 'none',
			cancelled_by_organizer INTEGER,
			payload TEXT NOT NULL DEFAULT '',
			history TEXT NOT NULL DEFAULT '[]',
			local_version INTEGER NOT NULL DEFAULT 1,
			synced_version INTEGER NOT NULL DEFAULT 0,
			caldav_etag TEXT NOT NULL DEFAULT '',
			remote_last_modified DATETIME,
			local_last_modified DATETIME,
			last_modified_source TEXT NOT NULL DEFAULT 'local',
			sync_conflict INTEGER NOT NULL DEFAULT 0,
			conflict_reason TEXT NOT NULL DEFAULT '',
			conflict_remote_snapshot TEXT NOT NULL DEFAULT '',
			tracking_disabled INTEGER NOT NULL DEFAULT 0,
			last_synced_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (source_account_id) REFERENCES accounts(id) ON DELETE SET NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_events_status ON tracked_events(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_events_source ON tracked_events(source_account_id, source_folder)`,

		`CREATE TABLE IF NOT EXISTS ignored_mail_imports (
			id TEXT PRIMARY KEY,
			event_uid TEXT NOT NULL,
			account_id TEXT NOT NULL,
			folder TEXT NOT NULL,
			message_id TEXT NOT NULL,
			max_uid TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (event_uid) REFERENCES tracked_events(uid) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ignored_mail_imports_uid ON ignored_mail_imports(event_uid)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}

	if err := db.upgradeEventStatusEnum(); err != nil {
		return err
	}

	return nil
}

// upgradeEventStatusEnum widens the tracked_events.status CHECK constraint to
// admit 'failed', added after the original enum was fixed. SQLite cannot
// alter a CHECK constraint in place, so the table is rebuilt via
// rename-create-copy-drop, preserving every existing row.
func (db *DB) upgradeEventStatusEnum() error {
	var sqlText string
	row := db.conn.QueryRow(`SELECT sql FROM sqlite_master WHERE type='table' AND name='tracked_events'`)
	if err := row.Scan(&sqlText); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("%w: failed to inspect tracked_events schema: %w", ErrDatabaseInit, err)
	}

	if strings.Contains(sqlText, "'failed'") {
		return nil // already widened
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("%w: failed to begin enum upgrade: %w", ErrDatabaseInit, err)
	}
	defer tx.Rollback()

	steps := []string{
		`ALTER TABLE tracked_events RENAME TO tracked_events_old`,
		`CREATE TABLE tracked_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uid TEXT UNIQUE NOT NULL,
			source_account_id TEXT,
			source_folder TEXT,
			mailbox_message_id TEXT,
			summary TEXT NOT NULL DEFAULT '',
			organizer TEXT NOT NULL DEFAULT '',
			start DATETIME,
			end DATETIME,
			status TEXT NOT NULL DEFAULT 'new' CHECK(status IN ('new','updated','synced','cancelled','failed')),
			response_status TEXT NOT NULL DEFAULT 'none',
			cancelled_by_organizer INTEGER,
			payload TEXT NOT NULL DEFAULT '',
			history TEXT NOT NULL DEFAULT '[]',
			local_version INTEGER NOT NULL DEFAULT 1,
			synced_version INTEGER NOT NULL DEFAULT 0,
			caldav_etag TEXT NOT NULL DEFAULT '',
			remote_last_modified DATETIME,
			local_last_modified DATETIME,
			last_modified_source TEXT NOT NULL DEFAULT 'local',
			sync_conflict INTEGER NOT NULL DEFAULT 0,
			conflict_reason TEXT NOT NULL DEFAULT '',
			conflict_remote_snapshot TEXT NOT NULL DEFAULT '',
			tracking_disabled INTEGER NOT NULL DEFAULT 0,
			last_synced_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (source_account_id) REFERENCES accounts(id) ON DELETE SET NULL
		)`,
		`INSERT INTO tracked_events SELECT * FROM tracked_events_old`,
		`DROP TABLE tracked_events_old`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_events_status ON tracked_events(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_events_source ON tracked_events(source_account_id, source_folder)`,
	}
	for _, step := range steps {
		if _, err := tx.Exec(step); err != nil {
			return fmt.Errorf("%w: status enum upgrade failed: %w", ErrDatabaseInit, err)
		}
	}

	return tx.Commit()
}

func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}
