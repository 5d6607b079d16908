// Package storage provides persistent storage for cnd using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the cnd node: swap records,
// the append-only ledger event log, and known peers.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "cnd.db")

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	// Initialize schema
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Known peers table
	CREATE TABLE IF NOT EXISTS peers (
		peer_id TEXT PRIMARY KEY,
		addresses TEXT,
		first_seen INTEGER,
		last_seen INTEGER,
		last_connected INTEGER,
		connection_count INTEGER DEFAULT 0,
		is_bootstrap INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);

	-- Settings/config table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- =========================================================================
	-- Swaps and ledger events (RFC003 atomic swap coordination)
	-- =========================================================================

	-- Swaps table: one row per negotiated swap, keyed by the locally
	-- generated swap id. alpha/beta ledger+HTLC parameters and the
	-- negotiation (communication) state are stored as JSON blobs since
	-- their shape depends on which ledger and which side of the
	-- negotiation this swap is in.
	CREATE TABLE IF NOT EXISTS swaps (
		swap_id TEXT PRIMARY KEY,
		role TEXT NOT NULL,                    -- alice | bob
		counterparty_peer_id TEXT NOT NULL,

		alpha_ledger TEXT NOT NULL,             -- chain.Ledger.String()
		beta_ledger TEXT NOT NULL,

		alpha_asset TEXT NOT NULL,              -- JSON asset descriptor
		beta_asset TEXT NOT NULL,

		alpha_htlc_params TEXT,                 -- JSON HtlcParams, set once negotiated
		beta_htlc_params TEXT,

		secret_hash TEXT NOT NULL,
		secret TEXT,                            -- only Alice ever populates this

		communication_state TEXT NOT NULL,      -- JSON SwapCommunication
		alpha_ledger_state TEXT NOT NULL DEFAULT 'not_deployed',
		beta_ledger_state TEXT NOT NULL DEFAULT 'not_deployed',

		start_of_swap INTEGER NOT NULL,         -- unix seconds, back-scan origin

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		finished_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_peer ON swaps(counterparty_peer_id);
	CREATE INDEX IF NOT EXISTS idx_swaps_finished ON swaps(finished_at);
	CREATE INDEX IF NOT EXISTS idx_swaps_secret_hash ON swaps(secret_hash);

	-- Ledger events table: append-only record of every HTLC event the
	-- watcher observes for a swap, on either ledger. Replayed at startup
	-- to reconstruct in-memory ledger state without re-scanning chains
	-- the node has already walked.
	CREATE TABLE IF NOT EXISTS ledger_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		swap_id TEXT NOT NULL,
		ledger TEXT NOT NULL,                   -- alpha | beta
		event_type TEXT NOT NULL,                -- not_deployed | deployed | funded | redeemed | refunded | incorrectly_funded
		block_height INTEGER,
		tx_id TEXT,
		data TEXT,                              -- JSON: witness/calldata-derived details (e.g. revealed secret)
		observed_at INTEGER NOT NULL,

		FOREIGN KEY (swap_id) REFERENCES swaps(swap_id)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_events_swap ON ledger_events(swap_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_events_type ON ledger_events(event_type);

	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Run migrations for existing databases
	return s.runMigrations()
}

// runMigrations runs schema migrations for existing databases.
// Currently a no-op; kept as the hook future ALTER TABLE migrations attach to.
func (s *Storage) runMigrations() error {
	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
