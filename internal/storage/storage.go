// Package storage provides the SQLite-backed durability layer for the
// DarkSwap daemon: known peers, the local order cache, and the P2P
// message outbox/inbox used for reliable direct delivery. internal/core
// opens it unconditionally and fails to start without it, because direct
// message delivery and the peer cache are built on it. The in-memory
// orderbook and trade core do not write its order or trade tables.
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

// Storage provides persistent storage for the DarkSwap node.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance, creating the data directory and
// database file if needed.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "darkswap.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

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
	-- Order and trade cache (durability adapter for the in-memory core)
	-- =========================================================================

	-- Local cache of orders seen on the orders gossip topic, keyed by the
	-- order's own id so a restarted daemon can reload its own open orders
	-- and recent remote orders without waiting for fresh gossip.
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		maker TEXT NOT NULL,
		base_asset TEXT NOT NULL,
		quote_asset TEXT NOT NULL,
		side TEXT NOT NULL,
		amount TEXT NOT NULL,
		filled TEXT NOT NULL DEFAULT '0',
		price TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		updated_at INTEGER,
		is_local INTEGER NOT NULL DEFAULT 0,
		signature TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_maker ON orders(maker);
	CREATE INDEX IF NOT EXISTS idx_orders_pair ON orders(base_asset, quote_asset);
	CREATE INDEX IF NOT EXISTS idx_orders_expires ON orders(expires_at);

	-- Local cache of trade progress, keyed by trade id. Nothing outside this
	-- package writes or reads it; message delivery after a restart resumes
	-- from message_outbox (below), and the in-memory trade state machine is
	-- not reconstructed.
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		maker_peer_id TEXT NOT NULL,
		taker_peer_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'initialized',
		created_at INTEGER NOT NULL,
		updated_at INTEGER,
		completed_at INTEGER,
		failure_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id);
	CREATE INDEX IF NOT EXISTS idx_trades_state ON trades(state);

	-- =========================================================================
	-- P2P Message Queue (for reliable direct messaging)
	-- =========================================================================

	-- Outbound message queue (pending delivery with retry)
	CREATE TABLE IF NOT EXISTS message_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,      -- UUID for deduplication
		trade_id TEXT NOT NULL,               -- Associated trade
		peer_id TEXT NOT NULL,                -- Target peer
		message_type TEXT NOT NULL,           -- one of node.Msg*
		payload BLOB NOT NULL,                -- Full message JSON
		sequence_num INTEGER NOT NULL,        -- Per-trade sequence number

		-- Trade expiry (for retry decision)
		expires_at INTEGER NOT NULL,          -- Unix timestamp when trade expires

		-- Retry tracking
		created_at INTEGER NOT NULL,          -- When message was queued
		retry_count INTEGER DEFAULT 0,        -- Number of send attempts
		last_attempt_at INTEGER,              -- Last send attempt timestamp
		next_retry_at INTEGER NOT NULL,       -- When to retry next

		-- Delivery status
		acked_at INTEGER,                     -- When ACK received (NULL until ACKed)
		status TEXT DEFAULT 'pending',        -- pending, sent, acked, failed, expired
		error_message TEXT                    -- Error if failed
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON message_outbox(status, next_retry_at)
		WHERE status = 'pending' OR status = 'sent';
	CREATE INDEX IF NOT EXISTS idx_outbox_trade ON message_outbox(trade_id);
	CREATE INDEX IF NOT EXISTS idx_outbox_peer ON message_outbox(peer_id, status);
	CREATE INDEX IF NOT EXISTS idx_outbox_message ON message_outbox(message_id);

	-- Inbound message log (for deduplication/idempotency)
	CREATE TABLE IF NOT EXISTS message_inbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,      -- UUID from sender (for dedup)
		trade_id TEXT NOT NULL,               -- Associated trade
		peer_id TEXT NOT NULL,                -- Sender peer ID
		message_type TEXT NOT NULL,           -- Message type
		sequence_num INTEGER NOT NULL,        -- Sequence number from sender

		-- Processing status
		received_at INTEGER NOT NULL,         -- When received
		processed_at INTEGER,                 -- When handler completed (NULL until done)
		ack_sent INTEGER DEFAULT 0            -- Whether ACK was sent
	);

	CREATE INDEX IF NOT EXISTS idx_inbox_message ON message_inbox(message_id);
	CREATE INDEX IF NOT EXISTS idx_inbox_trade ON message_inbox(trade_id, sequence_num);
	CREATE INDEX IF NOT EXISTS idx_inbox_peer ON message_inbox(peer_id);

	-- Sequence number tracking per trade (for ordering)
	CREATE TABLE IF NOT EXISTS message_sequences (
		trade_id TEXT PRIMARY KEY,
		local_seq INTEGER DEFAULT 0,          -- Last outbound sequence number handed out
		remote_seq INTEGER DEFAULT 0,         -- Last received inbound sequence number
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations runs schema migrations for existing databases. These are
// ALTER TABLE statements that add columns to existing tables. Errors are
// ignored since the column may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE orders ADD COLUMN signature TEXT",
	}

	for _, migration := range migrations {
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
