package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

const shareWriteQueueSize = 4096

// Store is the single owner of the pool's sqlite state. Share writes are
// fire-and-forget through a buffered channel and a background writer so
// the submit hot path never blocks on disk; everything else is small and
// synchronous. Callers must treat errors as log-and-continue: persistence
// failures never propagate to miners.
type Store struct {
	db *sql.DB

	shareCh   chan ShareRow
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?_foreign_keys=1&_journal=WAL")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	// modernc.org/sqlite misbehaves with concurrent writers on one file;
	// funnel everything through a single connection.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:      db,
		shareCh: make(chan ShareRow, shareWriteQueueSize),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.shareWriter()
	return s, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS miners (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			miner_key TEXT NOT NULL UNIQUE,
			address TEXT NOT NULL,
			worker_name TEXT NOT NULL,
			hashrate REAL NOT NULL DEFAULT 0,
			shares INTEGER NOT NULL DEFAULT 0,
			last_seen INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS shares (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			miner_id INTEGER NOT NULL,
			worker TEXT NOT NULL,
			job_id TEXT NOT NULL,
			extra_nonce2 TEXT,
			n_time TEXT,
			nonce TEXT NOT NULL,
			difficulty INTEGER NOT NULL,
			is_valid INTEGER NOT NULL,
			is_block INTEGER NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS shares_ts_idx ON shares (ts)`,
		`CREATE INDEX IF NOT EXISTS shares_miner_idx ON shares (miner_id, ts)`,
		`CREATE TABLE IF NOT EXISTS blocks (
			height INTEGER NOT NULL UNIQUE,
			hash TEXT NOT NULL UNIQUE,
			previous_hash TEXT NOT NULL,
			merkle_root TEXT NOT NULL,
			ts INTEGER NOT NULL,
			nonce INTEGER NOT NULL,
			difficulty INTEGER NOT NULL,
			found_by TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS block_rewards (
			block_height INTEGER NOT NULL,
			block_hash TEXT NOT NULL,
			miner_address TEXT NOT NULL,
			base_reward INTEGER NOT NULL,
			pool_fee INTEGER NOT NULL,
			miner_reward INTEGER NOT NULL,
			miner_percentage REAL NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS block_rewards_height_idx ON block_rewards (block_height)`,
		`CREATE TABLE IF NOT EXISTS leaderboard (
			address TEXT PRIMARY KEY,
			confirmed_balance INTEGER NOT NULL DEFAULT 0,
			unconfirmed_balance INTEGER NOT NULL DEFAULT 0,
			total_paid INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close drains queued share writes and closes the database.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		_ = s.db.Close()
	})
}
