package main

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

const (
	blockStatusFound     = "found"
	blockStatusConfirmed = "confirmed"
)

type BlockRow struct {
	Height       uint64
	Hash         string
	PreviousHash string
	MerkleRoot   string
	TS           int64 // ms, template timestamp
	Nonce        uint64
	Difficulty   uint64
	FoundBy      string
	Status       string
}

type RewardRow struct {
	BlockHeight     uint64
	BlockHash       string
	MinerAddress    string
	BaseReward      int64
	PoolFee         int64
	MinerReward     int64
	MinerPercentage float64
	TS              int64
}

// InsertBlock records an accepted block, deduping by height: the first
// solution wins the row, but a numerically better (lower) hash for the
// same height replaces it. Returns whether a new height row was created.
func (s *Store) InsertBlock(b BlockRow, now time.Time) (bool, error) {
	var existing string
	err := s.db.QueryRow(`SELECT hash FROM blocks WHERE height = ?`, b.Height).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		_, err := s.db.Exec(`
			INSERT INTO blocks (height, hash, previous_hash, merkle_root, ts, nonce, difficulty, found_by, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.Height, b.Hash, b.PreviousHash, b.MerkleRoot, b.TS, int64(b.Nonce),
			int64(b.Difficulty), b.FoundBy, b.Status, now.UnixMilli())
		return err == nil, err
	}
	if err != nil {
		return false, err
	}
	if hexValueLess(b.Hash, existing) {
		_, err := s.db.Exec(`
			UPDATE blocks SET hash = ?, previous_hash = ?, merkle_root = ?, ts = ?, nonce = ?, difficulty = ?, found_by = ?
			WHERE height = ?`,
			b.Hash, b.PreviousHash, b.MerkleRoot, b.TS, int64(b.Nonce),
			int64(b.Difficulty), b.FoundBy, b.Height)
		return false, err
	}
	return false, nil
}

// hexValueLess compares two equal-width big-endian hex strings as
// integers. Lower means a better proof.
func hexValueLess(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func (s *Store) SetBlockStatus(height uint64, status string) error {
	_, err := s.db.Exec(`UPDATE blocks SET status = ? WHERE height = ?`, status, height)
	return err
}

// BlocksReadyToConfirm returns found blocks buried by at least the
// required number of confirmations at the given network height.
func (s *Store) BlocksReadyToConfirm(networkHeight uint64, confirmations int) ([]BlockRow, error) {
	rows, err := s.db.Query(`
		SELECT height, hash, previous_hash, merkle_root, ts, nonce, difficulty, found_by, status
		FROM blocks WHERE status = ? AND height + ? <= ?`,
		blockStatusFound, confirmations, networkHeight)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BlockRow
	for rows.Next() {
		var b BlockRow
		var nonce, difficulty int64
		if err := rows.Scan(&b.Height, &b.Hash, &b.PreviousHash, &b.MerkleRoot,
			&b.TS, &nonce, &difficulty, &b.FoundBy, &b.Status); err != nil {
			return nil, err
		}
		b.Nonce = uint64(nonce)
		b.Difficulty = uint64(difficulty)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) InsertBlockRewards(rewards []RewardRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, r := range rewards {
		if _, err := tx.Exec(`
			INSERT INTO block_rewards (block_height, block_hash, miner_address, base_reward, pool_fee, miner_reward, miner_percentage, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.BlockHeight, r.BlockHash, r.MinerAddress, r.BaseReward, r.PoolFee,
			r.MinerReward, r.MinerPercentage, r.TS); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RecomputeBalances rebuilds every leaderboard balance from the reward
// rows. Always a full recompute, never incremental: re-running the
// confirmation pass must be idempotent.
func (s *Store) RecomputeBalances(now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE leaderboard SET confirmed_balance = 0, unconfirmed_balance = 0`); err != nil {
		_ = tx.Rollback()
		return err
	}

	rows, err := tx.Query(`
		SELECT r.miner_address, b.status, SUM(r.miner_reward)
		FROM block_rewards r JOIN blocks b ON b.height = r.block_height
		GROUP BY r.miner_address, b.status`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	type bal struct{ confirmed, unconfirmed int64 }
	balances := make(map[string]*bal)
	for rows.Next() {
		var addr, status string
		var sum int64
		if err := rows.Scan(&addr, &status, &sum); err != nil {
			rows.Close()
			_ = tx.Rollback()
			return err
		}
		b := balances[addr]
		if b == nil {
			b = &bal{}
			balances[addr] = b
		}
		switch status {
		case blockStatusConfirmed:
			b.confirmed += sum
		case blockStatusFound:
			b.unconfirmed += sum
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		_ = tx.Rollback()
		return err
	}
	rows.Close()

	for addr, b := range balances {
		if _, err := tx.Exec(`
			INSERT INTO leaderboard (address, confirmed_balance, unconfirmed_balance, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(address) DO UPDATE SET
				confirmed_balance = excluded.confirmed_balance,
				unconfirmed_balance = excluded.unconfirmed_balance,
				updated_at = excluded.updated_at`,
			addr, b.confirmed, b.unconfirmed, now.UnixMilli()); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Balances returns the leaderboard row for one address.
func (s *Store) Balances(address string) (confirmed, unconfirmed int64, err error) {
	err = s.db.QueryRow(`SELECT confirmed_balance, unconfirmed_balance FROM leaderboard WHERE address = ?`,
		address).Scan(&confirmed, &unconfirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	return confirmed, unconfirmed, err
}
