package main

import (
	"time"
)

// ShareRow is one persisted share. Difficulty is stored as a signed
// integer; the vardiff clamp guarantees it fits.
type ShareRow struct {
	MinerID     int64
	Worker      string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	Difficulty  uint64
	IsValid     bool
	IsBlock     bool
	TS          int64 // ms
}

// UpsertMiner registers or refreshes a miner keyed by "<address>.<worker>"
// and returns its row id. The unique key prevents duplicate rows when the
// same worker reconnects.
func (s *Store) UpsertMiner(address, worker string, now time.Time) (int64, error) {
	key := address + "." + worker
	_, err := s.db.Exec(`
		INSERT INTO miners (miner_key, address, worker_name, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(miner_key) DO UPDATE SET last_seen = excluded.last_seen`,
		key, address, worker, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, err
	}
	var id int64
	if err := s.db.QueryRow(`SELECT id FROM miners WHERE miner_key = ?`, key).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// RecordShareAsync queues a share row for the background writer. A full
// queue drops the row with a log line; in-memory accounting has already
// happened and a lost row only slightly skews the PPLNS window.
func (s *Store) RecordShareAsync(row ShareRow) {
	select {
	case s.shareCh <- row:
	default:
		logger.Warn("share write queue full, dropping row", "job", row.JobID)
	}
}

func (s *Store) shareWriter() {
	defer s.wg.Done()
	for {
		select {
		case row := <-s.shareCh:
			s.writeShare(row)
		case <-s.done:
			for {
				select {
				case row := <-s.shareCh:
					s.writeShare(row)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) writeShare(row ShareRow) {
	_, err := s.db.Exec(`
		INSERT INTO shares (miner_id, worker, job_id, extra_nonce2, n_time, nonce, difficulty, is_valid, is_block, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.MinerID, row.Worker, row.JobID, row.ExtraNonce2, row.NTime, row.Nonce,
		int64(row.Difficulty), boolToInt(row.IsValid), boolToInt(row.IsBlock), row.TS)
	if err != nil {
		logger.Warn("share insert failed", "error", err, "job", row.JobID)
		return
	}
	if row.IsValid {
		if _, err := s.db.Exec(`UPDATE miners SET shares = shares + 1, last_seen = ? WHERE id = ?`,
			row.TS, row.MinerID); err != nil {
			logger.Warn("miner share count update failed", "error", err)
		}
	}
}

// ValidSharesByAddress counts valid shares per wallet address in
// [sinceMs, untilMs], the PPLNS selection query.
func (s *Store) ValidSharesByAddress(sinceMs, untilMs int64) (map[string]int64, error) {
	rows, err := s.db.Query(`
		SELECT m.address, COUNT(*)
		FROM shares sh JOIN miners m ON m.id = sh.miner_id
		WHERE sh.is_valid = 1 AND sh.ts >= ? AND sh.ts <= ?
		GROUP BY m.address`, sinceMs, untilMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var addr string
		var n int64
		if err := rows.Scan(&addr, &n); err != nil {
			return nil, err
		}
		out[addr] = n
	}
	return out, rows.Err()
}

// PruneShares deletes share rows older than the retention horizon.
func (s *Store) PruneShares(olderThanMs int64) error {
	_, err := s.db.Exec(`DELETE FROM shares WHERE ts < ?`, olderThanMs)
	return err
}

// UpdateMinerHashrate persists the current display estimate for a miner.
func (s *Store) UpdateMinerHashrate(minerID int64, hashrate float64, now time.Time) error {
	_, err := s.db.Exec(`UPDATE miners SET hashrate = ?, last_seen = ? WHERE id = ?`,
		hashrate, now.UnixMilli(), minerID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
