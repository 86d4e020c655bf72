package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// TestUpsertMinerIsStable verifies reconnects keep the same row id and a
// different worker gets its own.
func TestUpsertMinerIsStable(t *testing.T) {
	s := testStore(t)
	now := time.Now()

	id1, err := s.UpsertMiner("1addr", "rig1", now)
	if err != nil {
		t.Fatalf("UpsertMiner: %v", err)
	}
	id2, err := s.UpsertMiner("1addr", "rig1", now.Add(time.Second))
	if err != nil {
		t.Fatalf("UpsertMiner: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("same worker got ids %d and %d", id1, id2)
	}

	id3, err := s.UpsertMiner("1addr", "rig2", now)
	if err != nil {
		t.Fatalf("UpsertMiner: %v", err)
	}
	if id3 == id1 {
		t.Fatal("different worker reused the same row")
	}
}

// TestValidSharesByAddress checks the PPLNS selection query counts only
// valid shares inside the window.
func TestValidSharesByAddress(t *testing.T) {
	s := testStore(t)
	now := time.Now()

	idA, _ := s.UpsertMiner("1addrA", "rig1", now)
	idB, _ := s.UpsertMiner("1addrB", "rig1", now)

	ts := now.UnixMilli()
	rows := []ShareRow{
		{MinerID: idA, Worker: "rig1", JobID: "j1", Nonce: "01", Difficulty: 1000, IsValid: true, TS: ts - 1000},
		{MinerID: idA, Worker: "rig1", JobID: "j1", Nonce: "02", Difficulty: 1000, IsValid: true, TS: ts - 2000},
		{MinerID: idA, Worker: "rig1", JobID: "j1", Nonce: "03", Difficulty: 1000, IsValid: false, TS: ts - 1500},
		{MinerID: idB, Worker: "rig1", JobID: "j1", Nonce: "04", Difficulty: 1000, IsValid: true, TS: ts - 500},
		// Outside the window.
		{MinerID: idB, Worker: "rig1", JobID: "j0", Nonce: "05", Difficulty: 1000, IsValid: true, TS: ts - 700000},
	}
	for _, r := range rows {
		s.writeShare(r)
	}

	counts, err := s.ValidSharesByAddress(ts-600000, ts)
	if err != nil {
		t.Fatalf("ValidSharesByAddress: %v", err)
	}
	if counts["1addrA"] != 2 {
		t.Fatalf("addrA counted %d, want 2", counts["1addrA"])
	}
	if counts["1addrB"] != 1 {
		t.Fatalf("addrB counted %d, want 1", counts["1addrB"])
	}
}

// TestPruneShares verifies old rows are deleted and recent ones kept.
func TestPruneShares(t *testing.T) {
	s := testStore(t)
	now := time.Now()
	id, _ := s.UpsertMiner("1addr", "rig1", now)

	ts := now.UnixMilli()
	s.writeShare(ShareRow{MinerID: id, Worker: "rig1", JobID: "old", Nonce: "01", Difficulty: 1000, IsValid: true, TS: ts - 100000})
	s.writeShare(ShareRow{MinerID: id, Worker: "rig1", JobID: "new", Nonce: "02", Difficulty: 1000, IsValid: true, TS: ts})

	if err := s.PruneShares(ts - 50000); err != nil {
		t.Fatalf("PruneShares: %v", err)
	}
	counts, err := s.ValidSharesByAddress(ts-200000, ts)
	if err != nil {
		t.Fatalf("ValidSharesByAddress: %v", err)
	}
	if counts["1addr"] != 1 {
		t.Fatalf("counted %d shares after prune, want 1", counts["1addr"])
	}
}

// TestInsertBlockDedupe checks height deduplication and the better-hash
// replacement rule.
func TestInsertBlockDedupe(t *testing.T) {
	s := testStore(t)
	now := time.Now()

	base := BlockRow{
		Height:       5,
		Hash:         "0f" + strings.Repeat("ff", 31),
		PreviousHash: strings.Repeat("ab", 32),
		MerkleRoot:   strings.Repeat("cd", 32),
		TS:           now.UnixMilli(),
		Nonce:        42,
		Difficulty:   50000,
		FoundBy:      "1addr.rig1",
		Status:       blockStatusFound,
	}
	created, err := s.InsertBlock(base, now)
	if err != nil {
		t.Fatalf("InsertBlock: %v", err)
	}
	if !created {
		t.Fatal("first block for the height not created")
	}

	// Numerically worse hash: ignored.
	worse := base
	worse.Hash = "ff" + strings.Repeat("ff", 31)
	created, err = s.InsertBlock(worse, now)
	if err != nil {
		t.Fatalf("InsertBlock worse: %v", err)
	}
	if created {
		t.Fatal("duplicate height reported as created")
	}

	// Numerically better hash: replaces the row.
	better := base
	better.Hash = "00" + strings.Repeat("ff", 31)
	better.Nonce = 43
	if _, err = s.InsertBlock(better, now); err != nil {
		t.Fatalf("InsertBlock better: %v", err)
	}

	blocks, err := s.BlocksReadyToConfirm(100, 10)
	if err != nil {
		t.Fatalf("BlocksReadyToConfirm: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	if blocks[0].Hash != better.Hash || blocks[0].Nonce != 43 {
		t.Fatalf("better hash did not replace the row: %+v", blocks[0])
	}
}

// TestBlocksReadyToConfirm checks the confirmation depth cutoff.
func TestBlocksReadyToConfirm(t *testing.T) {
	s := testStore(t)
	now := time.Now()

	for _, h := range []uint64{90, 95} {
		b := BlockRow{
			Height:       h,
			Hash:         fmt.Sprintf("%064d", h),
			PreviousHash: strings.Repeat("ab", 32),
			MerkleRoot:   strings.Repeat("cd", 32),
			TS:           now.UnixMilli(),
			Nonce:        1,
			Difficulty:   1000,
			FoundBy:      "1addr.rig1",
			Status:       blockStatusFound,
		}
		if _, err := s.InsertBlock(b, now); err != nil {
			t.Fatalf("InsertBlock height %d: %v", h, err)
		}
	}

	// Network at 100, 10 confirmations: only height 90 qualifies.
	blocks, err := s.BlocksReadyToConfirm(100, 10)
	if err != nil {
		t.Fatalf("BlocksReadyToConfirm: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Height != 90 {
		t.Fatalf("ready blocks %+v, want only height 90", blocks)
	}

	if err := s.SetBlockStatus(90, blockStatusConfirmed); err != nil {
		t.Fatalf("SetBlockStatus: %v", err)
	}
	blocks, err = s.BlocksReadyToConfirm(100, 10)
	if err != nil {
		t.Fatalf("BlocksReadyToConfirm: %v", err)
	}
	if len(blocks) != 0 {
		t.Fatalf("confirmed block still reported ready: %+v", blocks)
	}
}
