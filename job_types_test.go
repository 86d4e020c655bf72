package main

import (
	"math/big"
	"strings"
	"testing"
	"time"
)

// TestPoolDifficultyFor covers the derivation bounds: 20% of network
// difficulty, capped at half, floored at 1000.
func TestPoolDifficultyFor(t *testing.T) {
	cases := []struct {
		network, starting, want uint64
	}{
		{network: 100000, starting: 1000, want: 20000},  // 20% wins
		{network: 100000, starting: 40000, want: 40000}, // starting wins
		{network: 100000, starting: 90000, want: 50000}, // capped at half
		{network: 100, starting: 10, want: 1000},        // floor
		{network: 3000, starting: 1000, want: 1000},     // half below floor, floor last
	}
	for _, c := range cases {
		if got := poolDifficultyFor(c.network, c.starting); got != c.want {
			t.Fatalf("poolDifficultyFor(%d, %d) = %d, want %d", c.network, c.starting, got, c.want)
		}
	}
}

// TestHashMeetsDifficultyBoundary verifies a hash exactly at the target is
// accepted and one unit past it is not.
func TestHashMeetsDifficultyBoundary(t *testing.T) {
	target := targetForDifficulty(1000)

	if !hashMeetsDifficulty(new(big.Int).Set(target), 1000) {
		t.Fatal("hash exactly at the target must be accepted")
	}
	over := new(big.Int).Add(target, big.NewInt(1))
	if hashMeetsDifficulty(over, 1000) {
		t.Fatal("hash one past the target must be rejected")
	}
	if !hashMeetsDifficulty(big.NewInt(1), 1000) {
		t.Fatal("tiny hash value must be accepted")
	}
}

func validTemplateResponse(index, difficulty, timestamp uint64) *templateResponse {
	return &templateResponse{
		Index:        &index,
		Difficulty:   &difficulty,
		Timestamp:    &timestamp,
		PreviousHash: strings.Repeat("ab", 32),
		MerkleRoot:   strings.Repeat("cd", 32),
		Transactions: []TemplateTx{{"isCoinbase": true}},
	}
}

// TestNewTemplateValidation exercises ingress validation of daemon
// template responses.
func TestNewTemplateValidation(t *testing.T) {
	now := time.Now()
	ts := uint64(now.UnixMilli())

	tpl, err := newTemplate(validTemplateResponse(10, 50000, ts), 1000, 300*time.Second, now)
	if err != nil {
		t.Fatalf("valid template rejected: %v", err)
	}
	if tpl.PoolDifficulty != 10000 {
		t.Fatalf("pool difficulty %d, want 10000", tpl.PoolDifficulty)
	}
	if tpl.Expired(now) {
		t.Fatal("fresh template reported as expired")
	}
	if !tpl.Expired(now.Add(301 * time.Second)) {
		t.Fatal("template did not expire after the share timeout")
	}

	bad := validTemplateResponse(10, 50000, ts)
	bad.Index = nil
	if _, err := newTemplate(bad, 1000, 300*time.Second, now); err == nil {
		t.Fatal("missing index accepted")
	}

	bad = validTemplateResponse(10, 50000, ts)
	bad.PreviousHash = "1234"
	if _, err := newTemplate(bad, 1000, 300*time.Second, now); err == nil {
		t.Fatal("short previousHash accepted")
	}

	bad = validTemplateResponse(10, 0, ts)
	if _, err := newTemplate(bad, 1000, 300*time.Second, now); err == nil {
		t.Fatal("zero difficulty accepted")
	}

	bad = validTemplateResponse(10, 50000, ts)
	bad.Transactions = []TemplateTx{{"isCoinbase": false}}
	if _, err := newTemplate(bad, 1000, 300*time.Second, now); err == nil {
		t.Fatal("template without coinbase accepted")
	}
}
