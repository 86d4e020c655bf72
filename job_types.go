package main

import (
	"errors"
	"fmt"
	"time"
)

// TemplateTx is an opaque daemon transaction. The pool never interprets
// transactions beyond the coinbase flag; they round-trip verbatim from the
// template fetch to the block submission.
type TemplateTx map[string]interface{}

func (tx TemplateTx) IsCoinbase() bool {
	v, ok := tx["isCoinbase"].(bool)
	return ok && v
}

// Template is an immutable snapshot of the daemon's current block template.
// PoolDifficulty and ExpiresAt are derived at ingress and never change.
type Template struct {
	Index          uint64
	PreviousHash   string
	MerkleRoot     string
	Timestamp      uint64 // ms since epoch
	Difficulty     uint64
	Transactions   []TemplateTx
	PoolDifficulty uint64
	ExpiresAt      time.Time
	FetchedAt      time.Time
}

var errNoCoinbase = errors.New("template has no coinbase transaction")

// newTemplate validates a daemon template response and derives the
// pool-facing fields. Missing required fields reject the template at
// ingress; the old template stays in place until it expires.
func newTemplate(resp *templateResponse, startingDifficulty uint64, shareTimeout time.Duration, now time.Time) (*Template, error) {
	if resp == nil {
		return nil, errors.New("nil template response")
	}
	if resp.Index == nil || resp.Difficulty == nil || resp.Timestamp == nil {
		return nil, errors.New("template missing index, difficulty or timestamp")
	}
	if len(resp.PreviousHash) != 64 {
		return nil, fmt.Errorf("template previousHash length %d (want 64)", len(resp.PreviousHash))
	}
	if len(resp.MerkleRoot) != 64 {
		return nil, fmt.Errorf("template merkleRoot length %d (want 64)", len(resp.MerkleRoot))
	}
	if *resp.Difficulty == 0 {
		return nil, errors.New("template difficulty must be positive")
	}
	if len(resp.Transactions) == 0 {
		return nil, errors.New("template has no transactions")
	}
	hasCoinbase := false
	for _, tx := range resp.Transactions {
		if tx.IsCoinbase() {
			hasCoinbase = true
			break
		}
	}
	if !hasCoinbase {
		return nil, errNoCoinbase
	}

	return &Template{
		Index:          *resp.Index,
		PreviousHash:   resp.PreviousHash,
		MerkleRoot:     resp.MerkleRoot,
		Timestamp:      *resp.Timestamp,
		Difficulty:     *resp.Difficulty,
		Transactions:   resp.Transactions,
		PoolDifficulty: poolDifficultyFor(*resp.Difficulty, startingDifficulty),
		ExpiresAt:      time.UnixMilli(int64(*resp.Timestamp)).Add(shareTimeout),
		FetchedAt:      now,
	}, nil
}

// poolDifficultyFor picks the per-template pool difficulty: at least the
// configured starting difficulty and 20% of network difficulty, capped at
// half the network difficulty so a share is almost never also a block,
// and floored globally so targets stay sane on tiny test networks.
func poolDifficultyFor(networkDifficulty, startingDifficulty uint64) uint64 {
	d := startingDifficulty
	if fifth := networkDifficulty / 5; fifth > d {
		d = fifth
	}
	if half := networkDifficulty / 2; d > half {
		d = half
	}
	if d < defaultVardiffMinDifficulty {
		d = defaultVardiffMinDifficulty
	}
	return d
}

func (t *Template) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Job is a template wrapped with an id and lifetime, the unit of work
// handed to miners. CleanJobs tells miners to abandon earlier jobs; it is
// set whenever the underlying height advances.
type Job struct {
	ID        string
	Template  *Template
	CreatedAt time.Time
	ExpiresAt time.Time
	CleanJobs bool
}

func (j *Job) Expired(now time.Time) bool {
	return now.After(j.ExpiresAt)
}

// jobPayload is the wire shape of both the `job` notification and the
// inline job in a `login` reply. PoolDifficulty is per-client.
type jobPayload struct {
	JobID          string `json:"job_id"`
	Height         uint64 `json:"height"`
	Timestamp      uint64 `json:"timestamp"`
	PreviousHash   string `json:"previous_hash"`
	MerkleRoot     string `json:"merkle_root"`
	Difficulty     uint64 `json:"difficulty"`
	PoolDifficulty uint64 `json:"pool_difficulty"`
	Algo           string `json:"algo"`
	CleanJobs      bool   `json:"clean_jobs"`
}

func (j *Job) payload(poolDifficulty uint64) jobPayload {
	return jobPayload{
		JobID:          j.ID,
		Height:         j.Template.Index,
		Timestamp:      j.Template.Timestamp,
		PreviousHash:   j.Template.PreviousHash,
		MerkleRoot:     j.Template.MerkleRoot,
		Difficulty:     j.Template.Difficulty,
		PoolDifficulty: poolDifficulty,
		Algo:           "velora",
		CleanJobs:      j.CleanJobs,
	}
}
