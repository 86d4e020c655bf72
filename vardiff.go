package main

import (
	"math"
	"sync"
	"time"
)

// Upper clamp for per-miner difficulty. 2^63-1 keeps the value
// representable as a signed integer everywhere it is persisted.
const vardiffMaxDifficulty = uint64(math.MaxInt64)

// Commit threshold: adjustments smaller than this fraction of the current
// difficulty are dropped to avoid chattering set_difficulty pushes.
const vardiffCommitFraction = 0.10

type diffShare struct {
	ts    time.Time
	valid bool
}

type minerDiffState struct {
	difficulty uint64
	shares     []diffShare
	lastAdjust time.Time
}

// DifficultyController keeps each miner's share-arrival interval near the
// configured target by stepping difficulty up or down after new shares.
// Adjustments are throttled to one per retarget period and committed only
// when the multiplicative change is worth a notification.
type DifficultyController struct {
	cfg     Config
	metrics *PoolMetrics

	mu     sync.Mutex
	miners map[string]*minerDiffState
}

func NewDifficultyController(cfg Config, metrics *PoolMetrics) *DifficultyController {
	return &DifficultyController{
		cfg:     cfg,
		metrics: metrics,
		miners:  make(map[string]*minerDiffState),
	}
}

// Register starts tracking a client and returns its initial difficulty:
// the configured starting value, clamped into the controller's bounds.
func (dc *DifficultyController) Register(clientID string, now time.Time) uint64 {
	start := dc.clamp(dc.cfg.StartingDifficulty)
	dc.mu.Lock()
	dc.miners[clientID] = &minerDiffState{
		difficulty: start,
		lastAdjust: now,
	}
	dc.mu.Unlock()
	return start
}

func (dc *DifficultyController) Unregister(clientID string) {
	dc.mu.Lock()
	delete(dc.miners, clientID)
	dc.mu.Unlock()
}

func (dc *DifficultyController) Difficulty(clientID string) uint64 {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if st := dc.miners[clientID]; st != nil {
		return st.difficulty
	}
	return 0
}

// SetDifficulty overrides a client's difficulty (mining.suggest_difficulty
// path). The caller is responsible for protocol-level clamping; the
// controller only enforces its own bounds. Resets the retarget throttle so
// vardiff doesn't immediately fight the suggestion.
func (dc *DifficultyController) SetDifficulty(clientID string, d uint64, now time.Time) uint64 {
	d = dc.clamp(d)
	dc.mu.Lock()
	if st := dc.miners[clientID]; st != nil {
		st.difficulty = d
		st.lastAdjust = now
		st.shares = st.shares[:0]
	}
	dc.mu.Unlock()
	return d
}

// RecordShare notes a share and evaluates the retarget rule. Returns the
// new difficulty and true when an adjustment was committed; the caller
// pushes mining.set_difficulty.
func (dc *DifficultyController) RecordShare(clientID string, valid bool, now time.Time) (uint64, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	st := dc.miners[clientID]
	if st == nil {
		return 0, false
	}

	st.shares = append(st.shares, diffShare{ts: now, valid: valid})
	windowStart := now.Add(-time.Duration(dc.cfg.VardiffWindowSeconds * float64(time.Second)))
	pruned := st.shares[:0]
	for _, s := range st.shares {
		if s.ts.After(windowStart) {
			pruned = append(pruned, s)
		}
	}
	st.shares = pruned

	if now.Sub(st.lastAdjust).Seconds() < dc.cfg.VardiffRetargetSeconds {
		return 0, false
	}
	if len(st.shares) < dc.cfg.VardiffMinShares {
		return 0, false
	}

	validCount := 0
	var oldestValid time.Time
	for _, s := range st.shares {
		if !s.valid {
			continue
		}
		if validCount == 0 || s.ts.Before(oldestValid) {
			oldestValid = s.ts
		}
		validCount++
	}
	if validCount < dc.cfg.VardiffMinValidShares || validCount < 2 {
		return 0, false
	}

	interval := now.Sub(oldestValid).Seconds() / float64(validCount-1)
	target := dc.cfg.VardiffTargetSeconds

	old := st.difficulty
	var next uint64
	var up bool
	switch {
	case interval < 0.7*target:
		next = dc.clamp(uint64(math.Round(float64(old) * dc.cfg.VardiffStepUp)))
		up = true
	case interval > 1.5*target:
		next = dc.clamp(uint64(math.Round(float64(old) * dc.cfg.VardiffStepDown)))
	default:
		return 0, false
	}

	if next == old {
		return 0, false
	}
	change := math.Abs(float64(next)-float64(old)) / float64(old)
	if change < vardiffCommitFraction {
		return 0, false
	}

	st.difficulty = next
	st.lastAdjust = now
	if dc.metrics != nil {
		dc.metrics.RecordVardiffMove(up)
	}
	logger.Debug("vardiff retarget", "client", clientID, "old", old, "new", next,
		"interval", interval, "target", target)
	return next, true
}

func (dc *DifficultyController) clamp(d uint64) uint64 {
	min := dc.cfg.VardiffMinDifficulty
	if min == 0 {
		min = defaultVardiffMinDifficulty
	}
	if d < min {
		return min
	}
	if d > vardiffMaxDifficulty {
		return vardiffMaxDifficulty
	}
	return d
}
