package main

import (
	"math"
	"sync"
	"time"
)

const (
	hashrateWindow     = 3 * time.Minute
	hashrateMaxSamples = 100
	// Effective EMA smoothing horizon in seconds. Alpha is derived from
	// elapsed time so irregular share arrival doesn't skew the smoothing.
	hashrateEMAHorizonSeconds = 90.0
	// Per-update cap keeps a single burst of shares from swinging the
	// displayed estimate by more than 10%.
	hashrateMaxStepFraction = 0.10
)

type hashSample struct {
	ts         time.Time
	difficulty uint64
}

type minerHashrate struct {
	samples    []hashSample
	ema        float64
	lastUpdate time.Time
}

// HashrateEstimator derives per-miner and pool-wide hashrate from recent
// share difficulty. Values are estimates for display, never consensus: the
// scale constant is an empirical calibration for Velora.
type HashrateEstimator struct {
	scale float64

	mu     sync.Mutex
	miners map[string]*minerHashrate
}

func NewHashrateEstimator(cfg Config) *HashrateEstimator {
	scale := cfg.HashrateScale
	if scale <= 0 {
		scale = defaultHashrateScale
	}
	return &HashrateEstimator{
		scale:  scale,
		miners: make(map[string]*minerHashrate),
	}
}

func (he *HashrateEstimator) Remove(clientID string) {
	he.mu.Lock()
	delete(he.miners, clientID)
	he.mu.Unlock()
}

// RecordShare adds a sample and folds the fresh raw estimate into the EMA.
func (he *HashrateEstimator) RecordShare(clientID string, difficulty uint64, now time.Time) {
	he.mu.Lock()
	defer he.mu.Unlock()

	st := he.miners[clientID]
	if st == nil {
		st = &minerHashrate{}
		he.miners[clientID] = st
	}

	st.samples = append(st.samples, hashSample{ts: now, difficulty: difficulty})
	st.prune(now)

	raw := st.raw(he.scale)
	if raw <= 0 {
		return
	}
	if st.ema <= 0 {
		st.ema = raw
		st.lastUpdate = now
		return
	}

	elapsed := now.Sub(st.lastUpdate).Seconds()
	if elapsed <= 0 {
		elapsed = 0.001
	}
	alpha := 1 - math.Exp(-elapsed/hashrateEMAHorizonSeconds)
	next := st.ema + alpha*(raw-st.ema)

	maxStep := hashrateMaxStepFraction * st.ema
	if next > st.ema+maxStep {
		next = st.ema + maxStep
	} else if next < st.ema-maxStep {
		next = st.ema - maxStep
	}
	st.ema = next
	st.lastUpdate = now
}

// Estimate returns the smoothed per-miner hashrate, or 0 with fewer than
// two in-window samples.
func (he *HashrateEstimator) Estimate(clientID string, now time.Time) float64 {
	he.mu.Lock()
	defer he.mu.Unlock()
	st := he.miners[clientID]
	if st == nil {
		return 0
	}
	st.prune(now)
	if len(st.samples) < 2 {
		return 0
	}
	return st.ema
}

// PoolTotal sums the estimates of every tracked miner. Disconnected miners
// are removed from tracking, so this reflects connected+authorized clients.
func (he *HashrateEstimator) PoolTotal(now time.Time) float64 {
	he.mu.Lock()
	defer he.mu.Unlock()
	total := 0.0
	for _, st := range he.miners {
		st.prune(now)
		if len(st.samples) < 2 {
			continue
		}
		total += st.ema
	}
	return total
}

func (st *minerHashrate) prune(now time.Time) {
	cutoff := now.Add(-hashrateWindow)
	kept := st.samples[:0]
	for _, s := range st.samples {
		if s.ts.After(cutoff) {
			kept = append(kept, s)
		}
	}
	if len(kept) > hashrateMaxSamples {
		kept = kept[len(kept)-hashrateMaxSamples:]
	}
	st.samples = kept
}

// raw computes count * avgDifficulty * scale / spanSeconds over the
// current window.
func (st *minerHashrate) raw(scale float64) float64 {
	n := len(st.samples)
	if n < 2 {
		return 0
	}
	var sum float64
	oldest := st.samples[0].ts
	newest := st.samples[0].ts
	for _, s := range st.samples {
		sum += float64(s.difficulty)
		if s.ts.Before(oldest) {
			oldest = s.ts
		}
		if s.ts.After(newest) {
			newest = s.ts
		}
	}
	span := newest.Sub(oldest).Seconds()
	if span < 1 {
		span = 1
	}
	avg := sum / float64(n)
	return float64(n) * avg * scale / span
}
