package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hako/durafmt"
)

const (
	statsLogInterval    = 60 * time.Second
	maintenanceInterval = 10 * time.Minute
)

// StatsLogger emits a periodic one-line pool summary, probes daemon health
// and runs slow housekeeping (hashrate persistence, share pruning).
type StatsLogger struct {
	cfg      Config
	registry *MinerRegistry
	hashrate *HashrateEstimator
	store    *Store
	daemon   *DaemonClient
	metrics  *PoolMetrics

	startedAt time.Time
}

func NewStatsLogger(cfg Config, registry *MinerRegistry, hashrate *HashrateEstimator,
	store *Store, daemon *DaemonClient, metrics *PoolMetrics) *StatsLogger {
	return &StatsLogger{
		cfg:       cfg,
		registry:  registry,
		hashrate:  hashrate,
		store:     store,
		daemon:    daemon,
		metrics:   metrics,
		startedAt: time.Now(),
	}
}

func (sl *StatsLogger) Run(ctx context.Context) {
	stats := time.NewTicker(statsLogInterval)
	maintenance := time.NewTicker(maintenanceInterval)
	defer stats.Stop()
	defer maintenance.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stats.C:
			sl.probeDaemon(ctx)
			sl.logStats()
		case <-maintenance.C:
			sl.persistHashrates()
			sl.pruneShares()
		}
	}
}

func (sl *StatsLogger) logStats() {
	now := time.Now()
	snap := sl.metrics.Snapshot()
	uptime := durafmt.Parse(now.Sub(sl.startedAt).Truncate(time.Second)).LimitFirstN(2)

	logger.Info("pool stats",
		"uptime", uptime,
		"miners", sl.registry.Count(),
		"hashrate", formatHashrate(sl.hashrate.PoolTotal(now)),
		"valid", snap.ValidShares,
		"stale", snap.StaleShares,
		"invalid", snap.InvalidShares,
		"blocks_found", snap.BlocksFound,
		"blocks_accepted", snap.BlocksAccepted,
		"blocks_rejected", snap.BlocksRejected,
		"vardiff_up", snap.VardiffUp,
		"vardiff_down", snap.VardiffDown,
		"daemon_healthy", snap.DaemonHealthy)
}

func (sl *StatsLogger) probeDaemon(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, sl.cfg.DaemonTimeout)
	defer cancel()
	err := sl.daemon.Health(probeCtx)
	sl.metrics.SetDaemonHealthy(err == nil)
	if err != nil && ctx.Err() == nil {
		logger.Warn("daemon health probe failed", "error", err)
	}
}

// persistHashrates writes the current display estimate for each authorized
// connection so web/dashboard readers of the miners table see fresh values.
func (sl *StatsLogger) persistHashrates() {
	now := time.Now()
	for _, mc := range sl.registry.Snapshot() {
		minerID := mc.MinerID()
		if minerID == 0 {
			continue
		}
		hps := sl.hashrate.Estimate(mc.id, now)
		if err := sl.store.UpdateMinerHashrate(minerID, hps, now); err != nil {
			logger.Warn("hashrate persist failed", "miner", mc.StoreKey(), "error", err)
		}
	}
}

func (sl *StatsLogger) pruneShares() {
	maxAge := sl.cfg.MaxShareAge
	if maxAge <= 0 {
		maxAge = defaultMaxShareAge
	}
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	if err := sl.store.PruneShares(cutoff); err != nil {
		logger.Warn("share pruning failed", "error", err)
	}
}

// formatHashrate scales a raw H/s figure into the usual display units.
func formatHashrate(hps float64) string {
	switch {
	case hps >= 1e12:
		return fmt.Sprintf("%.2f TH/s", hps/1e12)
	case hps >= 1e9:
		return fmt.Sprintf("%.2f GH/s", hps/1e9)
	case hps >= 1e6:
		return fmt.Sprintf("%.2f MH/s", hps/1e6)
	case hps >= 1e3:
		return fmt.Sprintf("%.2f kH/s", hps/1e3)
	default:
		return fmt.Sprintf("%.2f H/s", hps)
	}
}
