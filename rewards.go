package main

import (
	"context"
	"math"
	"time"
)

// blockAnnouncer is the optional notification hook (Discord). Nil-safe at
// the call sites.
type blockAnnouncer interface {
	AnnounceBlockFound(height uint64, hash, foundBy string)
	AnnounceBlockConfirmed(height uint64, hash string)
}

// RewardSplitter allocates each accepted block's reward over the shares
// received in a sliding PPLNS window ending at the block, and runs the
// periodic confirmation sweep that moves rewards from unconfirmed to
// confirmed balance.
type RewardSplitter struct {
	cfg       Config
	store     *Store
	templates *TemplateManager
	notifier  blockAnnouncer
}

func NewRewardSplitter(cfg Config, store *Store, templates *TemplateManager, notifier blockAnnouncer) *RewardSplitter {
	return &RewardSplitter{
		cfg:       cfg,
		store:     store,
		templates: templates,
		notifier:  notifier,
	}
}

// Distribute credits the net block reward to every address with valid
// shares in the PPLNS window, proportional to share count. One reward row
// is persisted per contributor; balances are then recomputed from rows.
func (rs *RewardSplitter) Distribute(height uint64, blockHash string, now time.Time) error {
	until := now.UnixMilli()
	since := until - rs.cfg.PPLNSWindow.Milliseconds()

	counts, err := rs.store.ValidSharesByAddress(since, until)
	if err != nil {
		return err
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		logger.Warn("block found with no shares in reward window", "height", height)
		return nil
	}

	base := rs.cfg.BlockRewardAtomic
	fee := int64(math.Round(float64(base) * rs.cfg.PoolFeePercent / 100))
	net := base - fee

	rewards := make([]RewardRow, 0, len(counts))
	for addr, n := range counts {
		if n > total {
			n = total
		}
		rewards = append(rewards, RewardRow{
			BlockHeight:     height,
			BlockHash:       blockHash,
			MinerAddress:    addr,
			BaseReward:      base,
			PoolFee:         fee,
			MinerReward:     net * n / total,
			MinerPercentage: float64(n) / float64(total) * 100,
			TS:              until,
		})
	}

	if err := rs.store.InsertBlockRewards(rewards); err != nil {
		return err
	}
	if err := rs.store.RecomputeBalances(now); err != nil {
		return err
	}
	logger.Info("block reward distributed", "height", height, "contributors", len(rewards),
		"base", base, "fee", fee, "net", net)
	return nil
}

// RunConfirmations periodically walks found blocks and confirms those
// buried deep enough, then recomputes all balances from reward rows. The
// recompute is deliberately full, not incremental, so running the pass
// twice cannot double-credit anyone.
func (rs *RewardSplitter) RunConfirmations(ctx context.Context) {
	interval := rs.cfg.ConfirmInterval
	if interval <= 0 {
		interval = defaultConfirmInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.confirmPass(time.Now())
		}
	}
}

func (rs *RewardSplitter) confirmPass(now time.Time) {
	networkHeight := rs.templates.LatestHeight()
	if networkHeight == 0 {
		return
	}

	blocks, err := rs.store.BlocksReadyToConfirm(networkHeight, rs.cfg.Confirmations)
	if err != nil {
		logger.Warn("confirmation sweep query failed", "error", err)
		return
	}
	for _, b := range blocks {
		if err := rs.store.SetBlockStatus(b.Height, blockStatusConfirmed); err != nil {
			logger.Warn("block confirm failed", "height", b.Height, "error", err)
			continue
		}
		logger.Info("block confirmed", "height", b.Height, "hash", b.Hash,
			"network_height", networkHeight)
		if rs.notifier != nil {
			rs.notifier.AnnounceBlockConfirmed(b.Height, b.Hash)
		}
	}
	if len(blocks) > 0 {
		if err := rs.store.RecomputeBalances(now); err != nil {
			logger.Warn("balance recompute failed", "error", err)
		}
	}
}
