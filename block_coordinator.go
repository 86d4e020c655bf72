package main

import (
	"context"
	"strings"
	"sync"
	"time"
)

const blockSubmitTimeout = 30 * time.Second

// BlockCoordinator owns daemon block submission. Heights are claimed with
// a test-and-set so at most one submission per height is ever in flight;
// the claim is released when the attempt finishes so a daemon-side failure
// does not permanently burn the height. No lock is held across the POST.
type BlockCoordinator struct {
	cfg       Config
	daemon    *DaemonClient
	store     *Store
	templates *TemplateManager
	jobs      *JobManager
	rewards   *RewardSplitter
	metrics   *PoolMetrics
	notifier  blockAnnouncer

	mu         sync.Mutex
	processing map[uint64]struct{}

	wg sync.WaitGroup
}

func NewBlockCoordinator(cfg Config, daemon *DaemonClient, store *Store,
	templates *TemplateManager, jobs *JobManager, rewards *RewardSplitter,
	metrics *PoolMetrics, notifier blockAnnouncer) *BlockCoordinator {
	return &BlockCoordinator{
		cfg:        cfg,
		daemon:     daemon,
		store:      store,
		templates:  templates,
		jobs:       jobs,
		rewards:    rewards,
		metrics:    metrics,
		notifier:   notifier,
		processing: make(map[uint64]struct{}),
	}
}

// SubmitSolution claims the job's height and submits the block on its own
// goroutine. Returns false when the height is already being processed.
func (bc *BlockCoordinator) SubmitSolution(job *Job, mc *MinerConn, nonce uint64, minerHash string) bool {
	tpl := job.Template

	bc.mu.Lock()
	if _, busy := bc.processing[tpl.Index]; busy {
		bc.mu.Unlock()
		return false
	}
	bc.processing[tpl.Index] = struct{}{}
	bc.mu.Unlock()

	foundBy := mc.StoreKey()
	bc.wg.Add(1)
	go bc.process(tpl, nonce, minerHash, foundBy)
	return true
}

// Wait blocks until all in-flight submissions have finished. Shutdown only.
func (bc *BlockCoordinator) Wait() {
	bc.wg.Wait()
}

func (bc *BlockCoordinator) release(height uint64) {
	bc.mu.Lock()
	delete(bc.processing, height)
	bc.mu.Unlock()
}

func (bc *BlockCoordinator) process(tpl *Template, nonce uint64, minerHash, foundBy string) {
	defer bc.wg.Done()
	defer bc.release(tpl.Index)

	hash := strings.ToLower(minerHash)
	if bc.cfg.RecomputeSubmitHash {
		computed, err := veloraHash(tpl.Index, nonce, tpl.Timestamp, tpl.Difficulty,
			tpl.PreviousHash, tpl.MerkleRoot)
		if err != nil {
			logger.Error("block hash recompute failed", "height", tpl.Index, "error", err)
		} else {
			if computed != hash {
				logger.Warn("submitted hash differs from canonical header hash",
					"height", tpl.Index, "miner_hash", hash, "computed", computed)
			}
			hash = computed
		}
	}

	payload := blockPayload{
		Index:        tpl.Index,
		Hash:         hash,
		PreviousHash: tpl.PreviousHash,
		MerkleRoot:   tpl.MerkleRoot,
		Timestamp:    tpl.Timestamp,
		Nonce:        nonce,
		Difficulty:   tpl.Difficulty,
		Transactions: tpl.Transactions,
		Algorithm:    bc.cfg.Algorithm,
	}

	ctx, cancel := context.WithTimeout(context.Background(), blockSubmitTimeout)
	err := bc.daemon.SubmitBlock(ctx, payload)
	cancel()
	if err != nil {
		bc.metrics.RecordBlockRejected()
		if isDaemonRejection(err) {
			logger.Warn("block rejected by daemon", "height", tpl.Index, "hash", hash, "error", err)
		} else {
			logger.Error("block submission failed", "height", tpl.Index, "hash", hash, "error", err)
		}
		bc.refreshWork()
		return
	}

	bc.metrics.RecordBlockAccepted()
	logger.Info("block accepted", "height", tpl.Index, "hash", hash, "found_by", foundBy)

	now := time.Now()
	if _, err := bc.store.InsertBlock(BlockRow{
		Height:       tpl.Index,
		Hash:         hash,
		PreviousHash: tpl.PreviousHash,
		MerkleRoot:   tpl.MerkleRoot,
		TS:           int64(tpl.Timestamp),
		Nonce:        nonce,
		Difficulty:   tpl.Difficulty,
		FoundBy:      foundBy,
		Status:       blockStatusFound,
	}, now); err != nil {
		logger.Error("block persist failed", "height", tpl.Index, "error", err)
	}
	if err := bc.rewards.Distribute(tpl.Index, hash, now); err != nil {
		logger.Error("reward distribution failed", "height", tpl.Index, "error", err)
	}
	if bc.notifier != nil {
		bc.notifier.AnnounceBlockFound(tpl.Index, hash, foundBy)
	}

	bc.jobs.InvalidateHeight(tpl.Index)
	bc.refreshWork()
}

// refreshWork pulls a fresh template and hands miners clean work, both
// after an accepted block (the chain moved) and after a rejection (our
// template was probably behind).
func (bc *BlockCoordinator) refreshWork() {
	ctx, cancel := context.WithTimeout(context.Background(), bc.cfg.DaemonTimeout)
	defer cancel()
	_ = bc.templates.ForceUpdate(ctx)
	bc.jobs.BroadcastFresh()
}
