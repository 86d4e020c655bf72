package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	templateRetryDelayMin = 5 * time.Second
	templateRetryDelayMax = 20 * time.Second
)

// TemplateManager is the single source of truth for the current block
// template. It polls the daemon on a fixed interval, validates templates at
// ingress, and notifies observers when the chain height advances. Consumers
// must treat a nil Current() as "no work available" and refuse to hand out
// jobs until the next successful refresh.
type TemplateManager struct {
	cfg     Config
	daemon  *DaemonClient
	metrics *PoolMetrics

	mu           sync.RWMutex
	current      *Template
	latestHeight uint64

	// refreshing is a re-entry guard: a ForceUpdate while a refresh is in
	// flight is dropped rather than queued.
	refreshing atomic.Bool

	cbMu         sync.Mutex
	callbacks    []func(*Template)
	lastNotified uint64

	retryMu    sync.Mutex
	retryDelay time.Duration
}

func NewTemplateManager(cfg Config, daemon *DaemonClient, metrics *PoolMetrics) *TemplateManager {
	return &TemplateManager{
		cfg:     cfg,
		daemon:  daemon,
		metrics: metrics,
	}
}

// OnNewTemplate registers a callback invoked when a refresh yields a
// strictly higher height. Callbacks run on the refresh goroutine; keep
// them short.
func (tm *TemplateManager) OnNewTemplate(cb func(*Template)) {
	if cb == nil {
		return
	}
	tm.cbMu.Lock()
	tm.callbacks = append(tm.callbacks, cb)
	tm.cbMu.Unlock()
}

// Current returns the cached template, or nil when there is none or it is
// past its expiry. An expired template schedules a background refresh.
func (tm *TemplateManager) Current() *Template {
	tm.mu.RLock()
	tpl := tm.current
	tm.mu.RUnlock()
	if tpl == nil {
		return nil
	}
	if tpl.Expired(time.Now()) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), tm.cfg.DaemonTimeout)
			defer cancel()
			_ = tm.ForceUpdate(ctx)
		}()
		return nil
	}
	return tpl
}

// LatestHeight is the highest template height ever observed, used by the
// confirmation sweep as the network height reference.
func (tm *TemplateManager) LatestHeight() uint64 {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.latestHeight
}

// ForceUpdate refreshes the template immediately. Duplicate concurrent
// calls are dropped; the caller that lost the race simply piggybacks on
// the in-flight refresh.
func (tm *TemplateManager) ForceUpdate(ctx context.Context) error {
	if !tm.refreshing.CompareAndSwap(false, true) {
		return nil
	}
	defer tm.refreshing.Store(false)
	return tm.refresh(ctx)
}

func (tm *TemplateManager) refresh(ctx context.Context) error {
	resp, err := tm.daemon.FetchTemplate(ctx, tm.cfg.PoolAddress)
	if err != nil {
		tm.metrics.SetDaemonHealthy(false)
		logger.Warn("template fetch failed", "error", err)
		return err
	}
	tm.metrics.SetDaemonHealthy(true)

	now := time.Now()
	tpl, err := newTemplate(resp, tm.cfg.StartingDifficulty, tm.cfg.ShareTimeout, now)
	if err != nil {
		logger.Warn("template rejected at ingress", "error", err)
		return err
	}

	tm.mu.Lock()
	prev := tm.current
	tm.current = tpl
	if tpl.Index > tm.latestHeight {
		tm.latestHeight = tpl.Index
	}
	tm.mu.Unlock()

	if prev == nil || tpl.Index > prev.Index {
		logger.Info("new block template", "height", tpl.Index,
			"difficulty", tpl.Difficulty, "pool_difficulty", tpl.PoolDifficulty,
			"txs", len(tpl.Transactions))
	}
	tm.notifyIfNewHeight(tpl)
	return nil
}

// notifyIfNewHeight fires observers exactly once per height increase. A
// refresh that returns the same height never notifies.
func (tm *TemplateManager) notifyIfNewHeight(tpl *Template) {
	tm.cbMu.Lock()
	if tpl.Index <= tm.lastNotified {
		tm.cbMu.Unlock()
		return
	}
	tm.lastNotified = tpl.Index
	cbs := append([]func(*Template){}, tm.callbacks...)
	tm.cbMu.Unlock()

	for _, cb := range cbs {
		cb(tpl)
	}
}

func (tm *TemplateManager) nextRetryDelay() time.Duration {
	tm.retryMu.Lock()
	defer tm.retryMu.Unlock()
	if tm.retryDelay == 0 {
		tm.retryDelay = templateRetryDelayMin
		return tm.retryDelay
	}
	tm.retryDelay *= 2
	if tm.retryDelay > templateRetryDelayMax {
		tm.retryDelay = templateRetryDelayMax
	}
	return tm.retryDelay
}

func (tm *TemplateManager) resetRetryDelay() {
	tm.retryMu.Lock()
	tm.retryDelay = 0
	tm.retryMu.Unlock()
}

// Run polls the daemon until ctx is done. Failed refreshes retry with a
// capped exponential backoff instead of waiting a full poll interval.
func (tm *TemplateManager) Run(ctx context.Context) {
	interval := tm.cfg.TemplateUpdateInterval
	if interval <= 0 {
		interval = defaultTemplateInterval
	}

	for {
		err := tm.ForceUpdate(ctx)

		var wait time.Duration
		if err != nil {
			wait = tm.nextRetryDelay()
		} else {
			tm.resetRetryDelay()
			wait = interval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
