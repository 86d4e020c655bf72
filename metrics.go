package main

import (
	"sync"
	"sync/atomic"
)

// PoolMetrics is the process-wide counter sink. Hot-path counters are
// plain atomics; reject reasons and daemon latency summaries sit behind a
// mutex because they are only touched on rejects and RPC completions.
type PoolMetrics struct {
	validShares   atomic.Uint64
	staleShares   atomic.Uint64
	invalidShares atomic.Uint64

	blocksFound     atomic.Uint64
	blocksAccepted  atomic.Uint64
	blocksRejected  atomic.Uint64
	blocksDuplicate atomic.Uint64

	vardiffUp   atomic.Uint64
	vardiffDown atomic.Uint64

	daemonHealthy atomic.Bool

	mu            sync.Mutex
	rejectReasons map[string]uint64

	tplLast, tplMax       float64
	tplCount              uint64
	submitLast, submitMax float64
	submitCount           uint64
}

func NewPoolMetrics() *PoolMetrics {
	return &PoolMetrics{
		rejectReasons: make(map[string]uint64),
	}
}

func (m *PoolMetrics) RecordValidShare() {
	m.validShares.Add(1)
}

func (m *PoolMetrics) RecordStaleShare() {
	m.staleShares.Add(1)
	m.RecordReject("stale")
}

func (m *PoolMetrics) RecordInvalidShare(reason string) {
	m.invalidShares.Add(1)
	m.RecordReject(reason)
}

func (m *PoolMetrics) RecordReject(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.mu.Lock()
	m.rejectReasons[reason]++
	m.mu.Unlock()
}

func (m *PoolMetrics) RecordBlockFound()     { m.blocksFound.Add(1) }
func (m *PoolMetrics) RecordBlockAccepted()  { m.blocksAccepted.Add(1) }
func (m *PoolMetrics) RecordBlockRejected()  { m.blocksRejected.Add(1) }
func (m *PoolMetrics) RecordBlockDuplicate() { m.blocksDuplicate.Add(1) }

func (m *PoolMetrics) RecordVardiffMove(up bool) {
	if up {
		m.vardiffUp.Add(1)
		return
	}
	m.vardiffDown.Add(1)
}

func (m *PoolMetrics) SetDaemonHealthy(ok bool) { m.daemonHealthy.Store(ok) }
func (m *PoolMetrics) DaemonHealthy() bool      { return m.daemonHealthy.Load() }

func (m *PoolMetrics) RecordTemplateLatency(seconds float64) {
	m.mu.Lock()
	m.tplLast = seconds
	if seconds > m.tplMax {
		m.tplMax = seconds
	}
	m.tplCount++
	m.mu.Unlock()
}

func (m *PoolMetrics) RecordSubmitLatency(seconds float64) {
	m.mu.Lock()
	m.submitLast = seconds
	if seconds > m.submitMax {
		m.submitMax = seconds
	}
	m.submitCount++
	m.mu.Unlock()
}

type MetricsSnapshot struct {
	ValidShares     uint64
	StaleShares     uint64
	InvalidShares   uint64
	BlocksFound     uint64
	BlocksAccepted  uint64
	BlocksRejected  uint64
	BlocksDuplicate uint64
	VardiffUp       uint64
	VardiffDown     uint64
	DaemonHealthy   bool
	RejectReasons   map[string]uint64
	TemplateLast    float64
	TemplateMax     float64
	SubmitLast      float64
	SubmitMax       float64
}

func (m *PoolMetrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ValidShares:     m.validShares.Load(),
		StaleShares:     m.staleShares.Load(),
		InvalidShares:   m.invalidShares.Load(),
		BlocksFound:     m.blocksFound.Load(),
		BlocksAccepted:  m.blocksAccepted.Load(),
		BlocksRejected:  m.blocksRejected.Load(),
		BlocksDuplicate: m.blocksDuplicate.Load(),
		VardiffUp:       m.vardiffUp.Load(),
		VardiffDown:     m.vardiffDown.Load(),
		DaemonHealthy:   m.daemonHealthy.Load(),
	}
	m.mu.Lock()
	snap.RejectReasons = make(map[string]uint64, len(m.rejectReasons))
	for k, v := range m.rejectReasons {
		snap.RejectReasons[k] = v
	}
	snap.TemplateLast = m.tplLast
	snap.TemplateMax = m.tplMax
	snap.SubmitLast = m.submitLast
	snap.SubmitMax = m.submitMax
	m.mu.Unlock()
	return snap
}
