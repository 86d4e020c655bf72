package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remeh/sizedwaitgroup"
)

// Cap on concurrent per-miner job writes during a broadcast. Keeps a big
// miner table from spawning one goroutine per connection at once while a
// slow socket can never stall the rest (writes are non-blocking anyway).
const jobBroadcastParallelism = 64

// JobManager turns templates into jobs and drives work distribution. It
// owns the job table; everything else looks jobs up through it.
type JobManager struct {
	cfg       Config
	templates *TemplateManager
	registry  *MinerRegistry
	metrics   *PoolMetrics

	mu     sync.Mutex
	jobs   map[string]*Job
	curJob *Job

	nextID atomic.Uint64
}

func NewJobManager(cfg Config, templates *TemplateManager, registry *MinerRegistry, metrics *PoolMetrics) *JobManager {
	return &JobManager{
		cfg:       cfg,
		templates: templates,
		registry:  registry,
		metrics:   metrics,
		jobs:      make(map[string]*Job),
	}
}

// OnTemplateChanged is registered with the TemplateManager; a height
// advance always produces a clean job so miners abandon stale work.
func (jm *JobManager) OnTemplateChanged(tpl *Template) {
	jm.regenerate(tpl, true)
}

// Run regenerates a job on a fixed tick even when the height is unchanged,
// keeping handed-out timestamps fresh for long quiet stretches.
func (jm *JobManager) Run(ctx context.Context) {
	interval := jm.cfg.BlockTime
	if interval <= 0 {
		interval = defaultJobRefresh
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if tpl := jm.templates.Current(); tpl != nil {
				jm.regenerate(tpl, false)
			}
		}
	}
}

func (jm *JobManager) regenerate(tpl *Template, clean bool) {
	now := time.Now()
	job := &Job{
		ID:        encodeBase58Uint64(jm.nextID.Add(1)),
		Template:  tpl,
		CreatedAt: now,
		ExpiresAt: now.Add(jm.cfg.ShareTimeout),
		CleanJobs: clean,
	}

	jm.mu.Lock()
	jm.jobs[job.ID] = job
	jm.curJob = job
	for id, j := range jm.jobs {
		if j != job && j.Expired(now) {
			delete(jm.jobs, id)
		}
	}
	jm.mu.Unlock()

	logger.Debug("job created", "job", job.ID, "height", tpl.Index, "clean", clean)
	jm.broadcast(job)
}

// CurrentJob returns the most recent non-expired job, pruning dead entries
// as a side effect. Nil means no template is available.
func (jm *JobManager) CurrentJob() *Job {
	now := time.Now()
	jm.mu.Lock()
	defer jm.mu.Unlock()
	for id, j := range jm.jobs {
		if j.Expired(now) {
			delete(jm.jobs, id)
		}
	}
	if jm.curJob != nil && !jm.curJob.Expired(now) {
		return jm.curJob
	}
	jm.curJob = nil
	return nil
}

// Lookup returns the job by id, or nil when unknown or expired.
func (jm *JobManager) Lookup(id string) *Job {
	jm.mu.Lock()
	j := jm.jobs[id]
	jm.mu.Unlock()
	if j == nil || j.Expired(time.Now()) {
		return nil
	}
	return j
}

// InvalidateHeight removes every job built on the given height. Called
// after a successful block submission so no second solution for the same
// height can validate against a live job.
func (jm *JobManager) InvalidateHeight(height uint64) {
	jm.mu.Lock()
	for id, j := range jm.jobs {
		if j.Template.Index == height {
			delete(jm.jobs, id)
		}
	}
	if jm.curJob != nil && jm.curJob.Template.Index == height {
		jm.curJob = nil
	}
	jm.mu.Unlock()
	logger.Debug("jobs invalidated", "height", height)
}

// BroadcastFresh builds and broadcasts a job from the current template,
// forcing clean work. Used after block submissions (accepted or not) so
// miners resume immediately.
func (jm *JobManager) BroadcastFresh() {
	if tpl := jm.templates.Current(); tpl != nil {
		jm.regenerate(tpl, true)
	}
}

func (jm *JobManager) broadcast(job *Job) {
	conns := jm.registry.Snapshot()
	if len(conns) == 0 {
		return
	}
	swg := sizedwaitgroup.New(jobBroadcastParallelism)
	sent := 0
	for _, mc := range conns {
		if !mc.ReadyForJobs() {
			continue
		}
		sent++
		swg.Add()
		go func(mc *MinerConn) {
			defer swg.Done()
			mc.sendJob(job)
		}(mc)
	}
	swg.Wait()
	if sent > 0 {
		logger.Debug("job broadcast", "job", job.ID, "height", job.Template.Index, "miners", sent)
	}
}
