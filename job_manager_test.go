package main

import (
	"strings"
	"testing"
	"time"
)

func testTemplate(height uint64) *Template {
	now := time.Now()
	return &Template{
		Index:          height,
		PreviousHash:   strings.Repeat("ab", 32),
		MerkleRoot:     strings.Repeat("cd", 32),
		Timestamp:      uint64(now.UnixMilli()),
		Difficulty:     50000,
		Transactions:   []TemplateTx{{"isCoinbase": true}},
		PoolDifficulty: 10000,
		ExpiresAt:      now.Add(5 * time.Minute),
		FetchedAt:      now,
	}
}

func testJobManager(shareTimeout time.Duration) *JobManager {
	cfg := defaultConfig()
	cfg.ShareTimeout = shareTimeout
	return NewJobManager(cfg, nil, NewMinerRegistry(), NewPoolMetrics())
}

// TestJobManagerLifecycle covers creation, lookup and the clean flag on a
// template change.
func TestJobManagerLifecycle(t *testing.T) {
	jm := testJobManager(5 * time.Minute)

	jm.OnTemplateChanged(testTemplate(10))
	job := jm.CurrentJob()
	if job == nil {
		t.Fatal("no current job after template change")
	}
	if !job.CleanJobs {
		t.Fatal("template-change job must set clean_jobs")
	}
	if got := jm.Lookup(job.ID); got != job {
		t.Fatalf("Lookup(%q) = %v", job.ID, got)
	}
	if jm.Lookup("nope") != nil {
		t.Fatal("unknown job id resolved")
	}

	payload := job.payload(2000)
	if payload.Height != 10 || payload.PoolDifficulty != 2000 || payload.Algo != "velora" {
		t.Fatalf("job payload %+v", payload)
	}
}

// TestJobManagerInvalidateHeight verifies all jobs for a solved height
// disappear while other heights survive.
func TestJobManagerInvalidateHeight(t *testing.T) {
	jm := testJobManager(5 * time.Minute)

	jm.OnTemplateChanged(testTemplate(10))
	old := jm.CurrentJob()
	jm.OnTemplateChanged(testTemplate(11))
	current := jm.CurrentJob()

	jm.InvalidateHeight(10)
	if jm.Lookup(old.ID) != nil {
		t.Fatal("job for invalidated height still resolves")
	}
	if jm.Lookup(current.ID) == nil {
		t.Fatal("job for a different height was dropped")
	}

	jm.InvalidateHeight(11)
	if jm.CurrentJob() != nil {
		t.Fatal("current job survived its height invalidation")
	}
}

// TestJobManagerExpiry verifies expired jobs stop resolving.
func TestJobManagerExpiry(t *testing.T) {
	jm := testJobManager(10 * time.Millisecond)

	jm.OnTemplateChanged(testTemplate(10))
	job := jm.CurrentJob()
	if job == nil {
		t.Fatal("no current job")
	}

	time.Sleep(30 * time.Millisecond)
	if jm.Lookup(job.ID) != nil {
		t.Fatal("expired job still resolves")
	}
	if jm.CurrentJob() != nil {
		t.Fatal("expired job still current")
	}
}

// TestJobManagerUniqueIDs checks consecutive jobs get distinct ids.
func TestJobManagerUniqueIDs(t *testing.T) {
	jm := testJobManager(5 * time.Minute)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		jm.OnTemplateChanged(testTemplate(uint64(100 + i)))
		job := jm.CurrentJob()
		if job == nil {
			t.Fatal("no current job")
		}
		if seen[job.ID] {
			t.Fatalf("duplicate job id %q", job.ID)
		}
		seen[job.ID] = true
	}
}
