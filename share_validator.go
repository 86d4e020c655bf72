package main

import (
	"math/big"
	"strconv"
	"strings"
	"time"
)

// shareStatus is the result object miners expect on a decided submit.
// "OK" acknowledges a valid share; "WAIT" tells the solving miner a block
// submission is in flight for its solution.
type shareStatus struct {
	Status string `json:"status"`
}

// ShareValidator runs the acceptance pipeline for submitted shares: job
// lookup, structural checks, staleness, pool target, and finally the block
// solution check. Every decided share feeds the difficulty controller, the
// hashrate estimator, metrics and the async share writer, whether it was
// accepted or not.
type ShareValidator struct {
	cfg         Config
	jobs        *JobManager
	vardiff     *DifficultyController
	hashrate    *HashrateEstimator
	store       *Store
	metrics     *PoolMetrics
	coordinator *BlockCoordinator
}

func NewShareValidator(cfg Config, jobs *JobManager, vardiff *DifficultyController,
	hashrate *HashrateEstimator, store *Store, metrics *PoolMetrics,
	coordinator *BlockCoordinator) *ShareValidator {
	return &ShareValidator{
		cfg:         cfg,
		jobs:        jobs,
		vardiff:     vardiff,
		hashrate:    hashrate,
		store:       store,
		metrics:     metrics,
		coordinator: coordinator,
	}
}

// HandleSubmit decides one share and writes the response. The caller has
// already checked authorization and parsed the params.
func (sv *ShareValidator) HandleSubmit(mc *MinerConn, reqID interface{}, params submitParams) {
	now := time.Now()

	job := sv.jobs.Lookup(params.jobID)
	if job == nil {
		if sv.jobs.CurrentJob() == nil {
			sv.rejectInvalid(mc, reqID, params, "No block template available", "no_template", now)
			return
		}
		sv.rejectStale(mc, reqID, params, now)
		return
	}
	tpl := job.Template

	nonceHex := strings.TrimPrefix(strings.ToLower(params.nonce), "0x")
	if len(nonceHex) != 8 || !isHexString(nonceHex) {
		sv.rejectInvalid(mc, reqID, params, "Malformed nonce", "bad_nonce", now)
		return
	}
	nonce, err := strconv.ParseUint(nonceHex, 16, 64)
	if err != nil {
		sv.rejectInvalid(mc, reqID, params, "Malformed nonce", "bad_nonce", now)
		return
	}

	if params.nTime != "" {
		// nTime is hex seconds on the wire.
		nTimeSec, err := strconv.ParseUint(params.nTime, 16, 64)
		if err != nil {
			sv.rejectInvalid(mc, reqID, params, "Malformed ntime", "bad_ntime", now)
			return
		}
		if now.UnixMilli()-int64(nTimeSec)*1000 > sv.cfg.ShareTimeout.Milliseconds() {
			sv.rejectStale(mc, reqID, params, now)
			return
		}
	}

	hashHex := strings.TrimPrefix(strings.ToLower(params.result), "0x")
	if hashHex == "" {
		// No submitted hash: derive it from the job's canonical header.
		hashHex, err = veloraHash(tpl.Index, nonce, tpl.Timestamp, tpl.Difficulty,
			tpl.PreviousHash, tpl.MerkleRoot)
		if err != nil {
			sv.rejectInvalid(mc, reqID, params, "Malformed share", "bad_header", now)
			return
		}
	} else if len(hashHex) != 64 || !isHexString(hashHex) {
		sv.rejectInvalid(mc, reqID, params, "Malformed hash", "bad_hash", now)
		return
	}

	hashVal, ok := new(big.Int).SetString(hashHex, 16)
	if !ok {
		sv.rejectInvalid(mc, reqID, params, "Malformed hash", "bad_hash", now)
		return
	}

	shareDiff := mc.Difficulty()
	if shareDiff == 0 {
		shareDiff = tpl.PoolDifficulty
	}
	if !hashMeetsDifficulty(hashVal, shareDiff) {
		sv.rejectInvalid(mc, reqID, params, "Low difficulty share", "low_difficulty", now)
		return
	}

	isBlock := hashMeetsDifficulty(hashVal, tpl.Difficulty)

	mc.validShares.Add(1)
	sv.metrics.RecordValidShare()
	sv.hashrate.RecordShare(mc.id, shareDiff, now)
	sv.recordVardiff(mc, true, now)
	sv.persist(mc, params, shareDiff, true, isBlock, now)

	if isBlock {
		sv.metrics.RecordBlockFound()
		logger.Info("block solution received", "height", tpl.Index, "job", job.ID,
			"miner", mc.StoreKey(), "hash", hashHex)
		if !sv.coordinator.SubmitSolution(job, mc, nonce, hashHex) {
			// Another solution for this height is already in flight: the
			// share still counts and the miner gets the same WAIT, but no
			// second daemon submission happens.
			sv.metrics.RecordBlockDuplicate()
		}
		mc.writeResponse(reqID, shareStatus{Status: "WAIT"}, nil)
		return
	}
	mc.writeResponse(reqID, shareStatus{Status: "OK"}, nil)
}

func (sv *ShareValidator) rejectStale(mc *MinerConn, reqID interface{}, params submitParams, now time.Time) {
	mc.staleShares.Add(1)
	sv.metrics.RecordStaleShare()
	sv.recordVardiff(mc, false, now)
	sv.persist(mc, params, mc.Difficulty(), false, false, now)
	logger.Debug("stale share", "miner", mc.StoreKey(), "job", params.jobID)
	mc.writeResponse(reqID, nil, newStratumError("Share is too old"))
}

func (sv *ShareValidator) rejectInvalid(mc *MinerConn, reqID interface{}, params submitParams,
	msg, reason string, now time.Time) {
	mc.invalidShares.Add(1)
	sv.metrics.RecordInvalidShare(reason)
	sv.recordVardiff(mc, false, now)
	sv.persist(mc, params, mc.Difficulty(), false, false, now)
	logger.Debug("invalid share", "miner", mc.StoreKey(), "job", params.jobID, "reason", reason)
	mc.writeResponse(reqID, nil, newStratumError(msg))
}

// recordVardiff feeds the controller and pushes set_difficulty when an
// adjustment was committed.
func (sv *ShareValidator) recordVardiff(mc *MinerConn, valid bool, now time.Time) {
	next, changed := sv.vardiff.RecordShare(mc.id, valid, now)
	if !changed {
		return
	}
	mc.SetDifficulty(next)
	mc.sendSetDifficulty(next)
}

func (sv *ShareValidator) persist(mc *MinerConn, params submitParams, difficulty uint64,
	valid, isBlock bool, now time.Time) {
	minerID := mc.MinerID()
	if minerID == 0 {
		return
	}
	_, worker := mc.Login()
	if params.worker != "" {
		worker = params.worker
	}
	sv.store.RecordShareAsync(ShareRow{
		MinerID:     minerID,
		Worker:      worker,
		JobID:       params.jobID,
		ExtraNonce2: params.extraNonce2,
		NTime:       params.nTime,
		Nonce:       params.nonce,
		Difficulty:  difficulty,
		IsValid:     valid,
		IsBlock:     isBlock,
		TS:          now.UnixMilli(),
	})
}
