package main

import (
	"math"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// suggest_difficulty is clamped protocol-side before the controller applies
// its own bounds.
const (
	suggestDifficultyMin = 1
	suggestDifficultyMax = 1_000_000
)

func (ss *StratumServer) handleSubscribe(mc *MinerConn, req StratumRequest) {
	mc.subscribed.Store(true)
	// [subscriptions, extranonce1, extranonce2_size]; Velora jobs carry the
	// full header so the extranonce slots are unused.
	result := []interface{}{
		[]interface{}{[]interface{}{"mining.notify"}},
		nil,
		nil,
	}
	mc.writeResponse(req.ID, result, nil)
	logger.Debug("miner subscribed", "remote", mc.remote, "client", mc.id)
}

// handleAuthorize is the classic stratum login: result is a bare boolean,
// work arrives via the job notification stream.
func (ss *StratumServer) handleAuthorize(mc *MinerConn, req StratumRequest) {
	if !ss.authorize(mc, req) {
		return
	}
	mc.writeResponse(req.ID, true, nil)
	ss.pushInitialWork(mc)
}

// handleLogin is the combined subscribe+authorize used by Velora miners.
// The result inlines the current job so the miner can start immediately.
func (ss *StratumServer) handleLogin(mc *MinerConn, req StratumRequest) {
	mc.subscribed.Store(true)
	if !ss.authorize(mc, req) {
		return
	}

	result := map[string]interface{}{
		"id":     mc.id,
		"status": "OK",
		"job":    nil,
	}
	if job := ss.jobs.CurrentJob(); job != nil {
		result["job"] = job.payload(mc.Difficulty())
	}
	mc.writeResponse(req.ID, result, nil)
	mc.sendSetDifficulty(mc.Difficulty())
}

// authorize validates the login, registers the miner with the store and the
// difficulty controller, and answers the request itself on failure.
func (ss *StratumServer) authorize(mc *MinerConn, req StratumRequest) bool {
	params, serr := parseLoginParams(req.Params)
	if serr != nil {
		mc.writeResponse(req.ID, nil, serr)
		return false
	}

	address, worker := splitLoginUser(params.user)
	if !validMinerAddress(address) {
		logger.Debug("rejected login", "remote", mc.remote, "user", params.user)
		mc.writeResponse(req.ID, nil, newStratumError("Invalid wallet address"))
		return false
	}

	now := time.Now()
	minerID, err := ss.store.UpsertMiner(address, worker, now)
	if err != nil {
		logger.Error("miner upsert failed", "address", address, "worker", worker, "error", err)
		mc.writeResponse(req.ID, nil, newStratumError("Internal error"))
		return false
	}

	mc.SetLogin(address, worker)
	mc.SetMinerID(minerID)
	mc.SetDifficulty(ss.vardiff.Register(mc.id, now))
	mc.authorized.Store(true)

	logger.Info("miner authorized", "remote", mc.remote, "address", address,
		"worker", worker, "difficulty", mc.Difficulty())
	return true
}

// pushInitialWork sends the difficulty and current job right after a
// successful authorize so the miner never has to wait out a broadcast tick.
func (ss *StratumServer) pushInitialWork(mc *MinerConn) {
	mc.sendSetDifficulty(mc.Difficulty())
	if job := ss.jobs.CurrentJob(); job != nil {
		mc.sendJob(job)
	}
}

func (ss *StratumServer) handleSubmit(mc *MinerConn, req StratumRequest) {
	if !mc.authorized.Load() {
		mc.writeResponse(req.ID, nil, newStratumError("Not authorized"))
		return
	}
	params, serr := parseSubmitParams(req.Params)
	if serr != nil {
		ss.metrics.RecordInvalidShare("bad_params")
		mc.writeResponse(req.ID, nil, serr)
		return
	}
	ss.validator.HandleSubmit(mc, req.ID, params)
}

func (ss *StratumServer) handleGetTransactions(mc *MinerConn, req StratumRequest) {
	if !mc.authorized.Load() {
		mc.writeResponse(req.ID, nil, newStratumError("Not authorized"))
		return
	}
	job := ss.jobs.CurrentJob()
	if job == nil {
		mc.writeResponse(req.ID, nil, newStratumError("No block template available"))
		return
	}
	mc.writeResponse(req.ID, job.Template.Transactions, nil)
}

func (ss *StratumServer) handleSuggestDifficulty(mc *MinerConn, req StratumRequest) {
	suggested, serr := parseSuggestedDifficulty(req.Params)
	if serr != nil {
		mc.writeResponse(req.ID, nil, serr)
		return
	}

	d := uint64(math.Round(suggested))
	if d < suggestDifficultyMin {
		d = suggestDifficultyMin
	}
	if d > suggestDifficultyMax {
		d = suggestDifficultyMax
	}

	applied := ss.vardiff.SetDifficulty(mc.id, d, time.Now())
	mc.SetDifficulty(applied)
	mc.writeResponse(req.ID, true, nil)
	mc.sendSetDifficulty(applied)
	logger.Debug("difficulty suggested", "client", mc.id, "suggested", suggested, "applied", applied)
}

// validMinerAddress accepts the same P2PKH shape the daemon uses for
// coinbase recipients: leading "1", 26-35 base58 characters.
func validMinerAddress(addr string) bool {
	if len(addr) < 26 || len(addr) > 35 {
		return false
	}
	if addr[0] != '1' {
		return false
	}
	return len(base58.Decode(addr)) > 0
}
