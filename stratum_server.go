package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// StratumServer accepts miner TCP connections and runs one read loop per
// connection. The protocol is line-delimited JSON; a malformed line gets an
// error response and the connection lives on, a connection-level error or
// idle timeout tears the session down.
type StratumServer struct {
	cfg       Config
	registry  *MinerRegistry
	jobs      *JobManager
	vardiff   *DifficultyController
	hashrate  *HashrateEstimator
	store     *Store
	metrics   *PoolMetrics
	validator *ShareValidator

	ln       net.Listener
	wg       sync.WaitGroup
	draining atomic.Bool
}

func NewStratumServer(cfg Config, registry *MinerRegistry, jobs *JobManager,
	vardiff *DifficultyController, hashrate *HashrateEstimator, store *Store,
	metrics *PoolMetrics, validator *ShareValidator) *StratumServer {
	return &StratumServer{
		cfg:       cfg,
		registry:  registry,
		jobs:      jobs,
		vardiff:   vardiff,
		hashrate:  hashrate,
		store:     store,
		metrics:   metrics,
		validator: validator,
	}
}

// Listen binds the stratum endpoint. A bind failure is fatal to the pool;
// the caller decides how to die.
func (ss *StratumServer) Listen() error {
	addr := net.JoinHostPort(ss.cfg.StratumHost, strconv.Itoa(ss.cfg.StratumPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ss.ln = ln
	logger.Info("stratum listening", "addr", ln.Addr().String())
	return nil
}

// Run accepts connections until ctx is cancelled, then closes the listener
// and every live connection and waits for the read loops to drain.
func (ss *StratumServer) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		ss.draining.Store(true)
		_ = ss.ln.Close()
	}()

	for {
		conn, err := ss.ln.Accept()
		if err != nil {
			if ss.draining.Load() {
				break
			}
			logger.Warn("accept failed", "error", err)
			continue
		}
		if ss.cfg.MaxConns > 0 && ss.registry.Count() >= ss.cfg.MaxConns {
			logger.Warn("connection limit reached, refusing miner",
				"remote", conn.RemoteAddr().String(), "limit", ss.cfg.MaxConns)
			_ = conn.Close()
			continue
		}

		mc := newMinerConn(conn)
		ss.registry.Add(mc)
		ss.wg.Add(1)
		go func() {
			defer ss.wg.Done()
			ss.serve(mc)
		}()
	}

	for _, mc := range ss.registry.Snapshot() {
		mc.Close()
	}
	ss.wg.Wait()
	logger.Info("stratum server stopped")
}

func (ss *StratumServer) serve(mc *MinerConn) {
	defer ss.teardown(mc)

	logger.Debug("miner connected", "remote", mc.remote, "client", mc.id)

	scanner := bufio.NewScanner(mc.conn)
	scanner.Buffer(make([]byte, 64*1024), maxStratumLineBytes)

	idle := ss.cfg.StratumIdleTimeout
	if idle <= 0 {
		idle = defaultStratumIdle
	}

	for {
		_ = mc.conn.SetReadDeadline(time.Now().Add(idle))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && !mc.closed.Load() {
				var nerr net.Error
				if errors.As(err, &nerr) && nerr.Timeout() {
					logger.Debug("miner idle timeout", "remote", mc.remote, "client", mc.id)
				} else {
					logger.Debug("miner read error", "remote", mc.remote, "error", err)
				}
			}
			return
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		mc.touch()

		var req StratumRequest
		if err := fastJSONUnmarshal(line, &req); err != nil {
			logger.Debug("malformed stratum line", "remote", mc.remote, "error", err)
			mc.writeResponse(nil, nil, newStratumError("Parse error"))
			continue
		}
		ss.dispatch(mc, req)
		if mc.closed.Load() {
			return
		}
	}
}

func (ss *StratumServer) dispatch(mc *MinerConn, req StratumRequest) {
	switch req.Method {
	case "mining.subscribe":
		ss.handleSubscribe(mc, req)
	case "mining.authorize":
		ss.handleAuthorize(mc, req)
	case "login", "mining.login":
		ss.handleLogin(mc, req)
	case "mining.submit", "submit":
		ss.handleSubmit(mc, req)
	case "mining.get_transactions":
		ss.handleGetTransactions(mc, req)
	case "mining.suggest_difficulty":
		ss.handleSuggestDifficulty(mc, req)
	default:
		logger.Debug("unknown stratum method", "method", req.Method, "remote", mc.remote)
		mc.writeResponse(req.ID, nil, newStratumError("Method not found"))
	}
}

func (ss *StratumServer) teardown(mc *MinerConn) {
	mc.Close()
	ss.registry.Remove(mc)
	ss.vardiff.Unregister(mc.id)
	ss.hashrate.Remove(mc.id)
	logger.Debug("miner disconnected", "remote", mc.remote, "client", mc.id,
		"valid", mc.validShares.Load(), "stale", mc.staleShares.Load(),
		"invalid", mc.invalidShares.Load())
}
