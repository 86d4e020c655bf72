package main

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// A stratum line is a single JSON object; anything near this bound is
	// garbage and the line is rejected without killing the connection.
	maxStratumLineBytes = 1 << 20
	minerWriteTimeout   = 10 * time.Second
)

// MinerConn is one miner TCP session. Lifecycle: created on accept,
// subscribed, authorized, destroyed on close or error. The server owns the
// read loop; writes can come from any goroutine and are serialized by
// writeMu. Broadcast writes are best-effort: an error marks the connection
// dead and is swallowed.
type MinerConn struct {
	id          string
	conn        net.Conn
	remote      string
	connectedAt time.Time

	lastActivity atomic.Int64 // unix ms

	subscribed atomic.Bool
	authorized atomic.Bool

	mu         sync.Mutex
	address    string
	workerName string

	// minerID is the miners table row id, set on authorize.
	minerID atomic.Int64

	difficulty atomic.Uint64

	writeMu sync.Mutex
	closed  atomic.Bool

	validShares   atomic.Uint64
	staleShares   atomic.Uint64
	invalidShares atomic.Uint64
}

func newMinerConn(conn net.Conn) *MinerConn {
	mc := &MinerConn{
		id:          uuid.NewString(),
		conn:        conn,
		remote:      conn.RemoteAddr().String(),
		connectedAt: time.Now(),
	}
	mc.touch()
	return mc
}

func (mc *MinerConn) touch() {
	mc.lastActivity.Store(time.Now().UnixMilli())
}

func (mc *MinerConn) LastActivity() time.Time {
	return time.UnixMilli(mc.lastActivity.Load())
}

// ReadyForJobs reports whether this connection should receive job
// broadcasts: subscribed, authorized, and not torn down.
func (mc *MinerConn) ReadyForJobs() bool {
	return mc.subscribed.Load() && mc.authorized.Load() && !mc.closed.Load()
}

func (mc *MinerConn) SetLogin(address, worker string) {
	mc.mu.Lock()
	mc.address = address
	mc.workerName = worker
	mc.mu.Unlock()
}

func (mc *MinerConn) Login() (address, worker string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.address, mc.workerName
}

// StoreKey is the persistent miner identity "<address>.<worker>".
func (mc *MinerConn) StoreKey() string {
	address, worker := mc.Login()
	return address + "." + worker
}

func (mc *MinerConn) SetMinerID(id int64) {
	mc.minerID.Store(id)
}

func (mc *MinerConn) MinerID() int64 {
	return mc.minerID.Load()
}

func (mc *MinerConn) Difficulty() uint64 {
	return mc.difficulty.Load()
}

func (mc *MinerConn) SetDifficulty(d uint64) {
	mc.difficulty.Store(d)
}

func (mc *MinerConn) writeJSON(v interface{}) error {
	data, err := fastJSONMarshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	mc.writeMu.Lock()
	defer mc.writeMu.Unlock()
	if mc.closed.Load() {
		return net.ErrClosed
	}
	_ = mc.conn.SetWriteDeadline(time.Now().Add(minerWriteTimeout))
	if _, err := mc.conn.Write(data); err != nil {
		logger.Debug("miner write failed", "remote", mc.remote, "error", err)
		mc.Close()
		return err
	}
	return nil
}

func (mc *MinerConn) writeResponse(id, result interface{}, serr *StratumError) {
	if serr != nil {
		result = nil
	}
	_ = mc.writeJSON(StratumResponse{ID: id, Result: result, Error: serr})
}

func (mc *MinerConn) writeNotification(method string, params interface{}) {
	_ = mc.writeJSON(StratumNotification{ID: nil, Method: method, Params: params})
}

// sendJob pushes a job notification carrying this miner's current pool
// difficulty. Safe to call from broadcast goroutines.
func (mc *MinerConn) sendJob(job *Job) {
	if !mc.ReadyForJobs() {
		return
	}
	mc.writeNotification("job", job.payload(mc.Difficulty()))
}

func (mc *MinerConn) sendSetDifficulty(d uint64) {
	mc.writeNotification("mining.set_difficulty", []interface{}{d})
}

func (mc *MinerConn) Close() {
	if !mc.closed.CompareAndSwap(false, true) {
		return
	}
	_ = mc.conn.Close()
}
