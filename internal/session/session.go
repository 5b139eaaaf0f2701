// Package session implements the Miner and Donation session types: the
// per-browser-miner (and per-donation) state machines that sit between a
// downstream WebSocket and an upstream Connection, translating the two
// dialects and enforcing each session's identity/difficulty overrides.
package session

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minepool/wsproxy/internal/protocol"
	"github.com/minepool/wsproxy/internal/upstream"
	"github.com/minepool/wsproxy/internal/vardiff"
	"github.com/minepool/wsproxy/pkg/errors"
	"github.com/minepool/wsproxy/pkg/logger"
)

// WSConn is the small surface a downstream WebSocket needs to expose. It
// lets the session package stay independent of gorilla/websocket — the
// httpapi package supplies the real implementation, tests supply a fake.
type WSConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	RemoteAddr() net.Addr
	Close() error
}

// State is a Miner (or Donation) session's lifecycle state.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateActive
	StateClosed
)

// Clock is the wall-clock collaborator injected at construction (spec.md
// §1: "a wall clock" is one of the core's only external dependencies).
type Clock func() time.Time

// Config configures identity/difficulty overrides and pool credentials
// for a Miner Session, set once by the Proxy at assignment time.
type Config struct {
	AddressOverride   string
	UserOverride      string
	Pass              string
	Diff              float64 // 0 means no static override; falls back to vardiff if enabled
	KeepaliveInterval time.Duration
}

// Miner is one logical browser miner.
type Miner struct {
	ws     WSConn
	conn   *upstream.Connection
	cfg    Config
	log    *logger.Logger
	clock  Clock
	vdMgr  *vardiff.Manager

	mu             sync.Mutex
	workerID       string
	workerIDSet    bool
	job            protocol.Job
	vdDiff         float64
	donations      []*Donation
	activeDonation *Donation
	lastJobTime    time.Time
	jobDuration    time.Duration

	state atomic.Int32
	ok    atomic.Uint64
	bad   atomic.Uint64
	done  chan struct{}
}

// NewMiner creates a Miner Session bound to ws and conn and registers it
// on conn for capacity accounting.
func NewMiner(ws WSConn, conn *upstream.Connection, cfg Config, log *logger.Logger, clock Clock) *Miner {
	if clock == nil {
		clock = time.Now
	}
	m := &Miner{
		ws:          ws,
		conn:        conn,
		cfg:         cfg,
		log:         log,
		clock:       clock,
		jobDuration: 15 * time.Second,
		done:        make(chan struct{}),
	}
	conn.Register(m)
	return m
}

// Done returns a channel closed once the session has closed, so callers
// running an auxiliary loop (e.g. a keepalive ticker) know when to stop.
func (m *Miner) Done() <-chan struct{} {
	return m.done
}

// Keepalive forwards a periodic no-op upstream to keep the underlying
// upstream TCP/TLS socket from being dropped for idleness. Unlike a
// downstream-triggered keepalived, a session with no workerID yet simply
// has nothing to send.
func (m *Miner) Keepalive() {
	m.mu.Lock()
	hasWorker := m.workerIDSet
	m.mu.Unlock()
	if hasWorker {
		m.handleKeepalive(nil)
	}
}

// EnableVardiff subscribes this Miner to adaptive difficulty targeting,
// used only when cfg.Diff is unset. A Miner with no vardiff and no static
// diff simply relays the pool's own targets unmodified.
func (m *Miner) EnableVardiff(mgr *vardiff.Manager) {
	if m.cfg.Diff > 0 {
		return
	}
	m.mu.Lock()
	m.vdMgr = mgr
	m.mu.Unlock()
	mgr.AddSession(m)
}

// OnDifficultyChanged implements vardiff.Session: the manager recomputed
// this Miner's target difficulty. It is folded into the next job push by
// applyDiffOverrideLocked; a fresh job notification is sent immediately
// with the current job's blob so the miner doesn't wait for new work.
func (m *Miner) OnDifficultyChanged(diff float64) {
	m.mu.Lock()
	m.vdDiff = diff
	job := m.job
	m.applyDiffOverrideLocked(&job)
	m.mu.Unlock()
	m.writeDownstream(protocol.Message{Method: protocol.MethodJob, Params: job})
}

// AddDonation attaches a Donation Session whose turns this Miner may
// grant. Donations are owned by the Miner and destroyed with it.
func (m *Miner) AddDonation(d *Donation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.donations = append(m.donations, d)
}

func (m *Miner) setState(s State) {
	m.state.Store(int32(s))
}

// State reports the session's current lifecycle state.
func (m *Miner) State() State {
	return State(m.state.Load())
}

// OK and Bad report accepted/rejected share counters.
func (m *Miner) OK() uint64  { return m.ok.Load() }
func (m *Miner) Bad() uint64 { return m.bad.Load() }

// Serve reads downstream messages until the WebSocket closes or errors,
// dispatching each to the matching handler. It returns once the session
// is done; the caller is expected to run it in its own goroutine.
func (m *Miner) Serve() {
	defer m.Close()
	for {
		raw, err := m.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.Message
		if jerr := json.Unmarshal(raw, &msg); jerr != nil {
			m.log.Error("%v", errors.Wrap(protocol.ErrMalformedMessage, "miner: malformed downstream message, dropping", jerr))
			continue
		}
		m.handleDownstream(msg)
	}
}

func (m *Miner) handleDownstream(msg protocol.Message) {
	switch msg.Method {
	case protocol.MethodLogin:
		m.handleLogin(msg.ID, msg.Params)
	case protocol.MethodSubmit:
		m.handleSubmit(msg.ID, msg.Params)
	case protocol.MethodKeepalived:
		m.handleKeepalive(msg.ID)
	default:
		m.log.Error("miner: unknown downstream method %q, dropping", msg.Method)
	}
}

func (m *Miner) handleLogin(reqID *int64, params interface{}) {
	var p protocol.LoginParams
	decodeParams(params, &p)

	login := p.Login
	if m.cfg.AddressOverride != "" {
		login = m.cfg.AddressOverride
	} else if m.cfg.UserOverride != "" {
		login = m.cfg.UserOverride
	}

	m.setState(StateAuthenticating)
	req := protocol.Message{
		ID:     reqID,
		Method: protocol.MethodLogin,
		Params: map[string]interface{}{"login": login, "pass": m.cfg.Pass, "agent": p.Agent},
	}
	if err := m.conn.Send(m, false, upstream.KindLogin, req); err != nil {
		m.writeError(reqID, errors.Wrap(protocol.ErrSocketClosed, "upstream unavailable", err))
	}
}

func (m *Miner) handleSubmit(reqID *int64, params interface{}) {
	m.mu.Lock()
	donation := m.activeDonation
	workerID := m.workerID
	hasWorker := m.workerIDSet
	diff := m.cfg.Diff
	m.mu.Unlock()

	if donation != nil {
		donation.submit(reqID, params)
		return
	}
	if !hasWorker {
		m.writeError(reqID, errors.New(protocol.ErrUnauthenticatedSubmit, "unauthenticated"))
		return
	}

	var p protocol.SubmitParams
	decodeParams(params, &p)
	out := map[string]interface{}{
		"id":     workerID, // overwrite whatever the client sent
		"job_id": p.JobID,
		"nonce":  p.Nonce,
		"result": p.Result,
	}
	if diff > 0 {
		out["target"] = protocol.TargetForDifficulty(diff)
	}

	req := protocol.Message{ID: reqID, Method: protocol.MethodSubmit, Params: out}
	if err := m.conn.Send(m, false, upstream.KindSubmit, req); err != nil {
		m.writeError(reqID, errors.Wrap(protocol.ErrSocketClosed, "upstream unavailable", err))
	}
}

func (m *Miner) handleKeepalive(reqID *int64) {
	m.mu.Lock()
	workerID := m.workerID
	hasWorker := m.workerIDSet
	m.mu.Unlock()
	if !hasWorker {
		m.writeError(reqID, errors.New(protocol.ErrUnauthenticatedSubmit, "unauthenticated"))
		return
	}
	req := protocol.Message{
		ID:     reqID,
		Method: protocol.MethodKeepalived,
		Params: map[string]interface{}{"id": workerID},
	}
	_ = m.conn.Send(m, false, upstream.KindKeepalive, req)
}

// Deliver implements upstream.Session: a response to a request this Miner
// issued has arrived, with its original id restored.
func (m *Miner) Deliver(kind upstream.Kind, msg protocol.Message) {
	switch kind {
	case upstream.KindLogin:
		m.deliverLoginResponse(msg)
	case upstream.KindSubmit:
		m.deliverSubmitResponse(msg)
	case upstream.KindKeepalive:
		m.writeDownstream(msg)
	}
}

func (m *Miner) deliverLoginResponse(msg protocol.Message) {
	result, _ := msg.Result.(map[string]interface{})
	if workerID, _ := result["id"].(string); workerID != "" {
		m.mu.Lock()
		if !m.workerIDSet {
			m.workerID = workerID
			m.workerIDSet = true
		}
		m.mu.Unlock()
		m.setState(StateActive)
	}

	if job, ok := result["job"]; ok {
		j := jobFromAny(job)
		m.mu.Lock()
		m.job = j
		m.applyDiffOverrideLocked(&j)
		m.lastJobTime = m.clock()
		m.mu.Unlock()
		result["job"] = j
		msg.Result = result
	}
	m.writeDownstream(msg)
}

func (m *Miner) deliverSubmitResponse(msg protocol.Message) {
	accepted := msg.Error == nil
	if accepted {
		m.ok.Add(1)
	} else {
		m.bad.Add(1)
		m.log.Debug("miner: %v", errors.New(protocol.ErrUpstreamRejectedShare, fmt.Sprintf("%v", msg.Error)))
	}
	m.mu.Lock()
	vdMgr := m.vdMgr
	m.mu.Unlock()
	if vdMgr != nil {
		vdMgr.RecordShare(m, accepted)
	}
	m.writeDownstream(msg)
}

// DeliverJob implements upstream.Session: an unsolicited job arrived from
// the Miner's own upstream connection. This is the turn-decision point
// for donation interleaving (spec.md §4.3).
func (m *Miner) DeliverJob(job protocol.Job) {
	now := m.clock()

	m.mu.Lock()
	m.updateJobDurationLocked(now)
	for _, d := range m.donations {
		d.accrue(now)
	}
	if m.activeDonation != nil {
		m.activeDonation.settle(m.jobDuration)
		m.activeDonation = nil
	}

	winner := pickDonationTurn(m.donations, m.jobDuration)
	var delivered protocol.Job
	if winner != nil {
		m.activeDonation = winner
		delivered = winner.currentJob()
	} else {
		m.job = job
		m.applyDiffOverrideLocked(&job)
		delivered = m.job
	}
	m.mu.Unlock()

	m.writeDownstream(protocol.Message{Method: protocol.MethodJob, Params: delivered})
}

func (m *Miner) updateJobDurationLocked(now time.Time) {
	if !m.lastJobTime.IsZero() {
		interval := now.Sub(m.lastJobTime)
		if interval > 0 {
			const alpha = 0.3
			est := m.jobDuration.Seconds()*(1-alpha) + interval.Seconds()*alpha
			if est < 1 {
				est = 1
			}
			if est > 120 {
				est = 120
			}
			m.jobDuration = time.Duration(est * float64(time.Second))
		}
	}
	m.lastJobTime = now
}

// applyDiffOverrideLocked rewrites job.Target per cfg.Diff, or per the
// last vardiff-assigned difficulty when no static diff is configured.
// Must be called with m.mu held.
func (m *Miner) applyDiffOverrideLocked(job *protocol.Job) {
	if m.cfg.Diff > 0 {
		job.Target = protocol.TargetForDifficulty(m.cfg.Diff)
		return
	}
	if m.vdDiff > 0 {
		job.Target = protocol.TargetForDifficulty(m.vdDiff)
	}
}

// DeliverFailure implements upstream.Session: the upstream connection
// this Miner depends on has closed. The session follows it down.
func (m *Miner) DeliverFailure(err error) {
	m.writeError(nil, errors.Wrap(protocol.ErrSocketClosed, "upstream connection lost", err))
	m.Close()
}

// Close tears the session down: marks it closed, unregisters from its
// upstream connection, destroys its donations, and closes the socket.
func (m *Miner) Close() {
	if State(m.state.Swap(int32(StateClosed))) == StateClosed {
		return
	}
	m.conn.Unregister(m)
	m.mu.Lock()
	donations := m.donations
	m.donations = nil
	vdMgr := m.vdMgr
	m.mu.Unlock()
	for _, d := range donations {
		d.close()
	}
	if vdMgr != nil {
		vdMgr.RemoveSession(m)
	}
	_ = m.ws.Close()
	close(m.done)
}

func (m *Miner) writeDownstream(msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		m.log.Error("miner: marshal downstream message: %v", err)
		return
	}
	if err := m.ws.WriteMessage(data); err != nil {
		m.log.Error("miner: write downstream: %v", err)
	}
}

func (m *Miner) writeError(reqID *int64, appErr *errors.AppError) {
	m.log.Error("miner: %v", appErr)
	m.writeDownstream(protocol.Message{
		ID:    reqID,
		Error: map[string]interface{}{"message": appErr.Message},
	})
}

func decodeParams(params interface{}, out interface{}) {
	b, err := json.Marshal(params)
	if err != nil {
		return
	}
	_ = json.Unmarshal(b, out)
}

func jobFromAny(v interface{}) protocol.Job {
	b, _ := json.Marshal(v)
	var job protocol.Job
	_ = json.Unmarshal(b, &job)
	return job
}
