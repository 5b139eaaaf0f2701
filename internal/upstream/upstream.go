// Package upstream manages multiplexed TCP/TLS sessions to mining pools.
// One Connection serves many logical miner/donation sessions, rewriting
// request ids so a single socket can carry many callers' traffic without
// their identities colliding.
package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/minepool/wsproxy/internal/protocol"
	"github.com/minepool/wsproxy/pkg/errors"
	"github.com/minepool/wsproxy/pkg/logger"
)

// State is the lifecycle of a Connection's socket.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

// Kind distinguishes the three request shapes the pool dialect forwards.
type Kind int

const (
	KindLogin Kind = iota
	KindSubmit
	KindKeepalive
)

// Session is the minimal back-reference a Connection needs to deliver
// messages to a Miner or Donation session without depending on the
// session package (which depends on this one).
type Session interface {
	// Deliver hands a response (with its original id restored) to the
	// session that issued the matching request, tagged with the kind of
	// request it was a response to.
	Deliver(kind Kind, msg protocol.Message)
	// DeliverJob hands an unsolicited job notification to the session.
	DeliverJob(job protocol.Job)
	// DeliverFailure tells the session its pending request (or the whole
	// connection) failed, e.g. because the socket closed.
	DeliverFailure(err error)
}

type pendingEntry struct {
	session Session
	origID  *int64
	kind    Kind
}

// DialFunc dials an upstream host/port, optionally over TLS. It is the
// sole external collaborator the Connection needs for socket creation —
// TLS certificate/verification policy lives entirely in the factory the
// caller supplies.
type DialFunc func(ctx context.Context, host string, port int, useTLS bool) (net.Conn, error)

// DefaultDial is a DialFunc using the standard library directly: plain
// TCP, or TLS with the given verification config.
func DefaultDial(tlsConfig *tls.Config) DialFunc {
	return func(ctx context.Context, host string, port int, useTLS bool) (net.Conn, error) {
		addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
		d := net.Dialer{Timeout: 10 * time.Second}
		if !useTLS {
			return d.DialContext(ctx, "tcp", addr)
		}
		cfg := tlsConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		tlsDialer := &tls.Dialer{NetDialer: &d, Config: cfg}
		return tlsDialer.DialContext(ctx, "tcp", addr)
	}
}

// Connection is one multiplexed TCP/TLS session to a pool.
type Connection struct {
	ID        int64
	Host      string
	Port      int
	Donation  bool
	log       *logger.Logger
	dial      DialFunc
	tlsEnable bool

	stateMu sync.Mutex
	state   State
	conn    net.Conn
	bw      *bufio.Writer

	reqIDMu sync.Mutex
	reqID   int64

	regMu           sync.Mutex
	miners          map[int64]pendingEntry
	donations       map[int64]pendingEntry
	workerIDByLogin map[Session]string
	sessionCount    map[Session]struct{} // sessions currently registered (capacity accounting)

	// sendQueue holds writes issued while the socket is still connecting;
	// flushed in order once Dial completes.
	sendMu    sync.Mutex
	sendQueue [][]byte

	onJob   func(session Session, job protocol.Job)
	onClose func(err error)
}

// Callbacks bundles the small, named event surface a Connection exposes —
// set once at construction, never subscribed to at runtime.
type Callbacks struct {
	OnJob   func(session Session, job protocol.Job)
	OnClose func(err error)
}

// New creates a Connection in the connecting state. donation marks a
// connection created exclusively to serve a session.Donation (kept out of
// the non-donation connection count the Proxy reports in stats).
func New(id int64, host string, port int, useTLS, donation bool, dial DialFunc, log *logger.Logger, cb Callbacks) *Connection {
	return &Connection{
		ID:              id,
		Host:            host,
		Port:            port,
		Donation:        donation,
		log:             log,
		dial:            dial,
		tlsEnable:       useTLS,
		state:           StateConnecting,
		miners:          make(map[int64]pendingEntry),
		donations:       make(map[int64]pendingEntry),
		workerIDByLogin: make(map[Session]string),
		sessionCount:    make(map[Session]struct{}),
		onJob:           cb.OnJob,
		onClose:         cb.OnClose,
	}
}

// Dial opens the socket and starts the read loop in a new goroutine.
func (c *Connection) Dial(ctx context.Context) error {
	conn, err := c.dial(ctx, c.Host, c.Port, c.tlsEnable)
	if err != nil {
		return errors.Wrap(protocol.ErrSocketError, "dial upstream", err)
	}

	c.stateMu.Lock()
	c.conn = conn
	c.bw = bufio.NewWriter(conn)
	c.state = StateOpen
	c.stateMu.Unlock()

	c.flushQueued()

	go c.readLoop(conn)
	return nil
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Register accounts for a session assigned to this connection, for
// capacity tracking by the pool.
func (c *Connection) Register(s Session) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	c.sessionCount[s] = struct{}{}
}

// Unregister removes a session's bookkeeping: its accounting entry and any
// pending request/workerID mappings it held.
func (c *Connection) Unregister(s Session) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	delete(c.sessionCount, s)
	delete(c.workerIDByLogin, s)
	for id, e := range c.miners {
		if e.session == s {
			delete(c.miners, id)
		}
	}
	for id, e := range c.donations {
		if e.session == s {
			delete(c.donations, id)
		}
	}
}

// MinerCount and DonationCount are read by the pool's capacity predicate
// (independent caps per Open Question in SPEC_FULL.md).
func (c *Connection) MinerCount() int {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return len(c.miners)
}

func (c *Connection) DonationCount() int {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return len(c.donations)
}

// WorkerID returns the worker id the pool issued for session s, if any.
func (c *Connection) WorkerID(s Session) (string, bool) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	id, ok := c.workerIDByLogin[s]
	return id, ok
}

// SetWorkerID stores the worker id once, immutably, for session s.
func (c *Connection) SetWorkerID(s Session, id string) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	if _, exists := c.workerIDByLogin[s]; !exists {
		c.workerIDByLogin[s] = id
	}
}

// Send enqueues a JSON-RPC request, rewriting its id to one unique to this
// connection and recording the mapping needed to route the response back.
func (c *Connection) Send(session Session, isDonation bool, kind Kind, req protocol.Message) error {
	if c.State() == StateClosed {
		return errors.New(protocol.ErrSocketClosed, "upstream connection closed")
	}

	origID := protocol.CopyID(req.ID)
	internalID := c.nextID()
	req.ID = &internalID

	c.regMu.Lock()
	if isDonation {
		c.donations[internalID] = pendingEntry{session: session, origID: origID, kind: kind}
	} else {
		c.miners[internalID] = pendingEntry{session: session, origID: origID, kind: kind}
	}
	c.regMu.Unlock()

	data, err := req.Marshal()
	if err != nil {
		return errors.Wrap(protocol.ErrMalformedMessage, "marshal outbound request", err)
	}
	c.enqueueWrite(data)
	return nil
}

func (c *Connection) nextID() int64 {
	c.reqIDMu.Lock()
	defer c.reqIDMu.Unlock()
	c.reqID++
	return c.reqID
}

func (c *Connection) enqueueWrite(data []byte) {
	c.stateMu.Lock()
	open := c.state == StateOpen
	c.stateMu.Unlock()

	if !open {
		c.sendMu.Lock()
		c.sendQueue = append(c.sendQueue, data)
		c.sendMu.Unlock()
		return
	}
	c.write(data)
}

func (c *Connection) write(data []byte) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state != StateOpen || c.bw == nil {
		return
	}
	if _, err := c.bw.Write(data); err != nil {
		c.log.Error("upstream[%d] write error: %v", c.ID, err)
		return
	}
	if err := c.bw.Flush(); err != nil {
		c.log.Error("upstream[%d] flush error: %v", c.ID, err)
	}
}

func (c *Connection) flushQueued() {
	c.sendMu.Lock()
	queued := c.sendQueue
	c.sendQueue = nil
	c.sendMu.Unlock()
	for _, data := range queued {
		c.write(data)
	}
}

// readLoop accumulates newline-framed JSON from the socket until it
// closes, dispatching each complete message.
func (c *Connection) readLoop(conn net.Conn) {
	lr := protocol.NewLineReader(bufio.NewReader(conn))
	var closeErr error
	for {
		line, err := lr.ReadLine()
		if err != nil {
			closeErr = err
			break
		}
		if line == "" {
			continue
		}
		var msg protocol.Message
		if jerr := json.Unmarshal([]byte(line), &msg); jerr != nil {
			err := errors.Wrap(protocol.ErrMalformedMessage, fmt.Sprintf("upstream[%d] malformed line, dropping", c.ID), jerr)
			c.log.Error("%v", err)
			continue
		}
		c.dispatch(msg)
	}
	c.transitionClosed(closeErr)
}

func (c *Connection) dispatch(msg protocol.Message) {
	if msg.Method != "" && msg.ID == nil {
		c.dispatchNotification(msg)
		return
	}
	if msg.ID == nil {
		return
	}
	c.dispatchResponse(*msg.ID, msg)
}

func (c *Connection) dispatchNotification(msg protocol.Message) {
	if msg.Method != protocol.MethodJob {
		return
	}
	params, _ := msg.Params.(map[string]interface{})
	workerID, _ := params["id"].(string)
	if workerID == "" {
		c.log.Error("upstream[%d] job notification missing worker id, dropping", c.ID)
		return
	}
	session, job, ok := c.sessionForWorkerID(workerID, msg)
	if !ok {
		// Unknown worker id: not one of ours (or it was unregistered). Drop.
		return
	}
	if c.onJob != nil {
		c.onJob(session, job)
	}
	session.DeliverJob(job)
}

func (c *Connection) sessionForWorkerID(workerID string, msg protocol.Message) (Session, protocol.Job, bool) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	for s, id := range c.workerIDByLogin {
		if id == workerID {
			job := jobFromParams(msg.Params)
			return s, job, true
		}
	}
	return nil, protocol.Job{}, false
}

func jobFromParams(params interface{}) protocol.Job {
	b, _ := json.Marshal(params)
	var job protocol.Job
	_ = json.Unmarshal(b, &job)
	return job
}

func (c *Connection) dispatchResponse(id int64, msg protocol.Message) {
	c.regMu.Lock()
	entry, ok := c.miners[id]
	if ok {
		delete(c.miners, id)
	} else {
		entry, ok = c.donations[id]
		if ok {
			delete(c.donations, id)
		}
	}
	c.regMu.Unlock()

	if !ok {
		err := errors.New(protocol.ErrUnknownResponseID, fmt.Sprintf("upstream[%d] response for unknown id=%d, dropping", c.ID, id))
		c.log.Error("%v", err)
		return
	}

	msg.ID = entry.origID
	if entry.kind == KindLogin {
		if workerID := workerIDFromLoginResult(msg.Result); workerID != "" {
			c.SetWorkerID(entry.session, workerID)
		}
	}
	entry.session.Deliver(entry.kind, msg)
}

func workerIDFromLoginResult(result interface{}) string {
	m, ok := result.(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := m["id"].(string)
	return id
}

func (c *Connection) transitionClosed(cause error) {
	c.stateMu.Lock()
	if c.state == StateClosed {
		c.stateMu.Unlock()
		return
	}
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	c.stateMu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	c.regMu.Lock()
	pending := make([]pendingEntry, 0, len(c.miners)+len(c.donations))
	for _, e := range c.miners {
		pending = append(pending, e)
	}
	for _, e := range c.donations {
		pending = append(pending, e)
	}
	c.miners = make(map[int64]pendingEntry)
	c.donations = make(map[int64]pendingEntry)
	c.regMu.Unlock()

	failure := errors.Wrap(protocol.ErrSocketClosed, "upstream connection closed", cause)
	for _, e := range pending {
		e.session.DeliverFailure(failure)
	}

	if c.onClose != nil {
		c.onClose(failure)
	}
}

// Close tears down the socket unconditionally, as Kill() does for the pool.
func (c *Connection) Close() {
	c.transitionClosed(nil)
}
