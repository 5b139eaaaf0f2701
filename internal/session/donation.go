package session

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/minepool/wsproxy/internal/protocol"
	"github.com/minepool/wsproxy/internal/upstream"
	"github.com/minepool/wsproxy/pkg/logger"
)

// Retry policy for a donation's *initial* login only. This is creation,
// not reconnection of an established session: once workerIDSet flips to
// true the donation never re-logs-in, and DeliverFailure retires it
// without ever retrying the upstream socket itself.
const (
	donationLoginRetryMin   = 1 * time.Second
	donationLoginRetryMax   = 20 * time.Second
	donationLoginMaxRetries = 5
)

// donationBackoff picks min times 1, 2, 4 or 8, capped at max, plus up to
// 249ms of jitter.
func donationBackoff(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	mul := 1 << rand.Intn(4) // 1,2,4,8
	d := time.Duration(int64(min) * int64(mul))
	if d > max {
		d = max
	}
	return d + time.Duration(rand.Intn(250))*time.Millisecond
}

// Donation is a virtual miner session mining to a secondary pool on the
// host Miner's behalf. It has no WebSocket of its own: its login/submit
// traffic goes over its own upstream Connection, and any downstream
// response it owes is relayed through the host.
type Donation struct {
	host  *Miner
	conn  *upstream.Connection
	cfg   Config
	log   *logger.Logger
	clock Clock

	mu           sync.Mutex
	workerID     string
	workerIDSet  bool
	job          protocol.Job
	debt         float64 // accumulated seconds of owed mining time
	lastAccrual  time.Time
	closed       bool

	percentage float64
	ok, bad    uint64
}

// NewDonation creates a Donation bound to its own upstream Connection and
// immediately logs in on it. host is the Miner whose job turns it competes
// for and whose downstream socket it relays submit responses through.
func NewDonation(host *Miner, conn *upstream.Connection, address string, percentage float64, pass string, log *logger.Logger, clock Clock) *Donation {
	if clock == nil {
		clock = time.Now
	}
	d := &Donation{
		host:        host,
		conn:        conn,
		cfg:         Config{AddressOverride: address, Pass: pass},
		log:         log,
		clock:       clock,
		percentage:  percentage,
		lastAccrual: clock(),
	}
	conn.Register(d)
	d.login()
	go d.retryLoginUntilAccepted()
	return d
}

// retryLoginUntilAccepted re-sends the login request with jittered backoff
// while the pool has not yet answered with a worker id, bounded to a fixed
// number of attempts so a pool that never answers doesn't leak a goroutine
// forever.
func (d *Donation) retryLoginUntilAccepted() {
	delay := donationLoginRetryMin
	for attempt := 0; attempt < donationLoginMaxRetries; attempt++ {
		time.Sleep(delay)
		d.mu.Lock()
		done := d.workerIDSet || d.closed
		d.mu.Unlock()
		if done {
			return
		}
		d.login()
		delay = donationBackoff(donationLoginRetryMin, donationLoginRetryMax)
	}
}

func (d *Donation) login() {
	req := protocol.Message{
		Method: protocol.MethodLogin,
		Params: map[string]interface{}{"login": d.cfg.AddressOverride, "pass": d.cfg.Pass, "agent": "wsproxy-donation"},
	}
	id := int64(0)
	req.ID = &id
	if err := d.conn.Send(d, true, upstream.KindLogin, req); err != nil {
		d.log.Error("donation: login failed: %v", err)
	}
}

// accrue adds percentage*elapsed seconds of debt since the last call.
// Must be called from the host Miner's job-decision point, serialized by
// the host's own lock.
func (d *Donation) accrue(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	elapsed := now.Sub(d.lastAccrual).Seconds()
	if elapsed > 0 {
		d.debt += d.percentage * elapsed
	}
	d.lastAccrual = now
}

// settle subtracts one job-duration's worth of debt after a turn ends.
func (d *Donation) settle(duration time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.debt -= duration.Seconds()
	if d.debt < 0 {
		d.debt = 0
	}
}

// eligible reports whether this donation has accrued enough debt to take
// a turn of the given estimated duration.
func (d *Donation) eligible(duration time.Duration) (bool, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || !d.workerIDSet {
		return false, 0
	}
	return d.debt >= duration.Seconds(), d.debt
}

// Counts reports this donation's own accepted/rejected share counters.
func (d *Donation) Counts() (ok, bad uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ok, d.bad
}

func (d *Donation) currentJob() protocol.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.job
}

// pickDonationTurn selects the donation with the largest eligible debt,
// breaking ties by the order donations appear in (first registered wins).
func pickDonationTurn(donations []*Donation, jobDuration time.Duration) *Donation {
	var winner *Donation
	var winnerDebt float64
	for _, d := range donations {
		ok, debt := d.eligible(jobDuration)
		if !ok {
			continue
		}
		if winner == nil || debt > winnerDebt {
			winner = d
			winnerDebt = debt
		}
	}
	return winner
}

// submit forwards a downstream submit (rewritten with this donation's
// worker id) to the donation's own upstream connection.
func (d *Donation) submit(reqID *int64, params interface{}) {
	d.mu.Lock()
	workerID := d.workerID
	hasWorker := d.workerIDSet
	d.mu.Unlock()
	if !hasWorker {
		return
	}

	var p protocol.SubmitParams
	b, _ := json.Marshal(params)
	_ = json.Unmarshal(b, &p)

	req := protocol.Message{
		ID:     reqID,
		Method: protocol.MethodSubmit,
		Params: map[string]interface{}{
			"id":     workerID,
			"job_id": p.JobID,
			"nonce":  p.Nonce,
			"result": p.Result,
		},
	}
	_ = d.conn.Send(d, true, upstream.KindSubmit, req)
}

// Deliver implements upstream.Session.
func (d *Donation) Deliver(kind upstream.Kind, msg protocol.Message) {
	switch kind {
	case upstream.KindLogin:
		d.deliverLoginResponse(msg)
	case upstream.KindSubmit:
		d.deliverSubmitResponse(msg)
	}
}

func (d *Donation) deliverLoginResponse(msg protocol.Message) {
	result, _ := msg.Result.(map[string]interface{})
	workerID, _ := result["id"].(string)
	if workerID == "" {
		return
	}
	d.mu.Lock()
	if !d.workerIDSet {
		d.workerID = workerID
		d.workerIDSet = true
	}
	if job, ok := result["job"]; ok {
		d.job = jobFromAny(job)
	}
	d.mu.Unlock()
}

func (d *Donation) deliverSubmitResponse(msg protocol.Message) {
	if msg.Error == nil {
		d.mu.Lock()
		d.ok++
		d.mu.Unlock()
	} else {
		d.mu.Lock()
		d.bad++
		d.mu.Unlock()
	}
	d.host.writeDownstream(msg)
}

// DeliverJob implements upstream.Session: a job arrives on the donation's
// own connection. It is only stashed — it is relayed downstream, through
// the host, the next time this donation wins a turn.
func (d *Donation) DeliverJob(job protocol.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.job = job
}

// DeliverFailure implements upstream.Session: the donation's own upstream
// connection died. The donation is retired; it stops competing for turns.
func (d *Donation) DeliverFailure(err error) {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func (d *Donation) close() {
	d.mu.Lock()
	already := d.closed
	d.closed = true
	d.mu.Unlock()
	if !already {
		d.conn.Unregister(d)
	}
}
