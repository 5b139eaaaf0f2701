package session

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/minepool/wsproxy/internal/protocol"
	"github.com/minepool/wsproxy/internal/upstream"
	"github.com/minepool/wsproxy/pkg/logger"
)

// fakeWS is an in-memory WSConn: downstream messages queued by the test
// are yielded from ReadMessage, and everything Serve writes back lands in
// out for the test to inspect.
type fakeWS struct {
	mu   sync.Mutex
	in   chan []byte
	out  [][]byte
	done bool
}

func newFakeWS() *fakeWS {
	return &fakeWS{in: make(chan []byte, 16)}
}

func (f *fakeWS) push(msg protocol.Message) {
	data, _ := json.Marshal(msg)
	f.in <- data
}

func (f *fakeWS) ReadMessage() ([]byte, error) {
	data, ok := <-f.in
	if !ok {
		return nil, net.ErrClosed
	}
	return data, nil
}

func (f *fakeWS) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, data)
	return nil
}

func (f *fakeWS) RemoteAddr() net.Addr { return &net.TCPAddr{} }

func (f *fakeWS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.done {
		close(f.in)
		f.done = true
	}
	return nil
}

func (f *fakeWS) waitOut(t *testing.T, n int) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.out) > n {
			raw := f.out[n]
			f.mu.Unlock()
			var msg protocol.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				t.Fatalf("unmarshal downstream message %d: %v", n, err)
			}
			return msg
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for downstream message %d", n)
	return protocol.Message{}
}

// fakeClock gives tests control over the time donation debt accrues over.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(0, 0)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func dialedConnection(t *testing.T, id int64, client net.Conn) *upstream.Connection {
	t.Helper()
	dial := func(ctx context.Context, host string, port int, useTLS bool) (net.Conn, error) {
		return client, nil
	}
	c := upstream.New(id, "pool.example", 3333, false, id != 1, dial, logger.New(), upstream.Callbacks{})
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return c
}

func readRaw(t *testing.T, conn net.Conn) protocol.Message {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read upstream wire message: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(buf[:n-1], &msg); err != nil {
		t.Fatalf("unmarshal upstream wire message: %v", err)
	}
	return msg
}

func TestMinerLoginForwardsOverrideAndAppliesDiff(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn := dialedConnection(t, 1, client)
	ws := newFakeWS()
	m := NewMiner(ws, conn, Config{Pass: "x", Diff: 5000}, logger.New(), nil)
	go m.Serve()

	reqID := int64(1)
	ws.push(protocol.Message{ID: &reqID, Method: protocol.MethodLogin, Params: protocol.LoginParams{Login: "client-addr", Pass: "ignored", Agent: "xmrig"}})

	sent := readRaw(t, server)
	params, _ := sent.Params.(map[string]interface{})
	if params["login"] != "client-addr" {
		t.Fatalf("expected client login forwarded (no override configured), got %v", params["login"])
	}
	if params["pass"] != "x" {
		t.Fatalf("expected configured pool pass, got %v", params["pass"])
	}

	resp := protocol.Message{
		ID: sent.ID,
		Result: map[string]interface{}{
			"id":  "W1",
			"job": map[string]interface{}{"job_id": "J1", "blob": "ab", "target": "ffff"},
		},
	}
	data, _ := resp.Marshal()
	go server.Write(data)

	down := ws.waitOut(t, 0)
	result, _ := down.Result.(map[string]interface{})
	if result["id"] != "W1" {
		t.Fatalf("expected workerID W1 relayed, got %v", result["id"])
	}
	job, _ := result["job"].(map[string]interface{})
	if job["target"] != protocol.TargetForDifficulty(5000) {
		t.Fatalf("expected job target rewritten for diff=5000, got %v", job["target"])
	}
}

func TestMinerAddressOverrideReplacesClientLogin(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn := dialedConnection(t, 1, client)
	ws := newFakeWS()
	m := NewMiner(ws, conn, Config{Pass: "x", AddressOverride: "pool-address"}, logger.New(), nil)
	go m.Serve()

	reqID := int64(1)
	ws.push(protocol.Message{ID: &reqID, Method: protocol.MethodLogin, Params: protocol.LoginParams{Login: "client-addr"}})

	sent := readRaw(t, server)
	params, _ := sent.Params.(map[string]interface{})
	if params["login"] != "pool-address" {
		t.Fatalf("expected address override forwarded, got %v", params["login"])
	}
}

func TestMinerSubmitBeforeLoginIsRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn := dialedConnection(t, 1, client)
	ws := newFakeWS()
	m := NewMiner(ws, conn, Config{Pass: "x"}, logger.New(), nil)
	go m.Serve()

	reqID := int64(5)
	ws.push(protocol.Message{ID: &reqID, Method: protocol.MethodSubmit, Params: protocol.SubmitParams{JobID: "J1", Nonce: "n", Result: "r"}})

	down := ws.waitOut(t, 0)
	if down.Error == nil {
		t.Fatalf("expected an error response for submit before login")
	}
}

func TestMinerSubmitUsesStoredWorkerID(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn := dialedConnection(t, 1, client)
	ws := newFakeWS()
	m := NewMiner(ws, conn, Config{Pass: "x"}, logger.New(), nil)
	go m.Serve()

	loginID := int64(1)
	ws.push(protocol.Message{ID: &loginID, Method: protocol.MethodLogin, Params: protocol.LoginParams{Login: "addr"}})
	sentLogin := readRaw(t, server)
	loginResp := protocol.Message{ID: sentLogin.ID, Result: map[string]interface{}{"id": "W1"}}
	data, _ := loginResp.Marshal()
	go server.Write(data)
	ws.waitOut(t, 0)

	submitID := int64(2)
	ws.push(protocol.Message{ID: &submitID, Method: protocol.MethodSubmit, Params: protocol.SubmitParams{JobID: "J1", Nonce: "n", Result: "r"}})

	sentSubmit := readRaw(t, server)
	params, _ := sentSubmit.Params.(map[string]interface{})
	if params["id"] != "W1" {
		t.Fatalf("expected submit rewritten with stored workerID, got %v", params["id"])
	}
}

func TestDonationWinsTurnWhenDebtExceedsJobDuration(t *testing.T) {
	hostClient, hostServer := net.Pipe()
	defer hostClient.Close()
	defer hostServer.Close()
	donClient, donServer := net.Pipe()
	defer donClient.Close()
	defer donServer.Close()

	hostConn := dialedConnection(t, 1, hostClient)
	donConn := dialedConnection(t, 2, donClient)

	clock := newFakeClock()
	ws := newFakeWS()
	m := NewMiner(ws, hostConn, Config{Pass: "hostpass"}, logger.New(), clock.now)
	go m.Serve()

	// Host login, establishing the host's own workerID.
	hostLoginID := int64(1)
	ws.push(protocol.Message{ID: &hostLoginID, Method: protocol.MethodLogin, Params: protocol.LoginParams{Login: "hostaddr"}})
	sentHostLogin := readRaw(t, hostServer)
	hostLoginResp := protocol.Message{ID: sentHostLogin.ID, Result: map[string]interface{}{"id": "HOST1"}}
	data, _ := hostLoginResp.Marshal()
	go hostServer.Write(data)
	ws.waitOut(t, 0)

	// Donation logs in automatically on construction. That login is written
	// synchronously and net.Pipe is unbuffered, so the donation is built on
	// another goroutine while this one reads the wire.
	donCh := make(chan *Donation, 1)
	go func() {
		donCh <- NewDonation(m, donConn, "donationaddr", 1.0, "donpass", logger.New(), clock.now)
	}()

	sentDonLogin := readRaw(t, donServer)
	d := <-donCh
	m.AddDonation(d)
	if sentDonLogin.Method != protocol.MethodLogin {
		t.Fatalf("expected donation login on its own connection, got %+v", sentDonLogin)
	}
	donLoginResp := protocol.Message{
		ID: sentDonLogin.ID,
		Result: map[string]interface{}{
			"id":  "DON1",
			"job": map[string]interface{}{"job_id": "D1", "blob": "dd", "target": "dddd"},
		},
	}
	data, _ = donLoginResp.Marshal()
	go donServer.Write(data)

	// Give the donation login response time to land before the clock
	// advances and the host job decision point fires.
	time.Sleep(20 * time.Millisecond)
	clock.advance(20 * time.Second)

	hostJob := protocol.Message{
		Method: protocol.MethodJob,
		Params: map[string]interface{}{"id": "HOST1", "job_id": "HJOB1", "blob": "hh", "target": "hhhh"},
	}
	data, _ = hostJob.Marshal()
	go hostServer.Write(data)

	down := ws.waitOut(t, 1)
	job, _ := down.Params.(map[string]interface{})
	if job["job_id"] != "D1" {
		t.Fatalf("expected donation job delivered for its turn, got %+v", job)
	}
}
