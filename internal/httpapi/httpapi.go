// Package httpapi owns the external collaborators spec.md §1 calls out of
// scope for the mediation core: TLS certificate loading for the HTTP(S)
// listener, mounting the WebSocket acceptor, and wiring GET /stats and
// GET /metrics. It adapts gorilla/websocket the way the teacher's
// internal/proxy built its TCP AcceptLoop/ClientLoop around the core.
package httpapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/minepool/wsproxy/internal/pool"
	"github.com/minepool/wsproxy/internal/ratelimit"
	"github.com/minepool/wsproxy/pkg/logger"
)

// Config configures the HTTP(S) listener and WebSocket acceptor (spec.md
// §6: "key, cert" TLS for the HTTP(S) server, "path" WebSocket path,
// "server" preexisting HTTP(S) server).
type Config struct {
	Listen     string
	Path       string
	CertFile   string
	KeyFile    string
	ReadBufKB  int
	WriteBufKB int
}

// Server mounts the proxy's WebSocket acceptor and stats/metrics
// endpoints on an HTTP(S) server.
type Server struct {
	cfg      Config
	pool     *pool.Proxy
	log      *logger.Logger
	rl       *ratelimit.Limiter
	upgrader websocket.Upgrader
	srv      *http.Server
}

// New builds a Server. server is an optional preexisting *http.Server
// (spec.md §6 "server"); when nil, one is created for cfg.Listen,
// becoming HTTPS automatically when cfg.CertFile/KeyFile are set.
func New(cfg Config, p *pool.Proxy, log *logger.Logger, rl *ratelimit.Limiter, server *http.Server) *Server {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	readKB, writeKB := cfg.ReadBufKB, cfg.WriteBufKB
	if readKB <= 0 {
		readKB = 4
	}
	if writeKB <= 0 {
		writeKB = 4
	}
	s := &Server{
		cfg:  cfg,
		pool: p,
		log:  log,
		rl:   rl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readKB * 1024,
			WriteBufferSize: writeKB * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if server == nil {
		server = &http.Server{Addr: cfg.Listen}
	}
	s.srv = server
	return s
}

// ListenAndServe mounts the handlers and serves until ctx is canceled,
// loading TLS certificates for an HTTPS listener when configured
// (spec.md §1's "TLS certificate loading" external collaborator).
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWS)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.Handler())
	s.srv.Handler = mux

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			return err
		}
		s.srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err := net.Listen("tcp", s.srv.Addr)
		if err != nil {
			return err
		}
		s.log.Info("httpapi: listening on %s (TLS enabled)", s.srv.Addr)
		err = s.srv.ServeTLS(ln, "", "")
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}

	s.log.Info("httpapi: listening on %s", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// handleStats serves GET /stats -> {"miners": N, "connections": M}
// (spec.md §4.4/§6). Any other path is left alone, per spec.md §6 ("core
// does not enforce 404").
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.pool.GetStats())
}

// handleWS upgrades the request to a WebSocket, gates it through the rate
// limiter keyed on remote address (supplemented in SPEC_FULL.md §4), and
// hands the connection to the pool to be bound to an Upstream Connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	remote := &net.TCPAddr{}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remote = &net.TCPAddr{IP: net.ParseIP(host)}
	}
	if s.rl != nil && !s.rl.AllowMinerSession(remote) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.rl != nil {
			s.rl.ReleaseMinerSession(remote)
		}
		s.log.Error("httpapi: websocket upgrade failed: %v", err)
		return
	}

	ws := &wsConn{conn: conn}
	miner, err := s.pool.Accept(r.Context(), ws, r.URL.Query())
	if err != nil {
		s.log.Error("httpapi: accept failed for %s: %v", r.RemoteAddr, err)
		_ = conn.Close()
		if s.rl != nil {
			s.rl.ReleaseMinerSession(remote)
		}
		return
	}

	go func() {
		miner.Serve()
		if s.rl != nil {
			s.rl.ReleaseMinerSession(remote)
		}
	}()
}

// wsConn adapts *websocket.Conn to session.WSConn.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
