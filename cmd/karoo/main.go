// wsproxy bridges browser-side WebSocket miners to upstream Stratum-style
// mining pools, multiplexing many miners onto a small number of upstream
// connections and optionally interleaving donation mining.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minepool/wsproxy/internal/httpapi"
	"github.com/minepool/wsproxy/internal/metrics"
	"github.com/minepool/wsproxy/internal/pool"
	"github.com/minepool/wsproxy/internal/proxysocks"
	"github.com/minepool/wsproxy/internal/ratelimit"
	"github.com/minepool/wsproxy/internal/upstream"
	"github.com/minepool/wsproxy/internal/vardiff"
	"github.com/minepool/wsproxy/pkg/logger"
)

// Config is the single JSON configuration value loaded at startup,
// covering every option spec.md §6 recognizes plus the ambient
// TLS/HTTP/vardiff/ratelimit stack the core's external collaborators own.
type Config struct {
	Pool pool.Config `json:"pool"`
	HTTP struct {
		Listen     string `json:"listen"`
		Path       string `json:"path"`
		CertFile   string `json:"cert_file"`
		KeyFile    string `json:"key_file"`
		ReadBufKB  int    `json:"read_buf_kb"`
		WriteBufKB int    `json:"write_buf_kb"`
	} `json:"http"`
	Upstream struct {
		InsecureSkipVerify bool `json:"insecure_skip_verify"`
		SocksProxy         proxysocks.Config `json:"socks_proxy"`
	} `json:"upstream"`
	KeepaliveSeconds int `json:"keepalive_seconds"`
	VarDiff          struct {
		Enabled       bool `json:"enabled"`
		TargetSeconds int  `json:"target_seconds"`
		MinDiff       int  `json:"min_diff"`
		MaxDiff       int  `json:"max_diff"`
		AdjustEveryMs int  `json:"adjust_every_ms"`
	} `json:"vardiff"`
	RateLimit struct {
		Enabled                 bool `json:"enabled"`
		MaxConnectionsPerIP     int  `json:"max_connections_per_ip"`
		MaxConnectionsPerMinute int  `json:"max_connections_per_minute"`
		BanDurationSeconds      int  `json:"ban_duration_seconds"`
		CleanupIntervalSeconds  int  `json:"cleanup_interval_seconds"`
	} `json:"ratelimit"`
	MetricsNamespace string `json:"metrics_namespace"`
}

func main() {
	cfgFile := flag.String("config", "config.json", "Path to configuration file")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Println("wsproxy v0.0.1")
		os.Exit(0)
	}

	cfg, err := loadConfig(*cfgFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg := logger.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := ratelimit.NewLimiter(&ratelimit.Config{
		Enabled:                 cfg.RateLimit.Enabled,
		MaxConnectionsPerIP:     cfg.RateLimit.MaxConnectionsPerIP,
		MaxConnectionsPerMinute: cfg.RateLimit.MaxConnectionsPerMinute,
		BanDurationSeconds:      cfg.RateLimit.BanDurationSeconds,
		CleanupIntervalSeconds:  cfg.RateLimit.CleanupIntervalSeconds,
	}, lg)

	mx := metrics.NewCollector(cfg.MetricsNamespace)

	var dial upstream.DialFunc
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.Upstream.InsecureSkipVerify}
	if cfg.Upstream.SocksProxy.Enabled {
		socksDialer, err := proxysocks.NewProxyDialer(&cfg.Upstream.SocksProxy)
		if err != nil {
			lg.Error("socks proxy config: %v", err)
			os.Exit(1)
		}
		dial = socksDialer.UpstreamDial(tlsCfg)
	} else {
		dial = upstream.DefaultDial(tlsCfg)
	}

	cfg.Pool.KeepaliveInterval = time.Duration(cfg.KeepaliveSeconds) * time.Second

	p := pool.New(cfg.Pool, dial, lg, time.Now, mx)

	if cfg.VarDiff.Enabled {
		vd := vardiff.NewManager(&vardiff.Config{
			Enabled:       cfg.VarDiff.Enabled,
			TargetSeconds: cfg.VarDiff.TargetSeconds,
			MinDiff:       cfg.VarDiff.MinDiff,
			MaxDiff:       cfg.VarDiff.MaxDiff,
			AdjustEveryMs: cfg.VarDiff.AdjustEveryMs,
		})
		p.EnableVardiff(vd)
		go vd.Run(ctx)
	}

	srv := httpapi.New(httpapi.Config{
		Listen:     cfg.HTTP.Listen,
		Path:       cfg.HTTP.Path,
		CertFile:   cfg.HTTP.CertFile,
		KeyFile:    cfg.HTTP.KeyFile,
		ReadBufKB:  cfg.HTTP.ReadBufKB,
		WriteBufKB: cfg.HTTP.WriteBufKB,
	}, p, lg, rl, nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go p.RunPurge(ctx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(ctx) }()

	select {
	case <-sigCh:
		lg.Info("shutting down...")
	case err := <-serveErr:
		if err != nil {
			lg.Error("http server error: %v", err)
		}
	}

	cancel()
	p.Kill()
	lg.Info("shutdown complete")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = "0.0.0.0:3333"
	}
	if cfg.HTTP.Path == "" {
		cfg.HTTP.Path = "/"
	}
	if cfg.Pool.MaxMinersPerConnection == 0 {
		cfg.Pool.MaxMinersPerConnection = 100
	}
	if cfg.Pool.Port == 0 {
		cfg.Pool.Port = 3333
	}
	if cfg.VarDiff.MinDiff == 0 {
		cfg.VarDiff.MinDiff = 1
	}
	if cfg.VarDiff.MaxDiff == 0 {
		cfg.VarDiff.MaxDiff = 65536
	}
	if cfg.VarDiff.TargetSeconds == 0 {
		cfg.VarDiff.TargetSeconds = 15
	}
	if cfg.VarDiff.AdjustEveryMs == 0 {
		cfg.VarDiff.AdjustEveryMs = 60000
	}
	if cfg.KeepaliveSeconds == 0 {
		cfg.KeepaliveSeconds = 60
	}

	if cfg.Pool.Host == "" {
		return nil, fmt.Errorf("pool.host is required")
	}

	for i, d := range cfg.Pool.Donations {
		if d.Percentage <= 0 || d.Percentage > 1 {
			return nil, fmt.Errorf("pool.donations[%d].percentage must be in (0, 1]", i)
		}
	}

	return &cfg, nil
}
