package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shurlinet/holepunch/internal/config"
	"github.com/shurlinet/holepunch/pkg/holepunch"
)

// tickInterval is how often the engine's Tick is driven — the daemon's
// event loop has no blocking wait of its own (spec.md §5: Tick never
// blocks), so a ticker supplies the cadence.
const tickInterval = 20 * time.Millisecond

func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to holepunchd config file (required)")
	fs.Parse(args)

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "run: -config is required")
		osExit(1)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		osExit(1)
		return
	}

	family := holepunch.FamilyV4
	if cfg.Network.Family == "v6" {
		family = holepunch.FamilyV6
	}

	stunHosts := make([]holepunch.UnresolvedEndpoint, 0, len(cfg.STUN.Hosts))
	for _, h := range cfg.STUN.Hosts {
		stunHosts = append(stunHosts, holepunch.UnresolvedEndpoint{Host: h.Host, Port: h.Port})
	}

	metrics := holepunch.NewMetrics()

	cb := holepunch.Callbacks{
		OnConnect: func(s *holepunch.Server, c *holepunch.Connection) {
			slog.Info("connected", "peer", c.RemoteEndpoint())
		},
		OnHolePunchFail: func(s *holepunch.Server, endpoint holepunch.Endpoint) {
			slog.Warn("hole punch failed", "peer", endpoint)
		},
		OnDisconnect: func(s *holepunch.Server, c *holepunch.Connection) {
			slog.Info("disconnected", "peer", c.RemoteEndpoint())
		},
		OnReceiveReliable: func(s *holepunch.Server, data []byte, c *holepunch.Connection) {
			slog.Debug("received reliable data", "peer", c.RemoteEndpoint(), "bytes", len(data))
		},
		OnReceiveUnreliable: func(s *holepunch.Server, data []byte, c *holepunch.Connection) {
			slog.Debug("received unreliable data", "peer", c.RemoteEndpoint(), "bytes", len(data))
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := holepunch.NewServer(ctx, family, cfg.Network.Listen, cfg.Network.Port, stunHosts, metrics, cb)
	if err != nil {
		slog.Error("failed to start server", "error", err)
		osExit(1)
		return
	}

	if cfg.Telemetry.Metrics.Enabled {
		go serveMetrics(cfg.Telemetry.Metrics.ListenAddress, metrics)
	}

	slog.Info("holepunchd started",
		"local", srv.GetLocalEndpoint(),
		"family", family,
		"listen", cfg.Network.Listen,
	)
	if ext, ok := srv.GetExternalEndpoint(); ok {
		slog.Info("stun discovery complete", "external", ext)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			slog.Info("shutting down")
			srv.Close()
			return
		case <-ticker.C:
			if err := srv.Tick(); err != nil {
				slog.Error("fatal tick error, server closed", "error", err)
				return
			}
		}
	}
}

func serveMetrics(addr string, m *holepunch.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	slog.Info("serving metrics", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server stopped", "error", err)
	}
}
