package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/oscarwire/internal/obs"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("flapd.start", obs.Fields{"listen": cfg.ListenAddr, "metrics": cfg.MetricsAddr})
	state := newServerState()
	r := &reflector{state: state, params: defaultParams(uint32(cfg.RateWindow))}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		obs.Error("listen.flap", obs.Fields{"err": err.Error(), "addr": cfg.ListenAddr})
		os.Exit(1)
	}
	defer ln.Close()

	go startMetricsServer(cfg.MetricsAddr, state)
	go runCleanupLoop(ctx, state, cfg.CleanupInterval, cfg.IdleTimeout)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); acceptLoop(ctx, ln, r, &wg) }()

	state.setReady(true)
	obs.Info("flapd.ready", obs.Fields{})

	<-ctx.Done()
	obs.Info("flapd.shutdown.signal", obs.Fields{})
	state.setClosing(true)
	_ = ln.Close()
	state.sweepStale(0)
	wg.Wait()
	obs.Info("flapd.shutdown.complete", obs.Fields{})
}

func acceptLoop(ctx context.Context, ln net.Listener, r *reflector, wg *sync.WaitGroup) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.flap.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		wg.Add(1)
		go func() { defer wg.Done(); r.serve(c) }()
	}
}

func runCleanupLoop(ctx context.Context, state *serverState, interval, maxIdle time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := state.sweepStale(maxIdle); n > 0 {
				obs.Info("flapd.cleanup", obs.Fields{"closed": n})
			}
		}
	}
}

// startMetricsServer serves Prometheus metrics, server stats and health endpoints.
func startMetricsServer(addr string, state *serverState) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(state.stats())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !state.isServing() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
