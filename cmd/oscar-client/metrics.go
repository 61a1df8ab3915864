package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/oscarwire/internal/obs"
	"github.com/matst80/oscarwire/internal/session"
	"github.com/matst80/oscarwire/internal/web"
)

type stateView struct {
	session.Snapshot
	Events    map[string]int `json:"events"`
	LastEvent string         `json:"last_event,omitempty"`
	Now       string         `json:"now"`
}

func collectState(ctx context.Context, s *session.Session, st *clientState) stateView {
	events, last := st.snapshot()
	return stateView{Snapshot: s.Snapshot(ctx), Events: events, LastEvent: last, Now: time.Now().UTC().Format(time.RFC3339)}
}

func (v stateView) toTemplateMap() map[string]any {
	return map[string]any{
		"ID":          v.ID,
		"Connections": v.Connections,
		"Requests":    v.Requests,
		"Cookies":     v.Cookies,
		"Families":    v.Families,
	}
}

// serveMetrics serves Prometheus metrics plus the dashboard and state
// endpoints until ctx ends.
func serveMetrics(ctx context.Context, addr string, s *session.Session, st *clientState) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(collectState(r.Context(), s, st))
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", collectState(r.Context(), s, st).toTemplateMap()); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !st.isReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
		return err
	}
	return nil
}
