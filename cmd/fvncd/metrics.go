package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/fakevnc/internal/capture"
	"github.com/matst80/fakevnc/internal/obs"
	"github.com/matst80/fakevnc/internal/web"
)

const (
	defaultRecent = 50
	maxRecent     = 1000
)

// newMetricsMux serves Prometheus metrics plus lightweight dashboard & capture endpoints.
func newMetricsMux(loop loopState, store capture.Store, closing *atomic.Bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		st, err := collectStats(r.Context(), loop, store)
		if err != nil {
			obs.Error("http.stats", obs.Fields{"err": err.Error()})
			http.Error(w, "stats unavailable", http.StatusBadGateway)
			return
		}
		writeJSON(w, st)
	})
	mux.HandleFunc("/api/captures", func(w http.ResponseWriter, r *http.Request) {
		n := defaultRecent
		if v := r.URL.Query().Get("n"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed < 1 {
				http.Error(w, "n must be a positive integer", http.StatusBadRequest)
				return
			}
			n = min(parsed, maxRecent)
		}
		recent, err := store.Recent(r.Context(), n)
		if err != nil {
			obs.Error("http.captures", obs.Fields{"err": err.Error()})
			http.Error(w, "captures unavailable", http.StatusBadGateway)
			return
		}
		if len(recent) > n {
			recent = recent[:n]
		}
		writeJSON(w, recent)
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		st, err := collectStats(r.Context(), loop, store)
		if err != nil {
			http.Error(w, "stats unavailable", http.StatusBadGateway)
			return
		}
		recent, _ := store.Recent(r.Context(), defaultRecent)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", st.ToTemplateMap(recent)); err != nil {
			obs.Error("http.dashboard", obs.Fields{"err": err.Error()})
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-loop.Ready():
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if closing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// startMetricsServer serves h on addr in the background until shut down.
func startMetricsServer(addr string, h http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
		}
	}()
	return srv
}

func stopMetricsServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		obs.Error("metrics.shutdown", obs.Fields{"err": err.Error()})
	}
}
