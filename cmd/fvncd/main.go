// Command fvncd is a decoy VNC server. It answers the RFB handshake far enough
// to record who connected and what they sent, then hangs up.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/matst80/fakevnc/internal/capture"
	"github.com/matst80/fakevnc/internal/listener"
	"github.com/matst80/fakevnc/internal/obs"
	"github.com/matst80/fakevnc/internal/rfb"
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fvncd: %v\n", err)
		os.Exit(2)
	}
	obs.Configure(cfg.LogFormat, cfg.Debug)
	os.Exit(run(cfg))
}

// run wires the daemon together and returns the process exit code. Every
// exit path, fatal or not, goes through cleanup.
func run(cfg Config) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		cleanups = nil
		obs.Sync()
	}
	fatal := func(msg string, err error) int {
		obs.Error(msg, obs.Fields{"err": err.Error()})
		cleanup()
		return 1
	}

	hs, err := rfb.NewHandshaker(cfg.handshake())
	if err != nil {
		return fatal("fvncd.handshaker", err)
	}
	store, err := newCaptureStore(cfg)
	if err != nil {
		return fatal("fvncd.capture_store", err)
	}
	cleanups = append(cleanups, func() {
		if err := store.Close(); err != nil {
			obs.Error("fvncd.capture_store_close", obs.Fields{"err": err.Error()})
		}
	})

	rec := capture.NewRecorder(store, 0)
	recCtx, recCancel := context.WithCancel(context.Background())
	go rec.Run(recCtx)
	cleanups = append(cleanups, func() {
		recCancel()
		<-rec.Done()
	})

	opts := cfg.listenerOptions()
	opts.Handshaker = hs
	opts.Recorder = rec
	opts.Limiter = cfg.limiter()
	loop, err := listener.New(opts)
	if err != nil {
		return fatal("fvncd.listener", err)
	}
	cleanups = append(cleanups, loop.Shutdown)

	var closing atomic.Bool
	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = startMetricsServer(cfg.MetricsAddr, newMetricsMux(loop, store, &closing))
		cleanups = append(cleanups, func() { stopMetricsServer(srv) })
	}

	obs.Info("fvncd.start", obs.Fields{
		"listen":      cfg.Host,
		"port":        cfg.Port,
		"max_clients": cfg.MaxClients,
		"wait":        cfg.WaitTime,
		"version":     cfg.Version,
		"sectype":     cfg.SecType,
		"metrics":     cfg.MetricsAddr,
	})
	if err := loop.Run(ctx); err != nil {
		closing.Store(true)
		return fatal("fvncd.loop", err)
	}
	closing.Store(true)
	obs.Info("fvncd.shutdown", obs.Fields{"pending_captures": rec.Pending()})
	cleanup()
	return 0
}
