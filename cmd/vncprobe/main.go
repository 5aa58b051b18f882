// Command vncprobe runs the client side of an RFB handshake against a server
// and prints what the server revealed, one JSON object per attempt.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/fakevnc/internal/obs"
	"github.com/matst80/fakevnc/internal/rfb"
)

// Report is the printed outcome of one probe.
type Report struct {
	Addr          string   `json:"addr"`
	ServerVersion string   `json:"server_version,omitempty"`
	Version       string   `json:"version"`
	Offered       []string `json:"offered,omitempty"`
	SecType       string   `json:"sectype"`
	Challenge     string   `json:"challenge,omitempty"`
	Status        *uint32  `json:"status,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Error         string   `json:"error,omitempty"`
}

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "vncprobe: %v\n", err)
		os.Exit(2)
	}
	obs.Configure("console", cfg.Debug)
	defer obs.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if failed := run(ctx, cfg, os.Stdout); failed > 0 {
		obs.Error("probe.failed", obs.Fields{"addr": cfg.Addr, "failed": failed, "total": cfg.Count})
		os.Exit(1)
	}
}

// run probes cfg.Count times and returns how many attempts failed.
func run(ctx context.Context, cfg Config, out io.Writer) int {
	opts, err := cfg.options()
	if err != nil {
		obs.Error("probe.options", obs.Fields{"err": err.Error()})
		return cfg.Count
	}
	enc := json.NewEncoder(out)
	failed := 0
	for i := 0; i < cfg.Count && ctx.Err() == nil; i++ {
		rep := probeOnce(ctx, cfg, opts)
		if rep.Error != "" {
			failed++
		}
		obs.Debug("probe.done", obs.Fields{"attempt": i + 1, "addr": cfg.Addr, "err": rep.Error})
		_ = enc.Encode(rep)
	}
	return failed
}

func probeOnce(ctx context.Context, cfg Config, opts rfb.ProbeOptions) Report {
	rep := Report{Addr: cfg.Addr}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	defer conn.Close()

	res, err := rfb.Probe(ctx, conn, opts)
	rep.ServerVersion = res.ServerVersion
	rep.Version = rfb.VersionLabel(res.Version)
	rep.SecType = rfb.SecTypeLabel(res.SecType)
	for _, id := range res.Offered {
		rep.Offered = append(rep.Offered, rfb.SecTypeLabel(id))
	}
	if len(res.Challenge) > 0 {
		rep.Challenge = hex.EncodeToString(res.Challenge)
	}
	if res.HasStatus {
		st := res.Status
		rep.Status = &st
	}
	rep.Reason = res.Reason
	if err != nil {
		rep.Error = err.Error()
	}
	return rep
}
