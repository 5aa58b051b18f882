package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/matst80/fakevnc/internal/rfb"
)

// Config holds probe runtime configuration.
type Config struct {
	Addr     string
	Host     string // convenience host used when -addr is not given
	Port     int
	Version  string // empty echoes the server's version
	SecType  string // empty picks the first offered type
	Response string // hex, 16 bytes
	Timeout  time.Duration
	Count    int
	Debug    bool
}

func parseConfig(args []string, stderr io.Writer) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("vncprobe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Addr, "addr", "", "server address host:port (overrides -host/-port)")
	fs.StringVar(&cfg.Host, "host", "127.0.0.1", "server host")
	fs.IntVar(&cfg.Port, "port", 5900, "server port")
	fs.StringVar(&cfg.Version, "version", "", "RFB version to reply with, e.g. 3.3 (default: echo the server)")
	fs.StringVar(&cfg.SecType, "sectype", "", "security type to select on 3.7+ (default: first offered)")
	fs.StringVar(&cfg.Response, "response", "", "hex encoded 16 byte challenge response (default: zeros)")
	fs.DurationVar(&cfg.Timeout, "timeout", 5*time.Second, "time limit for one handshake")
	fs.IntVar(&cfg.Count, "n", 1, "number of handshakes to run")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	addrSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "addr" {
			addrSet = true
		}
	})
	if !addrSet {
		cfg.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}
	if cfg.Count < 1 {
		return cfg, fmt.Errorf("-n %d: must be positive", cfg.Count)
	}
	_, err := cfg.options()
	return cfg, err
}

// options converts the textual settings into probe options.
func (c Config) options() (rfb.ProbeOptions, error) {
	var opts rfb.ProbeOptions
	if c.Version != "" {
		idx, err := rfb.ParseVersion(c.Version)
		if err != nil {
			return opts, fmt.Errorf("version %q: %w", c.Version, err)
		}
		opts.VersionMessage = rfb.Versions[idx].Message()
	}
	if c.SecType != "" {
		id, err := rfb.LookupSecType(c.SecType)
		if err != nil {
			return opts, fmt.Errorf("sectype %q: %w", c.SecType, err)
		}
		opts.SecType = id
	}
	if c.Response != "" {
		b, err := hex.DecodeString(c.Response)
		if err != nil {
			return opts, fmt.Errorf("response: %w", err)
		}
		if len(b) != rfb.ChallengeSize {
			return opts, fmt.Errorf("response: %d bytes, want %d", len(b), rfb.ChallengeSize)
		}
		opts.Response = b
	}
	return opts, nil
}
