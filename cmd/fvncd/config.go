package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matst80/fakevnc/internal/listener"
	"github.com/matst80/fakevnc/internal/ratelimit"
	"github.com/matst80/fakevnc/internal/rfb"
)

// Config holds all runtime configuration derived from flags and an optional TOML file.
type Config struct {
	MaxClients     int    `toml:"max_clients"`
	WaitTime       int    `toml:"wait_time"` // seconds
	Version        string `toml:"version"`
	SecType        string `toml:"sectype"`
	Host           string `toml:"listen"`
	Port           int    `toml:"port"`
	MetricsAddr    string `toml:"metrics"`
	Debug          bool   `toml:"debug"`
	LogFormat      string `toml:"log_format"`
	RedisAddr      string `toml:"redis"`
	RedisPassword  string `toml:"redis_password"`
	RedisDB        int    `toml:"redis_db"`
	RedisKey       string `toml:"redis_key"`
	SQLitePath     string `toml:"sqlite"`
	MemoryCaptures int    `toml:"memory_captures"`
	RateGlobal     int    `toml:"rate_global"`
	RateSource     int    `toml:"rate_source"`
	RateBurst      int    `toml:"rate_burst"`

	ConfigFile string `toml:"-"`
}

func defaultConfig() Config {
	return Config{
		MaxClients:     listener.DefaultMaxClients,
		WaitTime:       int(listener.DefaultWaitTime / time.Second),
		Version:        "3.8",
		SecType:        "vnc",
		Port:           listener.DefaultPort,
		MetricsAddr:    ":9100",
		LogFormat:      "json",
		RedisKey:       "fakevnc",
		MemoryCaptures: 1000,
		RateBurst:      5,
	}
}

// register binds flags to c, using c's current values as defaults.
func (c *Config) register(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "TOML config file; flags given explicitly override it")
	fs.IntVar(&c.MaxClients, "c", c.MaxClients, "maximum poll slots, listening sockets included")
	fs.IntVar(&c.WaitTime, "w", c.WaitTime, "seconds an idle connection is kept open")
	fs.StringVar(&c.Version, "v", c.Version, "RFB version announced to clients (3.3, 3.7 or 3.8)")
	fs.StringVar(&c.SecType, "t", c.SecType, "security type forced on 3.3 clients")
	fs.StringVar(&c.Host, "listen", c.Host, "address or host name to listen on (default all addresses)")
	fs.IntVar(&c.Port, "port", c.Port, "TCP port to listen on")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "metrics and health listen address; empty disables")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logs")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log encoding: json or console")
	fs.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "Redis address for captures (e.g. localhost:6379)")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "Redis database number")
	fs.StringVar(&c.RedisKey, "redis-key", c.RedisKey, "prefix for Redis keys")
	fs.StringVar(&c.SQLitePath, "sqlite", c.SQLitePath, "SQLite database file for captures")
	fs.IntVar(&c.MemoryCaptures, "memory-captures", c.MemoryCaptures, "captures kept in memory (and in the Redis list)")
	fs.IntVar(&c.RateGlobal, "rate-global", c.RateGlobal, "accepted connections per second over all sources; 0 disables")
	fs.IntVar(&c.RateSource, "rate-source", c.RateSource, "accepted connections per second per source address; 0 disables")
	fs.IntVar(&c.RateBurst, "rate-burst", c.RateBurst, "burst size for the connection rate limits")
}

// loadConfig parses args, overlays the config file if one is named and then
// re-applies the flags so explicit values win.
func loadConfig(args []string, stderr io.Writer) (Config, error) {
	cfg := defaultConfig()
	fs := flag.NewFlagSet("fvncd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.register(fs)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if cfg.ConfigFile != "" {
		path := cfg.ConfigFile
		fileCfg := defaultConfig()
		if _, err := toml.DecodeFile(path, &fileCfg); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		fileCfg.ConfigFile = path
		fs = flag.NewFlagSet("fvncd", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		fileCfg.register(fs)
		if err := fs.Parse(args); err != nil {
			return cfg, err
		}
		cfg = fileCfg
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	if c.MaxClients < 2 {
		errs = append(errs, fmt.Errorf("max clients %d: need at least 2", c.MaxClients))
	}
	if c.WaitTime < 1 {
		errs = append(errs, fmt.Errorf("wait time %d: must be positive", c.WaitTime))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if _, err := rfb.ParseVersion(c.Version); err != nil {
		errs = append(errs, fmt.Errorf("version %q: %w", c.Version, err))
	}
	if _, err := rfb.LookupSecType(c.SecType); err != nil {
		errs = append(errs, fmt.Errorf("security type %q: %w", c.SecType, err))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("log format %q: want json or console", c.LogFormat))
	}
	if c.MemoryCaptures < 1 {
		errs = append(errs, fmt.Errorf("memory captures %d: must be positive", c.MemoryCaptures))
	}
	if c.RateGlobal < 0 || c.RateSource < 0 || c.RateBurst < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	return errors.Join(errs...)
}

// handshake returns the handshaker settings; c must be valid.
func (c Config) handshake() rfb.Config {
	version, _ := rfb.ParseVersion(c.Version)
	sectype, _ := rfb.LookupSecType(c.SecType)
	return rfb.Config{Version: version, SecType: sectype}
}

// limiter returns nil when no limit is configured.
func (c Config) limiter() *ratelimit.Limiter {
	if c.RateGlobal == 0 && c.RateSource == 0 {
		return nil
	}
	return ratelimit.New(c.RateGlobal, c.RateSource, c.RateBurst)
}

func (c Config) listenerOptions() listener.Options {
	return listener.Options{
		Host:       c.Host,
		Port:       c.Port,
		MaxClients: c.MaxClients,
		WaitTime:   time.Duration(c.WaitTime) * time.Second,
	}
}
