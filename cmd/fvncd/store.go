package main

import (
	"github.com/matst80/fakevnc/internal/capture"
	"github.com/matst80/fakevnc/internal/obs"
)

// newCaptureStore picks Redis, then SQLite, then memory, based on configuration.
func newCaptureStore(cfg Config) (capture.Store, error) {
	switch {
	case cfg.RedisAddr != "":
		obs.Info("capture.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr, "key": cfg.RedisKey})
		return capture.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKey, cfg.MemoryCaptures)
	case cfg.SQLitePath != "":
		obs.Info("capture.backend", obs.Fields{"type": "sqlite", "path": cfg.SQLitePath})
		return capture.NewSQLiteStore(cfg.SQLitePath)
	default:
		obs.Info("capture.backend", obs.Fields{"type": "in-memory", "keep": cfg.MemoryCaptures})
		return capture.NewMemoryStore(cfg.MemoryCaptures), nil
	}
}
