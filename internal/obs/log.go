package obs

import (
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu           sync.RWMutex
	base         = newLogger("json", false)
	debugEnabled bool
)

type Fields map[string]any

// Configure rebuilds the global logger. format is "json" (default) or "console".
func Configure(format string, debug bool) {
	l := newLogger(format, debug)
	mu.Lock()
	base = l
	debugEnabled = debug
	mu.Unlock()
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	debugEnabled = v
	mu.Unlock()
}

// SetLogger swaps the underlying zap logger (tests hook an observer core here)
// and returns a func restoring the previous one.
func SetLogger(l *zap.Logger) (restore func()) {
	mu.Lock()
	prev := base
	base = l
	mu.Unlock()
	return func() {
		mu.Lock()
		base = prev
		mu.Unlock()
	}
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	l := base
	mu.RUnlock()
	_ = l.Sync()
}

func newLogger(format string, debug bool) *zap.Logger {
	var zc zap.Config
	if format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		zc.Sampling = nil
	}
	zc.OutputPaths = []string{"stdout"}
	zc.DisableStacktrace = true
	zc.DisableCaller = true
	if debug {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		zc.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	l, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func toZap(f Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}

func logWith(level zapcore.Level, msg string, f Fields) {
	mu.RLock()
	l := base
	mu.RUnlock()
	if ce := l.Check(level, msg); ce != nil {
		ce.Write(toZap(f)...)
	}
}

func Info(msg string, f Fields)  { logWith(zapcore.InfoLevel, msg, f) }
func Warn(msg string, f Fields)  { logWith(zapcore.WarnLevel, msg, f) }
func Error(msg string, f Fields) { logWith(zapcore.ErrorLevel, msg, f) }
func Debug(msg string, f Fields) {
	mu.RLock()
	on := debugEnabled
	mu.RUnlock()
	if on {
		logWith(zapcore.DebugLevel, msg, f)
	}
}
