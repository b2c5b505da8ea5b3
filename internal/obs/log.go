package obs

import (
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Fields carries structured context for a log event.
type Fields map[string]any

// LogConfig selects level and encoding for the process logger.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or console
}

var (
	base  atomic.Pointer[zap.Logger]
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	l, err := build(LogConfig{Format: "json"})
	if err != nil {
		l = zap.NewNop()
	}
	base.Store(l)
}

// Setup replaces the process logger. Unknown levels are rejected.
func Setup(cfg LogConfig) error {
	var lv zapcore.Level
	if err := lv.UnmarshalText([]byte(cfg.Level)); err != nil && cfg.Level != "" {
		return err
	}
	if cfg.Level != "" {
		level.SetLevel(lv)
	}
	l, err := build(cfg)
	if err != nil {
		return err
	}
	if old := base.Swap(l); old != nil {
		_ = old.Sync()
	}
	return nil
}

// SetLogger installs l directly; tests use it with zaptest/observer cores.
func SetLogger(l *zap.Logger) { base.Store(l) }

// Logger exposes the underlying zap logger.
func Logger() *zap.Logger { return base.Load() }

// Sync flushes buffered entries.
func Sync() { _ = base.Load().Sync() }

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		level.SetLevel(zapcore.DebugLevel)
		return
	}
	level.SetLevel(zapcore.InfoLevel)
}

func build(cfg LogConfig) (*zap.Logger, error) {
	zc := zap.Config{
		Level:             level,
		Encoding:          "json",
		EncoderConfig:     zap.NewProductionEncoderConfig(),
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.MessageKey = "msg"
	zc.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	if cfg.Format == "console" {
		zc.Development = true
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zc.Build(zap.AddCallerSkip(2))
}

func (f Fields) zap() []zap.Field {
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
		if err, ok := f[k].(error); ok {
			out = append(out, zap.String(k, err.Error()))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}

func logWith(lv zapcore.Level, msg string, f Fields) {
	l := base.Load()
	if ce := l.Check(lv, msg); ce != nil {
		ce.Write(f.zap()...)
	}
}

func Info(msg string, f Fields)  { logWith(zapcore.InfoLevel, msg, f) }
func Warn(msg string, f Fields)  { logWith(zapcore.WarnLevel, msg, f) }
func Error(msg string, f Fields) { logWith(zapcore.ErrorLevel, msg, f) }
func Debug(msg string, f Fields) { logWith(zapcore.DebugLevel, msg, f) }
