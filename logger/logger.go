package logger

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Field = zap.Field

var base atomic.Pointer[zap.Logger]

func init() { base.Store(zap.NewNop()) }

// Init installs a JSON logger writing to stdout at the given level.
// Until Init is called every entry is discarded.
func Init(level string, development bool) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.Encoding = "json"
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stdout"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	base.Store(l)
	return nil
}

// Set replaces the underlying logger. Tests use it with zaptest/observer.
func Set(l *zap.Logger) { base.Store(l) }

func Info(msg string, fields ...Field) { base.Load().Info(msg, fields...) }

func Warn(msg string, fields ...Field) { base.Load().Warn(msg, fields...) }

func Error(msg string, err error, fields ...Field) {
	base.Load().Error(msg, append(fields, zap.Error(err))...)
}

func Debug(msg string, fields ...Field) { base.Load().Debug(msg, fields...) }

func FieldKV(key string, value interface{}) Field { return zap.Any(key, value) }

// Sugar exposes a printf-style logger for libraries that want one.
func Sugar() *zap.SugaredLogger { return base.Load().WithOptions(zap.AddCallerSkip(-1)).Sugar() }

func Sync() { _ = base.Load().Sync() }
