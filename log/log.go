// Package log is the process-wide logger. It wraps a zap logger and keeps the
// printf-style call sites (log.ErrorContextf(ctx, ...)) used across the
// coordinator, with fields carried through the context.
package log

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, encoding and destination. A non-empty Filename
// enables size based rotation through lumberjack.
type Config struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Filename   string `yaml:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

var global atomic.Pointer[zap.Logger]

func init() {
	l, err := New(Config{Level: levelFromEnv(), Format: "console"})
	if err != nil {
		l = zap.NewNop()
	}
	global.Store(l)
}

func levelFromEnv() string {
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		return l
	}
	return "info"
}

// New builds a zap logger from cfg without installing it.
func New(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	var enc zapcore.Encoder
	if strings.EqualFold(cfg.Format, "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var ws zapcore.WriteSyncer
	switch strings.ToLower(cfg.Filename) {
	case "", "stderr":
		ws = zapcore.Lock(os.Stderr)
	case "stdout":
		ws = zapcore.Lock(os.Stdout)
	default:
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}

	return zap.New(zapcore.NewCore(enc, ws, level), zap.AddCaller()), nil
}

// Init installs a logger built from cfg as the process logger.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	SetLogger(l)
	return nil
}

// SetLogger replaces the process logger. Tests use it with zaptest/observer.
func SetLogger(l *zap.Logger) {
	global.Store(l)
}

// L returns the process logger.
func L() *zap.Logger {
	return global.Load()
}

func Sync() error {
	return L().Sync()
}

type fieldsKey struct{}

// WithFields returns a context whose log lines carry fields.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	prev, _ := ctx.Value(fieldsKey{}).([]zap.Field)
	merged := make([]zap.Field, 0, len(prev)+len(fields))
	merged = append(merged, prev...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// WithXid tags log lines emitted under ctx with the transaction id.
func WithXid(ctx context.Context, x fmt.Stringer) context.Context {
	return WithFields(ctx, zap.Stringer("xid", x))
}

func fromContext(ctx context.Context) *zap.SugaredLogger {
	l := L().WithOptions(zap.AddCallerSkip(1))
	if fields, ok := ctx.Value(fieldsKey{}).([]zap.Field); ok {
		l = l.With(fields...)
	}
	return l.Sugar()
}

func Debugf(format string, args ...interface{}) { fromContext(context.Background()).Debugf(format, args...) }
func Infof(format string, args ...interface{})  { fromContext(context.Background()).Infof(format, args...) }
func Warnf(format string, args ...interface{})  { fromContext(context.Background()).Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { fromContext(context.Background()).Errorf(format, args...) }

func DebugContextf(ctx context.Context, format string, args ...interface{}) {
	fromContext(ctx).Debugf(format, args...)
}

func InfoContextf(ctx context.Context, format string, args ...interface{}) {
	fromContext(ctx).Infof(format, args...)
}

func WarnContextf(ctx context.Context, format string, args ...interface{}) {
	fromContext(ctx).Warnf(format, args...)
}

func ErrorContextf(ctx context.Context, format string, args ...interface{}) {
	fromContext(ctx).Errorf(format, args...)
}
