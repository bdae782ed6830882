package logx

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level = zapcore.Level

const (
	LevelDebug = zapcore.DebugLevel
	LevelInfo  = zapcore.InfoLevel
	LevelWarn  = zapcore.WarnLevel
	LevelError = zapcore.ErrorLevel
)

var (
	level  = zap.NewAtomicLevelAt(LevelInfo)
	logger atomic.Pointer[zap.SugaredLogger]
)

func init() {
	logger.Store(build(os.Getenv("SEALVAULT_LOG_DEV") == "1").Sugar())
}

func ParseLevel(v string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", v)
	}
}

func SetLevel(v string) error {
	lvl, err := ParseLevel(v)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

// Configure resolves log level from flags and env.
// Precedence: --log-level > --verbose > SEALVAULT_LOG_LEVEL > default(info).
func Configure(flagLevel string, verbose bool) error {
	if strings.TrimSpace(flagLevel) != "" {
		return SetLevel(flagLevel)
	}
	if verbose {
		return SetLevel("debug")
	}
	if env := strings.TrimSpace(os.Getenv("SEALVAULT_LOG_LEVEL")); env != "" {
		return SetLevel(env)
	}
	return SetLevel("info")
}

func build(dev bool) *zap.Logger {
	if dev {
		enc := zap.NewDevelopmentEncoderConfig()
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), level)
		return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(os.Stderr), level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(LevelError))
}

// Replace swaps the process logger, returning a func that restores the previous one.
// Tests use it with zaptest/observer cores.
func Replace(l *zap.Logger) func() {
	prev := logger.Swap(l.Sugar())
	return func() { logger.Store(prev) }
}

// With returns a structured child logger carrying the given key/value pairs.
func With(args ...any) *zap.SugaredLogger {
	return logger.Load().Desugar().WithOptions(zap.AddCallerSkip(-1)).Sugar().With(args...)
}

// Sync flushes buffered log entries.
func Sync() {
	_ = logger.Load().Sync()
}

func IsDebug() bool {
	return level.Enabled(LevelDebug)
}

func Debugf(format string, args ...any) { logger.Load().Debugf(format, args...) }
func Infof(format string, args ...any)  { logger.Load().Infof(format, args...) }
func Warnf(format string, args ...any)  { logger.Load().Warnf(format, args...) }
func Errorf(format string, args ...any) { logger.Load().Errorf(format, args...) }
