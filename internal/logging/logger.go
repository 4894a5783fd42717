package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global   = zap.NewNop()
	globalMu sync.RWMutex
)

// New builds a JSON logger at the level named in the server config.
// Unrecognized level strings fall back to info.
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	// skip the package-level wrappers so caller points at the call site
	return cfg.Build(zap.AddCallerSkip(1))
}

// SetGlobal installs the process logger used by the package-level
// functions. Before it is called they are no-ops.
func SetGlobal(l *zap.Logger) {
	globalMu.Lock()
	global = l
	globalMu.Unlock()
}

func logger() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

func Debug(msg string, fields ...zap.Field) { logger().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { logger().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { logger().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { logger().Error(msg, fields...) }

// Sync flushes buffered entries; called on shutdown.
func Sync() {
	logger().Sync()
}
