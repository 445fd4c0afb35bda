package ioreactor

import (
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// LogLevel mirrors muduo's Logger::LogLevel gradation.
type LogLevel int32

const (
	LevelTrace LogLevel = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// Logger is the small pluggable sink the core logs through. The default
// implementation wraps zap; a caller may install any implementation via
// SetLogger.
type Logger interface {
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	// Fatalf logs at FATAL and then aborts the process with a
	// source-annotated diagnostic.
	Fatalf(format string, args ...interface{})
}

var processLogLevel int32 = int32(LevelInfo)

// SetLogLevel sets the process-wide level below which the default
// zap-backed Logger drops Tracef, Debugf and Infof calls. A Logger installed
// via SetLogger receives every call; the level is not applied to it.
func SetLogLevel(level LogLevel) {
	atomic.StoreInt32(&processLogLevel, int32(level))
}

func currentLogLevel() LogLevel {
	return LogLevel(atomic.LoadInt32(&processLogLevel))
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

func newDefaultLogger() Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	// Let processLogLevel alone decide whether Trace/Debug output is shown.
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fall back to a no-op-safe logger rather than abort construction
		// over a logging backend failure.
		l = zap.NewNop()
	}
	return &zapLogger{sugar: l.Sugar()}
}

func (z *zapLogger) Tracef(format string, args ...interface{}) {
	if currentLogLevel() <= LevelTrace {
		z.sugar.Debugf(format, args...)
	}
}

func (z *zapLogger) Debugf(format string, args ...interface{}) {
	if currentLogLevel() <= LevelDebug {
		z.sugar.Debugf(format, args...)
	}
}

func (z *zapLogger) Infof(format string, args ...interface{}) {
	if currentLogLevel() <= LevelInfo {
		z.sugar.Infof(format, args...)
	}
}

func (z *zapLogger) Warnf(format string, args ...interface{}) {
	z.sugar.Warnf(format, args...)
}

func (z *zapLogger) Errorf(format string, args ...interface{}) {
	z.sugar.Errorf(format, args...)
}

func (z *zapLogger) Fatalf(format string, args ...interface{}) {
	z.sugar.Errorf(format, args...)
	os.Exit(1)
}

var (
	loggerMu     sync.RWMutex
	globalLogger Logger = newDefaultLogger()
)

// SetLogger installs a process-wide replacement Logger.
func SetLogger(l Logger) {
	loggerMu.Lock()
	globalLogger = l
	loggerMu.Unlock()
}

// L returns the currently-installed process-wide Logger.
func L() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return globalLogger
}
