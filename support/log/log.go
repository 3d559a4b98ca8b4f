package log

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging interface used throughout the engine.
type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
}

var (
	rootOnce sync.Once
	rootLog  *zap.SugaredLogger
)

// RootLogger returns the process-wide root logger. The log level is taken
// from the WFNET_LOG_LEVEL environment variable (debug, info, warn, error)
// and defaults to info.
func RootLogger() Logger {
	rootOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(levelFromEnv())
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.DisableStacktrace = true

		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		rootLog = l.Sugar()
	})
	return rootLog
}

// ChildLogger returns a named logger derived from the root logger.
func ChildLogger(name string) Logger {
	RootLogger()
	return rootLog.Named(name)
}

func levelFromEnv() zapcore.Level {
	switch strings.ToLower(os.Getenv("WFNET_LOG_LEVEL")) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
