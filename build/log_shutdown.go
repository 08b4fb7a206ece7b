package build

import (
	"github.com/btcsuite/btclog"
)

// ShutdownLogger is a subsystem logger that asks the daemon to stop whenever
// something is logged at critical level. A peer or listener that hits an
// unrecoverable transport fault logs it once and the process winds down.
type ShutdownLogger struct {
	btclog.Logger
	shutdown func()
}

// NewShutdownLogger wraps logger so that critical messages invoke shutdown.
func NewShutdownLogger(logger btclog.Logger, shutdown func()) *ShutdownLogger {
	return &ShutdownLogger{
		Logger:   logger,
		shutdown: shutdown,
	}
}

// Criticalf logs at critical level and then requests shutdown.
func (s *ShutdownLogger) Criticalf(format string, params ...interface{}) {
	s.Logger.Criticalf(format, params...)
	s.requestShutdown()
}

// Critical logs at critical level and then requests shutdown.
func (s *ShutdownLogger) Critical(v ...interface{}) {
	s.Logger.Critical(v...)
	s.requestShutdown()
}

func (s *ShutdownLogger) requestShutdown() {
	s.Logger.Info("Critical error logged, requesting daemon shutdown")
	s.shutdown()
}
