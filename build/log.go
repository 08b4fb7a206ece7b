package build

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"
)

// LogType is an indicating the type of logging specified by the build flag.
type LogType byte

const (
	// LogTypeNone indicates no logging.
	LogTypeNone LogType = iota

	// LogTypeStdOut all logging is written directly to stdout.
	LogTypeStdOut

	// LogTypeDefault logs to both stdout and a given io.PipeWriter.
	LogTypeDefault
)

// String returns a human readable identifier for the logging type.
func (t LogType) String() string {
	switch t {
	case LogTypeNone:
		return "none"
	case LogTypeStdOut:
		return "stdout"
	case LogTypeDefault:
		return "default"
	default:
		return "unknown"
	}
}

// LogWriter is a stub type whose behavior can be changed using the build flags
// "stdlog" and "nolog". The default behavior is to write to both stdout and the
// RotatorPipe. Passing "stdlog" will cause it only to write to stdout, and
// "nolog" implements Write as a no-op.
type LogWriter struct {
	// RotatorPipe is the write-end pipe for writing to the log rotator. It
	// only needs to be set if neither the stdlog or nolog builds are set.
	RotatorPipe *io.PipeWriter
}

// NewSubLogger constructs a new subsystem log from the current LogWriter
// implementation. Production builds use genSubLogger, or disable logging if
// it is nil. Development builds with stdlog write straight to stdout so unit
// tests show their output.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if Deployment == Development && LoggingType == LogTypeStdOut {
		logger := btclog.NewBackend(&LogWriter{}).Logger(subsystem)

		level, _ := btclog.LevelFromString(LogLevel)
		logger.SetLevel(level)

		return logger
	}

	if LoggingType != LogTypeNone && genSubLogger != nil {
		return genSubLogger(subsystem)
	}

	return btclog.Disabled
}

// SubLoggers is a type that holds a map of subsystem loggers keyed by their
// subsystem name.
type SubLoggers map[string]btclog.Logger

// LeveledSubLogger provides the ability to retrieve the subsystem loggers of
// a logger and set their log levels individually or all at once.
type LeveledSubLogger interface {
	// SubLoggers returns the map of all registered subsystem loggers.
	SubLoggers() SubLoggers

	// SupportedSubsystems returns a sorted slice of the names of the
	// registered subsystems.
	SupportedSubsystems() []string

	// SetLogLevel assigns an individual subsystem logger a new log level.
	SetLogLevel(subsystemID string, logLevel string)

	// SetLogLevels assigns all subsystem loggers the same new log level.
	SetLogLevels(logLevel string)
}

// sortedSubsystems returns the keys of the map in lexical order.
func sortedSubsystems(loggers SubLoggers) []string {
	subsystems := make([]string, 0, len(loggers))
	for subsystem := range loggers {
		subsystems = append(subsystems, subsystem)
	}
	sort.Strings(subsystems)

	return subsystems
}

// ParseAndSetDebugLevels parses a debug level specification of the form
// "level" or "level,SUBSYS=level,..." and applies it to the given logger.
// An appropriate error is returned if anything is invalid, in which case no
// subsystem-specific level has been applied.
func ParseAndSetDebugLevels(level string, logger LeveledSubLogger) error {
	levels := strings.Split(level, ",")

	// If the first entry has no =, treat it as the log level for all
	// subsystems.
	var globalLevel string
	if !strings.Contains(levels[0], "=") {
		globalLevel = levels[0]
		if !validLogLevel(globalLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", globalLevel)
		}

		levels = levels[1:]
	}

	// Validate every subsystem/level pair before touching any logger.
	subLoggers := logger.SubLoggers()
	pairs := make([][2]string, 0, len(levels))
	for _, pair := range levels {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level has an "+
				"invalid format [%v] -- use format "+
				"subsystem1=level1,subsystem2=level2", pair)
		}

		subsysID, logLevel := fields[0], fields[1]
		if _, ok := subLoggers[subsysID]; !ok {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems are %v",
				subsysID, logger.SupportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}

		pairs = append(pairs, [2]string{subsysID, logLevel})
	}

	if globalLevel != "" {
		logger.SetLogLevels(globalLevel)
	}
	for _, pair := range pairs {
		logger.SetLogLevel(pair[0], pair[1])
	}

	return nil
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	_, ok := btclog.LevelFromString(logLevel)
	return ok
}
