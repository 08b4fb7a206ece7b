package build

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

const (
	// Gzip is the default compressor for rotated log files.
	Gzip = "gzip"

	// Zstd is an alternative compressor for rotated log files.
	Zstd = "zstd"

	// DefaultMaxLogFiles is the default maximum number of log files to
	// keep.
	DefaultMaxLogFiles = 10

	// DefaultMaxLogFileSize is the default maximum log file size in MB.
	DefaultMaxLogFileSize = 20
)

// logCompressors maps each supported compressor to its file suffix.
var logCompressors = map[string]string{
	Gzip: "gz",
	Zstd: "zst",
}

// SupportedLogCompressor returns whether or not logCompressor is supported.
func SupportedLogCompressor(logCompressor string) bool {
	_, ok := logCompressors[logCompressor]
	return ok
}

// RotatingLogWriter is a wrapper around the LogWriter that supports log file
// rotation and keeps track of every registered subsystem logger.
type RotatingLogWriter struct {
	logWriter *LogWriter

	backendLog *btclog.Backend

	logRotator *rotator.Rotator

	mu               sync.Mutex
	subsystemLoggers SubLoggers
}

// A compile-time check to ensure RotatingLogWriter implements the
// LeveledSubLogger interface.
var _ LeveledSubLogger = (*RotatingLogWriter)(nil)

// NewRotatingLogWriter creates a new file rotating log writer.
//
// NOTE: `InitLogRotator` must be called to set up log rotation after creating
// the writer.
func NewRotatingLogWriter() *RotatingLogWriter {
	logWriter := &LogWriter{}

	return &RotatingLogWriter{
		logWriter:        logWriter,
		backendLog:       btclog.NewBackend(logWriter),
		subsystemLoggers: SubLoggers{},
	}
}

// GenSubLogger creates a new sublogger. A shutdown callback function is
// provided to be able to shutdown in case of a critical error.
func (r *RotatingLogWriter) GenSubLogger(tag string,
	shutdown func()) btclog.Logger {

	logger := r.backendLog.Logger(tag)
	if shutdown == nil {
		return logger
	}

	return NewShutdownLogger(logger, shutdown)
}

// RegisterSubLogger registers a new subsystem logger.
func (r *RotatingLogWriter) RegisterSubLogger(subsystem string,
	logger btclog.Logger) {

	r.mu.Lock()
	defer r.mu.Unlock()

	r.subsystemLoggers[subsystem] = logger
}

// InitLogRotator initializes the log file rotator to write logs to logFile and
// create roll files in the same directory. Rolled files are compressed with
// the given compressor. It should be called as early on startup as possible
// and must be closed on shutdown by calling `Close`.
func (r *RotatingLogWriter) InitLogRotator(logFile, compressor string,
	maxLogFileSize, maxLogFiles int) error {

	if !SupportedLogCompressor(compressor) {
		return fmt.Errorf("unknown log compressor: %v", compressor)
	}

	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	var err error
	r.logRotator, err = rotator.New(
		logFile, int64(maxLogFileSize*1024), false, maxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	var c rotator.Compressor
	switch compressor {
	case Gzip:
		c = gzip.NewWriter(nil)

	case Zstd:
		c, err = zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("failed to create zstd compressor: "+
				"%w", err)
		}
	}
	r.logRotator.SetCompressor(c, logCompressors[compressor])

	// Run rotator as a goroutine now but make sure we catch any errors
	// that happen in case something with the rotation goes wrong during
	// runtime (like running out of disk space or not being allowed to
	// create a new logfile for whatever reason).
	pr, pw := io.Pipe()
	go func() {
		err := r.logRotator.Run(pr)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr,
				"failed to run file rotator: %v\n", err)
		}
	}()

	r.logWriter.RotatorPipe = pw

	return nil
}

// Close closes the underlying log rotator if it has already been created.
func (r *RotatingLogWriter) Close() error {
	if r.logRotator != nil {
		return r.logRotator.Close()
	}

	return nil
}

// SubLoggers returns all currently registered subsystem loggers for this log
// writer.
//
// NOTE: This is part of the LeveledSubLogger interface.
func (r *RotatingLogWriter) SubLoggers() SubLoggers {
	r.mu.Lock()
	defer r.mu.Unlock()

	loggers := make(SubLoggers, len(r.subsystemLoggers))
	for subsystem, logger := range r.subsystemLoggers {
		loggers[subsystem] = logger
	}

	return loggers
}

// SupportedSubsystems returns a sorted string slice of all keys in the
// subsystems map, corresponding to the names of the subsystems.
//
// NOTE: This is part of the LeveledSubLogger interface.
func (r *RotatingLogWriter) SupportedSubsystems() []string {
	return sortedSubsystems(r.SubLoggers())
}

// SetLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored. Uninitialized subsystems are dynamically created as
// needed.
//
// NOTE: This is part of the LeveledSubLogger interface.
func (r *RotatingLogWriter) SetLogLevel(subsystemID string, logLevel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger, ok := r.subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level. It also dynamically creates the subsystem loggers as needed, so it
// can be used to initialize the logging system.
//
// NOTE: This is part of the LeveledSubLogger interface.
func (r *RotatingLogWriter) SetLogLevels(logLevel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	level, _ := btclog.LevelFromString(logLevel)
	for _, logger := range r.subsystemLoggers {
		logger.SetLevel(level)
	}
}
