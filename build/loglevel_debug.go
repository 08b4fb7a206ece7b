//go:build debug
// +build debug

package build

// LogLevel specifies a debug level for stdout test loggers.
const LogLevel = "debug"
