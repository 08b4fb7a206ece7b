//go:build !debug
// +build !debug

package build

// LogLevel specifies the level at which stdout test loggers write.
const LogLevel = "info"
