package eventmq

import (
	"fmt"
	"log"
	"strings"
	"time"
)

// ConsoleLogger writes engine logs through the standard log package. It is
// meant for development; production code plugs in zaplogger.
type ConsoleLogger struct {
	level  LogLevel
	prefix string
}

// LogLevel represents the logging level
type LogLevel int

const (
	// LogLevelDebug enables all log messages
	LogLevelDebug LogLevel = iota
	// LogLevelInfo enables info, warn, and error messages
	LogLevelInfo
	// LogLevelWarn enables warn and error messages
	LogLevelWarn
	// LogLevelError enables only error messages
	LogLevelError
)

// NewConsoleLogger creates a console logger that drops messages below level
func NewConsoleLogger(level LogLevel) Logger {
	return &ConsoleLogger{level: level, prefix: "eventmq"}
}

// ParseLogLevel maps "debug", "info", "warn" or "error" to a LogLevel
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug, nil
	case "info", "":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	}
	return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Debug logs a debug message with optional structured fields
func (c *ConsoleLogger) Debug(msg string, fields ...any) {
	if c.level <= LogLevelDebug {
		c.log("DEBUG", msg, fields...)
	}
}

// Info logs an informational message with optional structured fields
func (c *ConsoleLogger) Info(msg string, fields ...any) {
	if c.level <= LogLevelInfo {
		c.log("INFO", msg, fields...)
	}
}

// Warn logs a warning message with optional structured fields
func (c *ConsoleLogger) Warn(msg string, fields ...any) {
	if c.level <= LogLevelWarn {
		c.log("WARN", msg, fields...)
	}
}

// Error logs an error message with optional structured fields
func (c *ConsoleLogger) Error(msg string, fields ...any) {
	if c.level <= LogLevelError {
		c.log("ERROR", msg, fields...)
	}
}

func (c *ConsoleLogger) log(level, msg string, fields ...any) {
	log.Println(formatLine(time.Now(), c.prefix, level, msg, fields...))
}

// formatLine renders one log line; a trailing key without value is dropped
func formatLine(ts time.Time, prefix, level, msg string, fields ...any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s %s: %s", ts.UTC().Format("2006-01-02T15:04:05.000Z07:00"), prefix, level, msg)

	if len(fields) > 1 {
		sb.WriteString(" |")
		for i := 0; i+1 < len(fields); i += 2 {
			fmt.Fprintf(&sb, " %v=%v", fields[i], fields[i+1])
		}
	}

	return sb.String()
}
