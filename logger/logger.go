// Package logger is a leveled, rotating logger: a log.Logger writing
// through a lumberjack.Logger, level-gated Errorf/Warnf/Infof/Debugf/
// Tracef, and a component-name prefix. Each component owns its own
// *Logger value rather than sharing mutable package-level state, so
// independent components (kernel, watchdir, uploaders) can each satisfy
// kernel.Logger concurrently.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config contains logging configuration.
type Config struct {
	LogFile       string `json:"logFile,omitempty" env:"LOG_FILE" def:"" descr:"Log file location; stderr if empty"`
	LogLevel      string `json:"logLevel,omitempty" env:"LOG_LEVEL" def:"INFO" descr:"Log levels are ERROR, WARN, INFO, DEBUG, TRACE"`
	LogFileSize   int    `json:"logFileSize,omitempty" env:"LOG_FILE_SIZE" def:"2" descr:"Log file size in MB before it gets rotated"`
	LogFileCount  int    `json:"logFileCount,omitempty" env:"LOG_FILE_COUNT" def:"5" descr:"Log file max rotations count"`
	LogFileMaxAge int    `json:"logFileMaxAge,omitempty" env:"LOG_FILE_MAX_AGE" def:"28" descr:"Log file rotations max age in days"`
}

// Level - Error(1), Warn(2), Info(3), Debug(4) or Trace(5)
type Level int

// Constants for log level
const (
	ERROR Level = 1 + iota
	WARN
	INFO
	DEBUG
	TRACE
)

// ParseLevel maps a config string (case-insensitive) to a Level, defaulting
// to ERROR for anything unrecognized.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "WARN":
		return WARN
	case "INFO":
		return INFO
	case "DEBUG":
		return DEBUG
	case "TRACE":
		return TRACE
	default:
		return ERROR
	}
}

const (
	logFlags int = log.Ldate | log.Ltime | log.Lmicroseconds | log.Lmsgprefix

	ePrefix = "ERROR  "
	wPrefix = "WARN   "
	iPrefix = "INFO   "
	dPrefix = "DEBUG  "
	tPrefix = "TRACE  "

	prefix = " %-10s"
)

// Logger is a leveled logger writing through an io.WriteCloser, rotated by
// lumberjack when backed by a file.
type Logger struct {
	out   io.WriteCloser
	std   *log.Logger
	level Level
}

// New builds a Logger from cfg for the given component prefix. An empty
// LogFile logs to stderr (never rotated); otherwise the log directory is
// created and writes go through a lumberjack.Logger for size/age/count
// based rotation.
func New(cfg Config, componentPrefix string) (*Logger, error) {
	out := io.WriteCloser(&nopWriterCloser{out: os.Stderr})
	if len(cfg.LogFile) > 0 {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
			return nil, err
		}
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogFileSize,
			MaxBackups: cfg.LogFileCount,
			MaxAge:     cfg.LogFileMaxAge,
			LocalTime:  true,
			Compress:   true,
		}
	}

	return &Logger{
		out:   out,
		std:   log.New(out, fmt.Sprintf(prefix, componentPrefix), logFlags),
		level: ParseLevel(cfg.LogLevel),
	}, nil
}

// Close releases the underlying writer.
func (l *Logger) Close() error {
	return l.out.Close()
}

// Error logs the given value, if level is >= ERROR
func (l *Logger) Error(v interface{}) {
	if l.level >= ERROR {
		l.std.Println(ePrefix, v)
	}
}

// Errorf logs the given formatted message, if level is >= ERROR
func (l *Logger) Errorf(format string, v ...interface{}) {
	if l.level >= ERROR {
		l.std.Printf(fmt.Sprint(ePrefix, " ", format), v...)
	}
}

// Warn logs the given value, if level is >= WARN
func (l *Logger) Warn(v interface{}) {
	if l.level >= WARN {
		l.std.Println(wPrefix, v)
	}
}

// Warnf logs the given formatted message, if level is >= WARN
func (l *Logger) Warnf(format string, v ...interface{}) {
	if l.level >= WARN {
		l.std.Printf(fmt.Sprint(wPrefix, " ", format), v...)
	}
}

// Info logs the given value, if level is >= INFO
func (l *Logger) Info(v interface{}) {
	if l.level >= INFO {
		l.std.Println(iPrefix, v)
	}
}

// Infof logs the given formatted message, if level is >= INFO
func (l *Logger) Infof(format string, v ...interface{}) {
	if l.level >= INFO {
		l.std.Printf(fmt.Sprint(iPrefix, " ", format), v...)
	}
}

// Debug logs the given value, if level is >= DEBUG
func (l *Logger) Debug(v interface{}) {
	if l.IsDebugEnabled() {
		l.std.Println(dPrefix, v)
	}
}

// Debugf logs the given formatted message, if level is >= DEBUG
func (l *Logger) Debugf(format string, v ...interface{}) {
	if l.IsDebugEnabled() {
		l.std.Printf(fmt.Sprint(dPrefix, " ", format), v...)
	}
}

// Trace logs the given value, if level is >= TRACE
func (l *Logger) Trace(v ...interface{}) {
	if l.IsTraceEnabled() {
		l.std.Println(tPrefix, fmt.Sprint(v...))
	}
}

// Tracef logs the given formatted message, if level is >= TRACE
func (l *Logger) Tracef(format string, v ...interface{}) {
	if l.IsTraceEnabled() {
		l.std.Printf(fmt.Sprint(tPrefix, " ", format), v...)
	}
}

// IsDebugEnabled returns true if log level is DEBUG or more verbose
func (l *Logger) IsDebugEnabled() bool {
	return l.level >= DEBUG
}

// IsTraceEnabled returns true if log level is TRACE
func (l *Logger) IsTraceEnabled() bool {
	return l.level >= TRACE
}

type nopWriterCloser struct {
	out io.Writer
}

// Write to log output
func (w *nopWriterCloser) Write(p []byte) (n int, err error) {
	return w.out.Write(p)
}

// Close does nothing
func (*nopWriterCloser) Close() error {
	return nil
}
