/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package logging provides the levelled line logger used across Surveyor.
// Lines look like "2006-01-02 15:04:05 [LEVEL] [pid] message".
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PivotLLM/Surveyor/global"
)

var levels = map[string]int{
	global.LogLevelDebug: 0,
	global.LogLevelInfo:  1,
	global.LogLevelWarn:  2,
	global.LogLevelError: 3,
	global.LogLevelFatal: 4,
}

// sink is the output and level shared by a logger and its prefixed children
type sink struct {
	mu      sync.RWMutex
	out     *log.Logger
	level   string
	logFile *os.File
}

// Logger writes levelled lines. A nil *Logger discards everything.
type Logger struct {
	sink   *sink
	prefix string
}

// New creates a logger that appends to the file at logPath, creating its directory
func New(logPath string) (*Logger, error) {
	logPath = global.ExpandHomePath(logPath)

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	return &Logger{sink: &sink{
		out:     log.New(logFile, "", 0), // We format timestamps ourselves
		level:   global.LogLevelInfo,
		logFile: logFile,
	}}, nil
}

// NewWithWriter creates a logger that writes to w (stderr, test buffers)
func NewWithWriter(w io.Writer) *Logger {
	return &Logger{sink: &sink{
		out:   log.New(w, "", 0),
		level: global.LogLevelInfo,
	}}
}

// WithPrefix returns a logger whose messages start with "prefix: ". It shares
// output and level with l, so SetLevel on either affects both.
func (l *Logger) WithPrefix(prefix string) *Logger {
	if l == nil {
		return nil
	}
	if l.prefix != "" {
		prefix = l.prefix + ": " + prefix
	}
	return &Logger{sink: l.sink, prefix: prefix}
}

// Sync flushes the log file to disk
func (l *Logger) Sync() error {
	if l == nil || l.sink == nil || l.sink.logFile == nil {
		return nil
	}
	return l.sink.logFile.Sync()
}

// Close flushes and closes the log file
func (l *Logger) Close() error {
	if l == nil || l.sink == nil || l.sink.logFile == nil {
		return nil
	}
	_ = l.sink.logFile.Sync()
	return l.sink.logFile.Close()
}

// SetLevel sets the minimum log level. Unknown levels fall back to INFO.
func (l *Logger) SetLevel(level string) {
	if l == nil || l.sink == nil {
		return
	}
	l.sink.mu.Lock()
	l.sink.level = strings.ToUpper(strings.TrimSpace(level))
	l.sink.mu.Unlock()
}

// Level returns the current minimum log level
func (l *Logger) Level() string {
	if l == nil || l.sink == nil {
		return ""
	}
	l.sink.mu.RLock()
	defer l.sink.mu.RUnlock()
	return l.sink.level
}

func (l *Logger) enabled(level string) bool {
	current, ok := levels[l.Level()]
	if !ok {
		current = levels[global.LogLevelInfo]
	}
	msg, ok := levels[level]
	if !ok {
		msg = levels[global.LogLevelInfo]
	}
	return msg >= current
}

func (l *Logger) log(level, message string) {
	if l == nil || l.sink == nil || !l.enabled(level) {
		return
	}
	if l.prefix != "" {
		message = l.prefix + ": " + message
	}
	l.sink.out.Printf("%s [%s] [%d] %s", time.Now().Format("2006-01-02 15:04:05"), level, os.Getpid(), message)
}

// Debug logs a debug message
func (l *Logger) Debug(message string) {
	l.log(global.LogLevelDebug, message)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(global.LogLevelDebug, fmt.Sprintf(format, args...))
}

// Info logs an info message
func (l *Logger) Info(message string) {
	l.log(global.LogLevelInfo, message)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(global.LogLevelInfo, fmt.Sprintf(format, args...))
}

// Warn logs a warning message
func (l *Logger) Warn(message string) {
	l.log(global.LogLevelWarn, message)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(global.LogLevelWarn, fmt.Sprintf(format, args...))
}

// Error logs an error message
func (l *Logger) Error(message string) {
	l.log(global.LogLevelError, message)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(global.LogLevelError, fmt.Sprintf(format, args...))
}

// Fatalf logs a formatted fatal message, closes the log and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(global.LogLevelFatal, fmt.Sprintf(format, args...))
	_ = l.Close()
	os.Exit(1)
}
