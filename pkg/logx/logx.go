// Package logx provides component-scoped leveled logging with an in-memory
// ring of recent entries for the admin snapshot feeds.
package logx

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level identifies log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes component-tagged log lines to stderr and mirrors them into
// the shared recent-entry ring.
type Logger struct {
	component string
	logger    *log.Logger
}

// Entry is a structured log record retained in the ring buffer.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

type ring struct {
	entries []Entry
	mu      sync.RWMutex
	maxSize int
}

//nolint:gochecknoglobals // Shared ring feeds the admin snapshot.
var (
	recent = &ring{maxSize: 1000}

	debugMu      sync.RWMutex
	debugEnabled bool
	debugDomains map[string]bool
)

//nolint:gochecknoinits // Debug gating comes from the environment.
func init() {
	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		debugEnabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugDomains = make(map[string]bool)
		for _, d := range strings.Split(domains, ",") {
			debugDomains[strings.TrimSpace(d)] = true
		}
	}
}

// NewLogger creates a logger for the named component.
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(os.Stderr, "", 0),
	}
}

func (l *Logger) write(level Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().UTC().Format(time.RFC3339)
	l.logger.Printf("%s [%s] %s: %s", ts, level, l.component, msg)

	recent.mu.Lock()
	recent.entries = append(recent.entries, Entry{
		Timestamp: ts,
		Component: l.component,
		Level:     string(level),
		Message:   msg,
	})
	if len(recent.entries) > recent.maxSize {
		recent.entries = recent.entries[len(recent.entries)-recent.maxSize:]
	}
	recent.mu.Unlock()
}

// Debug logs at DEBUG level when debugging is enabled for this component.
func (l *Logger) Debug(format string, args ...any) {
	debugMu.RLock()
	enabled := debugEnabled && (debugDomains == nil || debugDomains[l.component])
	debugMu.RUnlock()
	if enabled {
		l.write(LevelDebug, format, args...)
	}
}

// Info logs at INFO level.
func (l *Logger) Info(format string, args ...any) {
	l.write(LevelInfo, format, args...)
}

// Warn logs at WARN level.
func (l *Logger) Warn(format string, args ...any) {
	l.write(LevelWarn, format, args...)
}

// Error logs at ERROR level.
func (l *Logger) Error(format string, args ...any) {
	l.write(LevelError, format, args...)
}

// RecentEntries returns up to limit most recent entries, newest last.
// A limit <= 0 returns everything retained.
func RecentEntries(limit int) []Entry {
	recent.mu.RLock()
	defer recent.mu.RUnlock()

	entries := recent.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// RecentErrors returns up to limit most recent WARN/ERROR entries.
func RecentErrors(limit int) []Entry {
	recent.mu.RLock()
	defer recent.mu.RUnlock()

	var out []Entry
	for _, e := range recent.entries {
		if e.Level == string(LevelWarn) || e.Level == string(LevelError) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// SetDebug overrides the environment-derived debug gate. Used by tests.
func SetDebug(enabled bool, domains map[string]bool) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugEnabled = enabled
	debugDomains = domains
}
