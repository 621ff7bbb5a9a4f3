// Package logger provides structured logging using slog with hostname tracking
// and short source file paths for better debugging across multiple instances.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	mu sync.RWMutex
	// defaultLogger is the global logger instance.
	defaultLogger *slog.Logger
	// hostname is cached on init for performance.
	hostname string
)

func init() {
	var err error
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	defaultLogger = New(os.Stderr, ParseLevel(os.Getenv("MATTERMOST_LOG_LEVEL")))
}

// New creates a new slog logger with hostname and short source paths.
func New(w io.Writer, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			// Shorten source file paths to just basename:line
			if a.Key == slog.SourceKey {
				if source, ok := a.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
					source.Function = ""
				}
			}
			return a
		},
	}

	return slog.New(slog.NewTextHandler(w, opts)).With("instance", hostname)
}

// ParseLevel maps a level name (debug, info, warn, error) to a slog.Level.
// Unknown or empty names yield info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical", "alert", "emergency":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns l (or the default logger when l is nil) tagged with a component name.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = Default()
	}
	return l.With("component", name)
}

// SetDefault sets the default logger.
func SetDefault(l *slog.Logger) {
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

// Default returns the default logger.
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Hostname returns the cached hostname.
func Hostname() string {
	return hostname
}
