package util

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LogSession is the logger of one CLI run: console output at the chosen
// level and a debug-level JSON file under the logs directory.
type LogSession struct {
	Logger *slog.Logger
	ID     string
	Path   string
	file   *os.File
}

// Close flushes and closes the session file.
func (s *LogSession) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	return s.file.Close()
}

// ParseLevel accepts debug, info, warn, error. Defaults to info on unknown input.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitLogger configures the global slog logger. Console records go to
// console as text; when logsDir is set, every record at debug and above is
// also written as JSON to <logsDir>/session-<id>.log.
func InitLogger(level, logsDir string, console io.Writer) (*LogSession, error) {
	if console == nil {
		console = os.Stderr
	}
	consoleHandler := slog.NewTextHandler(console, &slog.HandlerOptions{Level: ParseLevel(level)})
	session := &LogSession{ID: NewSessionID()}

	handlers := []slog.Handler{consoleHandler}
	if dir := strings.TrimSpace(logsDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure logs dir: %w", err)
		}
		session.Path = filepath.Join(dir, "session-"+session.ID+".log")
		f, err := os.OpenFile(session.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open session log: %w", err)
		}
		session.file = f
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		}))
	}
	session.Logger = slog.New(TeeHandler(handlers...)).With("session", session.ID)
	slog.SetDefault(session.Logger)
	return session, nil
}

// PurgeLogs removes every regular file in logsDir. A missing directory is
// not an error.
func PurgeLogs(logsDir string) (int, error) {
	dir := strings.TrimSpace(logsDir)
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read logs dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return removed, fmt.Errorf("remove log %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}
