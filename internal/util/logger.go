// Package util provides logging, host inspection and TLS helpers shared by
// the RubyCave server and client.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	Role       string `json:"role"`
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultLogConfig returns the default logging configuration for role.
func DefaultLogConfig(role string) LogConfig {
	return LogConfig{
		Role:       role,
		Level:      "info",
		Directory:  "logs",
		MaxBackups: 5,
		Console:    true,
	}
}

// InitLogger points the zerolog global logger at a daily JSON file named
// rubycave_<role>_<date>.log and, optionally, a console writer on stderr.
// The returned file must be closed on exit.
func InitLogger(cfg LogConfig) (io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
	}

	prefix := logPrefix(cfg.Role)
	logFilePath := filepath.Join(cfg.Directory, prefix+time.Now().Format("2006-01-02")+".log")

	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
	}

	writers := []io.Writer{logFile}
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", "rubycave").
		Str("role", cfg.Role).
		Logger()

	log.Info().
		Str("level", level.String()).
		Str("log_file", logFilePath).
		Msg("logger initialized")

	if removed := cleanOldLogs(cfg.Directory, prefix, cfg.MaxBackups); removed > 0 {
		log.Debug().Int("removed", removed).Msg("removed old log files")
	}

	return logFile, nil
}

func logPrefix(role string) string {
	if role == "" {
		return "rubycave_"
	}
	return "rubycave_" + role + "_"
}

// cleanOldLogs keeps the newest maxBackups files starting with prefix. The
// date in the name sorts oldest first.
func cleanOldLogs(directory, prefix string, maxBackups int) int {
	if maxBackups <= 0 {
		return 0
	}

	entries, err := os.ReadDir(directory)
	if err != nil {
		return 0
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, prefix) && filepath.Ext(name) == ".log" {
			names = append(names, name)
		}
	}
	if len(names) <= maxBackups {
		return 0
	}

	sort.Strings(names)
	removed := 0
	for _, name := range names[:len(names)-maxBackups] {
		if err := os.Remove(filepath.Join(directory, name)); err == nil {
			removed++
		}
	}
	return removed
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
