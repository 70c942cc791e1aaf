package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// ParseLevel maps a level name (debug, info, warn, warning, error) to a
// slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

// Level returns the configured log level, falling back to debug.
func (c *Config) Level() slog.Level {
	lvl, err := ParseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelDebug
	}
	return lvl
}
