package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all tasklace CLI configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	HistoryEnabled bool   `json:"history"`
	LogLevel       string `json:"log_level"`
	Concurrency    int    `json:"concurrency"`
	DeadlineStr    string `json:"deadline"`

	Deadline time.Duration `json:"-"`
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(tasklaceDir(), "tasklace.db"),
		LogLevel:    "info",
		Concurrency: 4,
	}
}

func tasklaceDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tasklace"
	}
	return filepath.Join(home, ".tasklace")
}

func settingsPath() string {
	return filepath.Join(tasklaceDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TASKLACE_DB_PATH"); v != "" {
		cfg.DBPath = v
		cfg.HistoryEnabled = true
	}
	if v := os.Getenv("TASKLACE_HISTORY"); v != "" {
		cfg.HistoryEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TASKLACE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TASKLACE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("TASKLACE_DEADLINE"); v != "" {
		cfg.DeadlineStr = v
	}
	if cfg.DeadlineStr != "" {
		if d, err := time.ParseDuration(cfg.DeadlineStr); err == nil {
			cfg.Deadline = d
		}
	}

	return cfg
}

// logger builds a text slog.Logger on stderr at the configured level, so
// stdout stays clean for JSON output and the MCP transport.
func (c Config) logger() *slog.Logger {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
