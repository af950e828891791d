// Package config resolves runtime configuration for the memori commands
// with flag > env > default precedence, the same order the teacher's
// cmd/ binaries use for their own flags.
package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// Config holds the settings shared by cmd/memori and cmd/memori-mcp.
type Config struct {
	DBPath       string
	OllamaURL    string
	Model        string
	DedupDefault float64
	LogLevel     string
}

// Default returns the built-in defaults before any flag or env override is
// applied.
func Default() Config {
	return Config{
		DBPath:       defaultDBPath(),
		OllamaURL:    "http://localhost:11434",
		Model:        "embeddinggemma",
		DedupDefault: 0.92,
		LogLevel:     "info",
	}
}

// ApplyEnv overrides cfg with MEMORI_* environment variables when set,
// leaving fields untouched otherwise. Call this on the defaults and then
// overwrite the result with the flags that were set explicitly, so the
// effective precedence is flag > env > default.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("MEMORI_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MEMORI_OLLAMA_URL"); v != "" {
		cfg.OllamaURL = v
	}
	if v := os.Getenv("MEMORI_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("MEMORI_DEDUP_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.DedupDefault = f
		}
	}
	if v := os.Getenv("MEMORI_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

// defaultDBPath returns ~/.local/share/memori/memory.db, following the XDG
// Base Directory Specification for user data.
func defaultDBPath() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "memori", "memory.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "memory.db"
	}
	return filepath.Join(home, ".local", "share", "memori", "memory.db")
}
