package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all loom configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath       string `json:"db_path"`
	LogLevel     string `json:"log_level"`
	LLMBaseURL   string `json:"llm_base_url"`
	LLMAPIKey    string `json:"-"`
	LLMModel     string `json:"llm_model"`
	EmbedModel   string `json:"embed_model"`
	LLMTimeoutMs int    `json:"llm_timeout_ms"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(loomDir(), "loom.db"),
		LogLevel: "info",
	}
}

func loomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func settingsPath() string {
	return filepath.Join(loomDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOOM_LLM_BASE_URL"); v != "" {
		cfg.LLMBaseURL = v
	}
	if v := os.Getenv("LOOM_LLM_API_KEY"); v != "" {
		cfg.LLMAPIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLMAPIKey = v
	}
	if v := os.Getenv("LOOM_LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	if v := os.Getenv("LOOM_EMBED_MODEL"); v != "" {
		cfg.EmbedModel = v
	}
	if v := os.Getenv("LOOM_LLM_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLMTimeoutMs = n
		}
	}

	return cfg
}

// LLMTimeout returns the configured backend timeout, or zero for the
// client default.
func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutMs) * time.Millisecond
}
