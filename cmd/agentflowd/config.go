package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"agentflow.dev/agentflow/features/trigger/cron"
)

type (
	// Config collects everything the daemon wires together. Values come
	// from the optional YAML file, command line flags override the listen
	// address, and environment variables fill in the secrets left empty
	// by both.
	Config struct {
		// HTTPAddr is the listen address for the HTTP and WebSocket API.
		HTTPAddr string `yaml:"httpAddr"`

		Mongo  MongoConfig  `yaml:"mongo"`
		Redis  RedisConfig  `yaml:"redis"`
		Claude ClaudeConfig `yaml:"claude"`
		Codex  CodexConfig  `yaml:"codex"`

		// Cron starts workflows on fixed schedules.
		Cron []cron.Entry `yaml:"cron"`
	}

	// MongoConfig selects MongoDB persistence for workflow definitions,
	// execution summaries and the event journal. An empty URI keeps the
	// in-memory stores. The MONGO_URI environment variable fills URI when
	// the file leaves it empty.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// RedisConfig enables the Pulse event mirror and the cluster-shared
	// agent rate limits. An empty Addr disables both; REDIS_ADDR fills it
	// when the file leaves it empty.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// ClaudeConfig configures the claude-agent backend. An empty APIKey
	// (after the ANTHROPIC_API_KEY fallback) leaves the node type
	// unregistered, and workflows that use it fail validation.
	ClaudeConfig struct {
		APIKey         string `yaml:"apiKey"`
		Model          string `yaml:"model"`
		MaxTokens      int64  `yaml:"maxTokens"`
		ThinkingBudget int64  `yaml:"thinkingBudget"`
		Limits         Limits `yaml:"limits"`
	}

	// CodexConfig configures the codex-agent backend. OPENAI_API_KEY is
	// the fallback for APIKey.
	CodexConfig struct {
		APIKey    string `yaml:"apiKey"`
		Model     string `yaml:"model"`
		MaxTokens int    `yaml:"maxTokens"`
		Limits    Limits `yaml:"limits"`
	}

	// Limits tunes the adaptive rate limiter in front of a backend. Zero
	// values pick the limiter defaults.
	Limits struct {
		TokensPerMinute    float64 `yaml:"tokensPerMinute"`
		MaxTokensPerMinute float64 `yaml:"maxTokensPerMinute"`
	}
)

func defaultConfig() Config {
	return Config{
		HTTPAddr: ":8080",
		Mongo:    MongoConfig{Database: "agentflow"},
		Claude:   ClaudeConfig{Model: "claude-sonnet-4-5"},
		Codex:    CodexConfig{Model: "gpt-5-codex"},
	}
}

// loadConfig reads the YAML file at path over the defaults and applies the
// environment fallbacks. An empty path skips the file.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if cfg.Claude.APIKey == "" {
		cfg.Claude.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Codex.APIKey == "" {
		cfg.Codex.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Mongo.URI == "" {
		cfg.Mongo.URI = os.Getenv("MONGO_URI")
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	return cfg, nil
}
