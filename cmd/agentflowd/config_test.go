package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv pins the fallback variables so ambient credentials cannot leak
// into the assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "MONGO_URI", "REDIS_ADDR"} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "agentflow", cfg.Mongo.Database)
	assert.Empty(t, cfg.Mongo.URI)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Claude.Model)
	assert.Equal(t, "gpt-5-codex", cfg.Codex.Model)
	assert.Empty(t, cfg.Cron)
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
httpAddr: ":9090"
mongo:
  uri: mongodb://db:27017
claude:
  apiKey: key-from-file
  thinkingBudget: 2048
cron:
  - workflowId: wf-nightly
    spec: "@daily"
    input: run
`), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "mongodb://db:27017", cfg.Mongo.URI)
	assert.Equal(t, "key-from-file", cfg.Claude.APIKey)
	assert.Equal(t, int64(2048), cfg.Claude.ThinkingBudget)
	// Fields the file omits keep their defaults.
	assert.Equal(t, "agentflow", cfg.Mongo.Database)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Claude.Model)
	require.Len(t, cfg.Cron, 1)
	assert.Equal(t, "wf-nightly", cfg.Cron[0].WorkflowID)
	assert.Equal(t, "@daily", cfg.Cron[0].Spec)
}

func TestLoadConfigEnvFallbacks(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-claude")
	t.Setenv("OPENAI_API_KEY", "env-codex")
	t.Setenv("MONGO_URI", "mongodb://env:27017")
	t.Setenv("REDIS_ADDR", "env:6379")

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "env-claude", cfg.Claude.APIKey)
	assert.Equal(t, "env-codex", cfg.Codex.APIKey)
	assert.Equal(t, "mongodb://env:27017", cfg.Mongo.URI)
	assert.Equal(t, "env:6379", cfg.Redis.Addr)
}

func TestLoadConfigFileBeatsEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-claude")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("claude:\n  apiKey: key-from-file\n"), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "key-from-file", cfg.Claude.APIKey)
}

func TestLoadConfigErrors(t *testing.T) {
	clearEnv(t)
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cron: {not a list"), 0o600))
	_, err = loadConfig(path)
	require.ErrorContains(t, err, "parse config")
}
