package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(kv map[string]string) getenvFunc {
	return func(k string) string { return kv[k] }
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil, env(nil))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, storeMemory, cfg.Store)
	assert.Equal(t, engineScripted, cfg.Engine)
	assert.Equal(t, 2*time.Hour, cfg.LeaseTTL)
	assert.Empty(t, cfg.ToolServers)
}

func TestLoadConfigLayering(t *testing.T) {
	path := writeFile(t, "agentd.yaml", `
addr: ":9000"
store: postgres
postgres_dsn: postgres://file
default_model: file-model
lease_ttl: 1m
models: [a, b]
prices:
  a: {input: 3, output: 15}
`)
	cfg, err := loadConfig([]string{"-config", path, "-addr", ":7000"}, env(map[string]string{
		"POSTGRES_DSN":         "postgres://env",
		"AGENTD_DEFAULT_MODEL": "env-model",
	}))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Addr, "flag wins")
	assert.Equal(t, "postgres://env", cfg.PostgresDSN, "env overrides file")
	assert.Equal(t, "env-model", cfg.DefaultModel)
	assert.Equal(t, storePostgres, cfg.Store, "file value kept")
	assert.Equal(t, time.Minute, cfg.LeaseTTL)
	assert.Equal(t, []string{"a", "b"}, cfg.Models)
	assert.Equal(t, 15.0, cfg.Prices["a"].Output)
}

func TestLoadConfigFileFromEnv(t *testing.T) {
	path := writeFile(t, "agentd.yaml", "addr: \":9100\"\n")
	cfg, err := loadConfig(nil, env(map[string]string{"AGENTD_CONFIG": path, "AGENTD_MODELS": " x, ,y "}))
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Addr)
	assert.Equal(t, []string{"x", "y"}, cfg.Models)
}

func TestLoadConfigToolServers(t *testing.T) {
	yamlPath := writeFile(t, "tools.yaml", `
search:
  command: search-server
  args: [--fast]
`)
	cfg, err := loadConfig([]string{"-tool-servers", yamlPath}, env(nil))
	require.NoError(t, err)
	require.Contains(t, cfg.ToolServers, "search")
	assert.JSONEq(t, `{"command":"search-server","args":["--fast"]}`, string(cfg.ToolServers["search"]))

	jsonPath := writeFile(t, "tools.json", `{"fs": {"url": "http://localhost:9000"}}`)
	cfg, err = loadConfig(nil, env(map[string]string{"AGENTD_TOOL_SERVERS_FILE": jsonPath}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"http://localhost:9000"}`, string(cfg.ToolServers["fs"]))

	_, err = loadConfig([]string{"-tool-servers", filepath.Join(t.TempDir(), "missing.yaml")}, env(nil))
	require.Error(t, err)
}

func TestLoadConfigDefaultModelAdvertised(t *testing.T) {
	cfg, err := loadConfig([]string{"-model", "m1"}, env(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, cfg.Models)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"unknown store", []string{"-store", "sqlite"}, nil},
		{"postgres without dsn", []string{"-store", "postgres"}, nil},
		{"mongo without uri", []string{"-store", "mongo"}, nil},
		{"unknown engine", []string{"-engine", "llama"}, nil},
		{"anthropic without key", []string{"-engine", "anthropic", "-model", "m"}, nil},
		{"bedrock without credentials", []string{"-engine", "bedrock", "-model", "m"}, map[string]string{"AWS_REGION": "us-east-1"}},
		{"openai without model", []string{"-engine", "openai"}, map[string]string{"OPENAI_API_KEY": "k"}},
		{"bad duration", nil, map[string]string{"AGENTD_LEASE_TTL": "soon"}},
		{"bad debug", nil, map[string]string{"AGENTD_DEBUG": "maybe"}},
		{"negative rate", nil, map[string]string{"AGENTD_SUBMIT_RATE": "-1"}},
		{"unknown flag", []string{"-nope"}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadConfig(tc.args, env(tc.env))
			require.Error(t, err)
		})
	}
}

func TestRedisOptions(t *testing.T) {
	opt, err := redisOptions("localhost:6379", "secret")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opt.Addr)
	assert.Equal(t, "secret", opt.Password)

	opt, err = redisOptions("redis://:pw@cache:6380/2", "")
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opt.Addr)
	assert.Equal(t, "pw", opt.Password)
	assert.Equal(t, 2, opt.DB)

	_, err = redisOptions("redis://cache:6380/notadb", "")
	require.Error(t, err)
}
