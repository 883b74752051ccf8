package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "sqlite://synapse_hub.db", cfg.DB.URL)
	assert.Equal(t, 1000, cfg.Connector.QueueMaxSize)
	assert.Equal(t, 600, cfg.Connector.RetentionWindow)
	assert.Equal(t, 3, cfg.LLM.MaxRetries)
	assert.Equal(t, 30, cfg.LLM.Timeout)
	assert.Equal(t, 3, cfg.Task.RetryAttempts)
	assert.Equal(t, "", cfg.Events.NATSURL)
	// dev secret generated when none configured
	assert.NotEmpty(t, cfg.Secret.Key)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9100
db:
  url: memory://
llm:
  model: gemini-test
  max_tokens: 100
  context_window: 1000
connector:
  queue_max_size: 5
  heartbeat_interval: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "gemini-test", cfg.LLM.Model)
	assert.Equal(t, 5, cfg.Connector.QueueMaxSize)

	driver, dsn, err := cfg.DB.Driver()
	require.NoError(t, err)
	assert.Equal(t, "memory", driver)
	assert.Equal(t, "", dsn)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SYNAPSE_SERVER_PORT", "9200")
	t.Setenv("GEMINI_API_KEY", "k-from-env")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "k-from-env", cfg.LLM.APIKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 70000
llm:
  max_tokens: 0
log:
  level: loud
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "llm.max_tokens")
	assert.Contains(t, err.Error(), "log.level")
}

func TestDBDriverParsing(t *testing.T) {
	cases := []struct {
		url    string
		driver string
		dsn    string
		ok     bool
	}{
		{"sqlite://hub.db", "sqlite3", "hub.db", true},
		{"hub.db", "sqlite3", "hub.db", true},
		{"postgres://u:p@localhost:5432/hub", "pgx", "postgres://u:p@localhost:5432/hub", true},
		{"memory://", "memory", "", true},
		{"redis://localhost", "", "", false},
	}
	for _, tc := range cases {
		d := DBConfig{URL: tc.url}
		driver, dsn, err := d.Driver()
		if !tc.ok {
			assert.Error(t, err, tc.url)
			continue
		}
		require.NoError(t, err, tc.url)
		assert.Equal(t, tc.driver, driver, tc.url)
		assert.Equal(t, tc.dsn, dsn, tc.url)
	}
}

func TestDurationHelpers(t *testing.T) {
	c := ConnectorConfig{ConnectTimeout: 10, CommandTimeout: 300, HeartbeatInterval: 30, RetentionWindow: 600}
	assert.Equal(t, "10s", c.ConnectTimeoutDuration().String())
	assert.Equal(t, "5m0s", c.CommandTimeoutDuration().String())
	assert.Equal(t, "30s", c.HeartbeatIntervalDuration().String())
	assert.Equal(t, "10m0s", c.RetentionWindowDuration().String())

	d := DBConfig{PoolSize: 5, MaxOverflow: 10}
	assert.Equal(t, 15, d.MaxOpenConns())
	assert.Equal(t, 5, d.MaxIdleConns())
}
