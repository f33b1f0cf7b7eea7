package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 300, cfg.Crawl.ScrollStep)
	assert.Equal(t, 200, cfg.Crawl.BackStep)
	assert.Equal(t, 2*time.Second, cfg.Crawl.SettleDelay)
	assert.Equal(t, 100, cfg.Crawl.BatchSize)
	assert.Equal(t, 10, cfg.Crawl.MaxConsecutiveKnown)
	assert.Equal(t, 5, cfg.Crawl.MaxIdleSteps)
	assert.Equal(t, 10*time.Second, cfg.Sync.RequestTimeout)
	assert.Equal(t, 3, cfg.Sync.MaxCycleFailures)
	assert.Equal(t, 300*time.Second, cfg.Sync.CoolDown)
	assert.Equal(t, 3000, cfg.Dashboard.Port)
	assert.Equal(t, 25, cfg.Dashboard.PageSize)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TARGET_USERNAME", "@someone")
	t.Setenv("API_ENDPOINT", "https://hooks.example.com/followers")
	t.Setenv("API_TOKEN", "secret")
	t.Setenv("WEB_PORT", "8088")
	t.Setenv("ROSTERWATCH_SCAN_INTERVAL", "90s")
	t.Setenv("ROSTERWATCH_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "someone", cfg.Target.Username)
	assert.Equal(t, "https://hooks.example.com/followers", cfg.Sync.Endpoint)
	assert.Equal(t, "secret", cfg.Sync.Token)
	assert.Equal(t, 8088, cfg.Dashboard.Port)
	assert.Equal(t, 90*time.Second, cfg.Crawl.ScanInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromEnvPrefixedWins(t *testing.T) {
	t.Setenv("TARGET_USERNAME", "legacy")
	t.Setenv("ROSTERWATCH_TARGET", "preferred")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, "preferred", cfg.Target.Username)
}

func TestLoadFromEnvInvalidValues(t *testing.T) {
	t.Setenv("WEB_PORT", "not-a-port")
	t.Setenv("ROSTERWATCH_SYNC_INTERVAL", "soon")

	cfg := DefaultConfig()
	err := cfg.LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dashboard port")
	assert.Contains(t, err.Error(), "ROSTERWATCH_SYNC_INTERVAL")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Target.Username = "someone"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing target", mutate: func(c *Config) { c.Target.Username = "" }, wantErr: "target username is required"},
		{name: "bad followers url", mutate: func(c *Config) { c.Target.FollowersURL = "https://x.com/followers" }, wantErr: "placeholder"},
		{name: "zero scroll step", mutate: func(c *Config) { c.Crawl.ScrollStep = 0 }, wantErr: "scroll step"},
		{name: "zero batch", mutate: func(c *Config) { c.Crawl.BatchSize = 0 }, wantErr: "batch size"},
		{name: "relative endpoint", mutate: func(c *Config) { c.Sync.Endpoint = "/hook" }, wantErr: "invalid sync endpoint"},
		{name: "bad port", mutate: func(c *Config) { c.Dashboard.Port = 70000 }, wantErr: "invalid dashboard port"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }, wantErr: "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Crawl.BatchSize = 0
	cfg.Dashboard.PageSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target username is required")
	assert.Contains(t, err.Error(), "batch size must be positive")
	assert.Contains(t, err.Error(), "dashboard page size must be positive")
}

func TestSaveAndLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Target.Username = "someone"
	cfg.Sync.Endpoint = "https://hooks.example.com/f"
	cfg.Sync.Token = "never-written"
	cfg.Crawl.BatchSize = 50
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "never-written")

	loaded := DefaultConfig()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, "someone", loaded.Target.Username)
	assert.Equal(t, 50, loaded.Crawl.BatchSize)
	assert.Equal(t, "https://hooks.example.com/f", loaded.Sync.Endpoint)
	assert.Empty(t, loaded.Sync.Token)
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestMergeCommandLineFlags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MergeCommandLineFlags(map[string]interface{}{
		"target":    "@flagged",
		"db":        "/tmp/x.db",
		"port":      9000,
		"headless":  true,
		"log-level": "warn",
	})

	assert.Equal(t, "flagged", cfg.Target.Username)
	assert.Equal(t, "/tmp/x.db", cfg.Store.Path)
	assert.Equal(t, 9000, cfg.Dashboard.Port)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("target:\n  username: fromfile\ndashboard:\n  port: 4000\n"), 0600))

	t.Setenv("WEB_PORT", "5000")

	cfg, err := Load(path, map[string]interface{}{"port": 6000})
	require.NoError(t, err)
	assert.Equal(t, "fromfile", cfg.Target.Username)
	assert.Equal(t, 6000, cfg.Dashboard.Port)
}

func TestFollowersPage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Target.Username = "someone"
	assert.Equal(t, "https://x.com/someone/followers", cfg.FollowersPage())
}
