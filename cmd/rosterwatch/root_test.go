package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"rosterwatch/pkg/config"
)

func TestFlagOverrides_OnlyChangedFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "x"}
	cmd.Flags().AddFlagSet(rootCmd.PersistentFlags())

	require.NoError(t, cmd.Flags().Parse([]string{"--target", "@acct", "--port", "8080", "--headless"}))
	flags := flagOverrides(cmd.Flags())

	assert.Equal(t, map[string]interface{}{
		"target":   "@acct",
		"port":     8080,
		"headless": true,
	}, flags)

	cfg := config.DefaultConfig()
	cfg.MergeCommandLineFlags(flags)
	assert.Equal(t, "acct", cfg.Target.Username)
	assert.Equal(t, 8080, cfg.Dashboard.Port)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, "followers.db", cfg.Store.Path)
}

func TestExampleConfigParses(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, yaml.Unmarshal([]byte(exampleConfig), cfg))
	cfg.Browser.ProfileDir = t.TempDir()

	assert.Equal(t, "someaccount", cfg.Target.Username)
	assert.NoError(t, cfg.Validate())
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"crawl", "sync", "serve", "login", "followers", "scans", "stats", "token", "config", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
