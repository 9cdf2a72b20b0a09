package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadAppliesFileAndEnvOverrides covers config.Load in a single test:
// Load is a process-wide sync.Once singleton (one real load per test
// binary), so this is deliberately the only call to Load in the package.
func TestLoadAppliesFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
[main]
manage_proxy = true
manage_vpn = false
max_users = 100
monitor_interval = 30
temp_path = "/tmp/bypasshub"
proxy_inbound_tags = ["vless-tcp", "vless-ws"]

[database]
path = "/tmp/bypasshub/database.sqlite3"
backup_interval = 3600

[api]
key = "file-secret"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	t.Setenv("BYPASSHUB_MAIN_MAX_USERS", "250")
	t.Setenv("BYPASSHUB_API_KEY", "env-secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.True(t, cfg.Main.ManageProxy)
	assert.False(t, cfg.Main.ManageVPN)
	assert.Equal(t, 250, cfg.Main.MaxUsers) // env overrides the file value
	assert.Equal(t, 30, cfg.Main.MonitorInterval)
	assert.Equal(t, "/tmp/bypasshub", cfg.Main.TempPath)
	assert.Equal(t, []string{"vless-tcp", "vless-ws"}, cfg.Main.ProxyInboundTags)
	assert.Equal(t, 3600, cfg.Database.BackupInterval)
	assert.Equal(t, "env-secret", cfg.API.Key)

	assert.Same(t, cfg, Get())
}
