// Package config loads the control plane's TOML configuration file and
// applies environment variable overrides, using viper for both the file
// parsing and the env-var layering.
package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Main holds the `[main]` table configuration table.
type Main struct {
	ManageProxy         bool     `mapstructure:"manage_proxy"`
	ManageVPN           bool     `mapstructure:"manage_vpn"`
	MaxUsers            int      `mapstructure:"max_users"`
	MaxActiveUsers      int      `mapstructure:"max_active_users"`
	ServiceTimeout      int      `mapstructure:"service_timeout"`
	MonitorInterval     int      `mapstructure:"monitor_interval"`
	MonitorPassiveSteps int      `mapstructure:"monitor_passive_steps"`
	MonitorZombies      bool     `mapstructure:"monitor_zombies"`
	TempPath            string   `mapstructure:"temp_path"`
	ProxyAPISocketPath  string   `mapstructure:"proxy_api_socket_path"`
	VPNBrokerSocketPath string   `mapstructure:"vpn_broker_socket_path"`
	NginxFallbackSocket string   `mapstructure:"nginx_fallback_socket_path"`
	ProxyDomain         string   `mapstructure:"proxy_domain"`
	ProxyFlow           string   `mapstructure:"proxy_flow"`
	ProxyInboundTags    []string `mapstructure:"proxy_inbound_tags"`
}

// Database holds the `[database]` table.
type Database struct {
	Path           string `mapstructure:"path"`
	BackupInterval int    `mapstructure:"backup_interval"`
}

// API holds the `[api]` table.
type API struct {
	Key string `mapstructure:"key"`
}

// Config is the fully parsed configuration.
type Config struct {
	Main     Main     `mapstructure:"main"`
	Database Database `mapstructure:"database"`
	API      API      `mapstructure:"api"`
}

var (
	current *Config
	once    sync.Once
	loadErr error
)

func defaults(v *viper.Viper) {
	v.SetDefault("main.manage_proxy", true)
	v.SetDefault("main.manage_vpn", true)
	v.SetDefault("main.max_users", 0)
	v.SetDefault("main.max_active_users", 0)
	v.SetDefault("main.service_timeout", 5)
	v.SetDefault("main.monitor_interval", 60)
	v.SetDefault("main.monitor_passive_steps", 10)
	v.SetDefault("main.monitor_zombies", false)
	v.SetDefault("main.temp_path", "/var/lib/bypasshub")
	v.SetDefault("main.proxy_api_socket_path", "/var/run/bypasshub/proxy-api.sock")
	v.SetDefault("main.vpn_broker_socket_path", "/var/run/bypasshub/vpn-broker.sock")
	v.SetDefault("main.nginx_fallback_socket_path", "/var/run/bypasshub/nginx-fallback.sock")
	v.SetDefault("main.proxy_domain", "example.com")
	v.SetDefault("main.proxy_flow", "xtls-rprx-vision")
	v.SetDefault("main.proxy_inbound_tags", []string{"vless-tcp"})
	v.SetDefault("database.path", "/var/lib/bypasshub/database.sqlite3")
	v.SetDefault("database.backup_interval", 0)
}

// Load reads the TOML file at path (falling back to "config.toml" when
// path is empty) and layers BYPASSHUB_*-prefixed environment variables on
// top of it, environment values always taking precedence.
func Load(path string) (*Config, error) {
	once.Do(func() {
		v := viper.New()
		v.SetConfigType("toml")
		defaults(v)

		v.SetEnvPrefix("bypasshub")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		if path == "" {
			path = "config.toml"
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				loadErr = fmt.Errorf("reading config file: %w", err)
				return
			}
		}

		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("decoding config: %w", err)
			return
		}
		if apiKey := v.GetString("api.key"); apiKey != "" {
			cfg.API.Key = apiKey
		}
		current = &cfg
	})
	return current, loadErr
}

// Get returns the already-loaded configuration, or nil if Load was never
// called successfully.
func Get() *Config {
	return current
}
