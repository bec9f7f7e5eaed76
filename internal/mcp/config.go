package mcp

import (
	"errors"

	"github.com/spf13/viper"

	"github.com/sekia-ai/calhub/pkg/sockpath"
)

// Config holds all configuration for the MCP server.
type Config struct {
	Daemon DaemonConfig `mapstructure:"daemon"`
	Limits LimitsConfig `mapstructure:"limits"`
}

// DaemonConfig says where calhubd listens.
type DaemonConfig struct {
	Socket string `mapstructure:"socket"`
}

// LimitsConfig caps list tools when the assistant passes no limit.
type LimitsConfig struct {
	Events   int `mapstructure:"events"`
	Activity int `mapstructure:"activity"`
}

// LoadConfig reads calhub-mcp.toml (optional), then CALHUB_* env vars. A
// missing file is only an error when cfgFile names it.
func LoadConfig(cfgFile string) (Config, error) {
	v := viper.New()
	v.SetDefault("daemon.socket", sockpath.DefaultSocketPath())
	v.SetDefault("limits.events", 100)
	v.SetDefault("limits.activity", 20)

	v.SetConfigType("toml")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("calhub-mcp")
		v.AddConfigPath("/etc/calhub")
		v.AddConfigPath("$HOME/.config/calhub")
	}

	// CALHUB_SOCKET is what calhubctl users already export.
	_ = v.BindEnv("daemon.socket", "CALHUB_DAEMON_SOCKET", "CALHUB_SOCKET")
	_ = v.BindEnv("limits.events", "CALHUB_MCP_EVENT_LIMIT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if cfg.Limits.Events <= 0 || cfg.Limits.Activity <= 0 {
		return cfg, errors.New("limits.events and limits.activity must be positive")
	}
	return cfg, nil
}
