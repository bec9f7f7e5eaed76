package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"github.com/spf13/viper"

	"github.com/sekia-ai/calhub/internal/accounts"
	"github.com/sekia-ai/calhub/internal/natsserver"
	"github.com/sekia-ai/calhub/internal/secrets"
	"github.com/sekia-ai/calhub/internal/timezone"
	"github.com/sekia-ai/calhub/pkg/sockpath"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Google    GoogleConfig    `mapstructure:"google"`
	CalDAV    CalDAVConfig    `mapstructure:"caldav"`
	CopyRules CopyRulesConfig `mapstructure:"copy_rules"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Web       WebConfig       `mapstructure:"web"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
	// Identities are the age identities used for ENC[...] values and, when
	// enabled, for sealing stored credentials.
	Identities []age.Identity `mapstructure:"-"`
}

// ServerConfig holds socket settings.
type ServerConfig struct {
	Socket string `mapstructure:"socket"`
}

// StorageConfig holds the local cache settings.
type StorageConfig struct {
	Path            string `mapstructure:"path"`
	SealCredentials bool   `mapstructure:"seal_credentials"`
}

// SyncConfig holds sync engine settings.
type SyncConfig struct {
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	PassTimeout     time.Duration `mapstructure:"pass_timeout"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	DisplayTimezone string        `mapstructure:"display_timezone"`
}

// GoogleConfig is the OAuth client used by accounts without their own.
type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"` // #nosec G117 -- config deserialization, not hardcoded
}

// CalDAVConfig tunes the CalDAV transport.
type CalDAVConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
}

// CopyRulesConfig holds the copy rule schedule.
type CopyRulesConfig struct {
	Schedule string `mapstructure:"schedule"` // cron expression; empty disables
}

// NATSConfig holds embedded NATS settings.
type NATSConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Token        string `mapstructure:"token"`
	HistoryLimit int    `mapstructure:"history_limit"`
}

// WebConfig holds web dashboard settings.
type WebConfig struct {
	Listen   string `mapstructure:"listen"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"` // #nosec G117 -- config deserialization, not hardcoded
}

// LoadConfig reads configuration from file, env, and flags, and decrypts
// ENC[...] values.
func LoadConfig(cfgFile string) (Config, error) {
	v := viper.New()

	homeDir, _ := os.UserHomeDir()
	v.SetDefault("server.socket", sockpath.DefaultSocketPath())
	v.SetDefault("storage.path", filepath.Join(homeDir, ".local", "share", "calhub", "calhub.db"))
	v.SetDefault("storage.seal_credentials", false)
	v.SetDefault("sync.default_interval", 15*time.Minute)
	v.SetDefault("sync.pass_timeout", 10*time.Minute)
	v.SetDefault("sync.max_concurrent", 4)
	v.SetDefault("sync.display_timezone", "UTC")
	v.SetDefault("caldav.request_timeout", 30*time.Second)
	v.SetDefault("caldav.retry_max_elapsed", 15*time.Second)
	v.SetDefault("copy_rules.schedule", "@every 15m")
	v.SetDefault("nats.data_dir", filepath.Join(homeDir, ".local", "share", "calhub", "nats"))
	v.SetDefault("nats.history_limit", natsserver.DefaultHistoryLimit)

	v.SetConfigType("toml")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("calhub")
		v.AddConfigPath("/etc/calhub")
		v.AddConfigPath("$HOME/.config/calhub")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CALHUB")
	v.AutomaticEnv()

	_ = v.BindEnv("google.client_id", "GOOGLE_CLIENT_ID", "CALHUB_GOOGLE_CLIENT_ID")
	_ = v.BindEnv("google.client_secret", "GOOGLE_CLIENT_SECRET", "CALHUB_GOOGLE_CLIENT_SECRET")
	_ = v.BindEnv("nats.token", "CALHUB_NATS_TOKEN")
	_ = v.BindEnv("web.username", "CALHUB_WEB_USERNAME")
	_ = v.BindEnv("web.password", "CALHUB_WEB_PASSWORD")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	ids, err := secrets.ResolveIdentity(v)
	if err != nil {
		return Config{}, err
	}
	if secrets.HasEncryptedValues(v) {
		if ids == nil {
			return Config{}, fmt.Errorf("config has ENC[...] values but no age identity; set %s or %s", secrets.EnvAgeKey, secrets.EnvAgeKeyFile)
		}
		if err := secrets.DecryptViperConfig(v, ids); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.File = v.ConfigFileUsed()
	cfg.Identities = ids
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	if _, err := timezone.LoadLocation(c.Sync.DisplayTimezone); err != nil {
		return fmt.Errorf("sync.display_timezone: %w", err)
	}
	if c.Sync.DefaultInterval < accounts.MinSyncInterval {
		return fmt.Errorf("sync.default_interval must be at least %s", accounts.MinSyncInterval)
	}
	if c.Sync.MaxConcurrent < 0 {
		return errors.New("sync.max_concurrent must not be negative")
	}
	if c.Storage.SealCredentials && len(c.Identities) == 0 {
		return fmt.Errorf("storage.seal_credentials needs an age identity; run `calhubctl secrets keygen`")
	}
	return nil
}
