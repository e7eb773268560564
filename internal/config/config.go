// Package config loads application settings from file, environment and
// flags, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds the resolved settings for one run.
type Config struct {
	// DataDir holds the database, outbox and logs.
	DataDir string `mapstructure:"data_dir"`

	// DatabaseName is the SQLite file name inside DataDir.
	DatabaseName string `mapstructure:"database_name"`

	// RemoteURL is the backend base URL. Empty means local-only.
	RemoteURL string `mapstructure:"remote_url"`

	// RemoteToken is the bearer token for the backend.
	RemoteToken string `mapstructure:"remote_token"`

	// BusAddr is the local invalidation hub address.
	BusAddr string `mapstructure:"bus_addr"`

	// CacheCapacity is the maximum cached entry count.
	CacheCapacity int `mapstructure:"cache_capacity"`

	// CacheTTL is the maximum cached entry age.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// SyncProjects lists project ids the daemon keeps synchronized.
	SyncProjects []string `mapstructure:"sync_projects"`

	// SpoolDir is the drafts directory the daemon watches for imports.
	SpoolDir string `mapstructure:"spool_dir"`

	// SyncInterval is the daemon's background sync period.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// LogFile is the rotating log path. Empty disables the file sink.
	LogFile string `mapstructure:"log_file"`
}

// DatabasePath returns the full path of the SQLite file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, c.DatabaseName)
}

// Home returns the configuration directory: $INKWELL_HOME if set, otherwise
// ~/.inkwell.
func Home() string {
	if home := os.Getenv("INKWELL_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".inkwell"
	}
	return filepath.Join(userHome, ".inkwell")
}

// Load reads config.yaml from the home directory (if present), then applies
// INKWELL_* environment overrides. A missing config file is not an error;
// every key has a usable default.
func Load() (*Config, error) {
	return load(Home())
}

func load(home string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(home)

	v.SetDefault("data_dir", home)
	v.SetDefault("database_name", "inkwell.db")
	v.SetDefault("remote_url", "")
	v.SetDefault("remote_token", "")
	v.SetDefault("bus_addr", "127.0.0.1:7411")
	v.SetDefault("cache_capacity", 100)
	v.SetDefault("cache_ttl", 5*time.Minute)
	v.SetDefault("sync_projects", []string{})
	v.SetDefault("spool_dir", filepath.Join(home, "drafts"))
	v.SetDefault("sync_interval", 30*time.Second)
	v.SetDefault("log_file", filepath.Join(home, "logs", "inkwell.log"))

	v.SetEnvPrefix("INKWELL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
