// Package config loads the immutable runtime configuration from a YAML
// file plus environment overrides. The loaded value is threaded through
// construction; nothing reads configuration globally after startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAuthorityBase   = "https://login.microsoftonline.com"
	defaultListenAddr      = ":8080"
	defaultDatabasePath    = "tokenkeeper.db"
	defaultIdPTimeout      = 30 * time.Second
	defaultRefreshBuffer   = 10 * time.Minute
	defaultSweepInterval   = 15 * time.Minute
	defaultCleanupAfter    = 30 * 24 * time.Hour
	defaultCleanupInterval = 6 * time.Hour
)

// Default delegated scope set for mail collection.
var defaultScopes = []string{"offline_access", "Mail.Read", "User.Read"}

type fileConfig struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Encryption struct {
		Key string `yaml:"key"`
	} `yaml:"encryption"`
	OAuth struct {
		AuthorityBase  string   `yaml:"authority_base"`
		Scopes         []string `yaml:"scopes"`
		TimeoutSeconds int      `yaml:"timeout_seconds"`
	} `yaml:"oauth"`
	Token struct {
		RefreshBufferMinutes int `yaml:"refresh_buffer_minutes"`
		SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
		CleanupAfterDays     int `yaml:"cleanup_after_days"`
	} `yaml:"token"`
	Server struct {
		ListenAddr    string `yaml:"listen_addr"`
		AdminPassword string `yaml:"admin_password"`
	} `yaml:"server"`
}

// Config is the resolved, immutable configuration for one process.
type Config struct {
	DatabasePath  string
	EncryptionKey string

	AuthorityBase string
	Scopes        []string
	IdPTimeout    time.Duration

	RefreshBuffer   time.Duration
	SweepInterval   time.Duration
	CleanupAfter    time.Duration
	CleanupInterval time.Duration

	ListenAddr    string
	AdminPassword string
}

// Load reads the YAML file at path (missing file is fine, defaults apply)
// and applies environment overrides. The encryption key is required; it
// comes from TOKENKEEPER_ENCRYPTION_KEY or the file, in that order.
func Load(path string) (*Config, error) {
	var fc fileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// defaults only
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		DatabasePath:    fc.Database.Path,
		EncryptionKey:   fc.Encryption.Key,
		AuthorityBase:   fc.OAuth.AuthorityBase,
		Scopes:          fc.OAuth.Scopes,
		IdPTimeout:      time.Duration(fc.OAuth.TimeoutSeconds) * time.Second,
		RefreshBuffer:   time.Duration(fc.Token.RefreshBufferMinutes) * time.Minute,
		SweepInterval:   time.Duration(fc.Token.SweepIntervalMinutes) * time.Minute,
		CleanupAfter:    time.Duration(fc.Token.CleanupAfterDays) * 24 * time.Hour,
		CleanupInterval: defaultCleanupInterval,
		ListenAddr:      fc.Server.ListenAddr,
		AdminPassword:   fc.Server.AdminPassword,
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("encryption key not configured (set TOKENKEEPER_ENCRYPTION_KEY)")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOKENKEEPER_ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("TOKENKEEPER_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("TOKENKEEPER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("TOKENKEEPER_ADMIN_PASSWORD"); v != "" {
		cfg.AdminPassword = v
	}
	if v := os.Getenv("TOKENKEEPER_AUTHORITY_BASE"); v != "" {
		cfg.AuthorityBase = v
	}
	if v := os.Getenv("TOKENKEEPER_REFRESH_BUFFER_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RefreshBuffer = time.Duration(n) * time.Minute
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = defaultDatabasePath
	}
	if cfg.AuthorityBase == "" {
		cfg.AuthorityBase = defaultAuthorityBase
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = append([]string(nil), defaultScopes...)
	}
	if cfg.IdPTimeout <= 0 {
		cfg.IdPTimeout = defaultIdPTimeout
	}
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = defaultRefreshBuffer
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.CleanupAfter <= 0 {
		cfg.CleanupAfter = defaultCleanupAfter
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
}
