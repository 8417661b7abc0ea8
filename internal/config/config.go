// Package config
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	CORS    CORSConfig    `yaml:"cors"`
	Logging LoggingConfig `yaml:"logging"`
	Cache   CacheConfig   `yaml:"cache"`
	Cluster ClusterConfig `yaml:"cluster"`
	Remote  RemoteConfig  `yaml:"remote"`
	Host    HostConfig    `yaml:"host"`
	Store   StoreConfig   `yaml:"store"`
	Poller  PollerConfig  `yaml:"poller"`
	Client  ClientConfig  `yaml:"client"`
}

type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	ReadTimeoutMS     int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int    `yaml:"write_timeout_ms"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAgeSeconds  int      `yaml:"max_age_seconds"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type CacheConfig struct {
	SnapshotTTLMS int `yaml:"snapshot_ttl_ms"`
	PowerTTLMS    int `yaml:"power_ttl_ms"`
}

type ClusterConfig struct {
	TimeoutMS          int  `yaml:"timeout_ms"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
	NodeConcurrency    int  `yaml:"node_concurrency"`
}

type RemoteConfig struct {
	LocalTimeoutMS int         `yaml:"local_timeout_ms"`
	SSH            SSHConfig   `yaml:"ssh"`
	WinRM          WinRMConfig `yaml:"winrm"`
}

type SSHConfig struct {
	User             string   `yaml:"user"`
	KeyFiles         []string `yaml:"key_files"`
	ConfigFile       string   `yaml:"config_file"`
	KnownHostsFile   string   `yaml:"known_hosts_file"`
	ConnectTimeoutMS int      `yaml:"connect_timeout_ms"`
	CommandTimeoutMS int      `yaml:"command_timeout_ms"`
}

type WinRMConfig struct {
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Domain    string `yaml:"domain"`
	Port      int    `yaml:"port"`
	HTTPS     bool   `yaml:"https"`
	Insecure  bool   `yaml:"insecure"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type HostConfig struct {
	SysfsRoot string `yaml:"sysfs_root"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, file or postgres
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
	// Key is a hex-encoded 32-byte key sealing stored auth entries.
	Key string `yaml:"key"`
}

type PollerConfig struct {
	IntervalMS    int `yaml:"interval_ms"`
	MinIntervalMS int `yaml:"min_interval_ms"`
	DebounceMS    int `yaml:"debounce_ms"`
	MaxRetries    int `yaml:"max_retries"`
}

type ClientConfig struct {
	APIURL    string `yaml:"api_url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              3001,
			ReadTimeoutMS:     15000,
			WriteTimeoutMS:    30000,
			ShutdownTimeoutMS: 30000,
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			MaxAgeSeconds:  300,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Cache:   CacheConfig{SnapshotTTLMS: 2000, PowerTTLMS: 5000},
		Cluster: ClusterConfig{TimeoutMS: 10000, InsecureSkipVerify: true, NodeConcurrency: 8},
		Remote: RemoteConfig{
			LocalTimeoutMS: 10000,
			SSH:            SSHConfig{ConnectTimeoutMS: 10000, CommandTimeoutMS: 10000},
			WinRM:          WinRMConfig{Port: 5985, Insecure: true, TimeoutMS: 10000},
		},
		Store:  StoreConfig{Driver: "memory"},
		Poller: PollerConfig{IntervalMS: 5000, MinIntervalMS: 2000, DebounceMS: 500, MaxRetries: 3},
		Client: ClientConfig{APIURL: "http://localhost:3001", TimeoutMS: 10000},
	}
}

// Load reads configuration from file over the defaults and applies
// environment variable overrides. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate ensures configuration values are usable
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", c.Server.Port)
	}
	if !c.Logging.IsLogLevelValid() {
		return fmt.Errorf("logging level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Cache.SnapshotTTLMS <= 0 || c.Cache.PowerTTLMS <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if c.Poller.MinIntervalMS <= 0 || c.Poller.MaxRetries <= 0 {
		return fmt.Errorf("poller min_interval_ms and max_retries must be positive")
	}

	switch c.Store.Driver {
	case "memory":
	case "file":
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for the file driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("SYSDASH_STORE_DSN is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Key != "" {
		if _, err := c.Store.SealKey(); err != nil {
			return err
		}
	}
	return nil
}

// applyEnvOverrides checks PORT and variables with the SYSDASH_ prefix
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SYSDASH_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SYSDASH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Store overrides
	if v := os.Getenv("SYSDASH_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("SYSDASH_STORE_KEY"); v != "" {
		cfg.Store.Key = v
	}

	if v := os.Getenv("SYSDASH_API_URL"); v != "" {
		cfg.Client.APIURL = v
	}

	// WinRM credentials
	if v := os.Getenv("SYSDASH_WINRM_USERNAME"); v != "" {
		cfg.Remote.WinRM.Username = v
	}
	if v := os.Getenv("SYSDASH_WINRM_PASSWORD"); v != "" {
		cfg.Remote.WinRM.Password = v
	}
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GetReadTimeout returns the read timeout as a duration
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return ms(s.ReadTimeoutMS)
}

// GetWriteTimeout returns the write timeout as a duration
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return ms(s.WriteTimeoutMS)
}

func (s *ServerConfig) GetShutdownTimeout() time.Duration {
	return ms(s.ShutdownTimeoutMS)
}

func (c *CacheConfig) GetSnapshotTTL() time.Duration { return ms(c.SnapshotTTLMS) }
func (c *CacheConfig) GetPowerTTL() time.Duration    { return ms(c.PowerTTLMS) }

func (c *ClusterConfig) GetTimeout() time.Duration { return ms(c.TimeoutMS) }

func (r *RemoteConfig) GetLocalTimeout() time.Duration { return ms(r.LocalTimeoutMS) }

func (s *SSHConfig) GetConnectTimeout() time.Duration { return ms(s.ConnectTimeoutMS) }
func (s *SSHConfig) GetCommandTimeout() time.Duration { return ms(s.CommandTimeoutMS) }

func (w *WinRMConfig) GetTimeout() time.Duration { return ms(w.TimeoutMS) }

// Enabled reports whether WinRM credentials are configured.
func (w *WinRMConfig) Enabled() bool {
	return w.Username != "" && w.Password != ""
}

func (p *PollerConfig) GetInterval() time.Duration    { return ms(p.IntervalMS) }
func (p *PollerConfig) GetMinInterval() time.Duration { return ms(p.MinIntervalMS) }
func (p *PollerConfig) GetDebounce() time.Duration    { return ms(p.DebounceMS) }

func (c *ClientConfig) GetTimeout() time.Duration { return ms(c.TimeoutMS) }

// SealKey decodes the store key. It returns nil when no key is set.
func (s *StoreConfig) SealKey() (*[32]byte, error) {
	if s.Key == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(s.Key)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("store key must be 64 hex characters (32 bytes)")
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
