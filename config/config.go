// Package config provides configuration management for the aegis audit
// pipeline and authorization resolver.
//
// Configuration is loaded with the following precedence (later sources
// override earlier ones):
//  1. Default values
//  2. Configuration file (config.yaml in ., ./configs, ~/.aegis, /etc/aegis)
//  3. Environment variables with the AEGIS_ prefix
//
// Environment variables use underscores for nested keys:
//   - AEGIS_STORE_URL=http://localhost:5984
//   - AEGIS_QUEUE_PATH=/var/lib/aegis/queue.db
//   - AEGIS_LOCKOUT_THRESHOLD=5
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig contains settings for the embedded HTTP facade.
type ServerConfig struct {
	// Enabled controls whether the HTTP facade is started at all.
	// In-process integrations leave this off.
	Enabled bool `mapstructure:"enabled"`

	// Host is the bind address (default: 127.0.0.1)
	Host string `mapstructure:"host"`

	// Port is the listen port (default: 8270)
	Port int `mapstructure:"port"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig contains remote record store connection settings.
type StoreConfig struct {
	// Driver selects the store implementation: "couchdb" or "postgres"
	Driver string `mapstructure:"driver"`

	// URL is the store server URL (CouchDB base URL or Postgres DSN)
	URL string `mapstructure:"url"`

	// Database is the database name (CouchDB only)
	Database string `mapstructure:"database"`

	// Username for store authentication (CouchDB only)
	Username string `mapstructure:"username"`

	// Password for store authentication (CouchDB only)
	Password string `mapstructure:"password"`

	// Timeout bounds individual store operations
	Timeout time.Duration `mapstructure:"timeout"`

	// CreateIfMissing automatically creates the database if absent
	CreateIfMissing bool `mapstructure:"create_if_missing"`

	// ProcedureURL is the endpoint for remote procedure calls used by the
	// emergency authorization path. Empty disables the RPC fallback step.
	ProcedureURL string `mapstructure:"procedure_url"`
}

// QueueConfig contains durable local queue settings.
type QueueConfig struct {
	// Path is the bbolt file backing the offline queue
	Path string `mapstructure:"path"`

	// MaxRecords caps queue growth during long offline periods.
	// The oldest records are dropped first once the cap is reached.
	MaxRecords int `mapstructure:"max_records"`
}

// GeoConfig contains IP geolocation lookup settings.
type GeoConfig struct {
	// LookupURL is the geolocation endpoint; "%s" is replaced by the IP.
	// Empty disables lookups (the no-op resolver is used).
	LookupURL string `mapstructure:"lookup_url"`

	// Timeout bounds a single lookup so enrichment never delays the
	// primary remote write for longer than this.
	Timeout time.Duration `mapstructure:"timeout"`

	// CacheURL is an optional redis URL for caching lookups
	CacheURL string `mapstructure:"cache_url"`

	// CacheTTL is the lifetime of a cached location
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// LockoutConfig contains the failed-attempt lockout policy settings.
type LockoutConfig struct {
	// Window is the trailing period inspected for failures (default: 30m)
	Window time.Duration `mapstructure:"window"`

	// Threshold is the failure count at which an identity locks (default: 5)
	Threshold int `mapstructure:"threshold"`
}

// ConnectivityConfig contains network reachability probe settings.
type ConnectivityConfig struct {
	// Target is the host:port dialed to determine reachability.
	// Defaults to the store URL's host.
	Target string `mapstructure:"target"`

	// Interval between reachability probes
	Interval time.Duration `mapstructure:"interval"`

	// Timeout for a single probe dial
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// Config is the root configuration for the aegis subsystem.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Store        StoreConfig        `mapstructure:"store"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Geo          GeoConfig          `mapstructure:"geo"`
	Lockout      LockoutConfig      `mapstructure:"lockout"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a configuration loader with the given environment prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetConfigDefaults sets the standard aegis defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("server.enabled", false)
	l.v.SetDefault("server.host", "127.0.0.1")
	l.v.SetDefault("server.port", 8270)
	l.v.SetDefault("server.shutdown_timeout", "10s")

	l.v.SetDefault("store.driver", "couchdb")
	l.v.SetDefault("store.url", "http://localhost:5984")
	l.v.SetDefault("store.database", "auth_audit")
	l.v.SetDefault("store.username", "")
	l.v.SetDefault("store.password", "")
	l.v.SetDefault("store.timeout", "30s")
	l.v.SetDefault("store.create_if_missing", true)
	l.v.SetDefault("store.procedure_url", "")

	l.v.SetDefault("queue.path", "aegis-queue.db")
	l.v.SetDefault("queue.max_records", 1000)

	l.v.SetDefault("geo.lookup_url", "")
	l.v.SetDefault("geo.timeout", "2s")
	l.v.SetDefault("geo.cache_url", "")
	l.v.SetDefault("geo.cache_ttl", "24h")

	l.v.SetDefault("lockout.window", "30m")
	l.v.SetDefault("lockout.threshold", 5)

	l.v.SetDefault("connectivity.target", "")
	l.v.SetDefault("connectivity.interval", "15s")
	l.v.SetDefault("connectivity.timeout", "3s")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
}

// Load reads configuration from file and environment variables.
// If cfgFile is empty, config.yaml is searched in standard locations.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.aegis")
		l.v.AddConfigPath("/etc/aegis")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig loads the aegis configuration with standard defaults and the
// AEGIS_ environment prefix.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("AEGIS")
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Enabled && (cfg.Server.Port < 1 || cfg.Server.Port > 65535) {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	switch cfg.Store.Driver {
	case "couchdb", "postgres":
	default:
		return fmt.Errorf("unknown store driver: %q", cfg.Store.Driver)
	}

	if cfg.Store.URL == "" {
		return fmt.Errorf("store url is required")
	}

	if cfg.Queue.MaxRecords < 1 {
		return fmt.Errorf("queue max_records must be positive: %d", cfg.Queue.MaxRecords)
	}

	if cfg.Lockout.Threshold < 1 {
		return fmt.Errorf("lockout threshold must be positive: %d", cfg.Lockout.Threshold)
	}

	return nil
}

// BuildURL constructs the full store URL with authentication for CouchDB.
func (c *StoreConfig) BuildURL() string {
	if c.Username != "" && c.Password != "" {
		return strings.Replace(c.URL, "://", "://"+c.Username+":"+c.Password+"@", 1)
	}
	return c.URL
}
