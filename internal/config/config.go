package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. CODEROOM_HTTP_PORT.
const EnvPrefix = "CODEROOM"

var ErrInvalidConfig = errors.New("invalid configuration")

// Repository drivers and provider kinds.
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
	DriverRedis  = "redis"
	DriverMemory = "memory"

	ProvidersMemory = "memory"
	ProvidersStream = "stream"
)

type Config struct {
	HTTP       *HTTPConfig       `mapstructure:"http" yaml:"http"`
	WebSocket  *WebSocketConfig  `mapstructure:"websocket" yaml:"websocket"`
	Repository *RepositoryConfig `mapstructure:"repository" yaml:"repository"`
	Providers  *ProvidersConfig  `mapstructure:"providers" yaml:"providers"`
	Session    *SessionConfig    `mapstructure:"session" yaml:"session"`
	RateLimit  *RateLimitConfig  `mapstructure:"ratelimit" yaml:"ratelimit"`
	Log        *LogConfig        `mapstructure:"log" yaml:"log"`
	Metrics    *MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

type HTTPConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// WebSocketConfig tunes relay connections.
type WebSocketConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	BufferSize   int           `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// RepositoryConfig selects and configures the session store.
type RepositoryConfig struct {
	Driver        string        `mapstructure:"driver" yaml:"driver"`
	SQLitePath    string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	SQLiteTimeout time.Duration `mapstructure:"sqlite_timeout" yaml:"sqlite_timeout"`
	MongoURI      string        `mapstructure:"mongo_uri" yaml:"mongo_uri"`
	MongoDatabase string        `mapstructure:"mongo_database" yaml:"mongo_database"`
	RedisURL      string        `mapstructure:"redis_url" yaml:"redis_url"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// ProvidersConfig selects the video, chat and identity backends.
type ProvidersConfig struct {
	Kind             string        `mapstructure:"kind" yaml:"kind"`
	BaseURL          string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey           string        `mapstructure:"api_key" yaml:"api_key"`
	APISecret        string        `mapstructure:"api_secret" yaml:"api_secret"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	IdentityCacheTTL time.Duration `mapstructure:"identity_cache_ttl" yaml:"identity_cache_ttl"`
}

type SessionConfig struct {
	DefaultMaxParticipants int           `mapstructure:"default_max_participants" yaml:"default_max_participants"`
	CompensationTimeout    time.Duration `mapstructure:"compensation_timeout" yaml:"compensation_timeout"`
}

type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DefaultConfig returns a configuration that runs standalone: sqlite on
// local disk and in-process providers.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 5 * time.Second,
			BufferSize:   100,
		},
		Repository: &RepositoryConfig{
			Driver:        DriverSQLite,
			SQLitePath:    "./data/coderoom.db",
			SQLiteTimeout: 5 * time.Second,
			MongoDatabase: "coderoom",
			MaxRetries:    8,
		},
		Providers: &ProvidersConfig{
			Kind:             ProvidersMemory,
			Timeout:          10 * time.Second,
			IdentityCacheTTL: 10 * time.Minute,
		},
		Session: &SessionConfig{
			DefaultMaxParticipants: 2,
			CompensationTimeout:    10 * time.Second,
		},
		RateLimit: &RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 10,
			Burst:             20,
			IdleTimeout:       10 * time.Minute,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: &MetricsConfig{
			Enabled: true,
		},
	}
}

// defaults flattens DefaultConfig into viper keys. Every key must be
// present here for environment overrides to bind.
func defaults() map[string]interface{} {
	d := DefaultConfig()
	return map[string]interface{}{
		"http.host":             d.HTTP.Host,
		"http.port":             d.HTTP.Port,
		"http.read_timeout":     d.HTTP.ReadTimeout,
		"http.write_timeout":    d.HTTP.WriteTimeout,
		"http.shutdown_timeout": d.HTTP.ShutdownTimeout,

		"websocket.ping_interval": d.WebSocket.PingInterval,
		"websocket.read_timeout":  d.WebSocket.ReadTimeout,
		"websocket.write_timeout": d.WebSocket.WriteTimeout,
		"websocket.buffer_size":   d.WebSocket.BufferSize,

		"repository.driver":         d.Repository.Driver,
		"repository.sqlite_path":    d.Repository.SQLitePath,
		"repository.sqlite_timeout": d.Repository.SQLiteTimeout,
		"repository.mongo_uri":      d.Repository.MongoURI,
		"repository.mongo_database": d.Repository.MongoDatabase,
		"repository.redis_url":      d.Repository.RedisURL,
		"repository.max_retries":    d.Repository.MaxRetries,

		"providers.kind":               d.Providers.Kind,
		"providers.base_url":           d.Providers.BaseURL,
		"providers.api_key":            d.Providers.APIKey,
		"providers.api_secret":         d.Providers.APISecret,
		"providers.timeout":            d.Providers.Timeout,
		"providers.identity_cache_ttl": d.Providers.IdentityCacheTTL,

		"session.default_max_participants": d.Session.DefaultMaxParticipants,
		"session.compensation_timeout":     d.Session.CompensationTimeout,

		"ratelimit.enabled":             d.RateLimit.Enabled,
		"ratelimit.requests_per_second": d.RateLimit.RequestsPerSecond,
		"ratelimit.burst":               d.RateLimit.Burst,
		"ratelimit.idle_timeout":        d.RateLimit.IdleTimeout,

		"log.level":  d.Log.Level,
		"log.format": d.Log.Format,

		"metrics.enabled": d.Metrics.Enabled,
	}
}

func newViper(withEnv bool) *viper.Viper {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	if withEnv {
		v.SetEnvPrefix(EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}
	return v
}

func load(v *viper.Viper, source string) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s configuration: %w", source, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", source, err)
	}
	return &cfg, nil
}

// LoadFromEnv applies CODEROOM_* overrides to the defaults.
func LoadFromEnv() (*Config, error) {
	return load(newViper(true), "environment")
}

// LoadFromFile applies a YAML, JSON or TOML file to the defaults. The
// environment is ignored.
func LoadFromFile(path string) (*Config, error) {
	v := newViper(false)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return load(v, path)
}

// LoadConfigWithPrecedence resolves environment over file over defaults.
// An empty path skips the file.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	v := newViper(true)
	source := "environment"
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		source = path
	}
	return load(v, source)
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.HTTP == nil || c.WebSocket == nil || c.Repository == nil || c.Providers == nil ||
		c.Session == nil || c.RateLimit == nil || c.Log == nil || c.Metrics == nil {
		return invalid("all configuration sections are required")
	}

	if c.HTTP.Host == "" {
		return invalid("HTTP host cannot be empty")
	}
	// Port 0 binds an ephemeral port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return invalid("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return invalid("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return invalid("WebSocket timeouts must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return invalid("WebSocket ping interval must be shorter than the read timeout")
	}
	if c.WebSocket.BufferSize <= 0 {
		return invalid("WebSocket buffer size must be positive")
	}

	switch c.Repository.Driver {
	case DriverSQLite:
		if c.Repository.SQLitePath == "" {
			return invalid("sqlite path cannot be empty")
		}
	case DriverMongo:
		if c.Repository.MongoURI == "" || c.Repository.MongoDatabase == "" {
			return invalid("mongo driver requires mongo_uri and mongo_database")
		}
	case DriverRedis:
		if c.Repository.RedisURL == "" {
			return invalid("redis driver requires redis_url")
		}
	case DriverMemory:
	default:
		return invalid("unknown repository driver %q", c.Repository.Driver)
	}
	if c.Repository.MaxRetries < 1 {
		return invalid("repository max_retries must be at least 1")
	}

	switch c.Providers.Kind {
	case ProvidersMemory:
	case ProvidersStream:
		if c.Providers.BaseURL == "" || c.Providers.APIKey == "" || c.Providers.APISecret == "" {
			return invalid("stream providers require base_url, api_key and api_secret")
		}
	default:
		return invalid("unknown providers kind %q", c.Providers.Kind)
	}
	if c.Providers.Timeout <= 0 {
		return invalid("providers timeout must be positive")
	}

	if c.Session.DefaultMaxParticipants < 2 || c.Session.DefaultMaxParticipants > 10 {
		return invalid("session default_max_participants must be between 2 and 10")
	}
	if c.Session.CompensationTimeout <= 0 {
		return invalid("session compensation_timeout must be positive")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return invalid("rate limit requires positive requests_per_second and burst")
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid("log format must be 'json' or 'text'")
	}
	return nil
}

// Address is the HTTP listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}
