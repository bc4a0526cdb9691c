package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Usage   UsageConfig   `mapstructure:"usage"`
	Assets  AssetsConfig  `mapstructure:"assets"`
	Content ContentConfig `mapstructure:"content"`
	Policy  PolicyConfig  `mapstructure:"policy"`
}

// ServerConfig defines listener ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "sqlite" or "redis"
	Path  string      `mapstructure:"path"` // sqlite database file
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// UsageConfig defines the daily screen-time budget
type UsageConfig struct {
	DailyLimit   string `mapstructure:"daily_limit"`
	TickInterval string `mapstructure:"tick_interval"`
}

// AssetsConfig defines the local asset mirror
type AssetsConfig struct {
	CacheDir        string `mapstructure:"cache_dir"`
	DownloadTimeout string `mapstructure:"download_timeout"`
	Concurrency     int    `mapstructure:"concurrency"`
	PreloadOnStart  bool   `mapstructure:"preload_on_start"`
}

// ContentConfig defines where the story listing comes from
type ContentConfig struct {
	Source    string `mapstructure:"source"` // "http" or "file"
	URL       string `mapstructure:"url"`
	File      string `mapstructure:"file"`
	Token     string `mapstructure:"token"`
	Timeout   string `mapstructure:"timeout"`
	CacheTTL  string `mapstructure:"cache_ttl"`
	CacheSize int    `mapstructure:"cache_size"`
}

// PolicyConfig defines the optional rego budget policy
type PolicyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	Watch   bool   `mapstructure:"watch"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("STORYGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.api_port", 7420)
	v.SetDefault("server.metrics_port", 9420)

	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.path", "/var/lib/storyguard/storyguard.db")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("usage.daily_limit", "90m")
	v.SetDefault("usage.tick_interval", "1s")

	v.SetDefault("assets.cache_dir", "/var/cache/storyguard/assets")
	v.SetDefault("assets.download_timeout", "60s")
	v.SetDefault("assets.concurrency", 4)
	v.SetDefault("assets.preload_on_start", true)

	v.SetDefault("content.source", "http")
	v.SetDefault("content.timeout", "15s")
	v.SetDefault("content.cache_ttl", "10m")
	v.SetDefault("content.cache_size", 8)

	v.SetDefault("policy.enabled", false)
	v.SetDefault("policy.dir", "/etc/storyguard/policies")
	v.SetDefault("policy.watch", false)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	limit, err := time.ParseDuration(cfg.Usage.DailyLimit)
	if err != nil {
		return fmt.Errorf("invalid usage.daily_limit: %w", err)
	}
	if limit <= 0 {
		return fmt.Errorf("usage.daily_limit must be positive, got %s", cfg.Usage.DailyLimit)
	}
	if tick, err := time.ParseDuration(cfg.Usage.TickInterval); err != nil || tick <= 0 {
		return fmt.Errorf("invalid usage.tick_interval: %q", cfg.Usage.TickInterval)
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "sqlite"
		fallthrough
	case "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for sqlite storage")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required for redis storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	if cfg.Assets.CacheDir == "" {
		return fmt.Errorf("assets.cache_dir is required")
	}
	if cfg.Assets.Concurrency <= 0 {
		cfg.Assets.Concurrency = 1
	}
	if err := os.MkdirAll(cfg.Assets.CacheDir, 0755); err != nil {
		return fmt.Errorf("failed to create asset cache directory: %w", err)
	}

	switch cfg.Content.Source {
	case "http":
		// An empty URL disables catalog preloading.
	case "file":
		if cfg.Content.File == "" {
			return fmt.Errorf("content.file is required when content.source is file")
		}
	default:
		return fmt.Errorf("unsupported content source: %s", cfg.Content.Source)
	}

	if cfg.Policy.Enabled && cfg.Policy.Dir == "" {
		return fmt.Errorf("policy.dir is required when policy is enabled")
	}

	return nil
}

// optionalKeys are recognised keys that carry no default value.
var optionalKeys = []string{
	"storage.redis.password",
	"content.url",
	"content.file",
	"content.token",
}

// Defaults returns the configuration used when no file or environment
// overrides are present. It is not validated.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// KnownKeys returns every configuration key Load understands.
func KnownKeys() map[string]bool {
	v := viper.New()
	setDefaults(v)

	keys := make(map[string]bool)
	for _, k := range v.AllKeys() {
		keys[k] = true
	}
	for _, k := range optionalKeys {
		keys[k] = true
	}
	return keys
}
