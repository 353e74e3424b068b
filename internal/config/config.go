// Package config loads service configuration from an INI file with
// environment variable overrides. Every key has a default, so the service
// runs with no config file at all.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Retention RetentionConfig `mapstructure:"retention"`
	Service   ServiceConfig   `mapstructure:"service"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ExchangeConfig selects the exchange integration. The websocket URLs
// default to the exchange's production endpoints when empty.
type ExchangeConfig struct {
	Type        string `mapstructure:"type"`
	WSURL       string `mapstructure:"ws_url"`
	PublicWSURL string `mapstructure:"public_ws_url"`
}

// ServerConfig configures the HTTP server. TickerPair is the instrument the
// /ws/ticker relay subscribes to upstream.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
	TickerPair   string `mapstructure:"ticker_pair"`
}

// Addr returns the host:port the server binds.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%v:%v", c.Host, c.Port)
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// CacheConfig configures the exchange response cache. TTLs are in seconds;
// a TTL of zero disables caching for that interval.
type CacheConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	Size       int  `mapstructure:"size"`
	TTL1m      int  `mapstructure:"ttl_1m"`
	TTL5m      int  `mapstructure:"ttl_5m"`
	TTL15m     int  `mapstructure:"ttl_15m"`
	TTL30m     int  `mapstructure:"ttl_30m"`
	TTL1h      int  `mapstructure:"ttl_1h"`
	TTL2h      int  `mapstructure:"ttl_2h"`
	TTL4h      int  `mapstructure:"ttl_4h"`
	TTL8h      int  `mapstructure:"ttl_8h"`
	TTL1d      int  `mapstructure:"ttl_1d"`
	TTL1w      int  `mapstructure:"ttl_1w"`
	TTLDefault int  `mapstructure:"ttl_default"`
}

// TTLs returns the per-interval TTL map the cache consumes.
func (c CacheConfig) TTLs() map[string]time.Duration {
	seconds := map[string]int{
		"1m": c.TTL1m, "5m": c.TTL5m, "15m": c.TTL15m, "30m": c.TTL30m,
		"1h": c.TTL1h, "2h": c.TTL2h, "4h": c.TTL4h, "8h": c.TTL8h,
		"1d": c.TTL1d, "1w": c.TTL1w,
	}
	ttls := make(map[string]time.Duration, len(seconds))
	for interval, s := range seconds {
		ttls[interval] = time.Duration(s) * time.Second
	}
	return ttls
}

// RetryConfig configures exchange request retries.
type RetryConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

// RetentionConfig configures the daily cleanup: how many days of bars to
// keep and the local wall-clock time to fire at.
type RetentionConfig struct {
	Days   int `mapstructure:"days"`
	Hour   int `mapstructure:"hour"`
	Minute int `mapstructure:"minute"`
}

// ServiceConfig tunes the coverage thresholds of the query path.
type ServiceConfig struct {
	CompleteThreshold float64 `mapstructure:"complete_threshold"`
	TailThreshold     float64 `mapstructure:"tail_threshold"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.type", "okx")
	v.SetDefault("exchange.ws_url", "")
	v.SetDefault("exchange.public_ws_url", "")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9100)
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 15)
	v.SetDefault("server.idle_timeout", 60)
	v.SetDefault("server.ticker_pair", "BTC-USDT")

	v.SetDefault("database.path", "data/candles.db")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.size", 10000)
	v.SetDefault("cache.ttl_1m", 30)
	v.SetDefault("cache.ttl_5m", 120)
	v.SetDefault("cache.ttl_15m", 300)
	v.SetDefault("cache.ttl_30m", 600)
	v.SetDefault("cache.ttl_1h", 600)
	v.SetDefault("cache.ttl_2h", 600)
	v.SetDefault("cache.ttl_4h", 600)
	v.SetDefault("cache.ttl_8h", 600)
	v.SetDefault("cache.ttl_1d", 600)
	v.SetDefault("cache.ttl_1w", 600)
	v.SetDefault("cache.ttl_default", 60)

	v.SetDefault("retry.max_retries", 3)

	v.SetDefault("retention.days", 30)
	v.SetDefault("retention.hour", 2)
	v.SetDefault("retention.minute", 0)

	v.SetDefault("service.complete_threshold", 0.95)
	v.SetDefault("service.tail_threshold", 0.80)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// Load reads configuration from the INI file at path. An empty path looks
// for an optional config.ini in the working directory. Environment variables
// prefixed CANDLEPROXY_ override file values, e.g. CANDLEPROXY_SERVER_PORT.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("ini")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %v: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("ini")
		v.AddConfigPath(".")
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("CANDLEPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Exchange.Type == "" {
		return fmt.Errorf("exchange.type must not be empty")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %v out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Service.CompleteThreshold <= 0 || c.Service.CompleteThreshold > 1 {
		return fmt.Errorf("service.complete_threshold %v out of range (0, 1]", c.Service.CompleteThreshold)
	}
	if c.Service.TailThreshold <= 0 || c.Service.TailThreshold > 1 {
		return fmt.Errorf("service.tail_threshold %v out of range (0, 1]", c.Service.TailThreshold)
	}
	if c.Retention.Hour < 0 || c.Retention.Hour > 23 {
		return fmt.Errorf("retention.hour %v out of range", c.Retention.Hour)
	}
	if c.Retention.Minute < 0 || c.Retention.Minute > 59 {
		return fmt.Errorf("retention.minute %v out of range", c.Retention.Minute)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	return nil
}
