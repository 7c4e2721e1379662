// Package config loads service configuration from an optional YAML file
// and TIDMARKET_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tidmarket/market-engine/internal/curve"
	"github.com/tidmarket/market-engine/internal/fees"
	"github.com/tidmarket/market-engine/internal/model"
	"github.com/tidmarket/market-engine/internal/signing"
)

// EnvPrefix prefixes every environment override, e.g. TIDMARKET_SERVER_PORT.
const EnvPrefix = "TIDMARKET"

// Config represents the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Events  EventsConfig  `mapstructure:"events"`
	Market  MarketConfig  `mapstructure:"market"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP listener configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects the ledger store. An empty database URL runs on the
// in-memory store; the Redis cache is only used in front of Postgres. Redis
// also holds the seen-request set of the API authenticator when set.
type StorageConfig struct {
	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// EventsConfig holds the outbound event stream configuration
type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Buffer  int    `mapstructure:"buffer"`
}

// MarketConfig holds ledger parameters
type MarketConfig struct {
	Admin           string `mapstructure:"admin"`
	Signer          string `mapstructure:"signer"`
	Treasury        string `mapstructure:"treasury"`
	PaymentDecimals int32  `mapstructure:"payment_decimals"`
	FeeDenominator  int64  `mapstructure:"fee_denominator"`
	CreatorWeight   int64  `mapstructure:"creator_weight"`
	PublicWeight    int64  `mapstructure:"public_weight"`
}

// AuthConfig holds request authentication settings
type AuthConfig struct {
	ClockSkew time.Duration    `mapstructure:"clock_skew"`
	Delegates []DelegateConfig `mapstructure:"delegates"`
}

// DelegateConfig lists the keys allowed to sign for a program account.
// Kept as a list rather than a map: viper lowercases map keys and
// addresses are case-sensitive.
type DelegateConfig struct {
	Account string   `mapstructure:"account"`
	Keys    []string `mapstructure:"keys"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from path, if given, and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults configures default values for all configuration options.
// Every key needs a default so that AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "5s")

	// Storage defaults
	v.SetDefault("storage.database_url", "")
	v.SetDefault("storage.redis_url", "")
	v.SetDefault("storage.cache_ttl", "30s")

	// Events defaults
	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.buffer", 1024)

	// Market defaults
	v.SetDefault("market.admin", "")
	v.SetDefault("market.signer", "")
	v.SetDefault("market.treasury", "")
	v.SetDefault("market.payment_decimals", 18)
	v.SetDefault("market.fee_denominator", fees.Default.Denominator)
	v.SetDefault("market.creator_weight", fees.Default.CreatorWeight)
	v.SetDefault("market.public_weight", fees.Default.PublicWeight)

	// Auth defaults
	v.SetDefault("auth.clock_skew", "5m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid and normalizes
// addresses to checksum form.
func (c *Config) Validate() error {
	// Validate Server config
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}

	// Validate Storage config
	if c.Storage.RedisURL != "" && c.Storage.CacheTTL <= 0 {
		return fmt.Errorf("storage.cache_ttl must be positive when redis is enabled")
	}

	// Validate Events config
	if c.Events.NATSURL != "" && c.Events.Buffer < 1 {
		return fmt.Errorf("events.buffer must be at least 1")
	}

	// Validate Market config
	if err := canonicalAddress("market.admin", &c.Market.Admin); err != nil {
		return err
	}
	if err := canonicalAddress("market.signer", &c.Market.Signer); err != nil {
		return err
	}
	if c.Market.Treasury != "" {
		if err := canonicalAddress("market.treasury", &c.Market.Treasury); err != nil {
			return err
		}
	}
	if _, err := c.Pricing(); err != nil {
		return fmt.Errorf("market.payment_decimals: %w", err)
	}
	if err := c.Fees().Validate(); err != nil {
		return fmt.Errorf("market fee schedule: %w", err)
	}

	// Validate Auth config
	if c.Auth.ClockSkew <= 0 {
		return fmt.Errorf("auth.clock_skew must be positive")
	}
	for i := range c.Auth.Delegates {
		d := &c.Auth.Delegates[i]
		if err := canonicalAddress("auth.delegates: account", &d.Account); err != nil {
			return err
		}
		for j := range d.Keys {
			if err := canonicalAddress("auth.delegates: key", &d.Keys[j]); err != nil {
				return err
			}
		}
	}

	// Validate Logging config
	if _, ok := logLevels[c.Logging.Level]; !ok {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// canonicalAddress validates an address field and rewrites it in checksum
// form, the form the ledger compares against.
func canonicalAddress(field string, s *string) error {
	a, err := signing.ParseAddress(*s)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*s = string(a)
	return nil
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Fees returns the configured fee schedule.
func (c *Config) Fees() fees.Schedule {
	return fees.Schedule{
		Denominator:   c.Market.FeeDenominator,
		CreatorWeight: c.Market.CreatorWeight,
		PublicWeight:  c.Market.PublicWeight,
	}
}

// Pricing returns the curve for the configured payment asset: the native
// curve at 18 decimals, a token curve otherwise.
func (c *Config) Pricing() (*curve.Curve, error) {
	if c.Market.PaymentDecimals == 18 {
		return curve.NewNative(), nil
	}
	return curve.NewToken(c.Market.PaymentDecimals)
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	return logLevels[c.Logging.Level]
}

// Accounts builds the program-account verifier from the delegate table.
func (c *Config) Accounts() *signing.AccountVerifier {
	av := signing.NewAccountVerifier()
	for _, d := range c.Auth.Delegates {
		keys := make([]model.Address, len(d.Keys))
		for i, k := range d.Keys {
			keys[i] = model.Address(k)
		}
		av.Register(model.Address(d.Account), keys...)
	}
	return av
}
