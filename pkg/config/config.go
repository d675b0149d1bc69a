// Package config loads commitgate configuration from an optional YAML file
// and 12-factor environment variables. Environment values win.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/typeddata"
	"github.com/Mindburn-Labs/commitgate/pkg/uri"
)

// Config holds server and protocol configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	Domain     typeddata.Domain `yaml:"domain"`
	Controller crypto.Address   `yaml:"controller"`
	URIPolicy  uri.Policy       `yaml:"uri_policy"`
	// Agents are authorized by the controller at startup.
	Agents []crypto.Address `yaml:"agents"`

	Storage       StorageConfig       `yaml:"storage"`
	Redis         RedisConfig         `yaml:"redis"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// StorageConfig selects the durable backend. Driver is memory, sqlite or postgres.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig moves the consume hot paths to Redis when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// AuthConfig configures caller token verification.
type AuthConfig struct {
	MaxTokenTTL time.Duration `yaml:"max_token_ttl"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ObservabilityConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	Insecure   bool    `yaml:"insecure"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Default returns a configuration that boots a local in-memory node.
func Default() *Config {
	return &Config{
		Port:     "8080",
		LogLevel: "INFO",
		Domain: typeddata.Domain{
			Name:    "commitgate",
			Version: "1",
			ChainID: 1,
		},
		URIPolicy: uri.Policy{MaxLength: uri.DefaultMaxLength},
		Storage:   StorageConfig{Driver: "memory"},
		Redis:     RedisConfig{Prefix: "commitgate"},
		Auth:      AuthConfig{MaxTokenTTL: 15 * time.Minute},
		RateLimit: RateLimitConfig{RPS: 50, Burst: 100},
		Observability: ObservabilityConfig{
			Endpoint:   "localhost:4317",
			SampleRate: 1.0,
		},
	}
}

// Load loads configuration from COMMITGATE_CONFIG (if set) and the environment.
func Load() (*Config, error) {
	if path := os.Getenv("COMMITGATE_CONFIG"); path != "" {
		return LoadFile(path)
	}
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults, then applies the environment.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("DOMAIN_NAME", &c.Domain.Name)
	str("DOMAIN_VERSION", &c.Domain.Version)
	str("DATABASE_DRIVER", &c.Storage.Driver)
	str("DATABASE_URL", &c.Storage.DSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("REDIS_PREFIX", &c.Redis.Prefix)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Observability.Endpoint)

	var errs []error
	if v := os.Getenv("CHAIN_ID"); v != "" {
		id, err := strconv.ParseUint(v, 0, 64)
		errs = append(errs, wrapEnv("CHAIN_ID", err))
		c.Domain.ChainID = id
	}
	if v := os.Getenv("VERIFYING_CONTRACT"); v != "" {
		addr, err := crypto.ParseAddress(v)
		errs = append(errs, wrapEnv("VERIFYING_CONTRACT", err))
		c.Domain.VerifyingContract = addr
	}
	if v := os.Getenv("CONTROLLER_ADDRESS"); v != "" {
		addr, err := crypto.ParseAddress(v)
		errs = append(errs, wrapEnv("CONTROLLER_ADDRESS", err))
		c.Controller = addr
	}
	if v := os.Getenv("AUTHORIZED_AGENTS"); v != "" {
		c.Agents = nil
		for _, part := range splitList(v) {
			addr, err := crypto.ParseAddress(part)
			errs = append(errs, wrapEnv("AUTHORIZED_AGENTS", err))
			c.Agents = append(c.Agents, addr)
		}
	}
	if v := os.Getenv("ALLOWED_DOMAINS"); v != "" {
		c.URIPolicy.AllowedDomains = splitList(v)
	}
	if v := os.Getenv("URI_MAX_LENGTH"); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, wrapEnv("URI_MAX_LENGTH", err))
		c.URIPolicy.MaxLength = n
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, wrapEnv("REDIS_DB", err))
		c.Redis.DB = n
	}
	if v := os.Getenv("AUTH_MAX_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		errs = append(errs, wrapEnv("AUTH_MAX_TOKEN_TTL", err))
		c.Auth.MaxTokenTTL = d
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		errs = append(errs, wrapEnv("RATE_LIMIT_RPS", err))
		c.RateLimit.RPS = f
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, wrapEnv("RATE_LIMIT_BURST", err))
		c.RateLimit.Burst = n
	}
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		c.Observability.Enabled = v == "true"
	}
	if v := os.Getenv("OTEL_INSECURE"); v != "" {
		c.Observability.Insecure = v == "true"
	}
	return errors.Join(errs...)
}

// Validate reports configuration a node cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Controller.IsZero() {
		errs = append(errs, errors.New("controller address is required"))
	}
	if c.Domain.Name == "" {
		errs = append(errs, errors.New("domain name is required"))
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage dsn is required for driver %q", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.URIPolicy.MaxLength < 0 {
		errs = append(errs, errors.New("uri max length must not be negative"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel onto slog, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func wrapEnv(key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("env %s: %w", key, err)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
