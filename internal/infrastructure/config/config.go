package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`

	Consent  ConsentConfig  `koanf:"consent"`
	Privacy  PrivacyConfig  `koanf:"privacy"`
	Capsule  CapsuleConfig  `koanf:"capsule"`
	Device   DeviceConfig   `koanf:"device"`
	Audit    AuditConfig    `koanf:"audit"`
	Security SecurityConfig `koanf:"security"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `koanf:"url"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type ConsentConfig struct {
	// CacheTTL bounds how stale a cached consent decision may be. It
	// must stay at or under the 60 second revocation propagation
	// bound.
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

type PrivacyConfig struct {
	KMin                int           `koanf:"k_min" validate:"min=1"`
	LinkageWindow       time.Duration `koanf:"linkage_window"`
	LinkageThreshold    float64       `koanf:"linkage_threshold" validate:"gt=0,lte=1"`
	LinkageMaxSimilar   int           `koanf:"linkage_max_similar" validate:"min=1"`
	ConsumeRetries      int           `koanf:"consume_retries" validate:"min=1"`
}

type CapsuleConfig struct {
	MaxTTL        time.Duration `koanf:"max_ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	SweepBatch    int           `koanf:"sweep_batch" validate:"min=1"`
}

type DeviceConfig struct {
	// DirectoryURL is the device exchange directory endpoint
	DirectoryURL   string        `koanf:"directory_url" validate:"required,url"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	CollectTimeout time.Duration `koanf:"collect_timeout"`
}

type AuditConfig struct {
	AnchorBatchSize int    `koanf:"anchor_batch_size" validate:"min=1"`
	DefaultShard    string `koanf:"default_shard"`
}

type SecurityConfig struct {
	// PlanSigningKey signs query plan canonical payloads (HMAC-SHA256)
	PlanSigningKey string `koanf:"plan_signing_key" validate:"required,min=16"`
	// JWTSecret signs API bearer tokens. Empty disables API auth,
	// which only makes sense in development.
	JWTSecret string          `koanf:"jwt_secret"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `koanf:"requests_per_second"`
	BurstSize         int `koanf:"burst_size"`
}

// RevocationBound is the hard upper limit on revocation propagation.
const RevocationBound = 60 * time.Second

// Load builds the configuration from defaults, an optional YAML file
// and YPC_-prefixed environment variables, in that order.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Consent: ConsentConfig{
			CacheTTL: 30 * time.Second,
		},
		Privacy: PrivacyConfig{
			KMin:              50,
			LinkageWindow:     24 * time.Hour,
			LinkageThreshold:  0.8,
			LinkageMaxSimilar: 10,
			ConsumeRetries:    5,
		},
		Capsule: CapsuleConfig{
			MaxTTL:        168 * time.Hour,
			SweepInterval: time.Minute,
			SweepBatch:    100,
		},
		Device: DeviceConfig{
			DirectoryURL:   "http://localhost:8090",
			RequestTimeout: 5 * time.Second,
			CollectTimeout: 30 * time.Second,
		},
		Audit: AuditConfig{
			AnchorBatchSize: 100,
			DefaultShard:    "primary",
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("YPC_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "YPC_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate enforces structural rules plus the cross-field invariants
// the struct tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Consent.CacheTTL <= 0 || c.Consent.CacheTTL > RevocationBound {
		return fmt.Errorf("consent.cache_ttl must be in (0, %s]", RevocationBound)
	}
	if c.Capsule.MaxTTL <= 0 || c.Capsule.MaxTTL > 168*time.Hour {
		return fmt.Errorf("capsule.max_ttl must be in (0, 168h]")
	}
	if c.Capsule.SweepInterval <= 0 {
		return fmt.Errorf("capsule.sweep_interval must be positive")
	}
	if c.Privacy.LinkageWindow <= 0 {
		return fmt.Errorf("privacy.linkage_window must be positive")
	}
	if c.Device.RequestTimeout <= 0 || c.Device.CollectTimeout <= 0 {
		return fmt.Errorf("device timeouts must be positive")
	}
	if c.Device.RequestTimeout > c.Device.CollectTimeout {
		return fmt.Errorf("device.request_timeout cannot exceed device.collect_timeout")
	}
	return nil
}
