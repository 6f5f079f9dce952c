// Package config loads the WOPI host configuration.
//
// Sources, lowest to highest precedence: built-in defaults, an optional YAML
// file, environment variables. Environment variables use the WOPI_ prefix
// with underscores for nesting (WOPI_LOCK_BACKEND=dynamodb). DEV_MODE is
// also honoured without the prefix.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendS3       = "s3"
	BackendPostgres = "postgres"
)

// Config is the complete host configuration.
type Config struct {
	// DevMode selects the environment secret resolver and seeds the
	// in-memory stores with a sample document. Backends are still chosen by
	// the Lock, Blob and Metadata sections.
	DevMode bool `mapstructure:"dev_mode"`

	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Lock     LockConfig     `mapstructure:"lock"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Metadata MetadataConfig `mapstructure:"metadata"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Callback CallbackConfig `mapstructure:"callback"`
}

// ServerConfig configures the standalone HTTP server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	// MaxBodyBytes bounds PutFile and callback request bodies.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// LockConfig selects where locks live and how long they last.
type LockConfig struct {
	Backend string        `mapstructure:"backend" validate:"oneof=memory dynamodb redis"`
	TTL     time.Duration `mapstructure:"ttl" validate:"gt=0"`
	Stripes int           `mapstructure:"stripes" validate:"gt=0"`
	Table   string        `mapstructure:"table" validate:"required_if=Backend dynamodb"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// BlobConfig selects the document content store.
type BlobConfig struct {
	Backend      string `mapstructure:"backend" validate:"oneof=memory s3"`
	Bucket       string `mapstructure:"bucket" validate:"required_if=Backend s3"`
	KeyPrefix    string `mapstructure:"key_prefix"`
	Extension    string `mapstructure:"extension" validate:"required,startswith=."`
	ContentType  string `mapstructure:"content_type" validate:"required"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// MetadataConfig selects the document metadata store.
type MetadataConfig struct {
	Backend       string `mapstructure:"backend" validate:"oneof=memory dynamodb postgres"`
	Table         string `mapstructure:"table" validate:"required_if=Backend dynamodb"`
	VersionsTable string `mapstructure:"versions_table" validate:"required_if=Backend dynamodb"`
	PostgresDSN   string `mapstructure:"postgres_dsn" validate:"required_if=Backend postgres"`
}

// AuthConfig configures access-token checking.
type AuthConfig struct {
	// JWTSecretParam names the secret used to verify signed access tokens.
	// Empty means any non-empty access token is accepted.
	JWTSecretParam string `mapstructure:"jwt_secret_param"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

// CallbackConfig restricts where editor save callbacks may fetch content.
type CallbackConfig struct {
	// AllowedHosts lists the host names (optionally host:port) a callback
	// URL may point at. Empty allows any host.
	AllowedHosts []string `mapstructure:"allowed_hosts" validate:"dive,required"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dev_mode", false)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_body_bytes", int64(100<<20))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("lock.backend", BackendMemory)
	v.SetDefault("lock.ttl", 30*time.Minute)
	v.SetDefault("lock.stripes", 64)
	v.SetDefault("lock.table", "WopiLocks")
	v.SetDefault("lock.redis.addr", "localhost:6379")
	v.SetDefault("lock.redis.password", "")
	v.SetDefault("lock.redis.db", 0)
	v.SetDefault("lock.redis.key_prefix", "wopi:lock:")

	v.SetDefault("blob.backend", BackendMemory)
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.key_prefix", "")
	v.SetDefault("blob.extension", ".docx")
	v.SetDefault("blob.content_type", "application/vnd.openxmlformats-officedocument.wordprocessingml.document")
	v.SetDefault("blob.endpoint", "")
	v.SetDefault("blob.use_path_style", false)

	v.SetDefault("metadata.backend", BackendMemory)
	v.SetDefault("metadata.table", "Documents")
	v.SetDefault("metadata.versions_table", "DocumentVersions")
	v.SetDefault("metadata.postgres_dsn", "")

	v.SetDefault("auth.jwt_secret_param", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("callback.allowed_hosts", []string{})
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("WOPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()
	_ = v.BindEnv("dev_mode", "WOPI_DEV_MODE", "DEV_MODE")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
}

// Load reads the configuration. configPath may be empty; a non-empty path
// must name a readable file.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	setupViper(v, configPath)

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if cfg.Lock.Backend == BackendRedis && cfg.Lock.Redis.Addr == "" {
		return errors.New("lock.redis.addr is required for the redis lock backend")
	}
	return nil
}

// NeedsAWS reports whether any configured backend talks to AWS.
func (c *Config) NeedsAWS() bool {
	return c.Lock.Backend == BackendDynamoDB ||
		c.Blob.Backend == BackendS3 ||
		c.Metadata.Backend == BackendDynamoDB ||
		(!c.DevMode && c.Auth.JWTSecretParam != "")
}
