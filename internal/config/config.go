package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig
	DB         DBConfig
	Redis      RedisConfig
	NATS       NATSConfig
	JWT        JWTConfig
	Encryption EncryptionConfig
	Provider   ProviderConfig
	Limits     LimitsConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host        string
	Port        int
	CORSOrigins []string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	URL     string
	Enabled bool
}

type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

type EncryptionConfig struct {
	Key string
}

// ProviderConfig describes the default upstream generation backend used when
// a request names no model. Models with their own provider row override it.
type ProviderConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// LimitsConfig holds system-wide request ceilings. Per-key and per-profile
// overrides take precedence at admission time.
type LimitsConfig struct {
	DefaultRPM int
	DefaultRPD int
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:     k.String("db.host"),
			Port:     k.Int("db.port"),
			User:     k.String("db.user"),
			Password: k.String("db.password"),
			Name:     k.String("db.name"),
			SSLMode:  k.String("db.sslmode"),
			MaxConns: int32(k.Int("db.max.conns")),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL:     k.String("nats.url"),
			Enabled: k.Bool("nats.enabled"),
		},
		JWT: JWTConfig{
			AccessSecret:  k.String("jwt.access.secret"),
			RefreshSecret: k.String("jwt.refresh.secret"),
		},
		Encryption: EncryptionConfig{
			Key: k.String("encryption.key"),
		},
		Provider: ProviderConfig{
			Endpoint: k.String("provider.endpoint"),
			APIKey:   k.String("provider.api.key"),
		},
		Limits: LimitsConfig{
			DefaultRPM: k.Int("limits.default.rpm"),
			DefaultRPD: k.Int("limits.default.rpd"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	if origins := k.String("cors.allowed.origins"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Server.CORSOrigins = append(cfg.Server.CORSOrigins, o)
			}
		}
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "pixelforge"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "pixelforge"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Limits.DefaultRPM == 0 {
		cfg.Limits.DefaultRPM = 60
	}
	if cfg.Limits.DefaultRPD == 0 {
		cfg.Limits.DefaultRPD = 1000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	accessExpStr := k.String("jwt.access.expiry")
	if accessExpStr == "" {
		accessExpStr = "15m"
	}
	cfg.JWT.AccessExpiry, err = time.ParseDuration(accessExpStr)
	if err != nil {
		return nil, fmt.Errorf("parsing jwt access expiry: %w", err)
	}

	refreshExpStr := k.String("jwt.refresh.expiry")
	if refreshExpStr == "" {
		refreshExpStr = "168h"
	}
	cfg.JWT.RefreshExpiry, err = time.ParseDuration(refreshExpStr)
	if err != nil {
		return nil, fmt.Errorf("parsing jwt refresh expiry: %w", err)
	}

	timeoutStr := k.String("provider.timeout")
	if timeoutStr == "" {
		timeoutStr = "10s"
	}
	cfg.Provider.Timeout, err = time.ParseDuration(timeoutStr)
	if err != nil {
		return nil, fmt.Errorf("parsing provider timeout: %w", err)
	}

	return cfg, nil
}
