package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreHTTP     = "http"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// DefaultJWTSecret is the development signing secret. Production
// deployments must replace it.
const DefaultJWTSecret = "collab-dev-secret"

const EnvProduction = "production"

// Config holds the collab server settings. Values from the optional YAML
// file are overridden by environment variables.
type Config struct {
	Env              string        `yaml:"env"`
	Port             string        `yaml:"port"`
	JWTSecret        string        `yaml:"jwtSecret"`
	BackendURL       string        `yaml:"backendUrl"`
	AuthURL          string        `yaml:"authUrl"`
	AuthClientID     string        `yaml:"authClientId"`
	AuthClientSecret string        `yaml:"authClientSecret"`
	Store            string        `yaml:"store"`
	DatabaseURL      string        `yaml:"databaseUrl"`
	RedisAddr        string        `yaml:"redisAddr"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout"`
	AutosaveSchedule string        `yaml:"autosaveSchedule"`
	CORSOrigins      []string      `yaml:"corsOrigins"`
	LogLevel         string        `yaml:"logLevel"`
}

func defaults() *Config {
	return &Config{
		Env:              "development",
		Port:             "8080",
		JWTSecret:        DefaultJWTSecret,
		BackendURL:       "http://backend:8080",
		AuthURL:          "http://auth:8080",
		Store:            StoreHTTP,
		DatabaseURL:      "host=localhost user=postgres password=postgres dbname=collab port=5432 sslmode=disable",
		ShutdownTimeout:  30 * time.Second,
		AutosaveSchedule: "@every 5m",
		CORSOrigins:      []string{"*"},
		LogLevel:         "info",
	}
}

// Load builds the configuration from COLLAB_CONFIG_FILE (if set) and the environment.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("COLLAB_CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.Env = strings.ToLower(getEnvOrDefault("APP_ENV", cfg.Env))
	cfg.Port = getEnvOrDefault("PORT", cfg.Port)
	cfg.JWTSecret = getEnvOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.BackendURL = strings.TrimRight(getEnvOrDefault("BACKEND_URL", cfg.BackendURL), "/")
	cfg.AuthURL = strings.TrimRight(getEnvOrDefault("AUTH_URL", cfg.AuthURL), "/")
	cfg.AuthClientID = getEnvOrDefault("AUTH_CLIENT_ID", cfg.AuthClientID)
	cfg.AuthClientSecret = getEnvOrDefault("AUTH_CLIENT_SECRET", cfg.AuthClientSecret)
	cfg.Store = strings.ToLower(getEnvOrDefault("STORE", cfg.Store))
	cfg.DatabaseURL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", cfg.RedisAddr)
	cfg.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	if v, ok := os.LookupEnv("AUTOSAVE_SCHEDULE"); ok {
		cfg.AutosaveSchedule = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unusable settings.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreHTTP, StorePostgres, StoreSQLite:
	default:
		return errors.New("unsupported store: " + c.Store + ". Currently supported: http, postgres, sqlite")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Port == "" {
		return errors.New("port must not be empty")
	}
	if c.JWTSecret == "" {
		return errors.New("jwt secret must not be empty")
	}
	if c.Env == EnvProduction && c.JWTSecret == DefaultJWTSecret {
		return errors.New("jwt secret must be set in production")
	}
	return nil
}

// UsesDefaultSecret reports whether tokens are verified with the
// development secret.
func (c *Config) UsesDefaultSecret() bool { return c.JWTSecret == DefaultJWTSecret }

// Addr is the listen address.
func (c *Config) Addr() string { return ":" + c.Port }

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("45s") or plain seconds ("45").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
