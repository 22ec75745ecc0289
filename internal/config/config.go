// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds all service configuration loaded from environment variables.
type Config struct {
	Port        string `env:"PORT,default=8000"`
	FrontendURL string `env:"FRONTEND_URL,default=http://localhost:3000"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	PostgresDSN      string `env:"POSTGRES_DSN,required"`
	PostgresMaxConns int    `env:"POSTGRES_MAX_CONNS,default=10"`

	MongoURI string `env:"MONGO_URI,default=mongodb://localhost:27017"`
	MongoDB  string `env:"MONGO_DB,default=pharmabot"`

	RedisAddr     string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	MinioEndpoint  string `env:"MINIO_ENDPOINT,default=localhost:9000"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET,default=prescription-images"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL,default=false"`

	// SecretKey signs access tokens (HS256).
	SecretKey       string        `env:"SECRET_KEY,required"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL,default=30m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL,default=168h"`

	GeminiAPIKey  string  `env:"GEMINI_API_KEY,required"`
	GeminiModel   string  `env:"GEMINI_MODEL,default=gemini-2.0-flash-lite"`
	GeminiBaseURL string  `env:"GEMINI_BASE_URL,default=https://generativelanguage.googleapis.com"`
	VisionRPS     float64 `env:"VISION_RPS,default=0.5"`
	VisionBurst   int     `env:"VISION_BURST,default=2"`

	LoginMaxAttempts int           `env:"LOGIN_MAX_ATTEMPTS,default=5"`
	LoginWindow      time.Duration `env:"LOGIN_WINDOW,default=15m"`

	MaxUploadBytes int64 `env:"MAX_UPLOAD_BYTES,default=10485760"`
}

// Load reads .env (if present) into the process environment and decodes Config.
func Load() (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	// VISION_RPS=0 turns the vision throttle off
	if c.VisionRPS < 0 || (c.VisionRPS > 0 && c.VisionBurst < 1) {
		return fmt.Errorf("VISION_RPS must not be negative and VISION_BURST must be at least 1 when throttling")
	}
	if c.LoginMaxAttempts < 1 {
		return fmt.Errorf("LOGIN_MAX_ATTEMPTS must be at least 1")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}
