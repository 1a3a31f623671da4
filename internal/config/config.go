package config

import (
	"errors"

	"github.com/spf13/viper"
)

// Config holds everything the server needs to start. Values come from the
// environment (optionally seeded from a .env file by main).
type Config struct {
	HTTPAddr  string
	DSN       string
	RedisAddr string
	JWTSecret string
	LogDev    bool
}

var (
	ErrMissingDSN       = errors.New("DB_DSN is not set")
	ErrMissingJWTSecret = errors.New("JWT_SECRET is not set")
)

func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("LOG_DEV", false)

	cfg := &Config{
		HTTPAddr:  v.GetString("HTTP_ADDR"),
		DSN:       v.GetString("DB_DSN"),
		RedisAddr: v.GetString("REDIS_ADDR"),
		JWTSecret: v.GetString("JWT_SECRET"),
		LogDev:    v.GetBool("LOG_DEV"),
	}

	if cfg.DSN == "" {
		return nil, ErrMissingDSN
	}
	if cfg.JWTSecret == "" {
		return nil, ErrMissingJWTSecret
	}

	return cfg, nil
}
