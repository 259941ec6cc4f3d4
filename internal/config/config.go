// Package config loads server settings from a YAML file, with secrets
// (database credentials, signing key, broker addresses) taken from the
// environment.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/technosupport/ts-lms/internal/middleware"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	RateLimit middleware.RateLimitConfig `yaml:"rate_limit"`
	Notify    struct {
		Subject string `yaml:"subject"`
	} `yaml:"notify"`
}

// Load parses the config file at path. A missing file is not an error:
// defaults apply and everything else comes from the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Env returns the environment variable value or a default.
func Env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// PostgresDSN assembles the connection string from the environment.
func PostgresDSN() string {
	host := Env("DB_HOST", "localhost")
	port := Env("DB_PORT", "5432")
	user := os.Getenv("DB_USER")
	pass := os.Getenv("DB_PASSWORD")
	name := os.Getenv("DB_NAME")
	sslmode := Env("DB_SSLMODE", "disable")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, name, sslmode)
}
