// Package config loads the service configuration from environment
// variables, with an optional .env file for development.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// MinJWTSecretLength is the minimum length accepted for the HMAC signing
// secret.
const MinJWTSecretLength = 32

// Config holds the activity service configuration.
type Config struct {
	Host      string `env:"ACTIVITYD_HOST" envDefault:"localhost"`
	Port      int    `env:"ACTIVITYD_PORT" envDefault:"8080"`
	DBPath    string `env:"ACTIVITYD_DB_PATH" envDefault:"./data/activity.db"`
	JWTSecret string `env:"ACTIVITYD_JWT_SECRET,required"`
	LogLevel  string `env:"ACTIVITYD_LOG_LEVEL" envDefault:"info"`
}

// ServerAddr returns the listen address in host:port format.
func (c Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load parses environment variables into a Config. A .env file in the
// working directory is loaded first if present; real environment variables
// win over file entries.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if len(cfg.JWTSecret) < MinJWTSecretLength {
		return nil, fmt.Errorf("ACTIVITYD_JWT_SECRET must be at least %d bytes long, got %d; "+
			"generate one with: openssl rand -base64 32", MinJWTSecretLength, len(cfg.JWTSecret))
	}

	return cfg, nil
}
