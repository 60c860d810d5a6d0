// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverMongo  = "mongo"
	DriverBadger = "badger"
)

// Config is the cmd/api configuration.
type Config struct {
	Port    int `env:"PORT,default=50051" validate:"min=1,max=65535"`
	OpsPort int `env:"OPS_PORT,default=9090" validate:"min=0,max=65535"`

	StoreDriver     string        `env:"STORE_DRIVER,default=mongo" validate:"oneof=mongo badger"`
	MongoURI        string        `env:"MONGODB_URI" validate:"required_if=StoreDriver mongo"`
	MongoDatabase   string        `env:"MONGODB_DATABASE,default=chat_db"`
	BadgerPath      string        `env:"BADGER_PATH"`
	JWTSecret       string        `env:"JWT_SECRET"`
	JWTKeys         string        `env:"JWT_KEYS"`
	JWTActiveKid    string        `env:"JWT_ACTIVE_KID"`
	TokenTTL        time.Duration `env:"TOKEN_TTL,default=24h" validate:"gt=0"`
	AuthTimeout     time.Duration `env:"AUTH_TIMEOUT,default=10s" validate:"gt=0"`
	TypingTTL       time.Duration `env:"TYPING_TTL,default=1s" validate:"gt=0"`
	ConnBufferSize  int           `env:"CONNECTION_BUFFER_SIZE,default=256" validate:"min=1"`
	MaxContentLen   int           `env:"MAX_CONTENT_LENGTH,default=4000" validate:"min=1"`
	HistoryLimit    int64         `env:"HISTORY_LIMIT,default=100" validate:"min=1"`
	RateLimitRPM    int           `env:"RATE_LIMIT_RPM,default=10" validate:"min=1"`
	EventRatePerSec float64       `env:"EVENT_RATE_PER_SEC,default=20" validate:"gt=0"`
	EventBurst      int           `env:"EVENT_BURST,default=40" validate:"min=1"`
	TLSCert         string        `env:"TLS_CERT"`
	TLSKey          string        `env:"TLS_KEY"`
	RequireTLS      bool          `env:"REQUIRE_TLS,default=false"`
	LogLevel        string        `env:"LOG_LEVEL,default=INFO"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.JWTSecret == "" && c.JWTKeys == "" {
		return errors.New("invalid config: either JWT_SECRET or JWT_KEYS must be set")
	}
	if c.JWTKeys != "" {
		keys, err := c.JWTKeyMap()
		if err != nil {
			return err
		}
		if _, ok := keys[c.JWTActiveKid]; !ok {
			return fmt.Errorf("invalid config: JWT_ACTIVE_KID %q not found in JWT_KEYS", c.JWTActiveKid)
		}
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("invalid config: TLS_CERT and TLS_KEY must be set together")
	}
	if c.RequireTLS && c.TLSCert == "" {
		return errors.New("invalid config: REQUIRE_TLS is true but TLS_CERT/TLS_KEY are not configured")
	}
	return nil
}

// JWTKeyMap parses JWT_KEYS ("kid:secret,kid2:secret2").
func (c *Config) JWTKeyMap() (map[string]string, error) {
	keys := map[string]string{}
	for _, p := range strings.Split(c.JWTKeys, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kid, secret, ok := strings.Cut(p, ":")
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("invalid JWT_KEYS entry: %q", p)
		}
		keys[kid] = secret
	}
	if len(keys) == 0 {
		return nil, errors.New("invalid config: JWT_KEYS has no entries")
	}
	return keys, nil
}

// TLSEnabled reports whether certificates are configured.
func (c *Config) TLSEnabled() bool { return c.TLSCert != "" && c.TLSKey != "" }
