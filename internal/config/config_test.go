package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("STORE_DRIVER", "badger")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	req.NoError(err)
	req.Equal(50051, cfg.Port)
	req.Equal(DriverBadger, cfg.StoreDriver)
	req.Equal(24*time.Hour, cfg.TokenTTL)
	req.Equal(10*time.Second, cfg.AuthTimeout)
	req.Equal(time.Second, cfg.TypingTTL)
	req.Equal(256, cfg.ConnBufferSize)
	req.EqualValues(100, cfg.HistoryLimit)
	req.Equal("INFO", cfg.LogLevel)
	req.False(cfg.TLSEnabled())
}

func TestLoad_MongoNeedsURI(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	t.Setenv("MONGODB_URI", "")
	t.Setenv("JWT_SECRET", "s3cret")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("JWT_SECRET", "s3cret")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate_JWTRules(t *testing.T) {
	base := func() *Config {
		return &Config{
			Port: 1, StoreDriver: DriverBadger, TokenTTL: time.Hour, AuthTimeout: time.Second,
			TypingTTL: time.Second, ConnBufferSize: 1, MaxContentLen: 1, HistoryLimit: 1,
			RateLimitRPM: 1, EventRatePerSec: 1, EventBurst: 1,
		}
	}

	cfg := base()
	require.ErrorContains(t, cfg.Validate(), "JWT_SECRET or JWT_KEYS")

	cfg = base()
	cfg.JWTKeys = "k1:one,k2:two"
	cfg.JWTActiveKid = "k2"
	require.NoError(t, cfg.Validate())
	keys, err := cfg.JWTKeyMap()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"k1": "one", "k2": "two"}, keys)

	cfg.JWTActiveKid = "k3"
	require.ErrorContains(t, cfg.Validate(), "JWT_ACTIVE_KID")

	cfg.JWTKeys = "broken"
	require.ErrorContains(t, cfg.Validate(), "invalid JWT_KEYS entry")
}

func TestValidate_TLSRules(t *testing.T) {
	cfg := &Config{
		Port: 1, StoreDriver: DriverBadger, JWTSecret: "x", TokenTTL: time.Hour, AuthTimeout: time.Second,
		TypingTTL: time.Second, ConnBufferSize: 1, MaxContentLen: 1, HistoryLimit: 1,
		RateLimitRPM: 1, EventRatePerSec: 1, EventBurst: 1,
	}
	cfg.RequireTLS = true
	require.ErrorContains(t, cfg.Validate(), "REQUIRE_TLS")

	cfg.TLSCert = "cert.pem"
	require.ErrorContains(t, cfg.Validate(), "set together")

	cfg.TLSKey = "key.pem"
	require.NoError(t, cfg.Validate())
	require.True(t, cfg.TLSEnabled())
}
