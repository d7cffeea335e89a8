package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func setRequired(t *testing.T) {
	t.Helper()
	setEnv(t, "BOT_TOKEN", "123:abc")
	setEnv(t, "BOT_USERNAME", "admarket_bot")
	setEnv(t, "JWT_SECRET", "dev-secret")
}

const validKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestLoad_WithValidConfig(t *testing.T) {
	setRequired(t)
	setEnv(t, "PORT", "9090")
	setEnv(t, "KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	setEnv(t, "RATE_MAX_AGE", "30m")
	setEnv(t, "FALLBACK_STABLE_POINTS", "75")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultStableContract, cfg.StableContract)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Minute, cfg.RateMaxAge)
	assert.True(t, cfg.FallbackStablePoints.Equal(decimal.NewFromInt(75)))
	assert.False(t, cfg.ChainEnabled())
}

func TestLoad_MissingBotToken(t *testing.T) {
	setRequired(t)
	setEnv(t, "BOT_TOKEN", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "BOT_TOKEN is required")
}

func TestLoad_InvalidPrivateKeyLength(t *testing.T) {
	setRequired(t)
	setEnv(t, "PLATFORM_PRIVATE_KEY", "tooshort")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestLoad_ChainEnabled(t *testing.T) {
	setRequired(t)
	setEnv(t, "PLATFORM_PRIVATE_KEY", "0x"+validKey)

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.ChainEnabled())
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{
			BotToken:             "123:abc",
			BotUsername:          "admarket_bot",
			JWTSecret:            "dev-secret",
			RPCURL:               DefaultRPCURL,
			FallbackStablePoints: decimal.NewFromInt(50),
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "valid private key",
			mutate:  func(c *Config) { c.PlatformPrivateKey = validKey },
			wantErr: "",
		},
		{
			name:    "missing bot username",
			mutate:  func(c *Config) { c.BotUsername = "" },
			wantErr: "BOT_USERNAME is required",
		},
		{
			name:    "missing jwt secret",
			mutate:  func(c *Config) { c.JWTSecret = "" },
			wantErr: "JWT_SECRET is required",
		},
		{
			name:    "invalid private key length",
			mutate:  func(c *Config) { c.PlatformPrivateKey = "abc123" },
			wantErr: "64 hex characters",
		},
		{
			name: "missing RPC URL",
			mutate: func(c *Config) {
				c.PlatformPrivateKey = validKey
				c.RPCURL = ""
			},
			wantErr: "RPC_URL is required",
		},
		{
			name: "weak secret in production",
			mutate: func(c *Config) {
				c.Env = "production"
			},
			wantErr: "at least 32 characters",
		},
		{
			name: "production without webhook secret",
			mutate: func(c *Config) {
				c.Env = "production"
				c.JWTSecret = "0123456789abcdef0123456789abcdef"
			},
			wantErr: "TELEGRAM_WEBHOOK_SECRET is required",
		},
		{
			name:    "fallback out of range",
			mutate:  func(c *Config) { c.FallbackStablePoints = decimal.NewFromInt(5000) },
			wantErr: "between 1 and 1000",
		},
		{
			name:    "negative fallback",
			mutate:  func(c *Config) { c.FallbackCoinStable = decimal.NewFromInt(-1) },
			wantErr: "must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_NEG", "-5s")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_NEG", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("NONEXISTENT_VAR", time.Second))
}
