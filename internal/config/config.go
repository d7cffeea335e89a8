// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"
	Version   string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Telegram
	BotToken           string
	BotUsername        string
	TelegramAPIURL     string
	WebhookSecret      string // X-Telegram-Bot-Api-Secret-Token of the bot webhook
	CallbackSecret     string // HMAC key of the internal invoice callback
	VerificationChatID int64  // service chat used to probe published posts

	// Sessions
	JWTSecret      string
	TokenTTL       time.Duration
	InitDataMaxAge time.Duration
	AdminToken     string

	// Blockchain settings. Chain components are disabled without a key.
	RPCURL             string
	ChainID            int64
	PlatformPrivateKey string // Hex-encoded, with or without 0x
	StableContract     string
	Confirmations      uint64
	CoinPollInterval   time.Duration
	StablePollInterval time.Duration
	WithdrawInterval   time.Duration
	ReconcileInterval  time.Duration

	// Rates
	CoinGeckoID          string
	RateSchedule         string
	RateMaxAge           time.Duration
	FallbackCoinStable   decimal.Decimal
	FallbackStablePoints decimal.Decimal

	// Referral
	ReferralBonusPoints decimal.Decimal

	// Infrastructure
	RedisURL     string   // optional; enables the cross-replica poll lease
	KafkaBrokers []string // optional; enables the event bus
	KafkaTopic   string
	OTLPEndpoint string // optional; enables tracing

	// Security
	RateLimitRPM      int
	RateLimitBurst    int
	RateLimitWriteRPM int
}

// Base Sepolia defaults
const (
	DefaultRPCURL         = "https://sepolia.base.org"
	DefaultChainID        = 84532                                        // Base Sepolia
	DefaultStableContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultRateLimit      = 120
	DefaultKafkaTopic     = "admarket.settlement"
	DefaultCoinGeckoID    = "ethereum"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	env := getEnv("ENV", DefaultEnv)
	logFormat := "json"
	if env == "development" {
		logFormat = "text"
	}

	cfg := &Config{
		Port:      getEnv("PORT", DefaultPort),
		Env:       env,
		LogLevel:  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat: getEnv("LOG_FORMAT", logFormat),
		Version:   getEnv("VERSION", "dev"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		BotToken:           os.Getenv("BOT_TOKEN"),
		BotUsername:        os.Getenv("BOT_USERNAME"),
		TelegramAPIURL:     getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
		WebhookSecret:      os.Getenv("TELEGRAM_WEBHOOK_SECRET"),
		CallbackSecret:     os.Getenv("INVOICE_CALLBACK_SECRET"),
		VerificationChatID: getEnvInt64("VERIFICATION_CHAT_ID", 0),

		JWTSecret:      os.Getenv("JWT_SECRET"),
		TokenTTL:       getEnvDuration("SESSION_TTL", 24*time.Hour),
		InitDataMaxAge: getEnvDuration("INIT_DATA_MAX_AGE", 24*time.Hour),
		AdminToken:     os.Getenv("ADMIN_TOKEN"),

		RPCURL:             getEnv("RPC_URL", DefaultRPCURL),
		ChainID:            getEnvInt64("CHAIN_ID", DefaultChainID),
		PlatformPrivateKey: os.Getenv("PLATFORM_PRIVATE_KEY"),
		StableContract:     getEnv("STABLE_CONTRACT", DefaultStableContract),
		Confirmations:      uint64(getEnvInt64("CONFIRMATIONS", 5)),
		CoinPollInterval:   getEnvDuration("COIN_POLL_INTERVAL", 15*time.Second),
		StablePollInterval: getEnvDuration("STABLE_POLL_INTERVAL", 20*time.Second),
		WithdrawInterval:   getEnvDuration("WITHDRAW_INTERVAL", 10*time.Second),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),

		CoinGeckoID:          getEnv("COINGECKO_ID", DefaultCoinGeckoID),
		RateSchedule:         os.Getenv("RATE_SCHEDULE"),
		RateMaxAge:           getEnvDuration("RATE_MAX_AGE", time.Hour),
		FallbackCoinStable:   getEnvDecimal("FALLBACK_COIN_STABLE", decimal.Zero),
		FallbackStablePoints: getEnvDecimal("FALLBACK_STABLE_POINTS", decimal.NewFromInt(50)),

		ReferralBonusPoints: getEnvDecimal("REFERRAL_BONUS_POINTS", decimal.NewFromInt(50)),

		RedisURL:     os.Getenv("REDIS_URL"),
		KafkaBrokers: getEnvList("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		RateLimitBurst:    int(getEnvInt64("RATE_LIMIT_BURST", 20)),
		RateLimitWriteRPM: int(getEnvInt64("RATE_LIMIT_WRITE_RPM", 30)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("BOT_TOKEN is required")
	}
	if c.BotUsername == "" {
		return fmt.Errorf("BOT_USERNAME is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() {
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.WebhookSecret == "" {
			return fmt.Errorf("TELEGRAM_WEBHOOK_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	if c.PlatformPrivateKey != "" {
		// Allow both with and without 0x prefix
		key := c.PlatformPrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PLATFORM_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when PLATFORM_PRIVATE_KEY is set")
		}
	}

	if c.FallbackCoinStable.IsNegative() || c.FallbackStablePoints.IsNegative() {
		return fmt.Errorf("fallback rates must not be negative")
	}
	if c.FallbackStablePoints.IsPositive() &&
		(c.FallbackStablePoints.LessThan(decimal.NewFromInt(1)) || c.FallbackStablePoints.GreaterThan(decimal.NewFromInt(1000))) {
		return fmt.Errorf("FALLBACK_STABLE_POINTS must be between 1 and 1000")
	}
	return nil
}

// ChainEnabled reports whether deposits and withdrawals can run.
func (c *Config) ChainEnabled() bool {
	return c.PlatformPrivateKey != "" && c.RPCURL != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
