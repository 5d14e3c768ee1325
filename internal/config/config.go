package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/logger"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	KafkaBrokers           []string
	KafkaTopic             string
	KafkaGroup             string
	AuthSecret             string
	AccessTokenTTLMinutes  int
	ManagerPIN             string
	DefaultTaxRate         decimal.Decimal
	DebtTermDays           int
	LockTimeout            time.Duration
	RevenueCacheTTLSeconds int
	RevenueWorkerBuffer    int
	RevenueMaxAttempts     int
	RecoverPendingAfter    time.Duration
	Timezone               string
	LogLevel               string
	LogFormat              string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	taxRate, err := decimal.NewFromString(getEnv("DEFAULT_TAX_RATE", "0.11"))
	if err != nil || taxRate.IsNegative() || taxRate.GreaterThan(decimal.NewFromInt(1)) {
		taxRate = decimal.RequireFromString("0.11")
	}

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		KafkaBrokers:           splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:             getEnv("KAFKA_TOPIC", "sales.events"),
		KafkaGroup:             getEnv("KAFKA_GROUP", "revenue-aggregator"),
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		ManagerPIN:             strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		DefaultTaxRate:         taxRate,
		DebtTermDays:           getPositiveInt("DEBT_TERM_DAYS", 30),
		LockTimeout:            time.Duration(getPositiveInt("LOCK_TIMEOUT_MS", 3000)) * time.Millisecond,
		RevenueCacheTTLSeconds: getPositiveInt("REVENUE_CACHE_TTL_SECONDS", 60),
		RevenueWorkerBuffer:    getPositiveInt("REVENUE_WORKER_BUFFER", 1024),
		RevenueMaxAttempts:     getPositiveInt("REVENUE_MAX_ATTEMPTS", 5),
		RecoverPendingAfter:    time.Duration(getPositiveInt("RECOVER_PENDING_AFTER_SECONDS", 120)) * time.Second,
		Timezone:               getEnv("APP_TIMEZONE", "Asia/Jakarta"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFormat:              getEnv("LOG_FORMAT", "console"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Location resolves Timezone, falling back to UTC when it is unknown.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) LoggerConfig() logger.LogConfig {
	cfg := logger.DefaultConfig()
	cfg.Level = c.LogLevel
	cfg.Format = c.LogFormat
	return cfg
}

// Validate checks settings every subcommand depends on. Secret strength is
// checked separately by the serve command.
func (c Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("APP_TIMEZONE %q: %w", c.Timezone, err)
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaTopic) == "" {
		return fmt.Errorf("KAFKA_TOPIC must be set when KAFKA_BROKERS is set")
	}
	return nil
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
