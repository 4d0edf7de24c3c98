// Package config содержит логику чтения конфигурации сервиса безопасных сделок.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config содержит параметры конфигурации сервиса безопасных сделок.
type Config struct {
	RunAddress             string        `env:"RUN_ADDRESS"`
	DatabaseURI            string        `env:"DATABASE_URI"`
	PaymentProviderAddress string        `env:"PAYMENT_PROVIDER_ADDRESS"`
	RedisAddress           string        `env:"REDIS_ADDRESS"`
	AuthSecret             string        `env:"AUTH_SECRET"`
	ArbiterSecret          string        `env:"ARBITER_SECRET"`
	WebhookSecret          string        `env:"WEBHOOK_SECRET"`
	FeeRateRaw             string        `env:"FEE_RATE" envDefault:"0.03"`
	DepositTimeout         time.Duration `env:"DEPOSIT_TIMEOUT" envDefault:"30m"`
	OfferTimeout           time.Duration `env:"OFFER_TIMEOUT" envDefault:"24h"`
	SweepInterval          time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	ReferralBaseURL        string        `env:"REFERRAL_BASE_URL"`

	feeRate decimal.Decimal
}

// FeeRate возвращает ставку комиссии платформы.
func (c *Config) FeeRate() decimal.Decimal {
	return c.feeRate
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envPaymentAddress := cfg.PaymentProviderAddress
	envRedisAddress := cfg.RedisAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, empty for in-memory store")
	flag.StringVar(&cfg.PaymentProviderAddress, "p", "", "payment provider address")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for deal notifications")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envPaymentAddress != "" {
		cfg.PaymentProviderAddress = envPaymentAddress
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	rate, err := decimal.NewFromString(cfg.FeeRateRaw)
	if err != nil {
		return nil, fmt.Errorf("parse FEE_RATE %q: %w", cfg.FeeRateRaw, err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("FEE_RATE must be in [0, 1), got %s", rate)
	}
	cfg.feeRate = rate

	return cfg, nil
}
