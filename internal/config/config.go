// Package config содержит логику чтения конфигурации операторской консоли.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/text/currency"
)

const (
	defaultRunAddress     = "localhost:8080"
	defaultKafkaTopic     = "console.events"
	defaultCurrency       = "USD"
	defaultCreditInterval = 5 * time.Second
)

// Config содержит параметры конфигурации консоли.
type Config struct {
	RunAddress          string        `env:"RUN_ADDRESS"`
	DatabaseURI         string        `env:"DATABASE_URI"`
	KafkaBrokers        string        `env:"KAFKA_BROKERS"`
	KafkaTopic          string        `env:"KAFKA_TOPIC"`
	AuthSecret          string        `env:"AUTH_SECRET"`
	Currency            string        `env:"CURRENCY"`
	CreditRetryInterval time.Duration `env:"CREDIT_RETRY_INTERVAL"`
	LedgerSetEnabled    bool          `env:"LEDGER_SET_ENABLED" envDefault:"true"`
	LogLevel            string        `env:"LOG_LEVEL" envDefault:"info"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.KafkaBrokers, "k", "", "comma-separated Kafka brokers")
	flag.StringVar(&cfg.KafkaTopic, "t", defaultKafkaTopic, "Kafka topic for domain events")
	flag.StringVar(&cfg.AuthSecret, "s", "", "operator token secret")
	flag.StringVar(&cfg.Currency, "c", defaultCurrency, "ISO 4217 currency of all amounts")
	flag.DurationVar(&cfg.CreditRetryInterval, "i", defaultCreditInterval, "delivery credit retry interval")

	flag.Parse()

	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.DatabaseURI != "" {
		cfg.DatabaseURI = fromEnv.DatabaseURI
	}
	if fromEnv.KafkaBrokers != "" {
		cfg.KafkaBrokers = fromEnv.KafkaBrokers
	}
	if fromEnv.KafkaTopic != "" {
		cfg.KafkaTopic = fromEnv.KafkaTopic
	}
	if fromEnv.AuthSecret != "" {
		cfg.AuthSecret = fromEnv.AuthSecret
	}
	if fromEnv.Currency != "" {
		cfg.Currency = fromEnv.Currency
	}
	if fromEnv.CreditRetryInterval != 0 {
		cfg.CreditRetryInterval = fromEnv.CreditRetryInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = defaultKafkaTopic
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := currency.ParseISO(c.Currency); err != nil {
		return fmt.Errorf("invalid currency %q: %w", c.Currency, err)
	}

	if c.CreditRetryInterval <= 0 {
		return errors.New("credit retry interval must be positive")
	}

	return nil
}

// CurrencyUnit возвращает валюту, в минимальных единицах которой хранятся суммы.
func (c *Config) CurrencyUnit() currency.Unit {
	return currency.MustParseISO(c.Currency)
}
