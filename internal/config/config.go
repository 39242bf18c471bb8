// Package config содержит логику чтения конфигурации промо-движка.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации промо-движка.
type Config struct {
	RunAddress      string        `env:"RUN_ADDRESS"`
	DatabaseURI     string        `env:"DATABASE_URI"`
	NotifierAddress string        `env:"NOTIFIER_ADDRESS"`
	AuthSecret      string        `env:"AUTH_SECRET"`
	ReservationTTL  time.Duration `env:"RESERVATION_TTL"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL"`
	RecalcInterval  time.Duration `env:"RECALC_INTERVAL"`
	RecalcBatchSize int           `env:"RECALC_BATCH_SIZE"`
	CASAttempts     int           `env:"CAS_ATTEMPTS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envNotifierAddress := cfg.NotifierAddress
	envAuthSecret := cfg.AuthSecret
	envReservationTTL := cfg.ReservationTTL
	envSweepInterval := cfg.SweepInterval
	envRecalcInterval := cfg.RecalcInterval
	envRecalcBatchSize := cfg.RecalcBatchSize
	envCASAttempts := cfg.CASAttempts

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.NotifierAddress, "n", "", "event notifier address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "service auth secret")
	flag.DurationVar(&cfg.ReservationTTL, "t", 30*time.Minute, "voucher reservation TTL")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", time.Minute, "expired reservation sweep interval")
	flag.DurationVar(&cfg.RecalcInterval, "recalc-interval", 5*time.Second, "rule recalculation interval")
	flag.IntVar(&cfg.RecalcBatchSize, "recalc-batch", 100, "rule recalculation batch size")
	flag.IntVar(&cfg.CASAttempts, "cas-attempts", 3, "voucher counter update attempts")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envNotifierAddress != "" {
		cfg.NotifierAddress = envNotifierAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envReservationTTL != 0 {
		cfg.ReservationTTL = envReservationTTL
	}
	if envSweepInterval != 0 {
		cfg.SweepInterval = envSweepInterval
	}
	if envRecalcInterval != 0 {
		cfg.RecalcInterval = envRecalcInterval
	}
	if envRecalcBatchSize != 0 {
		cfg.RecalcBatchSize = envRecalcBatchSize
	}
	if envCASAttempts != 0 {
		cfg.CASAttempts = envCASAttempts
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.RecalcBatchSize <= 0 {
		cfg.RecalcBatchSize = 100
	}
	if cfg.CASAttempts <= 0 {
		cfg.CASAttempts = 3
	}

	return cfg, nil
}
