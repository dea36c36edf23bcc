// Package config содержит логику чтения конфигурации библиотечного сервиса.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации библиотечного сервиса.
type Config struct {
	RunAddress         string        `env:"RUN_ADDRESS"`
	DatabaseURI        string        `env:"DATABASE_URI"`
	MailServiceAddress string        `env:"MAIL_SERVICE_ADDRESS"`
	AuthSecret         string        `env:"AUTH_SECRET"`
	ReconcileSpec      string        `env:"RECONCILE_SPEC"`
	ReconcileTimeout   time.Duration `env:"RECONCILE_TIMEOUT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envMailAddress := cfg.MailServiceAddress
	envAuthSecret := cfg.AuthSecret
	envReconcileSpec := cfg.ReconcileSpec
	envReconcileTimeout := cfg.ReconcileTimeout

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.MailServiceAddress, "m", "", "mail delivery service address")
	flag.StringVar(&cfg.AuthSecret, "s", "library-secret", "secret key for auth cookies")
	// 18:00 ежедневно
	flag.StringVar(&cfg.ReconcileSpec, "c", "0 18 * * *", "cron spec for the overdue reconciliation pass")
	flag.DurationVar(&cfg.ReconcileTimeout, "t", 5*time.Minute, "hard timeout for one reconciliation pass")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envMailAddress != "" {
		cfg.MailServiceAddress = envMailAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envReconcileSpec != "" {
		cfg.ReconcileSpec = envReconcileSpec
	}
	if envReconcileTimeout != 0 {
		cfg.ReconcileTimeout = envReconcileTimeout
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
