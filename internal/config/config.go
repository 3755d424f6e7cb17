// Package config содержит логику чтения конфигурации сервиса вознаграждений.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса вознаграждений.
type Config struct {
	RunAddress    string        `env:"RUN_ADDRESS"`
	DatabaseURI   string        `env:"DATABASE_URI"`
	NotifyAddress string        `env:"NOTIFY_ADDRESS"`
	AuthSecret    string        `env:"AUTH_SECRET"`
	RedemptionTTL time.Duration `env:"REDEMPTION_TTL"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL"`
	TrackInterval time.Duration `env:"TRACK_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envNotifyAddress := cfg.NotifyAddress
	envAuthSecret := cfg.AuthSecret
	envRedemptionTTL := cfg.RedemptionTTL
	envSweepInterval := cfg.SweepInterval
	envTrackInterval := cfg.TrackInterval

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.NotifyAddress, "n", "", "notification relay address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for bearer token signing")
	flag.DurationVar(&cfg.RedemptionTTL, "ttl", 15*time.Minute, "redemption expiry window")
	flag.DurationVar(&cfg.SweepInterval, "sweep", 30*time.Second, "expiration sweep interval")
	flag.DurationVar(&cfg.TrackInterval, "track", 2*time.Second, "active redemption tracking interval")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envNotifyAddress != "" {
		cfg.NotifyAddress = envNotifyAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envRedemptionTTL != 0 {
		cfg.RedemptionTTL = envRedemptionTTL
	}
	if envSweepInterval != 0 {
		cfg.SweepInterval = envSweepInterval
	}
	if envTrackInterval != 0 {
		cfg.TrackInterval = envTrackInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.RedemptionTTL <= 0 {
		cfg.RedemptionTTL = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.TrackInterval <= 0 {
		cfg.TrackInterval = 2 * time.Second
	}

	return cfg, nil
}
